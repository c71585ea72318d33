// internal/storage/agent.go
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"go.uber.org/zap"
)

// ErrUnknownRegion is returned for a region with no configured agent
var ErrUnknownRegion = errors.New("no storage agent for region")

// AgentConfig configures the storage agent client
type AgentConfig struct {
	Agents  map[ha.RegionID]string // region to agent base URL
	Token   string
	Timeout time.Duration
}

// AgentController drives a per-region storage agent over HTTP.
//
//	POST {agent}/promote
//	POST {agent}/demote
//	GET  {agent}/replication/lag  -> {"lag_ms": 120}
type AgentController struct {
	config     AgentConfig
	httpClient *http.Client
	logger     *zap.Logger
}

type lagResponse struct {
	LagMS *int64 `json:"lag_ms"`
}

// NewAgentController creates a storage agent client
func NewAgentController(config AgentConfig, logger *zap.Logger) *AgentController {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentController{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.Named("storage-agent"),
	}
}

func (c *AgentController) Promote(ctx context.Context, region ha.RegionID) error {
	c.logger.Info("promoting region", zap.String("region", string(region)))
	_, err := c.do(ctx, http.MethodPost, region, "/promote")
	return err
}

func (c *AgentController) Demote(ctx context.Context, region ha.RegionID) error {
	c.logger.Info("demoting region", zap.String("region", string(region)))
	_, err := c.do(ctx, http.MethodPost, region, "/demote")
	return err
}

// QueryLag returns the standby's replication lag in milliseconds.
// A null lag from the agent maps to ha.ErrLagUnavailable.
func (c *AgentController) QueryLag(ctx context.Context, standby ha.RegionID) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, standby, "/replication/lag")
	if err != nil {
		return 0, err
	}

	var resp lagResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode lag response: %w", err)
	}
	if resp.LagMS == nil {
		return 0, ha.ErrLagUnavailable
	}
	if *resp.LagMS < 0 {
		return 0, fmt.Errorf("agent reported negative lag %d", *resp.LagMS)
	}
	return *resp.LagMS, nil
}

func (c *AgentController) do(ctx context.Context, method string, region ha.RegionID, path string) ([]byte, error) {
	base, ok := c.config.Agents[region]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	var reqBody io.Reader
	if method == http.MethodPost {
		reqBody = bytes.NewReader([]byte("{}"))
	}

	url := strings.TrimSuffix(base, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
