package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"go.uber.org/zap"
)

// HTTPRouter sets the active region through a load balancer admin API
// with PUT {url}/active-region
type HTTPRouter struct {
	url        string
	token      string
	dataset    string
	httpClient *http.Client
	logger     *zap.Logger
}

type activeRegionRequest struct {
	Dataset string      `json:"dataset"`
	Region  ha.RegionID `json:"region"`
}

// NewHTTPRouter creates an HTTP routing client
func NewHTTPRouter(url, token, dataset string, timeout time.Duration, logger *zap.Logger) *HTTPRouter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRouter{
		url:        strings.TrimSuffix(url, "/"),
		token:      token,
		dataset:    dataset,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("routing-http"),
	}
}

func (r *HTTPRouter) SetActiveRegion(ctx context.Context, region ha.RegionID) error {
	body, err := json.Marshal(activeRegionRequest{Dataset: r.dataset, Region: region})
	if err != nil {
		return fmt.Errorf("failed to marshal routing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.url+"/active-region", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("routing request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("routing update failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	r.logger.Info("active region updated", zap.String("dataset", r.dataset), zap.String("region", string(region)))
	return nil
}
