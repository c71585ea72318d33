package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/FairForge/failover/internal/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type agentServer struct {
	mu    sync.Mutex
	calls []string
	auth  string
	lag   string
	fail  bool
}

func (a *agentServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls = append(a.calls, r.Method+" "+r.URL.Path)
		a.auth = r.Header.Get("Authorization")
		a.mu.Unlock()

		if a.fail {
			http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/replication/lag" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(a.lag))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func newAgent(t *testing.T, srv *agentServer) *AgentController {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return NewAgentController(AgentConfig{
		Agents: map[ha.RegionID]string{"us-west": ts.URL + "/"},
		Token:  "agent-token",
	}, zap.NewNop())
}

func TestAgentController_Commands(t *testing.T) {
	srv := &agentServer{}
	c := newAgent(t, srv)

	require.NoError(t, c.Promote(context.Background(), "us-west"))
	require.NoError(t, c.Demote(context.Background(), "us-west"))

	assert.Equal(t, []string{"POST /promote", "POST /demote"}, srv.calls)
	assert.Equal(t, "Bearer agent-token", srv.auth)
}

func TestAgentController_QueryLag(t *testing.T) {
	t.Run("reports lag", func(t *testing.T) {
		c := newAgent(t, &agentServer{lag: `{"lag_ms": 250}`})
		lag, err := c.QueryLag(context.Background(), "us-west")
		require.NoError(t, err)
		assert.Equal(t, int64(250), lag)
	})

	t.Run("null lag is unavailable", func(t *testing.T) {
		c := newAgent(t, &agentServer{lag: `{"lag_ms": null}`})
		_, err := c.QueryLag(context.Background(), "us-west")
		assert.ErrorIs(t, err, ha.ErrLagUnavailable)
	})

	t.Run("negative lag rejected", func(t *testing.T) {
		c := newAgent(t, &agentServer{lag: `{"lag_ms": -5}`})
		_, err := c.QueryLag(context.Background(), "us-west")
		assert.Error(t, err)
	})

	t.Run("malformed body", func(t *testing.T) {
		c := newAgent(t, &agentServer{lag: `not json`})
		_, err := c.QueryLag(context.Background(), "us-west")
		assert.Error(t, err)
	})
}

func TestAgentController_Errors(t *testing.T) {
	c := newAgent(t, &agentServer{fail: true})

	err := c.Promote(context.Background(), "us-west")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	err = c.Promote(context.Background(), "eu-central")
	assert.ErrorIs(t, err, ErrUnknownRegion)
}
