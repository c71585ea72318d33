package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9000
dataset:
  name: orders
  environment: staging
  regions:
    - id: us-east
      role: primary
      zone: us-east-1
      agent_url: http://agent.us-east:7000
    - id: us-west
      role: standby
      zone: us-west-2
      agent_url: http://agent.us-west:7000
health:
  interval: 2s
  dwell_cycles: 4
failover:
  lag_ceiling_ms: 10000
  rpo_budget: 45s
drill:
  enabled: true
  interval: 168h
  target: us-west
routing:
  type: redis
  redis_addr: redis:6379
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	t.Run("explicit values kept", func(t *testing.T) {
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "orders", cfg.Dataset.Name)
		assert.Equal(t, 2*time.Second, cfg.Health.Interval)
		assert.Equal(t, 4, cfg.Health.DwellCycles)
		assert.Equal(t, int64(10000), cfg.Failover.LagCeilingMS)
		assert.Equal(t, 45*time.Second, cfg.Failover.RPOBudget)
	})

	t.Run("defaults applied", func(t *testing.T) {
		assert.Equal(t, 15*time.Second, cfg.Health.DwellTime)
		assert.Equal(t, 30*time.Second, cfg.Replication.FreshnessWindow)
		assert.Equal(t, int64(1000), cfg.Failover.CatchUpMaxLagMS)
		assert.Equal(t, 30*time.Second, cfg.Failover.VerifyGrace)
		assert.Equal(t, 5*time.Minute, cfg.Drill.RTOTarget)
		assert.Equal(t, "standard", cfg.SLO.Tier)
		assert.Equal(t, "http", cfg.Storage.Type)
	})

	t.Run("converts to component configs", func(t *testing.T) {
		regions := cfg.Regions()
		require.Len(t, regions, 2)
		assert.Equal(t, ha.RolePrimary, regions[0].Role)

		oc := cfg.OrchestratorConfig()
		assert.Equal(t, 4, oc.DwellCycles)
		assert.NoError(t, oc.Validate())

		dc := cfg.DrillConfig()
		assert.Equal(t, 168*time.Hour, dc.Interval)
		assert.True(t, dc.Failback)
		assert.False(t, dc.Production)
		assert.Equal(t, "us-west", cfg.Drill.Target)

		rc := cfg.RTORPOConfig()
		assert.Equal(t, 15*time.Minute, rc.Production.RTO)
		assert.Equal(t, 5*time.Minute, rc.Drill.RTO)
		assert.NoError(t, rc.Validate())

		west, ok := cfg.Region("us-west")
		require.True(t, ok)
		assert.Equal(t, "http://agent.us-west:7000", west.AgentURL)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing dataset", func(c *Config) { c.Dataset.Name = "" }},
		{"two primaries", func(c *Config) { c.Dataset.Regions[1].Role = "primary" }},
		{"single region", func(c *Config) { c.Dataset.Regions = c.Dataset.Regions[:1] }},
		{"catch-up above ceiling", func(c *Config) { c.Failover.CatchUpMaxLagMS = c.Failover.LagCeilingMS + 1 }},
		{"missing agent url", func(c *Config) { c.Dataset.Regions[0].AgentURL = "" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Type = "postgres" }},
		{"unknown routing", func(c *Config) { c.Routing.Type = "carrier-pigeon" }},
		{"http routing without url", func(c *Config) { c.Routing.Type = "http" }},
		{"unknown tier", func(c *Config) { c.SLO.Tier = "gold" }},
		{"drills on production", func(c *Config) { c.Dataset.Environment = "production" }},
		{"unknown drill target", func(c *Config) { c.Drill.Target = "ap-south" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProductionByDefault(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	assert.True(t, cfg.Production())
	assert.True(t, cfg.DrillConfig().Production)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Dataset.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FAILOVER_PORT", "7070")
	t.Setenv("FAILOVER_LOG_LEVEL", "debug")
	t.Setenv("FAILOVER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("FAILOVER_JWT_SIGNING_KEY", "s3cret")

	cfg := &Config{}
	LoadFromEnv(cfg)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Alerting.KafkaBrokers)
	assert.Equal(t, "s3cret", cfg.Server.JWTSigningKey)
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("FAILOVER_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnvOrDefault("FAILOVER_TEST_VALUE", "default"))
	assert.Equal(t, "default", GetEnvOrDefault("FAILOVER_TEST_UNSET", "default"))
}
