package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Dataset     DatasetConfig     `yaml:"dataset"`
	Health      HealthConfig      `yaml:"health"`
	Replication ReplicationConfig `yaml:"replication"`
	Failover    FailoverConfig    `yaml:"failover"`
	Drill       DrillConfig       `yaml:"drill"`
	SLO         SLOConfig         `yaml:"slo"`
	Storage     StorageConfig     `yaml:"storage"`
	Routing     RoutingConfig     `yaml:"routing"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Audit       AuditConfig       `yaml:"audit"`
}

type ServerConfig struct {
	Port          int     `yaml:"port" default:"8080"`
	LogLevel      string  `yaml:"log_level" default:"info"`
	LogFormat     string  `yaml:"log_format" default:"json"`
	JWTSigningKey string  `yaml:"jwt_signing_key"`
	RateLimit     float64 `yaml:"rate_limit" default:"5"`
	RateBurst     int     `yaml:"rate_burst" default:"10"`
}

type DatasetConfig struct {
	Name string `yaml:"name"`
	// Environment is "production" unless set; drills run only elsewhere
	Environment string         `yaml:"environment" default:"production"`
	Regions     []RegionConfig `yaml:"regions"`
}

// RegionConfig describes one region and how to reach it
type RegionConfig struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role"`
	Zone        string `yaml:"zone"`
	Endpoint    string `yaml:"endpoint"`     // client-facing health URL
	Address     string `yaml:"address"`      // host:port for the network probe
	AgentURL    string `yaml:"agent_url"`    // storage agent base URL
	DatabaseDSN string `yaml:"database_dsn"` // regional database
}

type HealthConfig struct {
	Interval        time.Duration `yaml:"interval" default:"5s"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" default:"2s"`
	DwellTime       time.Duration `yaml:"dwell_time" default:"15s"`
	DwellCycles     int           `yaml:"dwell_cycles" default:"3"`
	FreshnessQuery  string        `yaml:"freshness_query"`
	FreshnessMaxAge time.Duration `yaml:"freshness_max_age" default:"1m"`
}

type ReplicationConfig struct {
	Interval          time.Duration `yaml:"interval" default:"5s"`
	FreshnessWindow   time.Duration `yaml:"freshness_window" default:"30s"`
	QueryTimeout      time.Duration `yaml:"query_timeout" default:"2s"`
	CatchUpPollPeriod time.Duration `yaml:"catch_up_poll_period" default:"500ms"`
}

type FailoverConfig struct {
	LagCeilingMS    int64         `yaml:"lag_ceiling_ms" default:"30000"`
	CatchUpMaxLagMS int64         `yaml:"catch_up_max_lag_ms" default:"1000"`
	RPOBudget       time.Duration `yaml:"rpo_budget" default:"60s"`
	PromoteTimeout  time.Duration `yaml:"promote_timeout" default:"30s"`
	RoutingTimeout  time.Duration `yaml:"routing_timeout" default:"60s"`
	VerifyGrace     time.Duration `yaml:"verify_grace" default:"30s"`
	VerifyInterval  time.Duration `yaml:"verify_interval" default:"5s"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout" default:"5s"`
	PersistTimeout  time.Duration `yaml:"persist_timeout" default:"10s"`
	FenceTimeout    time.Duration `yaml:"fence_timeout" default:"5s"`
}

type DrillConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval" default:"720h"`
	RTOTarget    time.Duration `yaml:"rto_target" default:"5m"`
	RPOTarget    time.Duration `yaml:"rpo_target" default:"30s"`
	Timeout      time.Duration `yaml:"timeout" default:"15m"`
	SkipFailback bool          `yaml:"skip_failback"`
	Target       string        `yaml:"target"` // standby to drill; empty picks the lowest-lag one
}

type SLOConfig struct {
	Tier string `yaml:"tier" default:"standard"`
}

type StorageConfig struct {
	Type    string        `yaml:"type" default:"http"` // http or postgres
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type RoutingConfig struct {
	Type          string        `yaml:"type" default:"redis"` // redis or http
	RedisAddr     string        `yaml:"redis_addr" default:"localhost:6379"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout" default:"10s"`
}

type AlertingConfig struct {
	PageWebhookURL   string        `yaml:"page_webhook_url"`
	TicketWebhookURL string        `yaml:"ticket_webhook_url"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	KafkaTopic       string        `yaml:"kafka_topic" default:"failover-events"`
	InfoRate         float64       `yaml:"info_rate" default:"1"`
	InfoBurst        int           `yaml:"info_burst" default:"5"`
	BreakerFailures  uint32        `yaml:"breaker_failures" default:"5"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" default:"30s"`
}

type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix" default:"failover-records/"`
	S3Region    string `yaml:"s3_region" default:"us-east-1"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

// Load reads a YAML file, applies defaults and environment overrides,
// and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default
func (c *Config) ApplyDefaults() {
	setInt(&c.Server.Port, 8080)
	setString(&c.Server.LogLevel, "info")
	setString(&c.Server.LogFormat, "json")
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 5
	}
	setInt(&c.Server.RateBurst, 10)

	health := ha.DefaultHealthMonitorConfig()
	setDuration(&c.Health.Interval, health.Interval)
	setDuration(&c.Health.ProbeTimeout, health.ProbeTimeout)
	setDuration(&c.Health.FreshnessMaxAge, time.Minute)

	replication := ha.DefaultReplicationTrackerConfig()
	setDuration(&c.Replication.Interval, replication.Interval)
	setDuration(&c.Replication.FreshnessWindow, replication.FreshnessWindow)
	setDuration(&c.Replication.QueryTimeout, replication.QueryTimeout)
	setDuration(&c.Replication.CatchUpPollPeriod, replication.CatchUpPollPeriod)

	failover := ha.DefaultOrchestratorConfig()
	setDuration(&c.Health.DwellTime, failover.DwellTime)
	setInt(&c.Health.DwellCycles, failover.DwellCycles)
	if c.Failover.LagCeilingMS == 0 {
		c.Failover.LagCeilingMS = failover.LagCeilingMS
	}
	if c.Failover.CatchUpMaxLagMS == 0 {
		c.Failover.CatchUpMaxLagMS = failover.CatchUpMaxLagMS
	}
	setDuration(&c.Failover.RPOBudget, failover.RPOBudget)
	setDuration(&c.Failover.PromoteTimeout, failover.PromoteTimeout)
	setDuration(&c.Failover.RoutingTimeout, failover.RoutingTimeout)
	setDuration(&c.Failover.VerifyGrace, failover.VerifyGrace)
	setDuration(&c.Failover.VerifyInterval, failover.VerifyInterval)
	setDuration(&c.Failover.NotifyTimeout, failover.NotifyTimeout)
	setDuration(&c.Failover.PersistTimeout, failover.PersistTimeout)
	setDuration(&c.Failover.FenceTimeout, failover.FenceTimeout)

	setString(&c.Dataset.Environment, "production")

	drill := ha.DefaultDrillConfig()
	setDuration(&c.Drill.Interval, drill.Interval)
	setDuration(&c.Drill.RTOTarget, drill.RTOTarget)
	setDuration(&c.Drill.RPOTarget, drill.RPOTarget)
	setDuration(&c.Drill.Timeout, drill.Timeout)

	setString(&c.SLO.Tier, string(ha.TierStandard))

	setString(&c.Storage.Type, "http")
	setDuration(&c.Storage.Timeout, 10*time.Second)

	setString(&c.Routing.Type, "redis")
	setString(&c.Routing.RedisAddr, "localhost:6379")
	setDuration(&c.Routing.Timeout, 10*time.Second)

	setString(&c.Alerting.KafkaTopic, "failover-events")
	if c.Alerting.InfoRate <= 0 {
		c.Alerting.InfoRate = 1
	}
	setInt(&c.Alerting.InfoBurst, 5)
	if c.Alerting.BreakerFailures == 0 {
		c.Alerting.BreakerFailures = 5
	}
	setDuration(&c.Alerting.BreakerTimeout, 30*time.Second)

	setString(&c.Audit.S3Prefix, "failover-records/")
	setString(&c.Audit.S3Region, "us-east-1")
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Dataset.Name == "" {
		return errors.New("dataset.name is required")
	}
	if _, err := ha.NewTopology(c.Dataset.Name, c.Regions()); err != nil {
		return fmt.Errorf("dataset.regions: %w", err)
	}
	if err := c.OrchestratorConfig().Validate(); err != nil {
		return fmt.Errorf("failover: %w", err)
	}

	if c.Drill.Enabled && c.Production() {
		return errors.New("drill.enabled requires a non-production dataset.environment")
	}
	if c.Drill.Target != "" {
		if _, ok := c.Region(ha.RegionID(c.Drill.Target)); !ok {
			return fmt.Errorf("drill.target %q is not a configured region", c.Drill.Target)
		}
	}

	switch c.Storage.Type {
	case "http":
		for _, r := range c.Dataset.Regions {
			if r.AgentURL == "" {
				return fmt.Errorf("region %s: agent_url required for http storage", r.ID)
			}
		}
	case "postgres":
		for _, r := range c.Dataset.Regions {
			if r.DatabaseDSN == "" {
				return fmt.Errorf("region %s: database_dsn required for postgres storage", r.ID)
			}
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	switch c.Routing.Type {
	case "redis":
		if c.Routing.RedisAddr == "" {
			return errors.New("routing.redis_addr is required")
		}
	case "http":
		if c.Routing.URL == "" {
			return errors.New("routing.url is required")
		}
	default:
		return fmt.Errorf("unknown routing type %q", c.Routing.Type)
	}

	switch ha.ServiceTier(c.SLO.Tier) {
	case ha.TierCritical, ha.TierStandard, ha.TierBestEffort:
	default:
		return fmt.Errorf("unknown slo tier %q", c.SLO.Tier)
	}

	if c.Audit.S3Bucket != "" && (c.Audit.S3AccessKey == "") != (c.Audit.S3SecretKey == "") {
		return errors.New("audit s3 access and secret key must be set together")
	}
	return nil
}

// Regions converts the region list into topology input
func (c *Config) Regions() []ha.Region {
	regions := make([]ha.Region, 0, len(c.Dataset.Regions))
	for _, r := range c.Dataset.Regions {
		regions = append(regions, ha.Region{
			ID:   ha.RegionID(r.ID),
			Role: ha.Role(r.Role),
			Zone: r.Zone,
		})
	}
	return regions
}

// Region returns the config of one region
func (c *Config) Region(id ha.RegionID) (RegionConfig, bool) {
	for _, r := range c.Dataset.Regions {
		if ha.RegionID(r.ID) == id {
			return r, true
		}
	}
	return RegionConfig{}, false
}

func (c *Config) HealthMonitorConfig() *ha.HealthMonitorConfig {
	return &ha.HealthMonitorConfig{
		Interval:         c.Health.Interval,
		ProbeTimeout:     c.Health.ProbeTimeout,
		SubscriberBuffer: ha.DefaultHealthMonitorConfig().SubscriberBuffer,
	}
}

func (c *Config) ReplicationTrackerConfig() *ha.ReplicationTrackerConfig {
	return &ha.ReplicationTrackerConfig{
		Interval:          c.Replication.Interval,
		FreshnessWindow:   c.Replication.FreshnessWindow,
		QueryTimeout:      c.Replication.QueryTimeout,
		CatchUpPollPeriod: c.Replication.CatchUpPollPeriod,
	}
}

func (c *Config) OrchestratorConfig() *ha.OrchestratorConfig {
	return &ha.OrchestratorConfig{
		LagCeilingMS:    c.Failover.LagCeilingMS,
		CatchUpMaxLagMS: c.Failover.CatchUpMaxLagMS,
		RPOBudget:       c.Failover.RPOBudget,
		PromoteTimeout:  c.Failover.PromoteTimeout,
		RoutingTimeout:  c.Failover.RoutingTimeout,
		VerifyGrace:     c.Failover.VerifyGrace,
		VerifyInterval:  c.Failover.VerifyInterval,
		DwellTime:       c.Health.DwellTime,
		DwellCycles:     c.Health.DwellCycles,
		NotifyTimeout:   c.Failover.NotifyTimeout,
		PersistTimeout:  c.Failover.PersistTimeout,
		FenceTimeout:    c.Failover.FenceTimeout,
	}
}

func (c *Config) DrillConfig() *ha.DrillConfig {
	interval := c.Drill.Interval
	if !c.Drill.Enabled {
		interval = 0
	}
	return &ha.DrillConfig{
		Interval:   interval,
		RTOTarget:  c.Drill.RTOTarget,
		RPOTarget:  c.Drill.RPOTarget,
		Timeout:    c.Drill.Timeout,
		Failback:   !c.Drill.SkipFailback,
		Production: c.Production(),
	}
}

// Production reports whether the dataset serves production traffic
func (c *Config) Production() bool {
	return c.Dataset.Environment == "production"
}

// RTORPOConfig returns the SLO tier objectives, with drills held to the
// drill targets
func (c *Config) RTORPOConfig() ha.RTORPOConfig {
	rc := ha.GetTierDefaults(ha.ServiceTier(c.SLO.Tier))
	rc.Drill = ha.Objective{RTO: c.Drill.RTOTarget, RPO: c.Drill.RPOTarget}
	return rc
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
