// cmd/failoverd/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/failover/internal/alerting"
	"github.com/FairForge/failover/internal/api"
	"github.com/FairForge/failover/internal/audit"
	"github.com/FairForge/failover/internal/config"
	"github.com/FairForge/failover/internal/ha"
	"github.com/FairForge/failover/internal/logger"
	"github.com/FairForge/failover/internal/probe"
	"github.com/FairForge/failover/internal/routing"
	"github.com/FairForge/failover/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("FAILOVER_CONFIG", "failover.yaml"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("failover orchestrator exited", zap.Error(err))
	}
	log.Info("failover orchestrator stopped")
}

// components holds what run needs to close on exit
type components struct {
	closers []func() error
}

func (c *components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *components) close(log *zap.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var c components
	defer c.close(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ha.NewMetrics(reg)

	dbs, err := openRegionDatabases(cfg)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		c.onClose(db.Close)
	}

	layer, err := buildStorage(cfg, dbs, log)
	if err != nil {
		return err
	}

	router, err := buildRouter(ctx, cfg, &c, log)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(cfg, &c, log)
	if err != nil {
		return err
	}

	store, err := buildAuditStore(ctx, cfg, &c, log)
	if err != nil {
		return err
	}

	regions := restoreRoles(ctx, cfg, store, log)
	topology, err := ha.NewTopology(cfg.Dataset.Name, regions)
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}

	monitor, err := ha.NewHealthMonitor(cfg.HealthMonitorConfig(), buildProbes(cfg, dbs), log, metrics)
	if err != nil {
		return fmt.Errorf("create health monitor: %w", err)
	}

	tracker, err := ha.NewReplicationTracker(cfg.ReplicationTrackerConfig(), layer, log, metrics)
	if err != nil {
		return fmt.Errorf("create replication tracker: %w", err)
	}

	rto, err := ha.NewRTORPOTracker(cfg.RTORPOConfig())
	if err != nil {
		return fmt.Errorf("create rto/rpo tracker: %w", err)
	}

	orch, err := ha.NewOrchestrator(cfg.OrchestratorConfig(), ha.OrchestratorDeps{
		Topology: topology,
		Monitor:  monitor,
		Tracker:  tracker,
		Storage:  layer,
		Router:   router,
		Notifier: dispatcher,
		Store:    store,
		RTO:      rto,
		Metrics:  metrics,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	drills, err := ha.NewDrillScheduler(cfg.DrillConfig(), orch, dispatcher, metrics, log)
	if err != nil {
		return fmt.Errorf("create drill scheduler: %w", err)
	}

	server, err := api.NewServer(ctx, api.Config{
		Port:          cfg.Server.Port,
		JWTSigningKey: cfg.Server.JWTSigningKey,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	}, api.Deps{
		Orchestrator: orch,
		Drills:       drills,
		RTO:          rto,
		History:      store,
		Gatherer:     reg,
	}, log)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	log.Info("starting failover orchestrator",
		zap.String("dataset", topology.Dataset()),
		zap.String("primary", string(topology.Primary().ID)),
		zap.String("storage", cfg.Storage.Type),
		zap.String("routing", cfg.Routing.Type),
		zap.Int("port", cfg.Server.Port))

	verdicts := monitor.Subscribe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx, topology.Regions())
		return nil
	})
	g.Go(func() error {
		tracker.Run(gctx, topology)
		return nil
	})
	g.Go(func() error {
		if err := orch.Run(gctx, verdicts); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("orchestrator: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		drills.Run(gctx, ha.RegionID(cfg.Drill.Target))
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openRegionDatabases connects to every region that has a DSN. The
// connections back both the postgres storage layer and the SQL probes.
func openRegionDatabases(cfg *config.Config) (map[ha.RegionID]*sql.DB, error) {
	dsns := make(map[ha.RegionID]string)
	for _, r := range cfg.Dataset.Regions {
		if r.DatabaseDSN != "" {
			dsns[ha.RegionID(r.ID)] = r.DatabaseDSN
		}
	}
	if len(dsns) == 0 {
		return nil, nil
	}
	dbs, err := storage.OpenPostgres(dsns)
	if err != nil {
		return nil, fmt.Errorf("open region databases: %w", err)
	}
	return dbs, nil
}

func buildStorage(cfg *config.Config, dbs map[ha.RegionID]*sql.DB, log *zap.Logger) (ha.StorageLayer, error) {
	switch cfg.Storage.Type {
	case "http":
		agents := make(map[ha.RegionID]string)
		for _, r := range cfg.Dataset.Regions {
			agents[ha.RegionID(r.ID)] = r.AgentURL
		}
		return storage.NewAgentController(storage.AgentConfig{
			Agents:  agents,
			Token:   cfg.Storage.Token,
			Timeout: cfg.Storage.Timeout,
		}, log), nil
	case "postgres":
		return storage.NewPostgresReplication(dbs, log), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func buildProbes(cfg *config.Config, dbs map[ha.RegionID]*sql.DB) []ha.Probe {
	timeout := cfg.Health.ProbeTimeout
	endpoints := make(map[ha.RegionID]string)
	addresses := make(map[ha.RegionID]string)
	for _, r := range cfg.Dataset.Regions {
		if r.Endpoint != "" {
			endpoints[ha.RegionID(r.ID)] = r.Endpoint
		}
		if r.Address != "" {
			addresses[ha.RegionID(r.ID)] = r.Address
		}
	}

	var probes []ha.Probe
	if len(dbs) > 0 {
		probes = append(probes, probe.NewStorageProbe(dbs, timeout))
		if cfg.Health.FreshnessQuery != "" {
			probes = append(probes, probe.NewFreshnessProbe(dbs, cfg.Health.FreshnessQuery, cfg.Health.FreshnessMaxAge, timeout))
		}
	}
	if len(endpoints) > 0 {
		probes = append(probes, probe.NewEndpointProbe(nil, endpoints, timeout))
	}
	if len(addresses) > 0 {
		probes = append(probes, probe.NewNetworkProbe(addresses, timeout/2, timeout))
	}
	return probes
}

func buildRouter(ctx context.Context, cfg *config.Config, c *components, log *zap.Logger) (ha.Router, error) {
	switch cfg.Routing.Type {
	case "redis":
		client, err := routing.NewRedisClient(ctx, cfg.Routing.RedisAddr, cfg.Routing.RedisPassword, cfg.Routing.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect routing redis: %w", err)
		}
		c.onClose(client.Close)
		return routing.NewRedisRouter(client, cfg.Dataset.Name, log), nil
	case "http":
		return routing.NewHTTPRouter(cfg.Routing.URL, cfg.Routing.Token, cfg.Dataset.Name, cfg.Routing.Timeout, log), nil
	default:
		return nil, fmt.Errorf("unknown routing type %q", cfg.Routing.Type)
	}
}

func buildDispatcher(cfg *config.Config, c *components, log *zap.Logger) (*alerting.Dispatcher, error) {
	a := cfg.Alerting
	d := alerting.NewDispatcher(&alerting.DispatcherConfig{
		InfoRate:        a.InfoRate,
		InfoBurst:       a.InfoBurst,
		BreakerFailures: a.BreakerFailures,
		BreakerTimeout:  a.BreakerTimeout,
	}, log)

	d.AddEventSink(alerting.NewLogSink(log))

	if len(a.KafkaBrokers) > 0 {
		sink, err := alerting.NewKafkaSink(a.KafkaBrokers, a.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("create kafka sink: %w", err)
		}
		c.onClose(sink.Close)
		d.AddEventSink(sink)
	}

	if a.PageWebhookURL != "" {
		d.AddPageSink(alerting.NewWebhookSink("pager", a.PageWebhookURL, a.WebhookSecret, 10*time.Second))
	} else {
		log.Warn("no page webhook configured, pages go to the log only")
		d.AddPageSink(alerting.NewLogSink(log))
	}

	if a.TicketWebhookURL != "" {
		d.AddTicketSink(alerting.NewWebhookSink("tickets", a.TicketWebhookURL, a.WebhookSecret, 10*time.Second))
	} else {
		d.AddTicketSink(alerting.NewLogSink(log))
	}
	return d, nil
}

func buildAuditStore(ctx context.Context, cfg *config.Config, c *components, log *zap.Logger) (audit.Store, error) {
	var primary audit.Store
	if cfg.Audit.PostgresDSN != "" {
		pg, err := audit.OpenPostgresStore(ctx, cfg.Audit.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		c.onClose(pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate audit store: %w", err)
		}
		primary = pg
	} else {
		log.Warn("no audit database configured, failover history is kept in memory")
		primary = audit.NewMemoryStore()
	}

	if cfg.Audit.S3Bucket == "" {
		return primary, nil
	}

	archiver, err := audit.NewS3Archiver(ctx, audit.ArchiveConfig{
		Bucket:    cfg.Audit.S3Bucket,
		Prefix:    cfg.Audit.S3Prefix,
		Region:    cfg.Audit.S3Region,
		Endpoint:  cfg.Audit.S3Endpoint,
		AccessKey: cfg.Audit.S3AccessKey,
		SecretKey: cfg.Audit.S3SecretKey,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create audit archiver: %w", err)
	}
	return audit.NewMultiStore(primary, archiver), nil
}

// restoreRoles overlays the last persisted role table on the configured
// regions so a restart does not undo a completed failover.
func restoreRoles(ctx context.Context, cfg *config.Config, store audit.Store, log *zap.Logger) []ha.Region {
	regions := cfg.Regions()

	roles, err := store.Roles(ctx, cfg.Dataset.Name)
	if err != nil {
		log.Warn("could not load persisted roles, using configured roles", zap.Error(err))
		return regions
	}
	if len(roles) == 0 {
		return regions
	}

	restored := make([]ha.Region, len(regions))
	copy(restored, regions)
	for i := range restored {
		role, ok := roles[restored[i].ID]
		if !ok {
			return regions
		}
		restored[i].Role = role
	}

	if _, err := ha.NewTopology(cfg.Dataset.Name, restored); err != nil {
		log.Warn("persisted roles are inconsistent, using configured roles", zap.Error(err))
		return regions
	}
	log.Info("restored persisted region roles", zap.Int("regions", len(restored)))
	return restored
}
