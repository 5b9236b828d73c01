package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"towerintel/internal/api"
	"towerintel/internal/auth"
	"towerintel/internal/breaker"
	"towerintel/internal/bridge"
	"towerintel/internal/buildinfo"
	"towerintel/internal/bus"
	"towerintel/internal/cache"
	"towerintel/internal/config"
	"towerintel/internal/hub"
	"towerintel/internal/intel"
	"towerintel/internal/logging"
	"towerintel/internal/metrics"
	"towerintel/internal/ratelimit"
	"towerintel/internal/store"
	"towerintel/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: $CONFIG_PATH or ./config.yaml)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		b, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "render config: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(b)
		return
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logging.Info().Str("version", buildinfo.Version).Str("commit", buildinfo.Commit).Msg("starting tower intelligence gateway")
	if cfg.UsesDefaultSecret() {
		logging.Warn().Msg("using the built-in development JWT secret; set JWT_SECRET in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("gateway stopped")
	}
	logging.Info().Msg("shutdown complete")
}

// backends are the Redis-or-memory implementations of the auxiliary stores.
type backends struct {
	cache   cache.Backend
	counter ratelimit.Counter
	bus     bus.Bus
	ready   []api.Check
	jobs    []supervisor.Func
	close   func()
}

func newBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	if cfg.Redis.URL == "" {
		logging.Info().Msg("REDIS_URL not set; using in-process cache, counters and bus")
		mc := cache.NewMemory()
		counter := ratelimit.NewMemoryCounter()
		return &backends{
			cache:   mc,
			counter: counter,
			bus:     bus.NewMemory(),
			jobs: []supervisor.Func{
				{Name: "cache-sweeper", Run: func(ctx context.Context) error {
					mc.RunSweeper(ctx, time.Minute)
					return ctx.Err()
				}},
				supervisor.Every("rate-counter-prune", time.Minute, counter.Prune),
			},
			close: func() {},
		}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// cache and limiter fail open; the bridge reconnects on its own
		logging.Warn().Err(err).Msg("redis unreachable at startup")
	}
	return &backends{
		cache:   cache.NewRedis(rdb),
		counter: ratelimit.NewRedisCounter(rdb),
		bus:     bus.NewRedis(rdb).WithHealthCheck(cfg.Redis.HealthCheck),
		ready:   []api.Check{{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}},
		close:   func() { _ = rdb.Close() },
	}, nil
}

// openStore connects to Postgres when configured. Without a URL it serves the
// in-memory store; an unreachable database degrades to empty results.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func()) {
	if cfg.Database.URL == "" {
		m := store.NewMemory()
		if cfg.Database.SeedDemo {
			store.SeedDemo(m, time.Now())
			logging.Info().Msg("DATABASE_URL not set; serving seeded demo data")
		}
		return m, func() {}
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	defer cancel()
	pg, err := store.NewPostgres(connectCtx, cfg.Database.URL)
	if err != nil {
		logging.Error().Err(err).Msg("database unavailable; queries will return empty results")
		return store.Empty{}, func() {}
	}
	if cfg.Database.Migrate {
		if err := pg.MigrateDir(connectCtx, cfg.Database.MigrationsDir); err != nil {
			logging.Error().Err(err).Str("dir", cfg.Database.MigrationsDir).Msg("migrations failed")
		}
	}
	return pg, func() { _ = pg.Close() }
}

func rules(specs []config.RuleSpec) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(specs))
	for _, s := range specs {
		out = append(out, ratelimit.Rule{Pattern: s.Pattern, Limit: s.Limit, Window: s.Window})
	}
	return out
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Metrics.Enabled {
		metrics.RegisterDefault()
	}

	st, closeStore := openStore(ctx, cfg)
	defer closeStore()

	be, err := newBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	var c cache.Cache
	if cfg.Cache.Enabled {
		c = cache.NewFailOpen(be.cache, cfg.Redis.Timeout, breaker.DefaultSettings())
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(be.counter, rules(cfg.RateLimit.Rules), ratelimit.Options{
			Prefix:  cfg.RateLimit.Prefix,
			Timeout: cfg.Redis.Timeout,
			Breaker: breaker.DefaultSettings(),
		})
		if err != nil {
			return fmt.Errorf("rate limit rules: %w", err)
		}
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	pub := bus.NewPublisher(be.bus, cfg.Redis.Timeout)
	svc := intel.New(st, c, limiter, pub, intel.Options{
		Prefix: cfg.Cache.Prefix,
		TTL:    cfg.Cache.TTL,
		Floors: bus.Floors(cfg.Bridge.Channels),
	})
	connections := hub.NewManager(cfg.Bridge.Channels, hub.Options{
		SendTimeout:  cfg.WS.SendTimeout,
		MaxPerRemote: cfg.WS.MaxConnectionsPerIP,
		Workers:      cfg.WS.BroadcastWorkers,
	})

	server := api.NewServer(api.Deps{
		Config: cfg,
		Intel:  svc,
		Hub:    connections,
		Auth:   verifier,
		Ready:  append([]api.Check{{Name: "database", Probe: st.Ping}}, be.ready...),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddMessaging(bridge.New(be.bus, connections, bridge.Config{
		Channels:       cfg.Bridge.Channels,
		InitialBackoff: cfg.Bridge.InitialBackoff,
		MaxBackoff:     cfg.Bridge.MaxBackoff,
	}))
	tree.AddAPI(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))
	for _, job := range be.jobs {
		tree.AddMaintenance(job)
	}

	logging.Info().Str("addr", httpServer.Addr).Strs("channels", cfg.Bridge.Channels).Msg("listening")
	err = tree.Serve(ctx)

	connections.Close()
	pub.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
