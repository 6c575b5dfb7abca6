package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/editsync/internal/cache/featurestore"
	"github.com/mohammed-shakir/editsync/internal/cache/redisstore"
	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/featureservice"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/core/router"
	"github.com/mohammed-shakir/editsync/internal/core/server"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/intercept"
	"github.com/mohammed-shakir/editsync/internal/logger"
	"github.com/mohammed-shakir/editsync/internal/session"
	"github.com/mohammed-shakir/editsync/internal/zonecell"
	"github.com/mohammed-shakir/editsync/pkg/editevents/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "edit document path (overrides EDIT_CONFIG_PATH)")
	flag.Parse()

	cfg := config.FromEnv()
	if *configFlag != "" {
		cfg.EditConfigPath = strings.TrimSpace(*configFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "editsync",
		Component: "main",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	var (
		metrics http.Handler
		reg     prometheus.Registerer
	)
	if cfg.MetricsEnabled {
		p := observability.NewProvider(observability.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		})
		reg = p.Registerer()
		observability.Init(reg, true)
		metrics = p.Handler()
	} else {
		observability.Init(nil, false)
	}

	doc, err := config.LoadDocument(cfg.EditConfigPath)
	if err != nil {
		appLog.Error("edit config load failed", "err", err)
		return 1
	}
	appLog.Info("starting editsync",
		"addr", cfg.Addr,
		"version", Version,
		"feature_service", cfg.FeatureServiceURL,
		"edit_config", cfg.EditConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := featureservice.NewOutbound(30 * time.Second)

	deps := server.Deps{Metrics: metrics}
	var mirror *datasource.RedisMirror
	if cfg.RedisEnabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithPoolSize(cfg.RedisPoolSize),
			redisstore.WithMinIdleConns(cfg.RedisMinIdle),
			redisstore.WithDialTimeout(cfg.RedisDialTimeout),
			redisstore.WithReadTimeout(cfg.RedisOpTimeout),
			redisstore.WithWriteTimeout(cfg.RedisOpTimeout),
		)
		if err != nil {
			appLog.Warn("redis unavailable, data source mirror disabled", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			mirror = datasource.NewRedisMirror(featurestore.NewRedisStore(rc, cfg.MirrorTTL), cfg.MirrorTTL)
			deps.Store = rc
		}
	}

	cells, err := zonecell.New(cfg.ZoneCellRes)
	if err != nil {
		appLog.Error("zone cell mapper", "err", err)
		return 1
	}
	enricherFor := func(lc config.LookupConfig) *intercept.Enricher {
		lookups, err := intercept.OpenLookups(appLog, httpClient, lc)
		if err != nil {
			appLog.Warn("lookup layers unavailable, enrichment falls back", "err", err)
			lookups = intercept.Lookups{}
		}
		return intercept.NewEnricher(lc, lookups,
			intercept.WithLookupTimeout(cfg.LookupTimeout),
			intercept.WithZoneCache(cfg.ZoneCacheSize, cells),
			intercept.WithEnricherLogger(appLog),
		)
	}

	binder := session.NewBinder(session.FeatureServiceFactory(appLog, httpClient, cfg.FeatureServiceURL), mirror, appLog)
	mgr := session.NewManager(binder, doc, session.Options{
		Logger:           appLog,
		CanEdit:          true,
		Debounce:         cfg.CatalogDebounce,
		Cooldown:         cfg.SelectionCooldown,
		GeometryWait:     cfg.GeometryWait,
		FeatureCacheSize: cfg.FeatureCacheSize,
		Enricher:         enricherFor,
	})
	defer mgr.CloseAll()

	runner := kafka.New(kafka.ConfigFrom(cfg.EditEvents), mgr, kafka.Options{Logger: appLog, Register: reg})
	if err := runner.Start(ctx); err != nil {
		appLog.Error("edit event runner start failed", "err", err)
		return 1
	}
	defer runner.Stop()
	deps.Readiness = runner

	supervisors := func(ctx context.Context) ([]string, error) {
		lookups, err := intercept.OpenLookups(appLog, httpClient, mgr.Document().Lookup())
		if err != nil {
			return nil, err
		}
		return intercept.SupervisorNames(ctx, lookups.Technician)
	}
	deps.API = router.New(appLog, mgr, supervisors)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.Addr, appLog, deps)
	})
	g.Go(func() error {
		reloadOnHangup(gctx, appLog, cfg.EditConfigPath, mgr)
		return nil
	})
	if err := g.Wait(); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// reloadOnHangup re-reads the edit document on SIGHUP and applies it to every
// open session.
func reloadOnHangup(ctx context.Context, log *slog.Logger, path string, mgr *session.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			doc, err := config.LoadDocument(path)
			if err != nil {
				log.Warn("edit config reload failed", "err", err)
				continue
			}
			mgr.SetDocument(ctx, doc)
			log.Info("edit config reloaded", "sessions", mgr.Len())
		}
	}
}
