package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"qms/queue-engine/internal/audit"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/feed"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/reactor"
	"qms/queue-engine/internal/reset"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// backend is a Store that can also keep and read back derivation records.
type backend interface {
	store.Store
	store.AuditSink
	audit.Reader
}

// feedGate lets the engine ask the reactor about the change feed before the
// reactor, which needs the engine, exists.
type feedGate struct {
	reactor atomic.Pointer[reactor.Reactor]
}

func (g *feedGate) Connected() bool {
	r := g.reactor.Load()
	return r != nil && r.Connected()
}

func main() {
	configPath := pflag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("queue-engine stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	shutdownTelemetry := telemetry.Setup("queue-engine", logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, reader, closeAudit, err := openAudit(cfg, st)
	if err != nil {
		return err
	}
	defer closeAudit()

	var async *audit.Async
	var auditSink store.AuditSink
	if sink != nil {
		async = audit.NewAsync(sink, audit.AsyncOptions{Logger: logger})
		auditSink = async
	}

	gate := &feedGate{}
	eng := engine.New(st, engine.Options{
		Logger:         logger,
		Audit:          auditSink,
		Connectivity:   gate,
		Location:       cfg.Location,
		WriteRetries:   cfg.WriteRetries,
		ToggleDebounce: cfg.ToggleDebounce(),
	})

	realtime := hub.New(logger)
	forwarders := []reactor.Forwarder{realtime}
	if cfg.RedisURL != "" {
		client, err := feed.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		forwarders = append(forwarders, feed.NewPublisher(client, cfg.RedisStream, int64(cfg.RedisStreamMaxLen)))
		logger.WithField("stream", cfg.RedisStream).Info("publishing changes to redis")
	}

	rct := reactor.New(eng, st, reactor.Options{
		Logger:         logger,
		DedupCapacity:  cfg.DedupCapacity,
		DedupTTL:       cfg.DedupTTL(),
		Freshness:      cfg.FeedFreshness(),
		HealthInterval: cfg.FeedHealthInterval(),
		Forwarders:     forwarders,
	})
	gate.reactor.Store(rct)

	job, err := reset.New(eng, reset.Options{
		Schedule: cfg.DailyResetSchedule,
		Location: cfg.Location,
		Logger:   logger,
		CatchUp:  cfg.DailyResetCatchUp,
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(eng, reader)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		EmployeePerMinute: cfg.EmployeeRateLimitPerMinute,
		EmployeeBurst:     cfg.EmployeeRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtime.Handler("/realtime"))
	mux.Handle("/", limiter.Middleware(handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, mux), "queue-engine"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rct.Run(gctx)
	})
	g.Go(func() error {
		return job.Start(gctx)
	})
	if async != nil {
		g.Go(func() error {
			return async.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("queue-engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("queue-engine stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (backend, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		return memory.New(nil), func() {}, nil
	default:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		st := postgres.NewStore(pool, postgres.Options{Logger: logger})
		return st, func() {
			st.Close()
			pool.Close()
		}, nil
	}
}

// openAudit picks where derivation records go and where they are read back
// from. A nil sink disables the audit trail.
func openAudit(cfg config.Config, st backend) (store.AuditSink, audit.Reader, func(), error) {
	switch cfg.AuditBackend {
	case config.AuditNone:
		return nil, nil, func() {}, nil
	case config.AuditSQLite:
		journal, err := audit.OpenJournal(cfg.AuditSQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return journal, journal, func() { _ = journal.Close() }, nil
	default:
		return st, st, func() {}, nil
	}
}
