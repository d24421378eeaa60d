package cli

import (
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"portaljobs/internal/allocation"
	"portaljobs/internal/config"
	"portaljobs/internal/gateway"
	"portaljobs/internal/jobs"
	"portaljobs/internal/lock"
	"portaljobs/internal/metrics"
	"portaljobs/internal/notify"
	"portaljobs/internal/reconcile"
	"portaljobs/internal/store"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	store    *store.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector
	runner   *jobs.Runner
	redis    goredislib.UniversalClient
}

func setupLogging(cfg *config.Config, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(cfg *config.Config) (*sql.DB, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, store: store.New(db), registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(a.registry)

	locker, err := a.locker()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = jobs.NewRunner(locker, a.store, a.metrics).WithDefaultTTL(cfg.Lock.DefaultTTL)
	a.registerJobs()
	return a, nil
}

func (a *app) locker() (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "file":
		fs, err := lock.NewFileStore(a.cfg.Lock.Dir)
		if err != nil {
			return nil, err
		}
		return lock.NewManager(fs), nil
	case "redis":
		a.redis = goredislib.NewClient(&goredislib.Options{
			Addr:     a.cfg.Lock.Redis.Addr,
			Password: a.cfg.Lock.Redis.Password,
			DB:       a.cfg.Lock.Redis.DB,
		})
		return lock.NewRedisLocker(a.redis, a.cfg.Lock.Redis.Prefix), nil
	default:
		return lock.NewManager(store.NewLockStore(a.db)), nil
	}
}

func (a *app) registerJobs() {
	cfg := a.cfg
	messenger := notify.NewBreaker(notify.LogMessenger{}, notify.BreakerSettings{
		ConsecutiveFailures: cfg.Notify.Breaker.Failures,
		OpenTimeout:         cfg.Notify.Breaker.OpenDelay,
	})
	dispatcher := notify.NewDispatcher(messenger, a.store, cfg.Channels(), a.metrics)

	if job := cfg.Job(jobs.WithdrawalReconcile); !job.Disabled {
		if cfg.Gateway.BaseURL == "" {
			log.Warn().Str("job", jobs.WithdrawalReconcile).Msg("gateway.base_url not set, job not registered")
		} else {
			gw := gateway.NewBreaker(
				gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.Token, cfg.Gateway.Timeout),
				cfg.Gateway.BreakerFailures, cfg.Gateway.BreakerOpenDelay)
			a.runner.Register(jobs.ReconcileJob{
				Reconciler: reconcile.New(a.store, gw, dispatcher, a.metrics),
				BatchLimit: cfg.Reconcile.BatchLimit,
			}, job.LockTTL)
		}
	}

	if job := cfg.Job(jobs.MonthlyAllocation); !job.Disabled {
		a.runner.Register(jobs.AllocationJob{
			Processor: allocation.New(a.store, dispatcher, a.metrics),
			Location:  cfg.Location(),
		}, job.LockTTL)
	}

	if job := cfg.Job(jobs.NotificationRetry); !job.Disabled {
		engine := notify.NewEngine(a.store, messenger, notify.Config{
			MaxAge:          cfg.Notify.MaxAge,
			MaxBatch:        cfg.Notify.MaxBatch,
			SystemRetention: cfg.Notify.SystemRetention,
			LogRetention:    cfg.Notify.LogRetention,
			DigestHour:      cfg.Notify.DigestHour,
			Location:        cfg.Location(),
		}, a.metrics)
		a.runner.Register(jobs.RetryJob{Engine: engine}, job.LockTTL)
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("close db")
	}
}
