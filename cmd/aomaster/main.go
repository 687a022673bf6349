package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aoindustries/aoserv-master-sub002/pkg/access"
	"github.com/aoindustries/aoserv-master-sub002/pkg/config"
	"github.com/aoindustries/aoserv-master-sub002/pkg/daemon"
	"github.com/aoindustries/aoserv-master-sub002/pkg/database"
	"github.com/aoindustries/aoserv-master-sub002/pkg/handlers"
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
	"github.com/aoindustries/aoserv-master-sub002/pkg/observability"
)

// signupMaxAge is how long an uncompleted signup request survives before the
// scheduled cleanup removes it.
const signupMaxAge = 30 * 24 * time.Hour

// resolverTTL bounds staleness of per-user allowed-account sets between
// invalidation broadcasts.
const resolverTTL = 5 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(observability.ParseLevel(cfg.Observability.LogLevel), os.Stdout)
	metrics := observability.NewMetrics(nil)

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	broadcaster := invalidate.NewBroadcaster(metrics.InvalidationsTotal)

	// The relay is optional: a single-master deployment runs without redis.
	var redisClient *redis.Client
	var relay *invalidate.Relay
	if cfg.Relay.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
		})
		defer redisClient.Close()
		relay = invalidate.NewRelay(redisClient, cfg.Relay.Channel, broadcaster, logger)
		logger.WithField("channel", cfg.Relay.Channel).Info("invalidation relay enabled")
	}

	// The daemon wire client is an external collaborator injected here; until
	// one is wired in, every daemon-backed operation reports the host
	// unavailable.
	dialer := func(ctx context.Context, host master.HostID) (daemon.Client, error) {
		return nil, fmt.Errorf("no daemon client configured for server %d", host)
	}
	daemons := daemon.NewManager(dialer, cfg.Daemon.DownCooldown, logger, metrics)
	hostLocks := daemon.NewHostLocks(cfg.Daemon.ReportLockTimeout)

	resolver := access.NewResolver(db, metrics, resolverTTL)
	permissions := access.NewPermissionCache(db, metrics)

	deps := handlers.Deps{
		DB:          db,
		Resolver:    resolver,
		Permissions: permissions,
		Daemons:     daemons,
		HostLocks:   hostLocks,
		Logger:      logger,
		Metrics:     metrics,
	}
	registry := handlers.NewRegistry(deps)
	registry.RegisterListeners(broadcaster, deps)
	broker := handlers.NewBroker(db, broadcaster, relay, logger, metrics)

	scheduler := cron.New()
	schedulerSource := master.StaticSource{User: "aomaster"}
	if _, err := scheduler.AddFunc("30 2 * * *", func() {
		err := broker.Transact(context.Background(), schedulerSource, "cleanup_signup_requests",
			func(ctx context.Context, tx *database.Tx, inv *invalidate.List) error {
				n, err := registry.Signups.CleanupExpiredRequests(ctx, tx, inv, signupMaxAge)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.WithField("removed", n).Info("expired signup requests removed")
				}
				return nil
			})
		if err != nil {
			logger.WithError(err).Error("signup request cleanup failed")
		}
	}); err != nil {
		logrus.Fatalf("Failed to schedule signup cleanup: %v", err)
	}
	if _, err := scheduler.AddFunc("@every 1m", func() {
		daemons.SweepDown()
	}); err != nil {
		logrus.Fatalf("Failed to schedule daemon sweep: %v", err)
	}
	if _, err := scheduler.AddFunc("@every 30s", func() {
		metrics.UpdateDBStats(db.DB().Stats())
	}); err != nil {
		logrus.Fatalf("Failed to schedule database stats: %v", err)
	}
	scheduler.Start()

	health := observability.NewHealthChecker(db.DB(), redisClient)
	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Observability.HealthPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Observability.HealthPort).Info("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("invalidation relay failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("master server started")
	if err := g.Wait(); err != nil {
		logrus.Fatalf("Master server failed: %v", err)
	}
	logger.Info("master server stopped")
}
