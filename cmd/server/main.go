package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-bvas-bills/internal/auth"
	"github.com/pesio-ai/be-bvas-bills/internal/cache"
	"github.com/pesio-ai/be-bvas-bills/internal/client"
	"github.com/pesio-ai/be-bvas-bills/internal/handler"
	"github.com/pesio-ai/be-bvas-bills/internal/metrics"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/config"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/database"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/middleware"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
	"github.com/pesio-ai/be-bvas-bills/internal/repository/memory"
	"github.com/pesio-ai/be-bvas-bills/internal/service"
	"github.com/pesio-ai/be-bvas-bills/migrations"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Bills Service (BVAS)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize bill store
	var (
		store  repository.Store
		reader repository.Reader
		pinger handler.Pinger = handler.NopPinger{}
	)

	switch cfg.Database.Driver {
	case "memory":
		mem := memory.New(memory.WithVendorAutoProvision())
		store, reader = mem, mem
		log.Warn().Msg("Using in-memory bill store, data is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.MigrateOnStart {
			version, err := db.Migrate(migrations.FS)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to apply migrations")
			}
			log.Info().Uint("version", version).Msg("Database schema up to date")
		}

		repo := repository.NewBillRepository(db)
		store, reader, pinger = repo, repo, db
	}

	m := metrics.New()

	// Notification publisher
	var conn client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, bill notifications disabled")
		} else {
			defer nc.Drain()
			conn = nc
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	publisher := client.NewNotificationPublisher(conn, cfg.NATS.SubjectPrefix, log.Named("notifications"), m.RecordEventFailure)

	billOpts := []service.BillServiceOption{
		service.WithEventPublisher(publisher),
		service.WithRecorder(m),
	}
	queryOpts := []service.QueryServiceOption{service.WithCacheRecorder(m)}

	// Dashboard cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis ping failed, dashboard cache will retry per request")
		}
		dash := cache.NewDashboardCache(rdb, cfg.Redis.DashboardTTL)
		billOpts = append(billOpts, service.WithCacheInvalidator(dash))
		queryOpts = append(queryOpts, service.WithDashboardCache(dash))
	}

	// Reference quantity source
	var reference client.ReferenceSource = client.ZeroReferenceSource{}
	if cfg.Reference.BaseURL != "" {
		reference = client.NewReferenceClient(cfg.Reference.BaseURL, cfg.Reference.Timeout, log.Named("reference"))
		log.Info().Str("url", cfg.Reference.BaseURL).Msg("Reference quantity client initialized")
	} else {
		log.Warn().Msg("REFERENCE_BASE_URL not set, reference quantities will be recorded as zero")
	}

	// Initialize services
	billService := service.NewBillService(store, reference, log.Named("bills"), billOpts...)
	queryService := service.NewQueryService(reader, log.Named("queries"), queryOpts...)

	// Setup HTTP routes
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, every API request will be rejected")
	}
	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log.Named("auth"))
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, userKey, &log.Logger)
	httpHandler := handler.NewHTTPHandler(billService, queryService, reader, log.Named("http"))

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recovery(&log.Logger),
		middleware.Logger(&log.Logger),
		middleware.Metrics(m),
		middleware.CORS(cfg.Server.AllowedOrigins()),
		middleware.Timeout(cfg.Server.RequestTimeout),
	)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Handler, limiter.Handler)
		httpHandler.Routes(r)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC health server
	grpcHandler := handler.NewGRPCHandler(pinger, log.Logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcHandler.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		grpcHandler.WatchStore(gctx, 15*time.Second)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Sweep(10 * time.Minute); n > 0 {
					log.Debug().Int("removed", n).Msg("Swept idle rate limit buckets")
				}
			}
		}
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcHandler.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}

// userKey buckets authenticated callers by user id.
func userKey(r *http.Request) string {
	if id, err := auth.FromContext(r.Context()); err == nil {
		return "user:" + id.UserID
	}
	return ""
}
