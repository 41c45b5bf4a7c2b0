package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-crm-leads/internal/client"
	"github.com/pesio-ai/be-crm-leads/internal/config"
	"github.com/pesio-ai/be-crm-leads/internal/database"
	"github.com/pesio-ai/be-crm-leads/internal/handler"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/metrics"
	"github.com/pesio-ai/be-crm-leads/internal/permission"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
	"github.com/pesio-ai/be-crm-leads/internal/repository/sqlite"
	"github.com/pesio-ai/be-crm-leads/internal/service"
)

var (
	_ service.LeadStore     = (*repository.LeadRepository)(nil)
	_ service.CampaignStore = (*repository.CampaignRepository)(nil)
	_ service.BatchStore    = (*repository.BatchRepository)(nil)
	_ service.HistoryStore  = (*repository.HistoryRepository)(nil)
	_ service.UserDirectory = (*repository.UserRepository)(nil)

	_ service.LeadStore     = (*sqlite.LeadRepository)(nil)
	_ service.CampaignStore = (*sqlite.CampaignRepository)(nil)
	_ service.BatchStore    = (*sqlite.BatchRepository)(nil)
	_ service.HistoryStore  = (*sqlite.HistoryRepository)(nil)
	_ service.UserDirectory = (*sqlite.UserRepository)(nil)

	_ service.EventPublisher = (*client.NotificationPublisher)(nil)
)

// store is the selected persistence backend.
type store struct {
	deps  service.Deps
	ping  handler.Pinger
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Database.Path).Msg("SQLite store opened")
		return &store{
			deps: service.Deps{
				Leads:     sqlite.NewLeadRepository(db),
				Campaigns: sqlite.NewCampaignRepository(db),
				Batches:   sqlite.NewBatchRepository(db),
				History:   sqlite.NewHistoryRepository(db),
				Users:     sqlite.NewUserRepository(db),
			},
			ping:  db,
			close: func() { _ = db.Close() },
		}, nil

	default:
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Database connection established")
		return &store{
			deps: service.Deps{
				Leads:     repository.NewLeadRepository(db),
				Campaigns: repository.NewCampaignRepository(db),
				Batches:   repository.NewBatchRepository(db),
				History:   repository.NewHistoryRepository(db),
				Users:     repository.NewUserRepository(db),
			},
			ping:  db,
			close: db.Close,
		}, nil
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func migrate(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if cfg.Database.Driver == "sqlite" {
		db, err := sqlite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return err
		}
		log.Info().Str("path", cfg.Database.Path).Msg("SQLite schema applied")
		return db.Close()
	}

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	log.Info().Strs("files", applied).Msg("Migrations applied")
	return nil
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("driver", cfg.Database.Driver).
		Msg("Starting lead allocation service")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if autoMigrate && cfg.Database.Driver == "postgres" {
		if err := migrate(ctx, cfg, log); err != nil {
			return err
		}
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPrometheus(reg, "")
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	st.deps.Metrics = m

	if cfg.NATS.URL != "" {
		conn, err := client.Connect(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer drain(conn, log)
		st.deps.Events = client.NewNotificationPublisher(conn, cfg.NATS.SubjectPrefix, log.Component("events").Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS publisher connected")
	} else {
		log.Warn().Msg("NATS_URL not set, lead events are not published")
	}

	oracle := permission.NewRoleOracle()
	history := service.NewHistoryRecorder(st.deps.History, m, log.Component("history"))
	allocation := service.NewAllocationService(st.deps, history, cfg.Allocation, log.Component("allocation"))
	reassign := service.NewReassignmentService(st.deps, history, oracle, cfg.Allocation, log.Component("reassignment"))
	campaigns := service.NewCampaignService(st.deps, history, log.Component("campaigns"))

	httpHandler := handler.NewHTTPHandler(allocation, reassign, campaigns, st.deps.Users, oracle, log.Component("http"))
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Router(handler.RouterConfig{
			RequestTimeout: cfg.Server.RequestTimeout,
			Health:         st.ping,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer, health := handler.NewGRPCServer(st.ping, log.Component("grpc"))
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
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
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return health.Run(gctx, cfg.Database.HealthCheck)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

func drain(conn *nats.Conn, log *logger.Logger) {
	if err := conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
}
