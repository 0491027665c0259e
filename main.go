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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"synapdocs/internal/admission"
	"synapdocs/internal/api"
	"synapdocs/internal/auth"
	"synapdocs/internal/config"
	"synapdocs/internal/guest"
	"synapdocs/internal/logging"
	"synapdocs/internal/observability"
	"synapdocs/internal/redis"
	"synapdocs/internal/relay"
	"synapdocs/internal/service/ledger"
	"synapdocs/internal/service/title"
	"synapdocs/internal/storage"
	"synapdocs/internal/upstream"
)

const (
	shutdownTimeout = 15 * time.Second
	upstreamTimeout = 2 * time.Minute
)

var (
	cfgPath string
	dbType  string
)

func main() {
	root := &cobra.Command{
		Use:          "synapdocs",
		Short:        "Document chat backend relaying answers from the AI service",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.json (default $SYNAPDOCS_CONFIG or ./config.json)")
	root.PersistentFlags().StringVar(&dbType, "db", envOr("SYNAPDOCS_DB", "sqlite3"), "database type: sqlite3, mysql or postgres")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create database tables and exit",
		RunE:  runMigrate,
	})
	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a signed bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	root.AddCommand(tokenCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openDatabase(cfg *config.Config) (*storage.DB, error) {
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", dbType)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return err
	}
	svc := auth.NewService(auth.Options{JWTSecret: cfg.Auth.JWTSecret}, nil, nil, nil)
	token, err := svc.IssueToken(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.BasicConfig.LogFile, cfg.BasicConfig.Production)
	defer logger.Sync()

	logger.Info("opening database", zap.String("db_type", dbType))
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer cache.Close()
	} else {
		logger.Warn("redis disabled, logout will not revoke bearer tokens")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := ledger.New(db)
	up := upstream.New(cfg.BasicConfig.UpstreamURL, upstreamTimeout)
	registry := guest.NewRegistry()
	limits := cfg.Limits

	r := relay.New(l, admission.New(limits.MaxConcurrentStreams, limits.MaxStreamsPerUser), up, relay.Options{
		Heartbeat:       limits.Heartbeat(),
		UpstreamTimeout: limits.UpstreamTimeout(),
	}, logger, metrics)

	var titles *title.Service
	chatModel, err := title.NewChatModel(ctx, cfg.Title)
	switch {
	case err == nil:
		titles = title.New(chatModel, l, logger, metrics)
		r.SetTitler(titles)
		logger.Info("chat titles enabled", zap.String("provider", cfg.Title.Provider))
	case errors.Is(err, title.ErrDisabled):
		logger.Info("chat titles disabled")
	default:
		return fmt.Errorf("init title model: %w", err)
	}

	authService := auth.NewService(auth.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		GuestSecret:    cfg.Auth.GuestSecret,
		IdentityHeader: cfg.Auth.IdentityHeader,
		GuestsEnabled:  !cfg.Auth.DisableGuests,
		GuestTTL:       limits.GuestTTL(),
	}, registry, cache, logger)

	sweeper := guest.NewSweeper(registry, l, up, limits.GuestTTL(), limits.GuestSweepInterval(), logger, metrics)
	sweeper.Start(ctx)

	if cfg.BasicConfig.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(logging.GinMiddleware(logger), logging.GinRecovery(logger))
	api.NewHandler(api.Deps{
		Ledger:            l,
		Relay:             r,
		Auth:              authService,
		Upstream:          up,
		Metrics:           metrics,
		Logger:            logger,
		StaticDir:         cfg.BasicConfig.StaticDir,
		LogoutRedirectURL: cfg.BasicConfig.LogoutRedirectURL,
	}).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Int("max_streams", limits.MaxConcurrentStreams),
			zap.Int("max_streams_per_user", limits.MaxStreamsPerUser),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			sweeper.Wait()
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown", zap.Error(err))
	}
	sweeper.Wait()
	if titles != nil {
		titles.Wait()
	}
	return nil
}
