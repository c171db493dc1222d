package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"rolechat/internal/api"
	"rolechat/internal/config"
	"rolechat/internal/logging"
	"rolechat/internal/reconciler"
	"rolechat/internal/redis"
	"rolechat/internal/run"
	"rolechat/internal/service/ai"
	"rolechat/internal/service/assistant"
	"rolechat/internal/storage"
	"rolechat/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "rolechat",
		Usage: "role-based conversation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.toml",
				Usage:   "path to the TOML config file",
				EnvVars: []string{"ROLECHAT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the background reconciler",
				Action: serve,
			},
			{
				Name:   "reconcile",
				Usage:  "run one reconciler cycle and print its report",
				Action: reconcileOnce,
			},
			{
				Name:   "migrate",
				Usage:  "create the database tables",
				Action: migrate,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("rolechat stopped")
	}
}

// app bundles what every command needs.
type app struct {
	cfg   *config.Config
	store *assistant.Service
	rdb   *redis.Client
	close func()
}

func setup(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)

	dbType := cfg.BasicConfig.Database
	log.Info().Str("database", dbType).Msg("opening database")
	db, dialect, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
	}

	return &app{
		cfg:   cfg,
		store: assistant.NewService(db, dialect),
		rdb:   rdb,
		close: func() {
			rdb.Close()
			db.Close()
		},
	}, nil
}

func migrate(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()
	log.Info().Str("database", a.cfg.BasicConfig.Database).Msg("tables ready")
	return nil
}

func reconcileOnce(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := newReconciler(c.Context, a)
	if err != nil {
		return err
	}
	report, err := rec.RunCycle(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return report.Err
}

func serve(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := ai.NewGateway(a.cfg.Assistant)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	driver := run.NewDriver(gateway, a.cfg.Run.PollInterval, a.cfg.Run.Budget)
	workers := worker.NewManager(a.store, gateway, driver, worker.Options{
		RoleAllowed: a.cfg.RoleAllowed,
		Redis:       a.rdb,
	})
	defer workers.Close()

	var reconcileDone <-chan struct{}
	if a.cfg.Reconciler.Enabled {
		rec, err := newReconciler(ctx, a)
		if err != nil {
			return err
		}
		reconcileDone = rec.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(workers, a.store).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              a.cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			return fmt.Errorf("server stopped: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if reconcileDone != nil {
		<-reconcileDone
	}
	return nil
}

func newReconciler(ctx context.Context, a *app) (*reconciler.Reconciler, error) {
	completer, err := ai.NewChatCompleter(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("init analysis model: %w", err)
	}
	rc := a.cfg.Reconciler
	var index reconciler.Index
	if rc.IndexSync {
		vi, err := ai.NewVectorIndex(a.cfg.Assistant)
		if err != nil {
			return nil, fmt.Errorf("init retrieval index: %w", err)
		}
		index = vi
	}
	var opts []reconciler.Option
	if a.rdb != nil {
		opts = append(opts, reconciler.WithLocker(a.rdb))
	}
	return reconciler.New(a.store, completer, index, reconciler.Config{
		Interval:      rc.Interval,
		Window:        rc.Window,
		Concurrency:   rc.Concurrency,
		RatePerMinute: rc.RatePerMinute,
		IndexSync:     rc.IndexSync,
		IndexID:       a.cfg.Assistant.VectorStoreID,
		ExportDir:     rc.ExportDir,
		SystemPrompt:  a.cfg.Analysis.SystemPrompt,
	}, opts...), nil
}
