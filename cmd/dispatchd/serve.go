// README: serve command; wires stores, search, worker, jobs and the HTTP API, then runs until signalled.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"roadside/internal/config"
	httpapi "roadside/internal/http"
	"roadside/internal/infra"
	"roadside/internal/jobs"
	"roadside/internal/maps"
	"roadside/internal/modules/events"
	"roadside/internal/modules/guard"
	"roadside/internal/modules/matching"
	"roadside/internal/modules/notify"
	"roadside/internal/modules/order"
	"roadside/internal/modules/pricing"
	"roadside/internal/modules/tasks"
)

var serveLogNotifier bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the task worker and the scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := infra.NewLogger(os.Stdout, cfg.Log.Level)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveLogNotifier, "log-notifier", false, "Log offers instead of pushing them through FCM")
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("ROADSIDE_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return fmt.Errorf("firebase init: %w", err)
	}
	verifier, err := infra.NewTokenVerifier(ctx, app)
	if err != nil {
		return err
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := infra.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Subscribers outlive the signal context so queued events still drain on shutdown.
	bus := events.NewBus(4096, logger)
	subCtx := context.WithoutCancel(ctx)
	bus.Subscribe(subCtx, events.NewMetrics(reg))
	bus.Subscribe(subCtx, events.NewAuditWriter(db))
	bus.Subscribe(subCtx, events.NewStreamPublisher(rdb))

	index := matching.NewStore(rdb, cfg.Search.StaleAfter)
	queue := tasks.NewRedisQueue(rdb)
	orderStore := order.NewStore(db)
	pricingSvc := pricing.NewService(pricing.NewStore(db), cfg.Cancellation.Currency)

	orderSvc := order.NewService(order.Deps{
		Store:     orderStore,
		Registry:  order.NewRegistry(cfg.Timeouts),
		Policy:    order.NewCancellationPolicy(cfg.Cancellation),
		Guard:     guard.New(guard.NewRedisLocker(rdb), orderStore, cfg.Creation, nil, logger),
		Scheduler: queue,
		Events:    bus,
		Pricing:   pricingSvc,
		Executors: index,
		Numbers:   order.NewRedisSequence(rdb),
		Search:    cfg.Search,
		Creation:  cfg.Creation,
		Logger:    logger,
	})

	var notifier notify.Notifier
	if serveLogNotifier {
		notifier = notify.NewLogNotifier(logger)
	} else {
		msg, err := infra.NewMessagingClient(ctx, app)
		if err != nil {
			return err
		}
		notifier = notify.NewFCMNotifier(msg, index, logger)
	}

	searchOpts := matching.Options{Logger: logger}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		searchOpts.ETA = routes
	}
	search := matching.NewService(index, notifier, orderSvc, cfg.Search, searchOpts)

	worker := tasks.NewWorker(ctx, queue, orderSvc, search, tasks.WorkerOptions{
		Batch:             cfg.Worker.Batch,
		SearchConcurrency: cfg.Worker.SearchConcurrency,
		Logger:            logger,
	})
	jobManager := jobs.NewJobManager(worker, orderSvc, cfg, logger)
	if err := jobManager.StartAll(); err != nil {
		return err
	}

	server := httpapi.NewServer(httpapi.ServerDeps{
		Order:     orderSvc,
		Pricing:   pricingSvc,
		Executors: index,
		Verifier:  verifier,
		Gatherer:  reg,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		jobManager.StopAll()
		worker.Wait()
		bus.Close()
		logger.Info("background work stopped")
		return nil
	})
	return g.Wait()
}
