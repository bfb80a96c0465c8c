package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/deploy-orchestrator/internal/config"
	"github.com/hochfrequenz/deploy-orchestrator/internal/domain"
	"github.com/hochfrequenz/deploy-orchestrator/internal/events"
	"github.com/hochfrequenz/deploy-orchestrator/internal/inventory"
	"github.com/hochfrequenz/deploy-orchestrator/internal/logchannel"
	"github.com/hochfrequenz/deploy-orchestrator/internal/metrics"
	"github.com/hochfrequenz/deploy-orchestrator/internal/notify"
	"github.com/hochfrequenz/deploy-orchestrator/internal/schedule"
	"github.com/hochfrequenz/deploy-orchestrator/web/api"
)

var (
	servePort     int
	serveShutdown time.Duration
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, scheduler and inventory watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().DurationVar(&serveShutdown, "shutdown-timeout", 30*time.Second, "how long to wait for running deployments on exit")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	m := metrics.New()
	hub := logchannel.NewHub(logchannel.DefaultBuffer)
	hub.SetOnDrop(func(runID string) {
		m.ListenersCut.Inc()
		log.Warn("live log listener fell behind and was disconnected", zap.String("run_id", runID))
	})
	defer hub.Close()

	orch, err := a.orchestrator(hub)
	if err != nil {
		return err
	}
	orch.SetMetrics(m)

	cat := a.catalog()
	importer := inventory.NewImporter(cat, a.store)
	if path := a.cfg.Inventory.Path; path != "" {
		inv, err := inventory.Load(path)
		if err != nil {
			return err
		}
		res, err := importer.Import(ctx, inv)
		if err != nil {
			return err
		}
		log.Info("inventory imported", zap.String("path", path),
			zap.Int("created", len(res.Created)), zap.Int("updated", len(res.Updated)))
	}

	publisher, err := newPublisher(a.cfg.NATS, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	notifier := notify.NewMultiNotifier(
		notify.NewDesktopNotifier(a.cfg.Notifications.Desktop),
		notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook),
	)

	addr := a.cfg.Web.Addr()
	if servePort != 0 {
		a.cfg.Web.Port = servePort
		addr = a.cfg.Web.Addr()
	}
	server := api.NewServer(addr, api.Deps{
		Store:    a.store,
		Catalog:  cat,
		Deployer: orch,
		Logs:     hub,
		Metrics:  m,
		Log:      log,
	})

	orch.SetOnStatusChange(func(run *domain.DeploymentRun) {
		server.RunChanged(run)
		if err := publisher.PublishRun(context.Background(), run); err != nil {
			log.Warn("publishing run event failed", zap.String("run_id", run.ID), zap.Error(err))
		}
		if run.Status.IsTerminal() {
			go func() {
				if err := notifier.Send(notify.ForRun(run)); err != nil {
					log.Warn("notification failed", zap.String("run_id", run.ID), zap.Error(err))
				}
			}()
		}
	})

	sched, err := schedule.NewScheduler(a.cfg.Schedules, func(ctx context.Context, sc config.ScheduleConfig) error {
		_, err := orch.Start(ctx, sc.ApplicationIDs, sc.MachineIDs)
		return err
	}, log.Named("schedule"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		sched.Start(gctx, 30*time.Second)
		return nil
	})
	if a.cfg.Inventory.Path != "" && a.cfg.Inventory.Watch {
		w, err := inventory.NewWatcher(a.cfg.Inventory.Path, func(ctx context.Context, inv *inventory.Inventory) {
			res, err := importer.Import(ctx, inv)
			if err != nil {
				log.Error("inventory import failed", zap.Error(err))
				return
			}
			log.Info("inventory re-imported",
				zap.Int("created", len(res.Created)), zap.Int("updated", len(res.Updated)))
		}, log.Named("inventory"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}

	if len(a.cfg.Schedules) > 0 {
		log.Info("schedules loaded", zap.Strings("names", sched.Names()))
	}
	log.Info("deploy-orch started", zap.String("addr", addr), zap.Int("pool_size", a.cfg.Executor.PoolSize))

	runErr := g.Wait()

	log.Info("shutting down, waiting for running deployments", zap.Duration("timeout", serveShutdown))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdown)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("deployments still running at exit", zap.Error(err))
	}
	return runErr
}

func newPublisher(cfg config.NATSConfig, log *zap.Logger) (events.Publisher, error) {
	if cfg.URL == "" {
		return events.Noop{}, nil
	}
	p, err := events.NewNATSPublisher(cfg.URL, cfg.SubjectPrefix, log.Named("nats"))
	if err != nil {
		return nil, err
	}
	return p, nil
}
