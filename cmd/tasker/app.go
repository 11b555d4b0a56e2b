package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/tasker/component"
	"github.com/c360studio/tasker/config"
	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/handler"
	"github.com/c360studio/tasker/metrics"
	"github.com/c360studio/tasker/natsclient"
	"github.com/c360studio/tasker/orchestration"
	orchestratorproc "github.com/c360studio/tasker/processor/orchestrator"
	stalenessmonitor "github.com/c360studio/tasker/processor/staleness-monitor"
	taskapi "github.com/c360studio/tasker/processor/task-api"
	"github.com/c360studio/tasker/storage"
	"github.com/c360studio/tasker/workflow"
)

// App wires the engine together: NATS, storage, the event bus, the
// orchestration pipeline, and the managed components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embedded   *server.Server
	natsClient *natsclient.Client

	store    storage.Store
	bus      *events.Bus
	watcher  *events.Watcher
	metrics  *metrics.Metrics
	handlers *handler.Registry

	initializer *orchestration.Initializer
	monitor     *stalenessmonitor.Component
	manager     *component.Manager
}

// NewApp creates an unstarted application for the given configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		handlers: handler.NewRegistry(),
	}
}

// Handlers returns the step handler registry. Embedding programs register
// their handlers here before calling Start.
func (a *App) Handlers() *handler.Registry { return a.handlers }

// Start brings the engine up: broker, storage, bus, orchestration, and the
// managed components, in that order.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	js := a.natsClient.JetStream()

	var store storage.Store
	var err error
	if a.cfg.Secondary.Enabled {
		store, err = storage.NewKVStoreWithPrefix(ctx, js, a.cfg.Secondary.Name)
	} else {
		store, err = storage.NewKVStore(ctx, js)
	}
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	a.bus = events.NewBus(a.logger)

	if dirs := a.cfg.Engine.CustomEventsDirectories; len(dirs) > 0 {
		watcher, err := events.NewWatcher(a.bus, dirs, a.logger)
		if err != nil {
			return fmt.Errorf("create custom event watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("load custom events: %w", err)
		}
		a.watcher = watcher
	}

	relay := events.NewRelay(a.natsClient.Conn(), events.DefaultRelayPrefix, a.logger)
	if err := a.bus.Subscribe(relay); err != nil {
		return fmt.Errorf("subscribe event relay: %w", err)
	}

	a.metrics = metrics.New()
	if err := a.bus.Subscribe(metrics.NewListener(a.metrics)); err != nil {
		return fmt.Errorf("subscribe metrics listener: %w", err)
	}

	if err := a.loadTemplates(ctx); err != nil {
		return err
	}

	queue, err := orchestration.NewJetStreamQueue(ctx, js, a.cfg.Queue.StreamName, a.cfg.Queue.DuplicateWindow)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}

	identity, err := workflow.NewIdentityStrategy(a.cfg.Engine.IdentityStrategy)
	if err != nil {
		return fmt.Errorf("resolve identity strategy: %w", err)
	}

	reenqueuer := orchestration.NewReenqueuer(a.store, queue, a.bus, a.logger)
	executor := orchestration.NewStepExecutor(a.store, a.bus, a.handlers, a.cfg.Engine.MaxConcurrentSteps, a.logger)
	discovery := orchestration.NewDiscovery(a.store, a.bus, a.logger)
	finalizer := orchestration.NewFinalizer(a.store, a.bus, reenqueuer, a.cfg.Engine.SmallDelay, a.cfg.Engine.MediumDelay, a.logger)
	coordinator := orchestration.NewCoordinator(a.store, a.bus, discovery, executor, finalizer, reenqueuer, a.logger)
	a.initializer = orchestration.NewInitializer(a.store, a.bus, reenqueuer, identity, a.logger)

	a.monitor = stalenessmonitor.NewComponent(a.store, reenqueuer,
		a.cfg.Staleness.SweepInterval, a.cfg.Staleness.Threshold, a.logger)

	a.manager = component.NewManager(a.logger)
	a.manager.Register(orchestratorproc.NewComponent(a.cfg.Queue, a.natsClient, coordinator, a.logger))
	a.manager.Register(a.monitor)
	a.manager.Register(taskapi.NewComponent(
		a.cfg.HTTP,
		a.cfg.Metrics,
		a.cfg.Health,
		a.store,
		a.initializer,
		reenqueuer,
		a.handlers,
		a.metrics.Handler(),
		a.manager,
		a.logger,
	))

	if err := a.manager.StartAll(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	// Rescue anything that went stale while the engine was down.
	if err := a.monitor.Sweep(ctx); err != nil {
		a.logger.Warn("Initial staleness sweep failed", "error", err)
	}

	a.logger.Info("Tasker ready",
		"port", a.cfg.HTTP.Port,
		"queue_stream", a.cfg.Queue.StreamName,
		"embedded_nats", a.embedded != nil)
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		client, err := natsclient.Connect(natsclient.Options{
			URL:           a.cfg.NATS.URL,
			ReconnectWait: a.cfg.NATS.ReconnectWait,
			MaxReconnects: a.cfg.NATS.MaxReconnects,
			Name:          "tasker",
		}, a.logger)
		if err != nil {
			return err
		}
		a.natsClient = client
		a.logger.Info("Connected to NATS", "url", a.cfg.NATS.URL)
		return nil
	}

	a.logger.Info("Starting embedded NATS server")
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embedded = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	client, err := natsclient.FromConn(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return err
	}
	a.natsClient = client
	return nil
}

// loadTemplates populates namespaces, dependent systems, and task templates
// from the configured directories.
func (a *App) loadTemplates(ctx context.Context) error {
	dirs := a.cfg.Engine.TemplateDirectories
	if len(dirs) == 0 {
		return nil
	}

	docs, err := workflow.LoadTemplateDirectories(dirs)
	if err != nil {
		return fmt.Errorf("load template directories: %w", err)
	}

	var templates int
	for _, doc := range docs {
		ns := doc.Namespace
		if err := a.store.PutNamespace(ctx, &ns); err != nil {
			return fmt.Errorf("store namespace %s: %w", ns.Name, err)
		}
		for _, system := range doc.DependentSystems {
			system := system
			if err := a.store.PutDependentSystem(ctx, &system); err != nil {
				return fmt.Errorf("store dependent system %s: %w", system.Name, err)
			}
		}
		for _, tmpl := range doc.Tasks() {
			if err := a.store.PutTemplate(ctx, tmpl); err != nil {
				return fmt.Errorf("store template %s: %w", tmpl.Key(), err)
			}
			templates++
		}
	}
	a.logger.Info("Templates loaded", "documents", len(docs), "templates", templates)
	return nil
}

// Shutdown stops components and tears the infrastructure down in reverse
// order of startup.
func (a *App) Shutdown(timeout time.Duration) {
	if a.manager != nil {
		a.manager.StopAll(timeout)
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Failed to stop custom event watcher", "error", err)
		}
	}
	if a.natsClient != nil {
		a.natsClient.Close()
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
		a.embedded.WaitForShutdown()
	}
	a.logger.Info("Tasker shutdown complete")
}
