package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/handlers"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/queue"
	"github.com/ternarybob/menulens/internal/services/events"
	"github.com/ternarybob/menulens/internal/services/llm"
	"github.com/ternarybob/menulens/internal/services/menu"
	"github.com/ternarybob/menulens/internal/services/processors"
	"github.com/ternarybob/menulens/internal/services/progress"
	"github.com/ternarybob/menulens/internal/services/reconciler"
	"github.com/ternarybob/menulens/internal/services/scheduler"
	"github.com/ternarybob/menulens/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc
	Storage   *storage.Manager

	EventService interfaces.EventService

	// Pipeline
	LLM             *llm.ProviderFactory
	Processor       *processors.Processor
	UnitQueue       *queue.BadgerManager
	Registry        *queue.Registry
	WorkerPool      *queue.WorkerPool
	Orchestrator    *queue.Orchestrator
	ProgressService *progress.Service
	MenuService     *menu.Service

	// Background services
	Reconciler       *reconciler.Service
	SchedulerService interfaces.SchedulerService

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	MenuHandler    *handlers.MenuHandler
	SessionHandler *handlers.SessionHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initDatabase(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.startBackground(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start background services: %w", err)
	}

	logger.Info().
		Bool("parallel_enabled", cfg.Pipeline.ParallelEnabled).
		Bool("reconciler_enabled", cfg.Reconciler.Enabled).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the embedded queue database, the ephemeral and durable stores and the
// image store
func (a *App) initDatabase() error {
	manager, err := storage.NewManager(a.ctx, a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.Storage = manager
	return nil
}

// initServices builds the pipeline in dependency order:
// provider factory -> processor -> queue + worker pool -> orchestrator -> progress -> menu service
func (a *App) initServices() error {
	var err error

	a.LLM = llm.NewProviderFactory(&a.Config.Gemini, &a.Config.Claude, &a.Config.LLM, a.Logger)

	a.Processor = processors.NewProcessor(
		a.LLM,
		a.Storage.ImageStore(),
		processors.NewConfig(a.Config),
		a.Logger,
	)

	queueConfig := queue.NewConfig(a.Config.Queue)
	a.UnitQueue, err = queue.NewBadgerManager(a.Storage.BadgerDB().DB(), queueConfig)
	if err != nil {
		return fmt.Errorf("failed to create unit queue: %w", err)
	}
	a.Registry = queue.NewRegistry()
	a.WorkerPool = queue.NewWorkerPool(a.UnitQueue, a.Registry, a.Processor, queueConfig, a.Logger)

	a.Orchestrator = queue.NewOrchestrator(
		queue.NewOrchestratorConfig(a.Config.Pipeline),
		a.UnitQueue,
		a.Registry,
		a.Processor,
		a.EventService,
		a.Logger,
	)

	a.ProgressService = progress.NewService(
		a.Storage.EphemeralStore(),
		a.Storage.DurableStore(),
		a.EventService,
		common.ParseDuration(a.Config.Pipeline.StageResultTTL, 24*time.Hour),
		a.Logger,
	)

	a.MenuService = menu.NewService(
		a.Processor,
		a.Orchestrator,
		a.ProgressService,
		a.Storage.DurableStore(),
		a.Logger,
	)

	if a.Config.Reconciler.Enabled {
		a.Reconciler = reconciler.NewService(
			a.Storage.EphemeralStore(),
			a.Storage.DurableStore(),
			a.EventService,
			reconciler.NewConfig(a.Config.Reconciler),
			a.Logger,
		)
	} else {
		a.Logger.Info().Msg("In-process reconciler disabled; run menulens-reconciler against the shared store")
	}

	if a.Config.Scheduler.Enabled {
		schedulerService := scheduler.NewService(a.Logger)
		maintenance := scheduler.NewMaintenance(
			a.Storage.DurableStore(),
			a.Storage.EphemeralStore(),
			a.ProgressService,
			a.Config.Scheduler,
			a.Logger,
		)
		if err := maintenance.Register(schedulerService, a.Config.Scheduler.StaleSchedule); err != nil {
			return fmt.Errorf("failed to register maintenance jobs: %w", err)
		}
		a.SchedulerService = schedulerService
	}

	return nil
}

// initHandlers creates the HTTP and WebSocket handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.MenuHandler = handlers.NewMenuHandler(a.MenuService, a.Config.Server.MaxUploadBytes, a.Logger)
	a.SessionHandler = handlers.NewSessionHandler(a.ProgressService, a.Storage.DurableStore(), a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)
	handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)
}

// startBackground starts the worker pool, the reconciler and the scheduler
func (a *App) startBackground() error {
	if err := a.WorkerPool.Start(a.ctx); err != nil {
		return err
	}
	if a.Reconciler != nil {
		if err := a.Reconciler.Start(a.ctx); err != nil {
			return err
		}
	}
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background work and closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Pipelines first so no new units are queued after the workers stop
	if a.MenuService != nil {
		a.MenuService.Close()
	}

	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
		a.Logger.Info().Msg("Worker pool stopped")
	}

	if a.Reconciler != nil {
		a.Reconciler.Stop()
		a.Logger.Info().Msg("Reconciler stopped")
	}

	if a.LLM != nil {
		if err := a.LLM.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM providers")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.UnitQueue != nil {
		if err := a.UnitQueue.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close unit queue")
		}
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
