package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crmflow/automation/pkg/cmd"
	"github.com/crmflow/automation/pkg/config"
	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/otelhelper"
	"github.com/crmflow/automation/pkg/registry"
	"github.com/crmflow/automation/pkg/scheduler"
	"github.com/crmflow/automation/pkg/web"
	"github.com/crmflow/automation/pkg/workflow"
)

type Config struct {
	DatabaseURL      string
	LedgerURL        string
	DefinitionsPath  string
	EventBus         string
	KafkaBrokers     []string
	Workers          int
	QueueSize        int
	MaxCascadeDepth  int
	ActionTimeout    time.Duration
	MaxRunDuration   time.Duration
	ShutdownTimeout  time.Duration
	Schedule         string
	Port             int
	RecordStoreURL   string
	RecordStoreToken string
	OTelEnabled      bool
}

// Service wires the engine components and owns their lifecycle.
type Service struct {
	logger *slog.Logger
	cfg    Config

	stores         *cmd.Stores
	bus            eventbus.EventBus
	registry       *registry.Registry
	dispatcher     *workflow.Dispatcher
	engine         *workflow.Engine
	scheduler      *scheduler.Scheduler
	server         *web.Server
	shutdownTracer otelhelper.ShutdownFunc
}

func NewService(ctx context.Context, logger *slog.Logger, cfg Config) (*Service, error) {
	err := scheduler.Validate(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, cmd.ServiceName, cfg.OTelEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	stores, err := cmd.NewStores(ctx, logger, cfg.DatabaseURL, cfg.LedgerURL)
	if err != nil {
		return nil, errors.Join(err, shutdownTracer(ctx))
	}

	bus, err := cmd.NewEventBus(logger, cfg.EventBus, cfg.KafkaBrokers)
	if err != nil {
		return nil, errors.Join(err, stores.Close(ctx), shutdownTracer(ctx))
	}

	s := &Service{
		logger:         logger,
		cfg:            cfg,
		stores:         stores,
		bus:            bus,
		shutdownTracer: shutdownTracer,
	}

	recordStore, err := cmd.NewRecordStore(logger, cfg.RecordStoreURL, cfg.RecordStoreToken)
	if err != nil {
		return nil, errors.Join(err, s.close(ctx))
	}

	s.registry, err = cmd.NewRegistry(logger, bus, recordStore, nil)
	if err != nil {
		return nil, errors.Join(err, s.close(ctx))
	}

	if cfg.DefinitionsPath != "" {
		err = s.seedDefinitions(ctx)
		if err != nil {
			return nil, errors.Join(err, s.close(ctx))
		}
	}

	m := metrics.New()

	executor := workflow.NewExecutor(logger, s.registry, stores.Definitions, stores.Ledger,
		workflow.WithPublisher(bus),
		workflow.WithMetrics(m),
		workflow.WithTracer(tracer),
		workflow.WithActionTimeout(cfg.ActionTimeout),
		workflow.WithMaxRunDuration(cfg.MaxRunDuration),
	)

	s.dispatcher = workflow.NewDispatcher(logger, stores.Definitions, executor,
		workflow.WithWorkers(cfg.Workers),
		workflow.WithQueueSize(cfg.QueueSize),
		workflow.WithMaxCascadeDepth(cfg.MaxCascadeDepth),
		workflow.WithDispatcherMetrics(m),
	)
	s.engine = workflow.NewEngine(logger, s.dispatcher)
	s.scheduler = scheduler.New(logger, s.dispatcher, scheduler.WithSpec(cfg.Schedule), scheduler.WithMetrics(m))
	s.server = web.NewServer(logger, s.engine, stores.Definitions, stores.Ledger, s.registry, m)

	return s, nil
}

// seedDefinitions loads definitions from disk into the store. Definitions
// referencing unknown action types or carrying invalid configs are stored
// anyway, those actions fail at run time, but they are reported here.
func (s *Service) seedDefinitions(ctx context.Context) error {
	definitions, err := config.LoadDefinitions(s.cfg.DefinitionsPath)
	if err != nil {
		return err
	}

	for _, definition := range definitions {
		if err := s.registry.ValidateWorkflow(definition); err != nil {
			s.logger.WarnContext(ctx, "workflow has invalid actions", "workflow_id", definition.ID, "error", err)
		}

		if err := s.stores.Definitions.Save(ctx, definition); err != nil {
			return fmt.Errorf("failed to store workflow %s: %w", definition.ID, err)
		}
	}

	s.logger.InfoContext(ctx, "workflow definitions loaded", "count", len(definitions), "path", s.cfg.DefinitionsPath)

	return nil
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down in dependency order.
func (s *Service) Run(ctx context.Context) error {
	s.dispatcher.Start(ctx)

	err := s.engine.Listen(ctx, s.bus)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to subscribe to event bus: %w", err), s.shutdown())
	}

	err = s.scheduler.Start(ctx)
	if err != nil {
		return errors.Join(err, s.shutdown())
	}

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- s.server.Start(s.cfg.Port)
	}()

	s.logger.InfoContext(ctx, "crmflow engine started", "port", s.cfg.Port)

	var runErr error

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "Shutting down crmflow engine")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	return errors.Join(runErr, s.shutdown())
}

func (s *Service) shutdown() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	if err := s.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	errs = append(errs, s.close(ctx))

	return errors.Join(errs...)
}

func (s *Service) close(ctx context.Context) error {
	var errs []error

	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}

	if err := s.stores.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stores: %w", err))
	}

	if err := s.shutdownTracer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}

	return errors.Join(errs...)
}
