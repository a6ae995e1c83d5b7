// Package web exposes the engine's HTTP intake and read API.
package web

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/metrics"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// Intake accepts events for matching and execution.
type Intake interface {
	SubmitEvent(ctx context.Context, event models.Event) error
	SubmitRecordChange(ctx context.Context, change events.RecordChange) error
	SubmitWebhook(ctx context.Context, hook string, payload map[string]any, deliveryID string, occurredAt time.Time) (models.Event, error)
}

// ActionTypes lists the registered action types.
type ActionTypes interface {
	Types() []string
}

type Server struct {
	logger   *slog.Logger
	intake   Intake
	store    persistence.DefinitionStore
	ledger   persistence.Ledger
	actions  ActionTypes
	metrics  *metrics.Metrics
	validate *validator.Validate
	app      *fiber.App
}

func NewServer(
	logger *slog.Logger,
	intake Intake,
	store persistence.DefinitionStore,
	ledger persistence.Ledger,
	actions ActionTypes,
	m *metrics.Metrics,
) *Server {
	return &Server{
		logger:   logger.With("module", "web"),
		intake:   intake,
		store:    store,
		ledger:   ledger,
		actions:  actions,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}

	handlers := &handlers{
		intake:   s.intake,
		store:    s.store,
		ledger:   s.ledger,
		actions:  s.actions,
		validate: s.validate,
		logger:   s.logger,
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/health", handlers.Health)

	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	app.Post("/events", handlers.SubmitEvent)
	app.Post("/record-changes", handlers.SubmitRecordChange)
	app.Post("/webhooks/:hook", handlers.SubmitWebhook)

	w := app.Group("/workflows")
	w.Get("/", handlers.ListWorkflows)
	w.Get("/:id", handlers.GetWorkflow)
	w.Get("/:id/executions", handlers.ListExecutions)

	app.Get("/executions/:key", handlers.GetExecution)

	s.app = app

	return app
}

// Start serves on port until the server is shut down.
func (s *Server) Start(port int) error {
	s.logger.Info("http server listening", "port", port)

	return s.App().Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.app == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.app.ShutdownWithContext(ctx)
}
