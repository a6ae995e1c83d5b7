package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/crmflow/automation/pkg/log"
	"github.com/crmflow/automation/pkg/scheduler"
	"github.com/crmflow/automation/pkg/workflow"
	"github.com/urfave/cli/v3"
)

const (
	defaultPort            = 9091
	defaultShutdownTimeout = 30 * time.Second
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the automation engine",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Definition store and ledger URL (memory://, file://<dir>, postgres://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "ledger-url",
				Usage:   "Optional separate ledger URL (redis://...)",
				Sources: cli.EnvVars("LEDGER_URL"),
			},
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "File or directory of workflow definitions loaded into the store at startup",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka broker addresses",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of concurrent workflow runs",
				Value:   workflow.DefaultWorkers,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "queue-size",
				Usage:   "Capacity of the run queue",
				Value:   workflow.DefaultQueueSize,
				Sources: cli.EnvVars("QUEUE_SIZE"),
			},
			&cli.IntFlag{
				Name:    "max-cascade-depth",
				Usage:   "Depth at which changes made by chained workflow runs stop triggering workflows",
				Value:   workflow.DefaultMaxCascadeDepth,
				Sources: cli.EnvVars("MAX_CASCADE_DEPTH"),
			},
			&cli.DurationFlag{
				Name:    "action-timeout",
				Usage:   "Timeout of a single action",
				Value:   workflow.DefaultActionTimeout,
				Sources: cli.EnvVars("ACTION_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "max-run-duration",
				Usage:   "Upper bound of a whole run (default: action timeout times number of actions)",
				Sources: cli.EnvVars("MAX_RUN_DURATION"),
			},
			&cli.DurationFlag{
				Name:    "shutdown-timeout",
				Usage:   "Time given to queued runs to finish on shutdown",
				Value:   defaultShutdownTimeout,
				Sources: cli.EnvVars("SHUTDOWN_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron spec of the scheduler tick",
				Value:   scheduler.DefaultSpec,
				Sources: cli.EnvVars("SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port of the HTTP API",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "record-store-url",
				Usage:   "Base URL of the business application's REST API",
				Sources: cli.EnvVars("RECORD_STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "record-store-token",
				Usage:   "Bearer token for the record store",
				Sources: cli.EnvVars("RECORD_STORE_TOKEN"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		}, logFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger := log.WithModule("crmflow")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := Config{
				DatabaseURL:      command.String("database-url"),
				LedgerURL:        command.String("ledger-url"),
				DefinitionsPath:  command.String("definitions"),
				EventBus:         command.String("event-bus"),
				KafkaBrokers:     command.StringSlice("kafka-brokers"),
				Workers:          command.Int("workers"),
				QueueSize:        command.Int("queue-size"),
				MaxCascadeDepth:  command.Int("max-cascade-depth"),
				ActionTimeout:    command.Duration("action-timeout"),
				MaxRunDuration:   command.Duration("max-run-duration"),
				ShutdownTimeout:  command.Duration("shutdown-timeout"),
				Schedule:         command.String("schedule"),
				Port:             command.Int("port"),
				RecordStoreURL:   command.String("record-store-url"),
				RecordStoreToken: command.String("record-store-token"),
				OTelEnabled:      command.Bool("otel-enabled"),
			}

			logger.InfoContext(ctx, "Initializing crmflow engine",
				"event_bus", cfg.EventBus,
				"workers", cfg.Workers,
				"queue_size", cfg.QueueSize)

			service, err := NewService(ctx, logger, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize engine: %w", err)
			}

			return service.Run(ctx)
		},
	}
}
