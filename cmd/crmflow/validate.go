package main

import (
	"context"
	"fmt"
	"io"

	"github.com/crmflow/automation/pkg/cmd"
	"github.com/crmflow/automation/pkg/config"
	"github.com/crmflow/automation/pkg/log"
	"github.com/crmflow/automation/pkg/recordstore"
	"github.com/urfave/cli/v3"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check workflow definitions and their action configs",
		ArgsUsage: "<file or directory>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "File or directory of workflow definitions",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
		}, logFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			path := command.String("definitions")
			if command.Args().Present() {
				path = command.Args().First()
			}

			if path == "" {
				return cli.Exit("no definitions given", 2)
			}

			invalid, err := validateDefinitions(command.Root().Writer, path)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if invalid > 0 {
				return cli.Exit(fmt.Sprintf("%d invalid workflow(s)", invalid), 1)
			}

			return nil
		},
	}
}

// validateDefinitions reports every definition at path on out and returns how
// many failed. Loading errors (unreadable files, structural problems) are
// returned as err.
func validateDefinitions(out io.Writer, path string) (int, error) {
	logger := log.WithModule("validate")

	definitions, err := config.LoadDefinitions(path)
	if err != nil {
		return 0, err
	}

	bus, err := cmd.NewEventBus(logger, "gochannel", nil)
	if err != nil {
		return 0, err
	}

	defer func() { _ = bus.Close() }()

	reg, err := cmd.NewRegistry(logger, bus, recordstore.NewMemory(), nil)
	if err != nil {
		return 0, err
	}

	invalid := 0

	for _, definition := range definitions {
		err := reg.ValidateWorkflow(definition)
		if err != nil {
			invalid++

			fmt.Fprintf(out, "FAIL %s (%s)\n  %v\n", definition.ID, definition.Name, err)

			continue
		}

		fmt.Fprintf(out, "ok   %s (%s): %s, %d action(s)\n",
			definition.ID, definition.Name, definition.TriggerType, len(definition.Actions))
	}

	return invalid, nil
}
