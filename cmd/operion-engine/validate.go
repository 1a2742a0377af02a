package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukex/operion-engine/pkg/cmd"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/urfave/cli/v3"
)

var (
	ErrPathRequired       = errors.New("a flow file or directory is required")
	ErrInvalidDefinitions = errors.New("invalid definitions found")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate flow definitions and cron entries without running them",
		ArgsUsage: "<flow file or directory>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cron-path",
				Usage:   "Cron entry file to validate as well",
				Sources: cli.EnvVars("CRON_PATH"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing step plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return ErrPathRequired
			}

			logger := slog.With(
				"module", "operion-engine",
				"action", "validate",
			)

			registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
			if err != nil {
				return err
			}

			validator := workflow.NewExecutor(logger, registry).Validator()

			return validateDefinitions(os.Stdout, validator, path, command.String("cron-path"))
		},
	}
}

// validateDefinitions writes one line per problem found and returns
// ErrInvalidDefinitions when there is any.
func validateDefinitions(out io.Writer, validator *workflow.Validator, flowsPath, cronPath string) error {
	defs, err := workflow.LoadFlows(flowsPath)
	if err != nil {
		return err
	}

	invalid := 0
	known := make(map[string]bool, len(defs))

	for _, def := range defs {
		known[def.ID] = true

		errs := validator.Validate(def)
		if len(errs) == 0 {
			fmt.Fprintf(out, "ok      flow %s\n", def.ID)

			continue
		}

		invalid++

		for _, e := range errs {
			fmt.Fprintf(out, "invalid flow %s: %s\n", def.ID, e.Error())
		}
	}

	if cronPath != "" {
		entries, err := workflow.LoadCronEntries(cronPath)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if problem := cronProblem(entry, known); problem != "" {
				invalid++

				fmt.Fprintf(out, "invalid cron %s: %s\n", entry.ID, problem)

				continue
			}

			fmt.Fprintf(out, "ok      cron %s\n", entry.ID)
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDefinitions, invalid)
	}

	return nil
}

func cronProblem(entry *models.CronJobEntry, knownFlows map[string]bool) string {
	if err := entry.Validate(); err != nil {
		return err.Error()
	}

	if !knownFlows[entry.FlowID] {
		return "unknown flow " + entry.FlowID
	}

	return ""
}
