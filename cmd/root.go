// Package cmd carries the command-line surface: a single root command
// whose operation mode is selected by flags — --info, --describe with an
// app id, or a bare app id for a measurement with the control document
// on stdin.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/measure-app/internal/app"
	"github.com/example/measure-app/internal/errs"
	"github.com/example/measure-app/internal/logging"
	"github.com/example/measure-app/internal/version"
	"github.com/example/measure-app/pkg/ui"
)

// Exit statuses of the measure binary.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitCancelled = 130
)

type rootFlags struct {
	info     bool
	describe bool
	config   string
	verbose  bool
	version  bool
}

// NewRootCmd builds the measure command.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "measure [app-id]",
		Short: "Run measurement drivers and aggregate their results",
		Long: `measure fans one request out to every driver executable found in the
drivers/ directory, runs them concurrently, and merges their answers.

With --info it prints the combined capability document. With --describe
it prints the merged metric descriptors for the given app id. With a
bare app id it reads a JSON control document from stdin, runs the
measurement, streams progress lines, and prints the merged result.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.info, "info", false, "print the combined capability document")
	cmd.Flags().BoolVar(&flags.describe, "describe", false, "print the merged metric descriptors for the app id")
	cmd.Flags().StringVar(&flags.config, "config", "", "configuration file (default measure.yaml)")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&flags.version, "version", false, "print the version and exit")
	return cmd
}

func run(cmd *cobra.Command, flags *rootFlags, args []string) error {
	if flags.version {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetFullVersionInfo())
		return nil
	}

	level := "info"
	if flags.verbose {
		level = "debug"
	}
	log, err := logging.New(logging.Config{Level: level, Development: flags.verbose})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// The handler only cancels the context; the multiplexer's loop
	// observes it at its next iteration boundary and escalates.
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	printer := ui.NewPrinter(cmd.OutOrStdout())
	a, err := app.New(ctx, app.Options{
		ConfigPath: flags.config,
		Progress:   printer.OnProgress,
		Log:        log,
	})
	if err != nil {
		return err
	}

	switch {
	case flags.info:
		return runInfo(a, printer)
	case flags.describe:
		if len(args) != 1 {
			return fmt.Errorf("--describe requires an app id")
		}
		return runDescribe(ctx, a, printer, args[0])
	default:
		if len(args) != 1 {
			return fmt.Errorf("an app id is required")
		}
		return runMeasure(ctx, a, printer, args[0], cmd.InOrStdin())
	}
}

// Execute runs the root command and maps any failure to its exit
// status: 2 for configuration errors, 130 for a cancelled run, 1 for
// everything else.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	var cfgErr *errs.ConfigError
	switch {
	case errors.Is(err, errs.ErrCancelled):
		return ExitCancelled
	case errors.As(err, &cfgErr):
		return ExitConfig
	default:
		return ExitFailure
	}
}
