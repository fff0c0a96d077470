// Package cmd provides the CLI commands for scoresync.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/profiling"
	"github.com/Aman-CERP/scoresync/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	debug      bool
	jsonErrors bool
	profile    profiling.Options
	session    *profiling.Session
}

// NewRootCmd creates the root command for the scoresync CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scoresync",
		Short: "Keep a search index in sync with a relational table",
		Long: `scoresync streams rows from a relational table into versioned search
indexes behind a shared alias.

Several workers, each producing a different schema version, coordinate
through a shared store: the current schema serves the alias, newer schemas
build their index in the background and take over when promoted, and
outdated workers stop on their own.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("scoresync version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default ./scoresync.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.scoresync/logs/")
	cmd.PersistentFlags().BoolVar(&opts.jsonErrors, "json-errors", false, "Print failures as JSON on stderr")
	cmd.PersistentFlags().StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if !opts.profile.Enabled() {
			return nil
		}
		session, err := profiling.Start(opts.profile)
		if err != nil {
			return err
		}
		opts.session = session
		return nil
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		if opts.session == nil {
			return nil
		}
		err := opts.session.Stop()
		opts.session = nil
		return err
	}

	cmd.AddCommand(newReindexCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newPromoteCmd(opts))
	cmd.AddCommand(newAuditCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a failure the way users read it.
func Execute() error {
	opts := &rootOptions{}
	err := newRootCmd(opts).Execute()
	if err != nil {
		printError(os.Stderr, err, opts)
	}
	return err
}

func printError(w io.Writer, err error, opts *rootOptions) {
	if opts.jsonErrors {
		if data, jerr := serrors.FormatJSON(err); jerr == nil {
			_, _ = fmt.Fprintln(w, string(data))
			return
		}
	}
	_, _ = fmt.Fprint(w, serrors.FormatForCLI(err, opts.debug))
}
