package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(err)
	}
	os.Exit(exitCodeForError(err))
}

func reportError(err error) {
	if e, ok := agenterrors.As(err); ok && e.Code == agenterrors.ErrCodeConfiguration && len(e.Remediation) > 0 {
		fmt.Fprintln(os.Stderr, "Error: invalid configuration")
		for _, problem := range e.Remediation {
			fmt.Fprintf(os.Stderr, "  - %s\n", problem)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agentremote",
		Short:         "Dispatch development tasks from chat to a local agent or a cloud runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ~/.agentremote/config.yaml and ./.agentremote/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newStatusCommand(opts),
		newHistoryCommand(opts),
		newResolveCommand(opts, "approve"),
		newResolveCommand(opts, "reject"),
		newRequestApprovalCommand(opts),
		newCompleteCommand(opts),
		newTokenCommand(opts),
		newLogsCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentremote %s (commit %s, built %s)\n", version, commit, strings.TrimSpace(buildDate))
		},
	}
}
