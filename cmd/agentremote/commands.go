package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/bus"
	"github.com/odvcencio/agentremote/pkg/chat"
	"github.com/odvcencio/agentremote/pkg/control"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/paths"
	"github.com/odvcencio/agentremote/pkg/server"
	"github.com/odvcencio/agentremote/pkg/task"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current task status, pending approval, and mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.ctl.Snapshot(cmd.Context(), "")
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), chat.FormatStatus(report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		limit     int
		asJSON    bool
		approvals bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if approvals {
				if a.db == nil {
					return agenterrors.Configuration("approval history needs storage.database_path")
				}
				decided, err := a.db.ApprovalHistory(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), decided)
				}
				printApprovals(cmd.OutOrStdout(), decided)
				return nil
			}

			tasks, err := a.ctl.History(cmd.Context(), a.ctl.AuthorizedID(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of tasks to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tasks as JSON")
	cmd.Flags().BoolVar(&approvals, "approvals", false, "list decided approvals instead of tasks")
	return cmd
}

func printApprovals(w io.Writer, decided []approval.Resolution) {
	if len(decided) == 0 {
		fmt.Fprintln(w, "No approvals decided yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tTASK\tDECISION\tBY\tDECIDED")
	for _, r := range decided {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.HandleID, r.TaskID, r.Decision, r.DecidedBy, r.DecidedAt.Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var (
		count      int
		errorsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent structured log events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			dir := cfg.Logging.Dir
			if dir == "" {
				dir = paths.LogsBaseDir()
			}
			name := "events.jsonl"
			if errorsOnly {
				name = "errors.jsonl"
			}
			events, err := logging.ReadRecentEvents(filepath.Join(dir, name), count)
			if err != nil {
				return err
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s %-5s %-8s %s %s",
					ev.Timestamp.Local().Format(time.RFC3339), ev.Level, ev.Category, ev.EventType, ev.Message)
				if ev.TaskID != "" {
					line += " task=" + ev.TaskID
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of events to show (0 for all)")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "show only error events")
	return cmd
}

func printTasks(w io.Writer, tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBACKEND\tCREATED\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Backend, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Description)
	}
	_ = tw.Flush()
}

func newResolveCommand(opts *rootOptions, verb string) *cobra.Command {
	decision := approval.DecisionApproved
	short := "Approve the pending approval request"
	if verb == "reject" {
		decision = approval.DecisionRejected
		short = "Reject the pending approval request"
	}
	return &cobra.Command{
		Use:   verb + " [handle-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			handleID := ""
			if len(args) == 1 {
				handleID = args[0]
			}
			res, err := a.ctl.Resolve(cmd.Context(), a.ctl.AuthorizedID(), handleID, decision)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), control.DecisionText(res))
			return nil
		},
	}
}

func newRequestApprovalCommand(opts *rootOptions) *cobra.Command {
	var (
		taskID  string
		summary string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request-approval",
		Short: "Open the approval gate and wait for a decision",
		Long: "Open the approval gate, prompt the owner in chat, and block until they decide.\n" +
			"Exits 0 when approved and 1 when rejected or timed out.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.db == nil {
				return withExitCode(agenterrors.Configuration("request-approval needs storage.database_path so the serving process can resolve it"), exitConfig)
			}

			ctx := cmd.Context()
			h, err := a.ctl.RequestApproval(ctx, control.ApprovalRequest{
				TaskID:  taskID,
				Summary: summary,
				Source:  "cli",
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "waiting for approval %s\n", h.ID)

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := a.ctl.WaitApproval(ctx, h.ID)
			if err != nil {
				return withExitCode(fmt.Errorf("approval %s not resolved: %w", h.ID, err), exitFailed)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Decision.ResponseText())
			if res.Decision != approval.DecisionApproved {
				return withExitCode(fmt.Errorf("approval %s rejected", h.ID), exitFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task the approval belongs to")
	cmd.Flags().StringVar(&summary, "summary", "", "what the agent wants to do")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")
	return cmd
}

func newCompleteCommand(opts *rootOptions) *cobra.Command {
	var (
		status  string
		summary string
	)
	cmd := &cobra.Command{
		Use:   "complete TASK_ID",
		Short: "Report that a dispatched task finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			parsed, err := task.ParseStatus(status)
			if err != nil {
				return err
			}
			report := bus.Completion{
				TaskID:      strings.TrimSpace(args[0]),
				Status:      string(parsed),
				Summary:     summary,
				Source:      "cli",
				CompletedAt: time.Now().UTC(),
			}
			if a.cfg.Bus.NATSURL != "" {
				if err := bus.PublishJSON(cmd.Context(), a.bus, a.subjects.TaskCompleted(), report); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completion for %s published\n", report.TaskID)
				return nil
			}
			t, err := a.ctl.HandleCompletion(cmd.Context(), report)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.FormatStatus(t))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(task.StatusCompleted), "final status: completed or failed")
	cmd.Flags().StringVar(&summary, "summary", "", "short result summary")
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a callback token for a backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(cfg.Server.CallbackSecret)
			if secret == "" {
				return withExitCode(agenterrors.Configuration("server.callback_secret is required to issue tokens"), exitConfig)
			}
			tokens, err := server.NewTokenManager(secret)
			if err != nil {
				return withExitCode(err, exitConfig)
			}
			if ttl <= 0 {
				ttl = cfg.Server.TokenTTL
			}
			token, err := tokens.Issue(subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cloud", "who the token is for")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "comma-separated scopes (default: completion,approval,status)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: server.token_ttl)")
	return cmd
}
