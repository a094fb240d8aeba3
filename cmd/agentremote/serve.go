package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/chat"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/server"
	"github.com/odvcencio/agentremote/pkg/storage"
)

type serveOptions struct {
	noChat     bool
	noServer   bool
	printToken bool
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bot, approval watcher, and callback server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServe(cmd.Context(), a, so)
		},
	}
	cmd.Flags().BoolVar(&so.noChat, "no-chat", false, "do not poll the chat bot for updates")
	cmd.Flags().BoolVar(&so.noServer, "no-server", false, "do not start the callback server even when enabled in config")
	cmd.Flags().BoolVar(&so.printToken, "print-token", false, "print a callback token for the local agent to stderr")
	return cmd
}

func runServe(ctx context.Context, a *app, so *serveOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	sub, err := a.ctl.SubscribeCompletions(ctx, a.bus, a.subjects)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	watcher, err := approval.NewWatcher(a.gate, a.ctl.HandleAdopted, a.logger)
	if err != nil {
		return err
	}
	watcher.SetTaskResolver(a.ctl.ActiveLocalTask)
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	if !so.noChat {
		router, err := chat.NewRouter(chat.Config{
			Controller:   a.ctl,
			Bot:          a.telegram,
			RateLimit:    a.cfg.Chat.RateLimit,
			Burst:        a.cfg.Chat.Burst,
			HistoryLimit: a.cfg.Chat.HistoryLimit,
			Metrics:      a.metrics,
			Logger:       a.logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return router.Run(ctx, a.telegram)
		})
	}

	if a.cfg.Server.Enabled && !so.noServer {
		srv, err := newCallbackServer(a, so.printToken)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	a.logger.Info(logging.CategorySystem, "started", "agentremote serving", map[string]any{
		"version": version,
		"chat":    !so.noChat,
		"server":  a.cfg.Server.Enabled && !so.noServer,
		"bus":     a.cfg.Bus.NATSURL != "",
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info(logging.CategorySystem, "stopped", "agentremote stopped", nil)
	return err
}

func newCallbackServer(a *app, printToken bool) (*server.Server, error) {
	secret := strings.TrimSpace(a.cfg.Server.CallbackSecret)
	if secret == "" {
		// Only reachable on loopback binds; config validation demands a
		// secret otherwise.
		generated, err := generateSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
		printToken = true
	}
	tokens, err := server.NewTokenManager(secret)
	if err != nil {
		return nil, withExitCode(err, exitConfig)
	}
	if printToken {
		token, err := tokens.Issue("local", server.AllScopes, a.cfg.Server.TokenTTL)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "callback token (expires in %s): %s\n", a.cfg.Server.TokenTTL, token)
	}

	var ledger *storage.TaskLedger
	if a.db != nil {
		ledger = a.db.TaskLedger()
	}
	cfg := server.Config{
		Bind:          a.cfg.Server.Bind,
		Controller:    a.ctl,
		Tokens:        tokens,
		Ledger:        ledger,
		Metrics:       a.metrics,
		PublicMetrics: a.cfg.Server.PublicMetrics,
		Logger:        a.logger,
	}
	// With NATS, completions fan out to every instance's queue group; the
	// in-process bus would only loop back to this process.
	if a.cfg.Bus.NATSURL != "" {
		cfg.Bus = a.bus
		cfg.Subjects = a.subjects
	}
	return server.New(cfg)
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate callback secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
