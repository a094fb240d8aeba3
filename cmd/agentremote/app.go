package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/bus"
	"github.com/odvcencio/agentremote/pkg/config"
	"github.com/odvcencio/agentremote/pkg/control"
	"github.com/odvcencio/agentremote/pkg/dispatch"
	"github.com/odvcencio/agentremote/pkg/github"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/mode"
	"github.com/odvcencio/agentremote/pkg/notify"
	"github.com/odvcencio/agentremote/pkg/paths"
	"github.com/odvcencio/agentremote/pkg/storage"
	"github.com/odvcencio/agentremote/pkg/task"
	"github.com/odvcencio/agentremote/pkg/telemetry"
)

// app holds every long-lived component of one process.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.TracerProvider
	db       *storage.Store
	bus      bus.MessageBus
	subjects bus.Subjects
	tasks    *task.Store
	gate     *approval.Gate
	telegram *notify.TelegramClient
	notifier *notify.Manager
	ctl      *control.Controller
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(opts.configPath) != "" {
		cfg, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, withExitCode(err, exitConfig)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, nil
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if err := a.init(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	cfg := a.cfg

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = paths.LogsBaseDir()
	}
	logger, err := logging.NewLogger(logDir)
	if err != nil {
		return err
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.Console {
		logger.SetConsole(os.Stderr)
	}
	a.logger = logger

	if cfg.Telemetry.MetricsEnabled {
		a.metrics = telemetry.NewMetrics()
	}
	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, version, os.Stderr)
		if err != nil {
			return err
		}
		a.tracer = tp
	}

	storeOpts := []task.Option{task.WithLogger(logger)}
	var slot approval.Slot = approval.NewMemorySlot()
	if cfg.Storage.DatabasePath != "" {
		db, err := storage.New(cfg.Storage.DatabasePath)
		if err != nil {
			return err
		}
		a.db = db
		slot = db.ApprovalSlot()
		storeOpts = append(storeOpts, task.WithRecorder(db.TaskLedger()))
	}
	if a.metrics != nil {
		storeOpts = append(storeOpts, task.WithRecorder(a.metrics))
	}

	a.bus, err = bus.Open(bus.Config{
		URL:     cfg.Bus.NATSURL,
		Name:    "agentremote",
		Timeout: cfg.Bus.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	a.subjects = bus.Subjects{Prefix: cfg.Bus.SubjectPrefix}

	a.tasks, err = task.NewStore(cfg.Artifacts.TasksDir, cfg.Artifacts.StatusFile, storeOpts...)
	if err != nil {
		return err
	}
	a.gate = approval.NewGate(slot, approval.Artifacts{
		ApprovalFile: cfg.Artifacts.ApprovalFile,
		ResponseFile: cfg.Artifacts.ResponseFile,
	}, approval.WithLogger(logger))

	probe, err := mode.NewProcessProbe(cfg.Mode.CommandPatterns, cfg.Mode.NamePatterns, cfg.Mode.ProbeTimeout)
	if err != nil {
		return err
	}
	selector := mode.NewSelector(mode.NewMemorySessionStore(), probe, logger)

	var trigger dispatch.Trigger
	if cfg.CloudConfigured() {
		trigger = github.NewClient(cfg.Cloud.Token, github.Options{
			BaseURL:   cfg.Cloud.APIBaseURL,
			Timeout:   cfg.Cloud.Timeout,
			RateLimit: cfg.Cloud.RateLimit,
			Burst:     cfg.Cloud.Burst,
		})
	}
	dispatcher := dispatch.NewDispatcher(a.tasks, []dispatch.Submitter{
		dispatch.NewLocalSubmitter(cfg.Artifacts.ExchangeFile),
		dispatch.NewCloudSubmitter(trigger, cfg.Cloud.Repository, cfg.Cloud.EventType),
	}, dispatch.WithBus(a.bus, a.subjects), dispatch.WithMetrics(a.metrics), dispatch.WithLogger(logger))

	a.telegram, err = notify.NewTelegramClient(notify.TelegramConfig{
		BotToken:    cfg.Telegram.BotToken,
		APIBaseURL:  cfg.Telegram.APIBaseURL,
		PollTimeout: cfg.Telegram.PollTimeout,
	})
	if err != nil {
		return err
	}
	// In a private chat the chat id equals the user id.
	ownerChat, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.AuthorizedUserID), 10, 64)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	telegramAdapter, err := notify.NewTelegramAdapter(a.telegram, ownerChat)
	if err != nil {
		return err
	}
	a.notifier = notify.NewManager(notify.NewBusPublisher(a.bus, a.subjects), telegramAdapter)
	if cfg.Notify.Slack.Enabled {
		slack, err := notify.NewSlackAdapter(notify.SlackConfig{
			WebhookURL: cfg.Notify.Slack.WebhookURL,
			Channel:    cfg.Notify.Slack.Channel,
		})
		if err != nil {
			return err
		}
		a.notifier.AddAdapter(slack)
	}

	a.ctl, err = control.New(control.Config{
		AuthorizedID:     cfg.Telegram.AuthorizedUserID,
		AuthorizedChatID: ownerChat,
		Tasks:            a.tasks,
		Gate:             a.gate,
		Selector:         selector,
		Dispatcher:       dispatcher,
		Notifier:         a.notifier,
		CloudConfigured:  cfg.CloudConfigured(),
		Metrics:          a.metrics,
		Logger:           logger,
	})
	return err
}

// Close releases everything init acquired, in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.tracer.Shutdown(ctx))
		cancel()
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}
