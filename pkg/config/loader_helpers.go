package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Strings and durations win when
// non-zero; booleans and lists only when the key is present in raw.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Telegram.BotToken != "" {
		base.Telegram.BotToken = override.Telegram.BotToken
	}
	if override.Telegram.AuthorizedUserID != "" {
		base.Telegram.AuthorizedUserID = override.Telegram.AuthorizedUserID
	}
	if override.Telegram.APIBaseURL != "" {
		base.Telegram.APIBaseURL = override.Telegram.APIBaseURL
	}
	if override.Telegram.PollTimeout != 0 {
		base.Telegram.PollTimeout = override.Telegram.PollTimeout
	}

	if override.Artifacts.StatusFile != "" {
		base.Artifacts.StatusFile = override.Artifacts.StatusFile
	}
	if override.Artifacts.ApprovalFile != "" {
		base.Artifacts.ApprovalFile = override.Artifacts.ApprovalFile
	}
	if override.Artifacts.ResponseFile != "" {
		base.Artifacts.ResponseFile = override.Artifacts.ResponseFile
	}
	if override.Artifacts.TasksDir != "" {
		base.Artifacts.TasksDir = override.Artifacts.TasksDir
	}
	if override.Artifacts.ExchangeFile != "" {
		base.Artifacts.ExchangeFile = override.Artifacts.ExchangeFile
	}

	if boolFieldSet(raw, "mode", "command_patterns") {
		base.Mode.CommandPatterns = append([]string{}, override.Mode.CommandPatterns...)
	}
	if boolFieldSet(raw, "mode", "name_patterns") {
		base.Mode.NamePatterns = append([]string{}, override.Mode.NamePatterns...)
	}
	if override.Mode.ProbeTimeout != 0 {
		base.Mode.ProbeTimeout = override.Mode.ProbeTimeout
	}

	if override.Cloud.Token != "" {
		base.Cloud.Token = override.Cloud.Token
	}
	if override.Cloud.Repository != "" {
		base.Cloud.Repository = override.Cloud.Repository
	}
	if override.Cloud.APIBaseURL != "" {
		base.Cloud.APIBaseURL = override.Cloud.APIBaseURL
	}
	if override.Cloud.EventType != "" {
		base.Cloud.EventType = override.Cloud.EventType
	}
	if override.Cloud.Timeout != 0 {
		base.Cloud.Timeout = override.Cloud.Timeout
	}
	if boolFieldSet(raw, "cloud", "rate_limit") {
		base.Cloud.RateLimit = override.Cloud.RateLimit
	}
	if override.Cloud.Burst != 0 {
		base.Cloud.Burst = override.Cloud.Burst
	}

	// An explicit empty database_path selects in-memory state.
	if boolFieldSet(raw, "storage", "database_path") {
		base.Storage.DatabasePath = override.Storage.DatabasePath
	}

	if override.Bus.NATSURL != "" {
		base.Bus.NATSURL = override.Bus.NATSURL
	}
	if override.Bus.SubjectPrefix != "" {
		base.Bus.SubjectPrefix = override.Bus.SubjectPrefix
	}
	if override.Bus.ConnectTimeout != 0 {
		base.Bus.ConnectTimeout = override.Bus.ConnectTimeout
	}

	if boolFieldSet(raw, "server", "enabled") {
		base.Server.Enabled = override.Server.Enabled
	}
	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if override.Server.CallbackSecret != "" {
		base.Server.CallbackSecret = override.Server.CallbackSecret
	}
	if override.Server.TokenTTL != 0 {
		base.Server.TokenTTL = override.Server.TokenTTL
	}
	if boolFieldSet(raw, "server", "public_metrics") {
		base.Server.PublicMetrics = override.Server.PublicMetrics
	}

	if boolFieldSet(raw, "chat", "rate_limit") {
		base.Chat.RateLimit = override.Chat.RateLimit
	}
	if override.Chat.Burst != 0 {
		base.Chat.Burst = override.Chat.Burst
	}
	if boolFieldSet(raw, "chat", "history_limit") {
		base.Chat.HistoryLimit = override.Chat.HistoryLimit
	}

	if boolFieldSet(raw, "notify", "slack", "enabled") {
		base.Notify.Slack.Enabled = override.Notify.Slack.Enabled
	}
	if override.Notify.Slack.WebhookURL != "" {
		base.Notify.Slack.WebhookURL = override.Notify.Slack.WebhookURL
	}
	if override.Notify.Slack.Channel != "" {
		base.Notify.Slack.Channel = override.Notify.Slack.Channel
	}

	if boolFieldSet(raw, "telemetry", "metrics_enabled") {
		base.Telemetry.MetricsEnabled = override.Telemetry.MetricsEnabled
	}
	if boolFieldSet(raw, "telemetry", "tracing_enabled") {
		base.Telemetry.TracingEnabled = override.Telemetry.TracingEnabled
	}
	if override.Telemetry.ServiceName != "" {
		base.Telemetry.ServiceName = override.Telemetry.ServiceName
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if boolFieldSet(raw, "logging", "console") {
		base.Logging.Console = override.Logging.Console
	}
}

func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
