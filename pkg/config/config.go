package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/paths"
)

// Default configuration values exported for documentation and validation
const (
	DefaultTelegramAPIBase  = "https://api.telegram.org"
	DefaultTelegramPoll     = 30 * time.Second
	DefaultGitHubAPIBase    = "https://api.github.com"
	DefaultCloudEventType   = "execute-task"
	DefaultCloudTimeout     = 30 * time.Second
	DefaultCloudRateLimit   = 1.0
	DefaultCloudBurst       = 3
	DefaultChatRateLimit    = 1.0
	DefaultChatBurst        = 5
	DefaultServerBind       = "127.0.0.1:8787"
	DefaultCallbackTokenTTL = 24 * time.Hour
	DefaultSubjectPrefix    = "agentremote"
	DefaultNATSTimeout      = 5 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultHistoryLimit     = 10
	DefaultServiceName      = "agentremote"
	DefaultExchangeFile     = "~/.agentremote/exchange/pending_task.txt"
	DefaultDatabasePath     = "~/.agentremote/agentremote.db"
	MinCallbackSecretLength = 32
)

// Config represents the complete agentremote configuration
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Mode      ModeConfig      `yaml:"mode"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Server    ServerConfig    `yaml:"server"`
	Chat      ChatConfig      `yaml:"chat"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TelegramConfig configures the chat surface
type TelegramConfig struct {
	BotToken         string        `yaml:"bot_token"`          // From @BotFather
	AuthorizedUserID string        `yaml:"authorized_user_id"` // The only principal allowed to act
	APIBaseURL       string        `yaml:"api_base_url"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
}

// ArtifactsConfig locates the text artifacts shared with the local agent.
type ArtifactsConfig struct {
	StatusFile   string `yaml:"status_file"`
	ApprovalFile string `yaml:"approval_file"`
	ResponseFile string `yaml:"response_file"`
	TasksDir     string `yaml:"tasks_dir"`
	ExchangeFile string `yaml:"exchange_file"`
}

// ModeConfig tunes local-agent liveness detection.
type ModeConfig struct {
	CommandPatterns []string      `yaml:"command_patterns"` // Matched against full command lines
	NamePatterns    []string      `yaml:"name_patterns"`    // Matched against process names
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
}

// CloudConfig configures the repository_dispatch backend
type CloudConfig struct {
	Token      string        `yaml:"token"`
	Repository string        `yaml:"repository"` // owner/name
	APIBaseURL string        `yaml:"api_base_url"`
	EventType  string        `yaml:"event_type"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second
	Burst      int           `yaml:"burst"`
}

// StorageConfig locates the sqlite database. Empty path keeps state in memory.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// BusConfig selects the message bus. Empty URL uses the in-process bus.
type BusConfig struct {
	NATSURL        string        `yaml:"nats_url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ServerConfig configures the callback HTTP API
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Bind           string        `yaml:"bind"`
	CallbackSecret string        `yaml:"callback_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	PublicMetrics  bool          `yaml:"public_metrics"`
}

// ChatConfig throttles inbound commands per requester
type ChatConfig struct {
	RateLimit    float64 `yaml:"rate_limit"` // commands per second
	Burst        int     `yaml:"burst"`
	HistoryLimit int     `yaml:"history_limit"`
}

// NotifyConfig controls notification mirrors besides the chat reply itself
type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig configures Slack notifications
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"` // Incoming webhook URL
	Channel    string `yaml:"channel"`     // Optional channel override
}

// TelemetryConfig toggles metrics and tracing
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	ServiceName    string `yaml:"service_name"`
}

// LoggingConfig controls the structured event log
type LoggingConfig struct {
	Dir     string `yaml:"dir"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns the configuration before any file or environment is
// applied. Required settings are left empty on purpose so Validate fails.
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			APIBaseURL:  DefaultTelegramAPIBase,
			PollTimeout: DefaultTelegramPoll,
		},
		Artifacts: ArtifactsConfig{
			ExchangeFile: DefaultExchangeFile,
		},
		Mode: ModeConfig{
			CommandPatterns: []string{`(?i)claude`},
			NamePatterns:    []string{`(?i)claude`, `(?i)code`},
			ProbeTimeout:    DefaultProbeTimeout,
		},
		Cloud: CloudConfig{
			APIBaseURL: DefaultGitHubAPIBase,
			EventType:  DefaultCloudEventType,
			Timeout:    DefaultCloudTimeout,
			RateLimit:  DefaultCloudRateLimit,
			Burst:      DefaultCloudBurst,
		},
		Storage: StorageConfig{
			DatabasePath: DefaultDatabasePath,
		},
		Bus: BusConfig{
			SubjectPrefix:  DefaultSubjectPrefix,
			ConnectTimeout: DefaultNATSTimeout,
		},
		Server: ServerConfig{
			Enabled:  true,
			Bind:     DefaultServerBind,
			TokenTTL: DefaultCallbackTokenTTL,
		},
		Chat: ChatConfig{
			RateLimit:    DefaultChatRateLimit,
			Burst:        DefaultChatBurst,
			HistoryLimit: DefaultHistoryLimit,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			ServiceName:    DefaultServiceName,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load loads configuration from the hierarchy:
// defaults, ~/.agentremote/config.yaml, ./.agentremote/config.yaml,
// ~/.agentremote/config.env, then the process environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if stateDir := paths.UserStateDir(); stateDir != "" {
		userConfigPath := filepath.Join(stateDir, "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", paths.StateDirName, "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg, configEnv)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file instead of the
// user and project files. Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg, configEnv)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envLookup resolves a key from the process environment first, then config.env.
type envLookup map[string]string

func (e envLookup) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(e[key])
}

func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	env := envLookup(configEnv)

	// Chat surface
	if v := env.get("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := env.get("TELEGRAM_USER_ID"); v != "" {
		cfg.Telegram.AuthorizedUserID = v
	}
	if v := env.get("AGENTREMOTE_TELEGRAM_API_BASE"); v != "" {
		cfg.Telegram.APIBaseURL = v
	}

	// Artifacts
	if v := env.get("AGENTREMOTE_STATUS_FILE"); v != "" {
		cfg.Artifacts.StatusFile = v
	}
	if v := env.get("AGENTREMOTE_APPROVAL_FILE"); v != "" {
		cfg.Artifacts.ApprovalFile = v
	}
	if v := env.get("AGENTREMOTE_RESPONSE_FILE"); v != "" {
		cfg.Artifacts.ResponseFile = v
	}
	if v := env.get("AGENTREMOTE_TASKS_DIR"); v != "" {
		cfg.Artifacts.TasksDir = v
	}
	if v := env.get("AGENTREMOTE_EXCHANGE_FILE"); v != "" {
		cfg.Artifacts.ExchangeFile = v
	}

	// Cloud backend
	if v := env.get("GITHUB_PAT"); v != "" {
		cfg.Cloud.Token = v
	} else if v := env.get("GITHUB_TOKEN"); v != "" && cfg.Cloud.Token == "" {
		cfg.Cloud.Token = v
	}
	if v := env.get("AGENTREMOTE_CLOUD_REPOSITORY"); v != "" {
		cfg.Cloud.Repository = v
	}
	if v := env.get("AGENTREMOTE_GITHUB_API_BASE"); v != "" {
		cfg.Cloud.APIBaseURL = v
	}

	if v := env.get("AGENTREMOTE_AGENT_PATTERNS"); v != "" {
		cfg.Mode.CommandPatterns = splitCommaList(v)
	}

	if v := env.get("AGENTREMOTE_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := env.get("AGENTREMOTE_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}

	// Callback server
	if v, ok := envBool("AGENTREMOTE_SERVER_ENABLED"); ok {
		cfg.Server.Enabled = v
	}
	if v := env.get("AGENTREMOTE_SERVER_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := env.get("AGENTREMOTE_CALLBACK_SECRET"); v != "" {
		cfg.Server.CallbackSecret = v
	}

	if v := env.get("AGENTREMOTE_CHAT_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.Chat.RateLimit = n
		}
	}

	if v := env.get("AGENTREMOTE_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
		if !cfg.Notify.Slack.Enabled {
			cfg.Notify.Slack.Enabled = true
		}
	}
	if v, ok := envBool("AGENTREMOTE_SLACK_ENABLED"); ok {
		cfg.Notify.Slack.Enabled = v
	}

	if v, ok := envBool("AGENTREMOTE_TRACING_ENABLED"); ok {
		cfg.Telemetry.TracingEnabled = v
	}
	if v, ok := envBool("AGENTREMOTE_METRICS_ENABLED"); ok {
		cfg.Telemetry.MetricsEnabled = v
	}

	if v := env.get(paths.EnvLogDir); v != "" {
		cfg.Logging.Dir = v
	}
	if v := env.get("AGENTREMOTE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ApplyEnvOverridesForTest exposes environment override handling to tests
// in other packages.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Validate checks every required setting and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}

	require(c.Telegram.BotToken, "telegram.bot_token (TELEGRAM_BOT_TOKEN)")
	require(c.Telegram.AuthorizedUserID, "telegram.authorized_user_id (TELEGRAM_USER_ID)")
	require(c.Artifacts.StatusFile, "artifacts.status_file (AGENTREMOTE_STATUS_FILE)")
	require(c.Artifacts.ApprovalFile, "artifacts.approval_file (AGENTREMOTE_APPROVAL_FILE)")
	require(c.Artifacts.ResponseFile, "artifacts.response_file (AGENTREMOTE_RESPONSE_FILE)")
	require(c.Artifacts.TasksDir, "artifacts.tasks_dir (AGENTREMOTE_TASKS_DIR)")
	require(c.Artifacts.ExchangeFile, "artifacts.exchange_file (AGENTREMOTE_EXCHANGE_FILE)")

	if id := strings.TrimSpace(c.Telegram.AuthorizedUserID); id != "" {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			problems = append(problems, fmt.Sprintf("telegram.authorized_user_id must be numeric, got %q", id))
		}
	}

	if repo := strings.TrimSpace(c.Cloud.Repository); repo != "" {
		if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			problems = append(problems, fmt.Sprintf("cloud.repository must be owner/name, got %q", repo))
		}
	}
	if c.Cloud.Timeout < 0 {
		problems = append(problems, "cloud.timeout must be >= 0")
	}
	if c.Cloud.RateLimit < 0 {
		problems = append(problems, "cloud.rate_limit must be >= 0")
	}
	if c.Chat.RateLimit < 0 {
		problems = append(problems, "chat.rate_limit must be >= 0")
	}
	if c.Chat.HistoryLimit < 0 {
		problems = append(problems, "chat.history_limit must be >= 0")
	}

	if c.Server.Enabled {
		if strings.TrimSpace(c.Server.Bind) == "" {
			problems = append(problems, "server.bind is required when the callback server is enabled")
		}
		secret := strings.TrimSpace(c.Server.CallbackSecret)
		if secret == "" && !isLoopbackBindAddress(c.Server.Bind) {
			problems = append(problems, fmt.Sprintf("server.bind %q is not loopback: set server.callback_secret (AGENTREMOTE_CALLBACK_SECRET)", c.Server.Bind))
		}
		if secret != "" && len(secret) < MinCallbackSecretLength {
			problems = append(problems, fmt.Sprintf("server.callback_secret must be at least %d characters", MinCallbackSecretLength))
		}
	}

	if c.Notify.Slack.Enabled && strings.TrimSpace(c.Notify.Slack.WebhookURL) == "" {
		problems = append(problems, "notify.slack.webhook_url is required when Slack is enabled")
	}

	if len(problems) > 0 {
		return agenterrors.Configuration(problems...)
	}
	return nil
}

// CloudConfigured reports whether the cloud backend has everything it needs.
func (c *Config) CloudConfigured() bool {
	return strings.TrimSpace(c.Cloud.Token) != "" && strings.TrimSpace(c.Cloud.Repository) != ""
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Artifacts.StatusFile,
		&c.Artifacts.ApprovalFile,
		&c.Artifacts.ResponseFile,
		&c.Artifacts.TasksDir,
		&c.Artifacts.ExchangeFile,
		&c.Storage.DatabasePath,
		&c.Logging.Dir,
	} {
		*p = paths.ExpandHome(*p)
	}
}

func loadConfigEnvVars() map[string]string {
	stateDir := paths.UserStateDir()
	if stateDir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(stateDir, "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		vars[key] = value
	}
	return vars
}
