package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/batalabs/masix/internal/domain"
)

// GroupMode controls who may talk to a bot inside group chats.
type GroupMode string

const (
	GroupAll        GroupMode = "all"
	GroupUsersOnly  GroupMode = "users_only"
	GroupTagOnly    GroupMode = "tag_only"
	GroupUsersOrTag GroupMode = "users_or_tag"
	GroupListenOnly GroupMode = "listen_only"
)

// Valid reports whether m is a known group mode. The empty mode means all.
func (m GroupMode) Valid() bool {
	switch m {
	case "", GroupAll, GroupUsersOnly, GroupTagOnly, GroupUsersOrTag, GroupListenOnly:
		return true
	}
	return false
}

// Normalized returns the effective mode, mapping the empty value to all.
func (m GroupMode) Normalized() GroupMode {
	if m == "" {
		return GroupAll
	}
	return m
}

// UserToolsMode controls which tools non-admin users may call.
type UserToolsMode string

const (
	UserToolsNone     UserToolsMode = "none"
	UserToolsSelected UserToolsMode = "selected"
)

// Config is the immutable runtime configuration snapshot. It is loaded once
// at startup and passed by pointer to every component constructor.
type Config struct {
	Core      CoreConfig      `toml:"core" yaml:"core"`
	Providers ProvidersConfig `toml:"providers" yaml:"providers"`
	Bots      BotsConfig      `toml:"bots" yaml:"bots"`
	Telegram  TelegramConfig  `toml:"telegram" yaml:"telegram"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp" yaml:"whatsapp"`
	SMS       SMSConfig       `toml:"sms" yaml:"sms"`
	MCP       MCPConfig       `toml:"mcp" yaml:"mcp"`
	Policy    PolicyConfig    `toml:"policy" yaml:"policy"`
	Cron      CronConfig      `toml:"cron" yaml:"cron"`
	Ingress   IngressConfig   `toml:"ingress" yaml:"ingress"`
	Exec      ExecConfig      `toml:"exec" yaml:"exec"`

	path string
}

// CoreConfig holds process-wide settings.
type CoreConfig struct {
	DataDir          string `toml:"data_dir" yaml:"data_dir"`
	LogLevel         string `toml:"log_level" yaml:"log_level"`
	LogFormat        string `toml:"log_format" yaml:"log_format"` // console or json
	SoulFile         string `toml:"soul_file" yaml:"soul_file"`
	GlobalMemoryFile string `toml:"global_memory_file" yaml:"global_memory_file"`
	HistoryLimit     int    `toml:"history_limit" yaml:"history_limit"`
}

// ProvidersConfig lists the model endpoints and the global default.
type ProvidersConfig struct {
	DefaultProvider string           `toml:"default_provider" yaml:"default_provider"`
	Providers       []ProviderConfig `toml:"providers" yaml:"providers"`
}

// ProviderConfig describes one OpenAI-compatible chat/completions endpoint.
type ProviderConfig struct {
	Name         string `toml:"name" yaml:"name"`
	APIKey       string `toml:"api_key" yaml:"api_key"`
	BaseURL      string `toml:"base_url" yaml:"base_url"`
	Model        string `toml:"model" yaml:"model"`
	ProviderType string `toml:"provider_type" yaml:"provider_type"`
	TimeoutSecs  int    `toml:"timeout_secs" yaml:"timeout_secs"`
}

// Timeout returns the per-attempt timeout for the provider.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSecs <= 0 {
		return 90 * time.Second
	}
	return time.Duration(p.TimeoutSecs) * time.Second
}

// BotsConfig declares bot profiles and the mapping policy.
type BotsConfig struct {
	StrictAccountProfileMapping bool               `toml:"strict_account_profile_mapping" yaml:"strict_account_profile_mapping"`
	Profiles                    []BotProfileConfig `toml:"profiles" yaml:"profiles"`
}

// BotProfileConfig is the on-disk form of a bot profile.
type BotProfileConfig struct {
	Name             string             `toml:"name" yaml:"name"`
	Workdir          string             `toml:"workdir" yaml:"workdir"`
	MemoryFile       string             `toml:"memory_file" yaml:"memory_file"`
	SoulFile         string             `toml:"soul_file" yaml:"soul_file"`
	UseGlobalSoul    bool               `toml:"use_global_soul" yaml:"use_global_soul"`
	ProviderPrimary  string             `toml:"provider_primary" yaml:"provider_primary"`
	ProviderFallback []string           `toml:"provider_fallback" yaml:"provider_fallback"`
	VisionProvider   string             `toml:"vision_provider" yaml:"vision_provider"`
	Retry            *RetryPolicyConfig `toml:"retry" yaml:"retry"`
}

// RetryPolicyConfig overrides the provider retry policy for one profile.
// Unset fields fall back to the defaults.
type RetryPolicyConfig struct {
	WindowSecs       *int `toml:"window_secs" yaml:"window_secs"`
	InitialDelaySecs *int `toml:"initial_delay_secs" yaml:"initial_delay_secs"`
	BackoffFactor    *int `toml:"backoff_factor" yaml:"backoff_factor"`
	MaxDelaySecs     *int `toml:"max_delay_secs" yaml:"max_delay_secs"`
}

// TelegramConfig holds the Telegram bot accounts.
type TelegramConfig struct {
	PollTimeoutSecs int               `toml:"poll_timeout_secs" yaml:"poll_timeout_secs"`
	Accounts        []TelegramAccount `toml:"accounts" yaml:"accounts"`
}

// TelegramAccount is one Telegram bot identity.
type TelegramAccount struct {
	BotToken          string        `toml:"bot_token" yaml:"bot_token"`
	BotName           string        `toml:"bot_name" yaml:"bot_name"`
	BotProfile        string        `toml:"bot_profile" yaml:"bot_profile"`
	AllowedChats      []int64       `toml:"allowed_chats" yaml:"allowed_chats"`
	Admins            []int64       `toml:"admins" yaml:"admins"`
	Users             []int64       `toml:"users" yaml:"users"`
	Readonly          []int64       `toml:"readonly" yaml:"readonly"`
	GroupMode         GroupMode     `toml:"group_mode" yaml:"group_mode"`
	AutoRegisterUsers bool          `toml:"auto_register_users" yaml:"auto_register_users"`
	UserToolsMode     UserToolsMode `toml:"user_tools_mode" yaml:"user_tools_mode"`
	UserAllowedTools  []string      `toml:"user_allowed_tools" yaml:"user_allowed_tools"`
}

// AccountTag returns the stable scope key of the account: the numeric bot id
// that prefixes the token.
func (a TelegramAccount) AccountTag() string {
	return TelegramAccountTag(a.BotToken)
}

// BotUsername returns the normalized @-less bot username, if configured.
func (a TelegramAccount) BotUsername() string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a.BotName), "@"))
}

// ShouldAutoRegister reports whether unknown private senders are registered.
func (a TelegramAccount) ShouldAutoRegister() bool {
	return a.AutoRegisterUsers && a.GroupMode.Normalized() == GroupAll
}

// TelegramAccountTag extracts the account tag from a bot token.
func TelegramAccountTag(token string) string {
	token = strings.TrimSpace(token)
	tag, _, _ := strings.Cut(token, ":")
	return strings.TrimSpace(tag)
}

// SenderACL is the static access list of a secondary channel.
type SenderACL struct {
	AllowedSenders []string `toml:"allowed_senders" yaml:"allowed_senders"`
	Admins         []string `toml:"admins" yaml:"admins"`
	Users          []string `toml:"users" yaml:"users"`
}

// ForwardConfig relays inbound secondary-channel messages to a Telegram chat.
type ForwardConfig struct {
	ForwardToTelegramChatID     int64  `toml:"forward_to_telegram_chat_id" yaml:"forward_to_telegram_chat_id"`
	ForwardToTelegramAccountTag string `toml:"forward_to_telegram_account_tag" yaml:"forward_to_telegram_account_tag"`
	ForwardPrefix               string `toml:"forward_prefix" yaml:"forward_prefix"`
}

// Configured reports whether forwarding is set up.
func (f ForwardConfig) Configured() bool {
	return f.ForwardToTelegramChatID != 0
}

// WhatsAppConfig configures the read-only WhatsApp ingress bridge.
type WhatsAppConfig struct {
	Enabled             bool   `toml:"enabled" yaml:"enabled"`
	ReadOnly            *bool  `toml:"read_only" yaml:"read_only"`
	AccountTag          string `toml:"account_tag" yaml:"account_tag"`
	IngressSharedSecret string `toml:"ingress_shared_secret" yaml:"ingress_shared_secret"`
	MaxMessageChars     int    `toml:"max_message_chars" yaml:"max_message_chars"`
	SenderACL           `yaml:",inline"`
	ForwardConfig       `yaml:",inline"`
}

// IsReadOnly reports the effective read-only flag (default true).
func (w WhatsAppConfig) IsReadOnly() bool {
	return w.ReadOnly == nil || *w.ReadOnly
}

// Tag returns the account tag used to scope WhatsApp state.
func (w WhatsAppConfig) Tag() string {
	if t := strings.TrimSpace(w.AccountTag); t != "" {
		return t
	}
	return "whatsapp"
}

// SMSConfig configures the SMS ingress and Textbelt delivery.
type SMSConfig struct {
	Enabled             bool   `toml:"enabled" yaml:"enabled"`
	AccountTag          string `toml:"account_tag" yaml:"account_tag"`
	IngressSharedSecret string `toml:"ingress_shared_secret" yaml:"ingress_shared_secret"`
	TextbeltAPIKey      string `toml:"textbelt_api_key" yaml:"textbelt_api_key"`
	SenderACL           `yaml:",inline"`
	ForwardConfig       `yaml:",inline"`
}

// Tag returns the account tag used to scope SMS state.
func (s SMSConfig) Tag() string {
	if t := strings.TrimSpace(s.AccountTag); t != "" {
		return t
	}
	return "sms"
}

// MCPConfig lists the MCP tool servers.
type MCPConfig struct {
	Enabled bool        `toml:"enabled" yaml:"enabled"`
	Servers []MCPServer `toml:"servers" yaml:"servers"`
	// ConfigFile optionally points at a .mcp.json file merged over Servers.
	ConfigFile string `toml:"config_file" yaml:"config_file"`
	// AdminOnlyServers lists servers whose tools require the admin role.
	AdminOnlyServers []string `toml:"admin_only_servers" yaml:"admin_only_servers"`
}

// MCPServer describes how to reach one MCP server.
type MCPServer struct {
	Name    string            `toml:"name" yaml:"name"`
	Type    string            `toml:"type" yaml:"type"` // stdio or http
	Command string            `toml:"command" yaml:"command"`
	Args    []string          `toml:"args" yaml:"args"`
	Env     map[string]string `toml:"env" yaml:"env"`
	URL     string            `toml:"url" yaml:"url"`
}

// PolicyConfig is the global gate applied before role evaluation.
type PolicyConfig struct {
	Allowlist []string         `toml:"allowlist" yaml:"allowlist"`
	Denylist  []string         `toml:"denylist" yaml:"denylist"`
	RateLimit *RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig bounds how fast one sender may send messages.
type RateLimitConfig struct {
	MessagesPerMinute int `toml:"messages_per_minute" yaml:"messages_per_minute"`
}

// CronConfig tunes the reminder scheduler.
type CronConfig struct {
	TickIntervalSecs    int    `toml:"tick_interval_secs" yaml:"tick_interval_secs"`
	MaxDeliveryFailures int    `toml:"max_delivery_failures" yaml:"max_delivery_failures"`
	Timezone            string `toml:"timezone" yaml:"timezone"`
}

// TickInterval returns the scheduler tick period.
func (c CronConfig) TickInterval() time.Duration {
	if c.TickIntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// MaxFailures returns the consecutive delivery failures tolerated per job.
func (c CronConfig) MaxFailures() int {
	if c.MaxDeliveryFailures <= 0 {
		return 3
	}
	return c.MaxDeliveryFailures
}

// Location resolves the configured timezone, defaulting to the local zone.
func (c CronConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ExecConfig guards the admin /exec command. Commands run without a shell,
// inside the profile workdir.
type ExecConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	TimeoutSecs    int      `toml:"timeout_secs" yaml:"timeout_secs"`
	MaxOutputChars int      `toml:"max_output_chars" yaml:"max_output_chars"`
	Allowlist      []string `toml:"allowlist" yaml:"allowlist"`
}

// Timeout bounds one command run.
func (c ExecConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// MaxOutput caps each of stdout and stderr, in characters.
func (c ExecConfig) MaxOutput() int {
	if c.MaxOutputChars <= 0 {
		return 3500
	}
	return max(c.MaxOutputChars, 256)
}

// IngressConfig configures the HTTP listener used for WhatsApp/SMS ingress,
// health checks and metrics.
type IngressConfig struct {
	Listen  string `toml:"listen" yaml:"listen"`
	Metrics bool   `toml:"metrics" yaml:"metrics"`
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Load reads, expands and validates the configuration at path. TOML is the
// default format; .yaml and .yml files are decoded as YAML.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes, expands and validates raw configuration bytes. ext selects
// the decoder (".yaml"/".yml" or anything else for TOML).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, &ValidationError{Field: undecoded[0].String(), Reason: "unknown configuration key"}
		}
	}
	cfg.expandSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSecrets resolves ${VAR} references in credential-bearing fields.
func (c *Config) expandSecrets() {
	c.Core.DataDir = ExpandEnv(c.Core.DataDir)
	for i := range c.Providers.Providers {
		p := &c.Providers.Providers[i]
		p.APIKey = ExpandEnv(p.APIKey)
		p.BaseURL = ExpandEnv(p.BaseURL)
	}
	for i := range c.Telegram.Accounts {
		c.Telegram.Accounts[i].BotToken = ExpandEnv(c.Telegram.Accounts[i].BotToken)
	}
	c.WhatsApp.IngressSharedSecret = ExpandEnv(c.WhatsApp.IngressSharedSecret)
	c.SMS.IngressSharedSecret = ExpandEnv(c.SMS.IngressSharedSecret)
	c.SMS.TextbeltAPIKey = ExpandEnv(c.SMS.TextbeltAPIKey)
}

// DataDir returns the runtime data directory, creating it if needed.
func (c *Config) DataDir() (string, error) {
	dir := strings.TrimSpace(c.Core.DataDir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".local", "share", "masix")
	}
	dir = ExpandHome(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// Provider returns the provider named name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	name = strings.TrimSpace(name)
	for _, p := range c.Providers.Providers {
		if strings.TrimSpace(p.Name) == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Profile returns the bot profile named name.
func (c *Config) Profile(name string) (BotProfileConfig, bool) {
	name = strings.TrimSpace(name)
	for _, p := range c.Bots.Profiles {
		if strings.TrimSpace(p.Name) == name {
			return p, true
		}
	}
	return BotProfileConfig{}, false
}

// TelegramAccount returns the Telegram account with the given tag.
func (c *Config) TelegramAccount(tag string) (TelegramAccount, bool) {
	for _, a := range c.Telegram.Accounts {
		if a.AccountTag() == tag {
			return a, true
		}
	}
	return TelegramAccount{}, false
}

// DefaultTelegramAccountTag returns the tag of the first Telegram account,
// used to deliver legacy reminders stored under the default tag.
func (c *Config) DefaultTelegramAccountTag() string {
	if len(c.Telegram.Accounts) == 0 {
		return ""
	}
	return c.Telegram.Accounts[0].AccountTag()
}

// AccountProfileName returns the bot_profile mapped to the account with the
// given channel and tag, or "" when none is mapped.
func (c *Config) AccountProfileName(channel, tag string) string {
	if channel == domain.ChannelTelegram {
		if acct, ok := c.TelegramAccount(tag); ok {
			return strings.TrimSpace(acct.BotProfile)
		}
	}
	return ""
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}
