package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseTOML = `
[core]
data_dir = "/tmp/masix-test"

[providers]
default_provider = "openai"

[[providers.providers]]
name = "openai"
api_key = "${MASIX_TEST_KEY}"
base_url = "https://api.openai.com/v1"
model = "gpt-4o-mini"

[[providers.providers]]
name = "backup"
api_key = "k2"
base_url = "https://api.example.com/v1"
model = "llama-3"
`

func mustParse(t *testing.T, src string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(src), ".toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func parseErr(t *testing.T, src string) *ValidationError {
	t.Helper()
	_, err := Parse([]byte(src), ".toml")
	if err == nil {
		t.Fatal("expected a validation error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	return ve
}

func TestParse_minimal(t *testing.T) {
	orig := lookupEnvFunc
	lookupEnvFunc = func(key string) (string, bool) {
		if key == "MASIX_TEST_KEY" {
			return "sk-test", true
		}
		return "", false
	}
	defer func() { lookupEnvFunc = orig }()

	cfg := mustParse(t, baseTOML)
	p, ok := cfg.Provider("openai")
	if !ok {
		t.Fatal("provider openai not found")
	}
	if p.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want expanded value", p.APIKey)
	}
	if p.Timeout().Seconds() != 90 {
		t.Errorf("default timeout = %v", p.Timeout())
	}
	if cfg.Cron.TickInterval().Seconds() != 30 || cfg.Cron.MaxFailures() != 3 {
		t.Errorf("cron defaults = %v / %d", cfg.Cron.TickInterval(), cfg.Cron.MaxFailures())
	}
}

func TestParse_yaml(t *testing.T) {
	src := `
providers:
  default_provider: main
  providers:
    - name: main
      base_url: https://api.example.com/v1
      model: m1
telegram:
  accounts:
    - bot_token: "123:abc"
      group_mode: tag_only
whatsapp:
  enabled: true
  allowed_senders: ["+391234"]
ingress:
  listen: 127.0.0.1:8787
`
	cfg, err := Parse([]byte(src), ".yaml")
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if cfg.DefaultTelegramAccountTag() != "123" {
		t.Errorf("default tag = %q", cfg.DefaultTelegramAccountTag())
	}
	if cfg.Telegram.Accounts[0].GroupMode != GroupTagOnly {
		t.Errorf("group mode = %q", cfg.Telegram.Accounts[0].GroupMode)
	}
	if !cfg.WhatsApp.IsReadOnly() || cfg.WhatsApp.Tag() != "whatsapp" {
		t.Errorf("whatsapp defaults not applied: %+v", cfg.WhatsApp)
	}
	if len(cfg.WhatsApp.AllowedSenders) != 1 {
		t.Errorf("inline sender acl not decoded: %+v", cfg.WhatsApp.SenderACL)
	}
}

func TestParse_unknownKeyRejected(t *testing.T) {
	ve := parseErr(t, baseTOML+"\n[core2]\nx = 1\n")
	if !strings.Contains(ve.Reason, "unknown") {
		t.Errorf("reason = %q", ve.Reason)
	}
}

func TestValidate_rejections(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		field string
	}{
		{
			"unknown default provider",
			"", // handled by replacing below
			"providers.default_provider",
		},
		{
			"duplicate provider target",
			`
[[providers.providers]]
name = "dup"
base_url = "https://api.openai.com/v1/"
model = "GPT-4o-mini"
`,
			"providers.providers[2]",
		},
		{
			"fallback equals primary",
			`
[[bots.profiles]]
name = "p"
workdir = "/tmp/p"
memory_file = "/tmp/p/MEMORY.md"
provider_primary = "openai"
provider_fallback = ["openai"]
`,
			"bots.profiles[0].provider_fallback",
		},
		{
			"duplicate fallback",
			`
[[bots.profiles]]
name = "p"
workdir = "/tmp/p"
memory_file = "/tmp/p/MEMORY.md"
provider_primary = "openai"
provider_fallback = ["backup", "backup"]
`,
			"bots.profiles[0].provider_fallback",
		},
		{
			"unknown vision provider",
			`
[[bots.profiles]]
name = "p"
workdir = "/tmp/p"
memory_file = "/tmp/p/MEMORY.md"
provider_primary = "openai"
vision_provider = "ghost"
`,
			"bots.profiles[0].vision_provider",
		},
		{
			"empty workdir",
			`
[[bots.profiles]]
name = "p"
workdir = ""
memory_file = "/tmp/p/MEMORY.md"
provider_primary = "openai"
`,
			"bots.profiles[0].workdir",
		},
		{
			"zero retry window",
			`
[[bots.profiles]]
name = "p"
workdir = "/tmp/p"
memory_file = "/tmp/p/MEMORY.md"
provider_primary = "openai"
[bots.profiles.retry]
window_secs = 0
`,
			"bots.profiles[0].retry.window_secs",
		},
		{
			"duplicate telegram tag",
			`
[[telegram.accounts]]
bot_token = "111:aaa"
[[telegram.accounts]]
bot_token = "111:bbb"
`,
			"telegram.accounts[1].bot_token",
		},
		{
			"unknown bot profile",
			`
[[telegram.accounts]]
bot_token = "111:aaa"
bot_profile = "ghost"
`,
			"telegram.accounts[0].bot_profile",
		},
		{
			"unknown group mode",
			`
[[telegram.accounts]]
bot_token = "111:aaa"
group_mode = "everyone"
`,
			"telegram.accounts[0].group_mode",
		},
		{
			"whatsapp write mode",
			`
[whatsapp]
enabled = true
read_only = false
[ingress]
listen = "127.0.0.1:8787"
`,
			"whatsapp.read_only",
		},
		{
			"whatsapp message cap",
			`
[whatsapp]
enabled = true
max_message_chars = 20001
[ingress]
listen = "127.0.0.1:8787"
`,
			"whatsapp.max_message_chars",
		},
		{
			"forward without telegram",
			`
[sms]
enabled = true
forward_to_telegram_chat_id = 42
[ingress]
listen = "127.0.0.1:8787"
`,
			"sms.forward_to_telegram_chat_id",
		},
		{
			"ingress without listener",
			`
[sms]
enabled = true
`,
			"ingress.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := baseTOML + tt.extra
			if tt.extra == "" {
				src = strings.Replace(baseTOML, `default_provider = "openai"`, `default_provider = "ghost"`, 1)
			}
			ve := parseErr(t, src)
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q (reason: %s)", ve.Field, tt.field, ve.Reason)
			}
		})
	}
}

func TestValidate_strictMapping(t *testing.T) {
	src := baseTOML + `
[bots]
strict_account_profile_mapping = true

[[bots.profiles]]
name = "p"
workdir = "/tmp/p"
memory_file = "/tmp/p/MEMORY.md"
provider_primary = "openai"

[[telegram.accounts]]
bot_token = "111:aaa"
`
	ve := parseErr(t, src)
	if ve.Field != "telegram.accounts[0].bot_profile" {
		t.Errorf("Field = %q", ve.Field)
	}
}

func TestAccountProfileName(t *testing.T) {
	src := baseTOML + `
[[bots.profiles]]
name = "work"
workdir = "/tmp/work"
memory_file = "/tmp/work/MEMORY.md"
provider_primary = "openai"
provider_fallback = ["backup"]

[[telegram.accounts]]
bot_token = "111:aaa"
bot_profile = "work"

[[telegram.accounts]]
bot_token = "222:bbb"
`
	cfg := mustParse(t, src)
	if got := cfg.AccountProfileName("telegram", "111"); got != "work" {
		t.Errorf("AccountProfileName(111) = %q", got)
	}
	if got := cfg.AccountProfileName("telegram", "222"); got != "" {
		t.Errorf("AccountProfileName(222) = %q", got)
	}
	if got := cfg.AccountProfileName("whatsapp", "111"); got != "" {
		t.Errorf("non-telegram lookup = %q", got)
	}
}

func TestTelegramAccountHelpers(t *testing.T) {
	a := TelegramAccount{BotToken: " 987:xyz ", BotName: "@MasixBot", AutoRegisterUsers: true}
	if a.AccountTag() != "987" {
		t.Errorf("AccountTag = %q", a.AccountTag())
	}
	if a.BotUsername() != "masixbot" {
		t.Errorf("BotUsername = %q", a.BotUsername())
	}
	if !a.ShouldAutoRegister() {
		t.Error("auto register should apply with default group mode")
	}
	a.GroupMode = GroupTagOnly
	if a.ShouldAutoRegister() {
		t.Error("auto register must only apply to group_mode=all")
	}
}

func TestExecConfig(t *testing.T) {
	cfg := mustParse(t, baseTOML+`
[exec]
enabled = true
timeout_secs = 5
max_output_chars = 10
allowlist = ["ls", "df"]
`)
	if !cfg.Exec.Enabled || cfg.Exec.Timeout().Seconds() != 5 || len(cfg.Exec.Allowlist) != 2 {
		t.Errorf("exec = %+v", cfg.Exec)
	}
	if got := cfg.Exec.MaxOutput(); got != 256 {
		t.Errorf("MaxOutput = %d, want the 256 floor", got)
	}

	var def ExecConfig
	if def.Enabled || def.Timeout().Seconds() != 15 || def.MaxOutput() != 3500 {
		t.Errorf("defaults = %v / %d", def.Timeout(), def.MaxOutput())
	}
}

func TestExpandEnv(t *testing.T) {
	orig := lookupEnvFunc
	lookupEnvFunc = func(key string) (string, bool) {
		if key == "SET" {
			return "value", true
		}
		return "", false
	}
	defer func() { lookupEnvFunc = orig }()

	tests := []struct {
		in, want string
	}{
		{"${SET}", "value"},
		{"${UNSET}", ""},
		{"${UNSET:-fallback}", "fallback"},
		{"prefix-${SET}-suffix", "prefix-value-suffix"},
		{"$SET", "$SET"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ExpandEnv(tt.in); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoad_readsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MASIX_DOTENV_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := strings.Replace(baseTOML, "${MASIX_TEST_KEY}", "${MASIX_DOTENV_KEY}", 1)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MASIX_DOTENV_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, _ := cfg.Provider("openai")
	if p.APIKey != "from-dotenv" {
		t.Errorf("APIKey = %q, want value from .env", p.APIKey)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q", cfg.Path())
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("ExpandHome(/abs) = %q", got)
	}
}
