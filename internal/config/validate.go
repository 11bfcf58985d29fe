package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError reports a configuration problem found at load time. These
// are fatal at startup and never deferred to message handling.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks referential integrity and value ranges.
func (c *Config) Validate() error {
	providerNames, err := c.validateProviders()
	if err != nil {
		return err
	}
	profileNames, err := c.validateProfiles(providerNames)
	if err != nil {
		return err
	}
	if err := c.validateTelegram(profileNames); err != nil {
		return err
	}
	if err := c.validateSecondary(); err != nil {
		return err
	}
	if err := c.validateMCP(); err != nil {
		return err
	}
	if c.Policy.RateLimit != nil && c.Policy.RateLimit.MessagesPerMinute <= 0 {
		return invalid("policy.rate_limit.messages_per_minute", "must be > 0")
	}
	if c.Cron.TickIntervalSecs < 0 {
		return invalid("cron.tick_interval_secs", "must be >= 0")
	}
	if _, err := c.Cron.Location(); err != nil {
		return invalid("cron.timezone", "%v", err)
	}
	switch strings.ToLower(c.Core.LogFormat) {
	case "", "console", "json":
	default:
		return invalid("core.log_format", "unknown format %q (expected console or json)", c.Core.LogFormat)
	}
	return nil
}

func (c *Config) validateProviders() (map[string]bool, error) {
	names := map[string]bool{}
	targets := map[string]string{}
	for i, p := range c.Providers.Providers {
		name := strings.TrimSpace(p.Name)
		field := fmt.Sprintf("providers.providers[%d]", i)
		if name == "" {
			return nil, invalid(field+".name", "cannot be empty")
		}
		if names[name] {
			return nil, invalid(field+".name", "duplicate provider %q", name)
		}
		names[name] = true

		switch strings.ToLower(strings.TrimSpace(p.ProviderType)) {
		case "", "openai":
		default:
			return nil, invalid(field+".provider_type", "unsupported type %q (only openai-compatible endpoints are supported)", p.ProviderType)
		}

		baseURL := strings.ToLower(strings.TrimRight(strings.TrimSpace(p.BaseURL), "/"))
		model := strings.ToLower(strings.TrimSpace(p.Model))
		if baseURL != "" && model != "" {
			key := baseURL + "|" + model
			if existing, ok := targets[key]; ok {
				return nil, invalid(field, "providers %q and %q target the same endpoint and model", existing, name)
			}
			targets[key] = name
		}
	}

	def := strings.TrimSpace(c.Providers.DefaultProvider)
	if def != "" && !names[def] {
		return nil, invalid("providers.default_provider", "%q is not defined in providers.providers", def)
	}
	return names, nil
}

func (c *Config) validateProfiles(providers map[string]bool) (map[string]bool, error) {
	names := map[string]bool{}
	workdirs := map[string]string{}
	memoryFiles := map[string]string{}
	for i, p := range c.Bots.Profiles {
		name := strings.TrimSpace(p.Name)
		field := fmt.Sprintf("bots.profiles[%d]", i)
		if name == "" {
			return nil, invalid(field+".name", "cannot be empty")
		}
		if names[name] {
			return nil, invalid(field+".name", "duplicate bot profile %q", name)
		}
		names[name] = true

		workdir := strings.TrimSpace(p.Workdir)
		if workdir == "" {
			return nil, invalid(field+".workdir", "profile %q has empty workdir", name)
		}
		memory := strings.TrimSpace(p.MemoryFile)
		if memory == "" {
			return nil, invalid(field+".memory_file", "profile %q has empty memory_file", name)
		}
		workdir = filepath.Clean(ExpandHome(workdir))
		if other, ok := workdirs[workdir]; ok {
			return nil, invalid(field+".workdir", "profiles %q and %q share workdir %s", other, name, workdir)
		}
		workdirs[workdir] = name
		memory = filepath.Clean(ExpandHome(memory))
		if other, ok := memoryFiles[memory]; ok {
			return nil, invalid(field+".memory_file", "profiles %q and %q share memory file %s", other, name, memory)
		}
		memoryFiles[memory] = name

		primary := strings.TrimSpace(p.ProviderPrimary)
		if !providers[primary] {
			return nil, invalid(field+".provider_primary", "profile %q primary provider %q is not defined", name, p.ProviderPrimary)
		}
		if v := strings.TrimSpace(p.VisionProvider); v != "" && !providers[v] {
			return nil, invalid(field+".vision_provider", "profile %q vision provider %q is not defined", name, v)
		}

		seen := map[string]bool{}
		for _, f := range p.ProviderFallback {
			f = strings.TrimSpace(f)
			switch {
			case f == "":
				return nil, invalid(field+".provider_fallback", "profile %q contains an empty entry", name)
			case !providers[f]:
				return nil, invalid(field+".provider_fallback", "profile %q fallback provider %q is not defined", name, f)
			case f == primary:
				return nil, invalid(field+".provider_fallback", "profile %q fallback %q repeats the primary provider", name, f)
			case seen[f]:
				return nil, invalid(field+".provider_fallback", "profile %q lists fallback %q twice", name, f)
			}
			seen[f] = true
		}

		if r := p.Retry; r != nil {
			checks := []struct {
				key string
				val *int
				min int
			}{
				{"window_secs", r.WindowSecs, 1},
				{"initial_delay_secs", r.InitialDelaySecs, 1},
				{"backoff_factor", r.BackoffFactor, 1},
				{"max_delay_secs", r.MaxDelaySecs, 1},
			}
			for _, chk := range checks {
				if chk.val != nil && *chk.val < chk.min {
					return nil, invalid(field+".retry."+chk.key, "profile %q value must be >= %d", name, chk.min)
				}
			}
		}
	}
	return names, nil
}

func (c *Config) validateTelegram(profiles map[string]bool) error {
	tags := map[string]bool{}
	for i, a := range c.Telegram.Accounts {
		field := fmt.Sprintf("telegram.accounts[%d]", i)
		if strings.TrimSpace(a.BotToken) == "" {
			return invalid(field+".bot_token", "cannot be empty")
		}
		tag := a.AccountTag()
		if tag == "" {
			return invalid(field+".bot_token", "token has no account tag prefix")
		}
		if tags[tag] {
			return invalid(field+".bot_token", "duplicate account tag %q", tag)
		}
		tags[tag] = true

		if ref := strings.TrimSpace(a.BotProfile); ref != "" {
			if !profiles[ref] {
				return invalid(field+".bot_profile", "unknown bot_profile %q", ref)
			}
		} else if c.Bots.StrictAccountProfileMapping && len(c.Bots.Profiles) > 0 {
			return invalid(field+".bot_profile", "strict_account_profile_mapping is enabled but account %s has no bot_profile", tag)
		}
		if !a.GroupMode.Valid() {
			return invalid(field+".group_mode", "unknown group mode %q", a.GroupMode)
		}
		switch a.UserToolsMode {
		case "", UserToolsNone, UserToolsSelected:
		default:
			return invalid(field+".user_tools_mode", "unknown mode %q (expected none or selected)", a.UserToolsMode)
		}
	}
	if c.Providers.DefaultProvider == "" && len(c.Telegram.Accounts) > 0 {
		for _, a := range c.Telegram.Accounts {
			if strings.TrimSpace(a.BotProfile) == "" {
				return invalid("providers.default_provider", "account %s has no bot_profile and no default provider is set", a.AccountTag())
			}
		}
	}
	return nil
}

func (c *Config) validateSecondary() error {
	hasTelegram := len(c.Telegram.Accounts) > 0
	if w := c.WhatsApp; w.Enabled {
		if !w.IsReadOnly() {
			return invalid("whatsapp.read_only", "read_only=false is not supported")
		}
		if w.MaxMessageChars != 0 && (w.MaxMessageChars < 1 || w.MaxMessageChars > 20000) {
			return invalid("whatsapp.max_message_chars", "must be in range 1..20000")
		}
		for _, s := range w.AllowedSenders {
			if strings.TrimSpace(s) == "" {
				return invalid("whatsapp.allowed_senders", "contains an empty entry")
			}
		}
		if w.ForwardConfig.Configured() && !hasTelegram {
			return invalid("whatsapp.forward_to_telegram_chat_id", "requires at least one telegram account")
		}
		if err := c.validateForwardTag("whatsapp", w.ForwardConfig); err != nil {
			return err
		}
	}
	if s := c.SMS; s.Enabled {
		if s.ForwardConfig.Configured() && !hasTelegram {
			return invalid("sms.forward_to_telegram_chat_id", "requires at least one telegram account")
		}
		if err := c.validateForwardTag("sms", s.ForwardConfig); err != nil {
			return err
		}
	}
	if (c.WhatsApp.Enabled || c.SMS.Enabled) && strings.TrimSpace(c.Ingress.Listen) == "" {
		return invalid("ingress.listen", "required when whatsapp or sms ingress is enabled")
	}
	return nil
}

func (c *Config) validateForwardTag(section string, f ForwardConfig) error {
	tag := strings.TrimSpace(f.ForwardToTelegramAccountTag)
	if tag == "" {
		return nil
	}
	if _, ok := c.TelegramAccount(tag); !ok {
		return invalid(section+".forward_to_telegram_account_tag", "unknown telegram account %q", tag)
	}
	return nil
}

func (c *Config) validateMCP() error {
	if !c.MCP.Enabled {
		return nil
	}
	names := map[string]bool{}
	for i, s := range c.MCP.Servers {
		field := fmt.Sprintf("mcp.servers[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return invalid(field+".name", "cannot be empty")
		}
		if names[name] {
			return invalid(field+".name", "duplicate server %q", name)
		}
		names[name] = true
		switch s.Type {
		case "", "stdio":
			if strings.TrimSpace(s.Command) == "" {
				return invalid(field+".command", "stdio server %q requires a command", name)
			}
		case "http":
			if strings.TrimSpace(s.URL) == "" {
				return invalid(field+".url", "http server %q requires a url", name)
			}
		default:
			return invalid(field+".type", "unknown type %q (expected stdio or http)", s.Type)
		}
	}
	return nil
}
