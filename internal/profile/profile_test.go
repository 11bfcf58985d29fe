package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/batalabs/masix/internal/config"
)

func intPtr(v int) *int { return &v }

func baseConfig() *config.Config {
	return &config.Config{
		Providers: config.ProvidersConfig{
			DefaultProvider: "main",
			Providers: []config.ProviderConfig{
				{Name: "main", BaseURL: "https://a.example/v1", Model: "m1"},
				{Name: "backup", BaseURL: "https://b.example/v1", Model: "m2"},
				{Name: "vision", BaseURL: "https://c.example/v1", Model: "m3"},
			},
		},
		Bots: config.BotsConfig{
			Profiles: []config.BotProfileConfig{
				{
					Name:             "work",
					Workdir:          "work",
					MemoryFile:       "work/MEMORY.md",
					ProviderPrimary:  "main",
					ProviderFallback: []string{"backup"},
					VisionProvider:   "vision",
					Retry:            &config.RetryPolicyConfig{WindowSecs: intPtr(60), BackoffFactor: intPtr(3)},
				},
			},
		},
		Telegram: config.TelegramConfig{
			Accounts: []config.TelegramAccount{
				{BotToken: "111:a", BotProfile: "work"},
				{BotToken: "222:b"},
			},
		},
	}
}

func TestResolve_mappedProfile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewResolver(baseConfig(), dir)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	p, err := r.Resolve("111")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name != "work" || p.Synthetic {
		t.Errorf("profile = %+v", p)
	}
	if strings.Join(p.Providers, ",") != "main,backup" || p.Primary() != "main" {
		t.Errorf("chain = %v", p.Providers)
	}
	if p.VisionProvider != "vision" {
		t.Errorf("vision = %q", p.VisionProvider)
	}
	if p.Workdir != filepath.Join(dir, "work") {
		t.Errorf("relative workdir not anchored at data dir: %s", p.Workdir)
	}
	if p.Retry.Window != time.Minute || p.Retry.BackoffFactor != 3 || p.Retry.InitialDelay != 2*time.Second {
		t.Errorf("retry overrides not merged with defaults: %+v", p.Retry)
	}
}

func TestResolve_defaultProfile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewResolver(baseConfig(), dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := r.Resolve("222")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.Synthetic || p.Primary() != "main" || len(p.Providers) != 1 {
		t.Errorf("synthetic profile = %+v", p)
	}
	if p.Workdir != filepath.Join(dir, "accounts", "222") {
		t.Errorf("workdir = %s", p.Workdir)
	}
	again, _ := r.Resolve("222")
	if again != p {
		t.Error("synthetic profile should be built once per account")
	}
	other, _ := r.Resolve("333")
	if other.Workdir == p.Workdir {
		t.Error("unmapped accounts must not share a workdir")
	}
}

func TestResolve_strictMapping(t *testing.T) {
	cfg := baseConfig()
	cfg.Bots.StrictAccountProfileMapping = true
	r, err := NewResolver(cfg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("111"); err != nil {
		t.Errorf("mapped account failed: %v", err)
	}
	for _, tag := range []string{"222", "unknown"} {
		if _, err := r.Resolve(tag); !errors.Is(err, ErrUnmappedAccount) {
			t.Errorf("Resolve(%s) err = %v, want ErrUnmappedAccount", tag, err)
		}
	}
}

func TestResolve_noDefaultProvider(t *testing.T) {
	cfg := baseConfig()
	cfg.Providers.DefaultProvider = ""
	r, err := NewResolver(cfg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("222"); !errors.Is(err, ErrNoDefaultProvider) {
		t.Errorf("err = %v", err)
	}
}

func TestNewResolver_rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"shared workdir", func(c *config.Config) {
			c.Bots.Profiles = append(c.Bots.Profiles, config.BotProfileConfig{
				Name: "home", Workdir: "work", MemoryFile: "home/MEMORY.md", ProviderPrimary: "main",
			})
		}},
		{"shared memory file", func(c *config.Config) {
			c.Bots.Profiles = append(c.Bots.Profiles, config.BotProfileConfig{
				Name: "home", Workdir: "home", MemoryFile: "work/MEMORY.md", ProviderPrimary: "main",
			})
		}},
		{"unknown provider", func(c *config.Config) {
			c.Bots.Profiles[0].ProviderFallback = []string{"ghost"}
		}},
		{"unknown profile reference", func(c *config.Config) {
			c.Telegram.Accounts[1].BotProfile = "ghost"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			if _, err := NewResolver(cfg, t.TempDir()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadWorkspace(t *testing.T) {
	dir := t.TempDir()
	soul := filepath.Join(dir, "SOUL.md")
	if err := os.WriteFile(soul, []byte("You are Masix."), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &BotProfile{
		Name:       "work",
		Workdir:    filepath.Join(dir, "work"),
		MemoryFile: filepath.Join(dir, "work", "mem", "MEMORY.md"),
		SoulFile:   soul,
	}

	ws, err := LoadWorkspace(p)
	if err != nil {
		t.Fatalf("LoadWorkspace: %v", err)
	}
	if _, err := os.Stat(p.MemoryFile); err != nil {
		t.Errorf("memory file not created: %v", err)
	}
	if got := ws.SystemPrompt(); got != "You are Masix." {
		t.Errorf("SystemPrompt = %q", got)
	}

	if err := os.WriteFile(p.MemoryFile, []byte("likes tea"), 0o600); err != nil {
		t.Fatal(err)
	}
	ws, _ = LoadWorkspace(p)
	if got := ws.SystemPrompt(); !strings.Contains(got, "likes tea") || !strings.HasPrefix(got, "You are Masix.") {
		t.Errorf("SystemPrompt = %q", got)
	}

	p.SoulFile = filepath.Join(dir, "missing.md")
	ws, err = LoadWorkspace(p)
	if err != nil {
		t.Fatalf("missing soul file should not fail: %v", err)
	}
	if !strings.HasPrefix(ws.SystemPrompt(), DefaultSystemPrompt) {
		t.Errorf("SystemPrompt = %q", ws.SystemPrompt())
	}
}

func TestLoadWorkspace_sharedMemory(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "GLOBAL.md")
	if err := os.WriteFile(shared, []byte("office closes at 18"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &BotProfile{
		Name:             "work",
		Workdir:          filepath.Join(dir, "work"),
		MemoryFile:       filepath.Join(dir, "work", "MEMORY.md"),
		SharedMemoryFile: shared,
	}
	if err := os.MkdirAll(p.Workdir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.MemoryFile, []byte("likes tea"), 0o600); err != nil {
		t.Fatal(err)
	}

	ws, err := LoadWorkspace(p)
	if err != nil {
		t.Fatalf("LoadWorkspace: %v", err)
	}
	got := ws.SystemPrompt()
	sharedAt := strings.Index(got, "office closes at 18")
	ownAt := strings.Index(got, "likes tea")
	if sharedAt < 0 || ownAt < 0 || sharedAt > ownAt {
		t.Errorf("SystemPrompt = %q, want shared memory before profile memory", got)
	}

	p.SharedMemoryFile = filepath.Join(dir, "missing.md")
	if _, err := LoadWorkspace(p); err != nil {
		t.Errorf("missing shared memory file should not fail: %v", err)
	}
}
