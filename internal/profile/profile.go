// Package profile resolves which bot profile serves a channel account and
// prepares the profile's private workspace.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/provider"
)

// ErrUnmappedAccount is returned when strict mapping is on and an account has
// no bot profile.
var ErrUnmappedAccount = errors.New("account has no bot profile under strict mapping")

// ErrNoDefaultProvider is returned when an unmapped account needs the
// synthetic default profile but no default provider is configured.
var ErrNoDefaultProvider = errors.New("no default provider configured")

// DefaultProfileName names the synthetic profile used by unmapped accounts.
const DefaultProfileName = "default"

// BotProfile is the immutable identity an account speaks with.
type BotProfile struct {
	Name           string
	Workdir        string
	MemoryFile     string
	SoulFile       string
	Providers      []string // primary first, then fallbacks in order
	VisionProvider string
	Retry          provider.RetryPolicy
	// Synthetic marks a default profile built for an unmapped account.
	Synthetic bool

	// SharedMemoryFile is the global memory file read by every profile.
	SharedMemoryFile string
}

// Primary returns the first provider of the chain.
func (p *BotProfile) Primary() string {
	if len(p.Providers) == 0 {
		return ""
	}
	return p.Providers[0]
}

// Route returns the text provider chain of the profile.
func (p *BotProfile) Route() provider.Route {
	return provider.Route{Providers: p.Providers, Retry: p.Retry}
}

// VisionRoute returns the single-provider vision chain, empty when the
// profile has no vision provider.
func (p *BotProfile) VisionRoute() provider.Route {
	if p.VisionProvider == "" {
		return provider.Route{Retry: p.Retry}
	}
	return provider.Route{Providers: []string{p.VisionProvider}, Retry: p.Retry}
}

// Resolver maps account tags to bot profiles.
type Resolver struct {
	cfg     *config.Config
	dataDir string

	profiles map[string]*BotProfile
	accounts map[string]string // account tag -> profile name
	owners   map[string]string // resolved path -> owning profile

	mu        sync.Mutex
	synthetic map[string]*BotProfile
}

// NewResolver builds every configured profile and checks that workdirs and
// memory files are exclusive. Errors are fatal at startup.
func NewResolver(cfg *config.Config, dataDir string) (*Resolver, error) {
	r := &Resolver{
		cfg:       cfg,
		dataDir:   dataDir,
		profiles:  map[string]*BotProfile{},
		accounts:  map[string]string{},
		owners:    map[string]string{},
		synthetic: map[string]*BotProfile{},
	}

	for _, pc := range cfg.Bots.Profiles {
		name := strings.TrimSpace(pc.Name)
		if _, dup := r.profiles[name]; dup {
			return nil, fmt.Errorf("duplicate bot profile %q", name)
		}
		chain := []string{strings.TrimSpace(pc.ProviderPrimary)}
		for _, f := range pc.ProviderFallback {
			chain = append(chain, strings.TrimSpace(f))
		}
		for _, pn := range append(chain, pc.VisionProvider) {
			if pn == "" {
				continue
			}
			if _, ok := cfg.Provider(pn); !ok {
				return nil, fmt.Errorf("profile %q references unknown provider %q", name, pn)
			}
		}

		p := &BotProfile{
			Name:           name,
			Workdir:        resolvePath(pc.Workdir, dataDir),
			MemoryFile:     resolvePath(pc.MemoryFile, dataDir),
			Providers:      chain,
			VisionProvider: strings.TrimSpace(pc.VisionProvider),
			Retry:          retryPolicy(pc.Retry),
		}
		switch {
		case strings.TrimSpace(pc.SoulFile) != "":
			p.SoulFile = resolvePath(pc.SoulFile, dataDir)
		case pc.UseGlobalSoul && strings.TrimSpace(cfg.Core.SoulFile) != "":
			p.SoulFile = resolvePath(cfg.Core.SoulFile, dataDir)
		}
		p.SharedMemoryFile = r.sharedMemoryFile()
		if err := r.claim(p); err != nil {
			return nil, err
		}
		r.profiles[name] = p
	}

	for _, acct := range cfg.Telegram.Accounts {
		ref := strings.TrimSpace(acct.BotProfile)
		if ref == "" {
			continue
		}
		if _, ok := r.profiles[ref]; !ok {
			return nil, fmt.Errorf("account %s references unknown bot profile %q", acct.AccountTag(), ref)
		}
		r.accounts[acct.AccountTag()] = ref
	}
	return r, nil
}

// claim records p as the owner of its workdir and memory file.
func (r *Resolver) claim(p *BotProfile) error {
	for _, path := range []string{p.Workdir, p.MemoryFile} {
		if other, taken := r.owners[path]; taken && other != p.Name {
			return fmt.Errorf("profiles %q and %q share %s", other, p.Name, path)
		}
	}
	r.owners[p.Workdir] = p.Name
	r.owners[p.MemoryFile] = p.Name
	return nil
}

// Resolve returns the profile serving accountTag.
func (r *Resolver) Resolve(accountTag string) (*BotProfile, error) {
	if name, ok := r.accounts[accountTag]; ok {
		return r.profiles[name], nil
	}
	if r.cfg.Bots.StrictAccountProfileMapping {
		return nil, fmt.Errorf("%w: %s", ErrUnmappedAccount, accountTag)
	}
	return r.defaultProfile(accountTag)
}

// defaultProfile builds (once per account) a single-provider profile around
// the global default provider with a per-account workdir.
func (r *Resolver) defaultProfile(accountTag string) (*BotProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.synthetic[accountTag]; ok {
		return p, nil
	}
	def := strings.TrimSpace(r.cfg.Providers.DefaultProvider)
	if def == "" {
		return nil, ErrNoDefaultProvider
	}
	workdir := filepath.Join(r.dataDir, "accounts", sanitizeComponent(accountTag))
	p := &BotProfile{
		Name:       DefaultProfileName + "/" + accountTag,
		Workdir:    workdir,
		MemoryFile: filepath.Join(workdir, "MEMORY.md"),
		Providers:  []string{def},
		Retry:      provider.DefaultRetryPolicy(),
		Synthetic:  true,
	}
	if s := strings.TrimSpace(r.cfg.Core.SoulFile); s != "" {
		p.SoulFile = resolvePath(s, r.dataDir)
	}
	p.SharedMemoryFile = r.sharedMemoryFile()
	if err := r.claim(p); err != nil {
		return nil, err
	}
	r.synthetic[accountTag] = p
	return p, nil
}

func (r *Resolver) sharedMemoryFile() string {
	if f := strings.TrimSpace(r.cfg.Core.GlobalMemoryFile); f != "" {
		return resolvePath(f, r.dataDir)
	}
	return ""
}

// Profiles returns the configured (non-synthetic) profiles.
func (r *Resolver) Profiles() []*BotProfile {
	out := make([]*BotProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

func retryPolicy(rc *config.RetryPolicyConfig) provider.RetryPolicy {
	p := provider.DefaultRetryPolicy()
	if rc == nil {
		return p
	}
	if rc.WindowSecs != nil {
		p.Window = time.Duration(*rc.WindowSecs) * time.Second
	}
	if rc.InitialDelaySecs != nil {
		p.InitialDelay = time.Duration(*rc.InitialDelaySecs) * time.Second
	}
	if rc.BackoffFactor != nil {
		p.BackoffFactor = *rc.BackoffFactor
	}
	if rc.MaxDelaySecs != nil {
		p.MaxDelay = time.Duration(*rc.MaxDelaySecs) * time.Second
	}
	return p
}

// resolvePath expands ~ and anchors relative paths at base.
func resolvePath(path, base string) string {
	path = config.ExpandHome(strings.TrimSpace(path))
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path)
}

func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Workspace is the loaded on-disk context of a profile.
type Workspace struct {
	Profile      *BotProfile
	Memory       string
	SharedMemory string
	Soul         string
}

// maxContextFileBytes caps how much of a memory or soul file enters the prompt.
const maxContextFileBytes = 64 * 1024

// LoadWorkspace ensures the profile's workdir and memory file exist and
// reads the memory and soul files.
func LoadWorkspace(p *BotProfile) (*Workspace, error) {
	if err := os.MkdirAll(p.Workdir, 0o700); err != nil {
		return nil, fmt.Errorf("creating workdir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.MemoryFile), 0o700); err != nil {
		return nil, fmt.Errorf("creating memory dir: %w", err)
	}
	if _, err := os.Stat(p.MemoryFile); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(p.MemoryFile, nil, 0o600); err != nil {
			return nil, fmt.Errorf("creating memory file: %w", err)
		}
	}

	ws := &Workspace{Profile: p}
	mem, err := readCapped(p.MemoryFile)
	if err != nil {
		return nil, fmt.Errorf("reading memory file: %w", err)
	}
	ws.Memory = mem
	if p.SoulFile != "" {
		soul, err := readCapped(p.SoulFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading soul file: %w", err)
		}
		ws.Soul = soul
	}
	if p.SharedMemoryFile != "" {
		shared, err := readCapped(p.SharedMemoryFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading shared memory file: %w", err)
		}
		ws.SharedMemory = shared
	}
	return ws, nil
}

// DefaultSystemPrompt is used when a profile has no soul file.
const DefaultSystemPrompt = "You are a helpful assistant reachable through a messaging app. " +
	"Answer concisely and in the language of the user."

// SystemPrompt composes the system message of a turn.
func (w *Workspace) SystemPrompt() string {
	var b strings.Builder
	if s := strings.TrimSpace(w.Soul); s != "" {
		b.WriteString(s)
	} else {
		b.WriteString(DefaultSystemPrompt)
	}
	if m := strings.TrimSpace(w.SharedMemory); m != "" {
		b.WriteString("\n\n## Shared memory\n")
		b.WriteString(m)
	}
	if m := strings.TrimSpace(w.Memory); m != "" {
		b.WriteString("\n\n## Memory\n")
		b.WriteString(m)
	}
	return b.String()
}

func readCapped(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxContextFileBytes {
		data = data[len(data)-maxContextFileBytes:]
	}
	return string(data), nil
}
