// Package hostexec runs allowlisted host commands for admins, without a
// shell, under a timeout and with capped output.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/batalabs/masix/internal/config"
)

// DefaultAllowlist is used when the configuration names no commands.
var DefaultAllowlist = []string{
	"pwd", "ls", "whoami", "date", "uname", "uptime", "df", "du", "free", "head", "tail", "wc",
}

var (
	ErrDisabled       = errors.New("exec is disabled")
	ErrEmptyCommand   = errors.New("missing command")
	ErrNotAllowed     = errors.New("command is not in the allowlist")
	ErrUnsafeArgument = errors.New("unsafe argument")
)

const truncatedMarker = "\n...[truncated]"

// Policy decides what may run and for how long.
type Policy struct {
	Enabled   bool
	Timeout   time.Duration
	MaxOutput int // characters kept per stream
	Allowlist []string
}

// PolicyFromConfig applies the configured limits over the defaults.
func PolicyFromConfig(c config.ExecConfig) Policy {
	allow := c.Allowlist
	if len(allow) == 0 {
		allow = DefaultAllowlist
	}
	return Policy{
		Enabled:   c.Enabled,
		Timeout:   c.Timeout(),
		MaxOutput: c.MaxOutput(),
		Allowlist: slices.Clone(allow),
	}
}

// Result is the outcome of one command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Format renders the result for a chat reply.
func (r Result) Format() string {
	if r.TimedOut {
		return fmt.Sprintf("Command timed out: %s", r.Command)
	}
	parts := []string{fmt.Sprintf("Command: %s\nExit code: %d", r.Command, r.ExitCode)}
	if strings.TrimSpace(r.Stdout) != "" {
		parts = append(parts, "Stdout:\n"+strings.TrimRight(r.Stdout, "\n"))
	}
	if strings.TrimSpace(r.Stderr) != "" {
		parts = append(parts, "Stderr:\n"+strings.TrimRight(r.Stderr, "\n"))
	}
	if len(parts) == 1 {
		parts = append(parts, "No output.")
	}
	return strings.Join(parts, "\n\n")
}

// Run executes raw in workdir. Policy violations are returned as errors
// before anything starts; a timeout is reported in the result.
func Run(ctx context.Context, p Policy, raw, workdir string) (Result, error) {
	if !p.Enabled {
		return Result{}, ErrDisabled
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Result{}, ErrEmptyCommand
	}
	name, args := fields[0], fields[1:]
	if !slices.Contains(p.Allowlist, name) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotAllowed, name)
	}
	for _, a := range args {
		if err := validateArgument(a); err != nil {
			return Result{}, err
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = workdir
	cmd.WaitDelay = time.Second
	stdout := &limitedBuffer{limit: p.MaxOutput}
	stderr := &limitedBuffer{limit: p.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	res := Result{Command: strings.Join(fields, " ")}
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return Result{}, fmt.Errorf("running %s: %w", name, err)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

func validateArgument(arg string) error {
	switch {
	case strings.ContainsRune(arg, 0):
		return fmt.Errorf("%w: null byte", ErrUnsafeArgument)
	case strings.HasPrefix(arg, "/"), strings.HasPrefix(arg, "~"):
		return fmt.Errorf("%w: absolute paths are not allowed", ErrUnsafeArgument)
	case strings.Contains(arg, ".."):
		return fmt.Errorf("%w: path traversal is not allowed", ErrUnsafeArgument)
	case strings.ContainsAny(arg, "|;&><`$'\"\\"):
		return fmt.Errorf("%w: shell characters are not allowed", ErrUnsafeArgument)
	}
	return nil
}

// limitedBuffer keeps the first limit characters written to it.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit*utf8.UTFMax - b.buf.Len()
	if room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	if len(p) > room {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	s := string(bytes.ToValidUTF8(b.buf.Bytes(), []byte("�")))
	if utf8.RuneCountInString(s) > b.limit {
		s = string([]rune(s)[:b.limit])
		b.truncated = true
	}
	if b.truncated {
		s += truncatedMarker
	}
	return s
}
