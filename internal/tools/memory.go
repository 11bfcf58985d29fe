package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/batalabs/masix/internal/provider"
)

// maxMemoryNote caps a single note written by the model.
const maxMemoryNote = 500

// ProfileMemory provides serialized, file-backed access to a profile's
// markdown memory file. Notes are stored as "- " bullet lines.
type ProfileMemory struct {
	path string
	mu   *sync.Mutex
}

var (
	memoryLocksMu sync.Mutex
	memoryLocks   = map[string]*sync.Mutex{}
)

// NewProfileMemory returns the memory of the file at path. Every value for
// the same path shares one lock, so concurrent turns of a profile serialize.
func NewProfileMemory(path string) *ProfileMemory {
	clean := filepath.Clean(path)
	memoryLocksMu.Lock()
	defer memoryLocksMu.Unlock()
	mu, ok := memoryLocks[clean]
	if !ok {
		mu = &sync.Mutex{}
		memoryLocks[clean] = mu
	}
	return &ProfileMemory{path: clean, mu: mu}
}

// Path returns the memory file path.
func (m *ProfileMemory) Path() string { return m.path }

// Load returns the file contents, "" when it does not exist.
func (m *ProfileMemory) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *ProfileMemory) loadLocked() (string, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading memory file: %w", err)
	}
	return string(data), nil
}

func (m *ProfileMemory) saveLocked(content string) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("creating memory directory: %w", err)
	}
	// Atomic write: write to temp file then rename.
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing temp memory file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming memory file: %w", err)
	}
	return nil
}

// Append adds a note as a bullet line. Duplicate notes are ignored.
func (m *ProfileMemory) Append(note string) (bool, error) {
	note = strings.Join(strings.Fields(note), " ")
	if note == "" {
		return false, fmt.Errorf("note is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := m.loadLocked()
	if err != nil {
		return false, err
	}
	line := "- " + note
	for _, existing := range strings.Split(content, "\n") {
		if strings.TrimSpace(existing) == line {
			return false, nil
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return true, m.saveLocked(content + line + "\n")
}

// Remove deletes every bullet line containing substr and reports how many
// lines were removed.
func (m *ProfileMemory) Remove(substr string) (int, error) {
	substr = strings.TrimSpace(substr)
	if substr == "" {
		return 0, fmt.Errorf("text to remove is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	content, err := m.loadLocked()
	if err != nil {
		return 0, err
	}
	var kept []string
	removed := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") && strings.Contains(strings.ToLower(trimmed), strings.ToLower(substr)) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.saveLocked(strings.Join(kept, "\n"))
}

// ---------------------------------------------------------------------------
// memory_read tool
// ---------------------------------------------------------------------------

func memoryReadTool() ToolDef {
	return ToolDef{
		Spec: provider.ToolSpec{
			Name:        "memory_read",
			Description: "Read this bot's long-term memory notes.",
			Properties:  map[string]provider.ToolProp{},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Memory == nil {
				return "", fmt.Errorf("memory not available")
			}
			content, err := tc.Memory.Load()
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(content) == "" {
				return "Memory is empty.", nil
			}
			return content, nil
		},
	}
}

// ---------------------------------------------------------------------------
// memory_write tool
// ---------------------------------------------------------------------------

func memoryWriteTool() ToolDef {
	return ToolDef{
		Spec: provider.ToolSpec{
			Name: "memory_write",
			Description: "Add or remove a long-term memory note. Use action 'add' with a short fact to remember, " +
				"or 'remove' with text matching the notes to forget.",
			Properties: map[string]provider.ToolProp{
				"action": {Type: "string", Description: "add or remove", Enum: []string{"add", "remove"}},
				"text":   {Type: "string", Description: "Note to add, or text matching notes to remove"},
			},
			Required: []string{"action", "text"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Memory == nil {
				return "", fmt.Errorf("memory not available")
			}
			text := stringArg(input, "text")
			if text == "" {
				return "", fmt.Errorf("text is required")
			}

			switch strings.ToLower(stringArg(input, "action")) {
			case "add":
				if len([]rune(text)) > maxMemoryNote {
					return "", fmt.Errorf("note longer than %d characters", maxMemoryNote)
				}
				added, err := tc.Memory.Append(fmt.Sprintf("%s (%s)", text, nowFunc().Format("2006-01-02")))
				if err != nil {
					return "", fmt.Errorf("saving memory: %w", err)
				}
				if !added {
					return "Already remembered.", nil
				}
				return "Saved to memory.", nil
			case "remove":
				n, err := tc.Memory.Remove(text)
				if err != nil {
					return "", fmt.Errorf("saving memory: %w", err)
				}
				return fmt.Sprintf("Removed %d note(s).", n), nil
			default:
				return "", fmt.Errorf("invalid action: must be add or remove")
			}
		},
	}
}
