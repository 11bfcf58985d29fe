package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// LockfileName is the lockfile created inside the data directory.
const LockfileName = "masix.lock"

// ErrAlreadyRunning is returned by AcquireLock when a live runtime holds the
// lock on the same data directory.
var ErrAlreadyRunning = errors.New("another masix runtime is using this data directory")

// LockfileData is the JSON stored in the lockfile.
type LockfileData struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lockfile.
type Lock struct {
	path string
}

// LockfilePath returns the lockfile path of dataDir.
func LockfilePath(dataDir string) string {
	return filepath.Join(dataDir, LockfileName)
}

// ReadLockfile reads and parses the lockfile of dataDir.
func ReadLockfile(dataDir string) (*LockfileData, error) {
	b, err := os.ReadFile(LockfilePath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var lf LockfileData
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	return &lf, nil
}

// AcquireLock claims dataDir for this process. A lockfile left by a dead
// or unresponsive runtime is replaced. addr is the ingress address other
// processes can probe, "" when the ingress is disabled.
func AcquireLock(dataDir, addr string) (*Lock, error) {
	if lf, err := ReadLockfile(dataDir); err == nil && lf.PID != os.Getpid() && !IsLockfileStale(lf) {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, lf.PID)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	b, err := json.MarshalIndent(LockfileData{PID: os.Getpid(), Addr: addr, StartedAt: time.Now()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling lockfile: %w", err)
	}
	path := LockfilePath(dataDir)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("writing lockfile: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lockfile.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lockfile: %w", err)
	}
	return nil
}

// IsLockfileStale reports whether the lockfile belongs to a process that is
// gone, or whose ingress no longer answers health checks.
func IsLockfileStale(lf *LockfileData) bool {
	if !processAlive(lf.PID) {
		return true
	}
	if lf.Addr == "" {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + lf.Addr + "/health")
	if err != nil {
		return true
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusOK
}
