// Package daemon manages the on-disk lifecycle markers of a running
// argosd process: the PID file that makes double-starts detectable and
// the state snapshot other invocations read to find and control a
// running daemon.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pidFileName   = "argosd.pid"
	stateFileName = "daemon.json"
)

// ErrAlreadyRunning reports that a live daemon holds the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrNotRunning reports that no daemon process could be found.
var ErrNotRunning = errors.New("daemon not running")

// State is the snapshot a running daemon publishes next to its PID
// file so status commands can describe it without a socket round trip.
type State struct {
	PID        int       `json:"pid"`
	Node       string    `json:"node"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	SocketPath string    `json:"socket_path,omitempty"`
	HTTPAddr   string    `json:"http_addr,omitempty"`
}

// Manager owns the PID and state files under a single directory.
type Manager struct {
	dir       string
	pidFile   string
	stateFile string
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:       dir,
		pidFile:   filepath.Join(dir, pidFileName),
		stateFile: filepath.Join(dir, stateFileName),
	}
}

// PIDFile returns the PID file path.
func (m *Manager) PIDFile() string { return m.pidFile }

// StateFile returns the state file path.
func (m *Manager) StateFile() string { return m.stateFile }

// Acquire claims the PID file for the current process. A PID file
// owned by a live process fails with ErrAlreadyRunning; a stale one
// left behind by a crashed daemon is cleared and reclaimed.
func (m *Manager) Acquire() error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if pid, err := m.ReadPID(); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		os.Remove(m.pidFile)
		os.Remove(m.stateFile)
	}

	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// Release removes the PID and state files.
func (m *Manager) Release() {
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
}

// ReadPID reads the daemon PID from the PID file.
func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", m.pidFile, err)
	}

	return pid, nil
}

// IsRunning reports whether the PID file names a live process.
func (m *Manager) IsRunning() bool {
	pid, err := m.ReadPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// WriteState publishes the daemon state snapshot.
func (m *Manager) WriteState(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}
	return os.WriteFile(m.stateFile, data, 0600)
}

// ReadState reads the daemon state snapshot.
func (m *Manager) ReadState() (*State, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal daemon state: %w", err)
	}

	return &st, nil
}

// SignalStop sends SIGTERM to the daemon named by the PID file.
func (m *Manager) SignalStop() error {
	return m.signal(syscall.SIGTERM)
}

// SignalReload sends SIGHUP, asking the daemon to re-read its
// configuration file.
func (m *Manager) SignalReload() error {
	return m.signal(syscall.SIGHUP)
}

func (m *Manager) signal(sig syscall.Signal) error {
	pid, err := m.ReadPID()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotRunning
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return ErrNotRunning
	}

	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	return nil
}

// WaitForStop polls until the daemon exits or the timeout elapses.
func (m *Manager) WaitForStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if !m.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not stop within %v", timeout)
}

// Status describes a daemon for display.
type Status struct {
	Running   bool
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
	Version   string
	Node      string
}

// Status combines the liveness check with the state snapshot. A state
// file without a live process still yields the recorded identity so a
// crashed daemon remains identifiable.
func (m *Manager) Status() Status {
	var s Status

	if pid, err := m.ReadPID(); err == nil && processAlive(pid) {
		s.Running = true
		s.PID = pid
	}

	if st, err := m.ReadState(); err == nil {
		s.StartedAt = st.StartedAt
		s.Version = st.Version
		s.Node = st.Node
		if s.Running {
			s.Uptime = time.Since(st.StartedAt)
		}
	}

	return s
}

// processAlive probes pid with signal 0. On Unix FindProcess always
// succeeds, so the probe is the actual existence check.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
