// Package pidfile records the process id of a running kernel so that
// supervisors outside Jupyter can find and signal it.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire when the file names a live process.
var ErrRunning = errors.New("another kernel is running")

// Pidfile is a claimed pid file.
type Pidfile struct {
	path string
	pid  int
}

// Acquire writes the current pid to path. A file left behind by a dead
// process is taken over; one naming a live process yields ErrRunning.
func Acquire(path string) (*Pidfile, error) {
	if pid, err := read(path); err == nil && pid != os.Getpid() && alive(pid) {
		return nil, fmt.Errorf("%s holds pid %d: %w", path, pid, ErrRunning)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return &Pidfile{path: path, pid: pid}, nil
}

// Path returns the file path.
func (p *Pidfile) Path() string {
	return p.path
}

// Release removes the file if it still names this process.
func (p *Pidfile) Release() error {
	if pid, err := read(p.path); err != nil || pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

func read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
