package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Kernelspec is the kernel.json a Jupyter front end uses to launch a kernel.
type Kernelspec struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

var kernelName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// NewKernelspec describes a kernel started as "<executable> run".
// Interrupts are requested as interrupt_request messages, never signals.
func NewKernelspec(executable, displayName string) Kernelspec {
	return Kernelspec{
		Argv:          []string{executable, "run", "--connection-file", "{connection_file}"},
		DisplayName:   displayName,
		Language:      "expr",
		InterruptMode: "message",
		Metadata:      map[string]any{"implementation": Implementation, "version": Version},
	}
}

// KernelsDir returns <prefix>/share/jupyter/kernels, or the per-user data
// directory when prefix is empty.
func KernelsDir(prefix string) (string, error) {
	if prefix != "" {
		return filepath.Join(prefix, "share", "jupyter", "kernels"), nil
	}
	if dataDir := os.Getenv("JUPYTER_DATA_DIR"); dataDir != "" {
		return filepath.Join(dataDir, "kernels"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "jupyter", "kernels"), nil
}

// Install writes spec to <dir>/<name>/kernel.json and returns the file path.
func Install(dir, name string, spec Kernelspec) (string, error) {
	if !kernelName.MatchString(name) {
		return "", fmt.Errorf("invalid kernel name %q", name)
	}
	target := filepath.Join(dir, name)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", target, err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(target, "kernel.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
