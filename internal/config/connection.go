package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConnectionInfo is the Jupyter connection file. It is immutable once loaded.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// LoadConnection reads and validates a connection file.
func LoadConnection(path string) (*ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection file: %w", err)
	}

	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse connection file %s: %w", path, err)
	}

	if info.Transport == "" {
		info.Transport = "tcp"
	}
	if info.IP == "" {
		info.IP = "127.0.0.1"
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = "hmac-sha256"
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection file %s: %w", path, err)
	}
	return &info, nil
}

// Validate checks the transport and the port set.
func (c *ConnectionInfo) Validate() error {
	switch c.Transport {
	case "tcp", "ipc":
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Transport == "tcp" {
		ports := map[string]int{
			"shell_port":   c.ShellPort,
			"control_port": c.ControlPort,
			"iopub_port":   c.IOPubPort,
			"stdin_port":   c.StdinPort,
			"hb_port":      c.HBPort,
		}
		for name, port := range ports {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("%s out of range: %d", name, port)
			}
		}
	}
	return nil
}

// Endpoint formats the ZeroMQ endpoint for a port. For ipc the Jupyter
// convention is "<ip>-<port>" as the socket path.
func (c *ConnectionInfo) Endpoint(port int) string {
	if c.Transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", c.IP, port)
	}
	return fmt.Sprintf("%s://%s:%d", c.Transport, c.IP, port)
}
