//go:build !windows

package ipc

// DefaultSocketPath returns the default IPC socket path.
func DefaultSocketPath() string {
	return "/run/classinsights/agent.sock"
}
