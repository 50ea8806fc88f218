//go:build windows

package ipc

// DefaultSocketPath returns the named pipe companions connect to.
func DefaultSocketPath() string {
	return `\\.\pipe\ClassInsights`
}
