//go:build !windows

package privilege

import "os"

// IsElevated reports whether the agent runs as root, which shutdown(8)
// requires.
func IsElevated() bool {
	return os.Geteuid() == 0
}
