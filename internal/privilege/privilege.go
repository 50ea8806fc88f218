// Package privilege reports whether the agent can power off the machine.
package privilege

import "github.com/classinsights/agent/internal/logging"

var log = logging.L("privilege")

// WarnIfUnprivileged logs once at startup when OS shutdown requests are
// likely to be refused.
func WarnIfUnprivileged() bool {
	if IsElevated() {
		return true
	}
	log.Warn("agent is not running elevated; OS shutdown and restart requests will fail")
	return false
}
