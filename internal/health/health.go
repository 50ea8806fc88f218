// Package health tracks the state of the agent's long-running components
// and summarizes it for the telemetry heartbeat and the status command.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Component names reported by the agent.
const (
	ComponentAPI         = "api"
	ComponentIPC         = "ipc"
	ComponentWebsocket   = "websocket"
	ComponentCoordinator = "coordinator"
	ComponentHeartbeat   = "heartbeat"
)

// Check stores the latest result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the compact form embedded in telemetry.
type Summary struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
}

// Monitor tracks checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Update records the status for a named component. Invalid statuses are
// stored as Unhealthy. Transitions are logged, repeats are not.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status, treating as unhealthy", "component", name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: m.now(),
	}
	m.mu.Unlock()

	if existed && prev.Status == status {
		return
	}
	if status == Healthy {
		if existed {
			log.Info("component recovered", "component", name, "previous", string(prev.Status))
		}
		return
	}
	log.Warn("component health changed", "component", name, "status", string(status), "message", message)
}

// Report marks name Healthy when err is nil and degraded otherwise.
func (m *Monitor) Report(name string, err error) {
	if err == nil {
		m.Update(name, Healthy, "")
		return
	}
	m.Update(name, Degraded, err.Error())
}

// Get returns the check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all checks, or Unknown when
// nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns overall and per-component status from one snapshot.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]Status, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = c.Status
	}
	return Summary{Status: m.overallLocked(), Components: components}
}

// Unknown ranks worst: a component that cannot say how it is doing is not
// trusted to be fine.
func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 2
	}
}
