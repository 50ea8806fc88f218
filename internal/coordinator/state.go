package coordinator

// State is the coordinator's position in the shutdown cycle.
type State int32

const (
	StateStartup State = iota
	StateMonitoring
	StateBreakDetected
	StateDelayedShutdown
	StateVerify
	StateDeliver
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateMonitoring:
		return "monitoring"
	case StateBreakDetected:
		return "break_detected"
	case StateDelayedShutdown:
		return "delayed_shutdown"
	case StateVerify:
		return "verify"
	case StateDeliver:
		return "deliver"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
