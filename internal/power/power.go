// Package power turns the machine off or restarts it through the host's
// shutdown command.
package power

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("power")

// MaxDelay caps any scheduled shutdown.
const MaxDelay = 24 * time.Hour

// Action selects what the host should do.
type Action string

const (
	ActionShutdown Action = "shutdown"
	ActionRestart  Action = "restart"
)

// Controller is the part of the OS the agent needs.
type Controller interface {
	// Shutdown powers the machine off immediately.
	Shutdown(ctx context.Context) error
	// Restart reboots the machine immediately.
	Restart(ctx context.Context) error
	// ShutdownWithWarning schedules a power-off after delay and shows msg
	// to logged-in users where the host supports it.
	ShutdownWithWarning(ctx context.Context, delay time.Duration, msg string) error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// OS is the Controller backed by the host shutdown command.
type OS struct {
	goos string
	run  Runner
}

// New returns a controller for the running platform.
func New() *OS {
	return &OS{goos: runtime.GOOS, run: ExecRunner}
}

// NewWithRunner returns a controller for goos that executes through run.
func NewWithRunner(goos string, run Runner) *OS {
	return &OS{goos: goos, run: run}
}

func (o *OS) Shutdown(ctx context.Context) error {
	return o.exec(ctx, ActionShutdown, 0, "")
}

func (o *OS) Restart(ctx context.Context) error {
	return o.exec(ctx, ActionRestart, 0, "")
}

func (o *OS) ShutdownWithWarning(ctx context.Context, delay time.Duration, msg string) error {
	return o.exec(ctx, ActionShutdown, delay, msg)
}

func (o *OS) exec(ctx context.Context, action Action, delay time.Duration, msg string) error {
	if delay < 0 {
		delay = 0
	} else if delay > MaxDelay {
		delay = MaxDelay
	}

	name, args, err := BuildCommand(o.goos, action, delay, msg)
	if err != nil {
		return err
	}

	log.Warn("issuing power command", "action", action, "delay", delay, "command", name+" "+strings.Join(args, " "))
	out, err := o.run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("power: %s failed: %w: %s", action, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BuildCommand returns the shutdown invocation for goos. Windows forces
// running applications closed; the unix shutdown command only has minute
// resolution so delays are rounded up.
func BuildCommand(goos string, action Action, delay time.Duration, msg string) (string, []string, error) {
	switch goos {
	case "windows":
		flag := "/s"
		if action == ActionRestart {
			flag = "/r"
		}
		args := []string{flag, "/f", "/t", strconv.Itoa(int(delay / time.Second))}
		if msg != "" {
			args = append(args, "/c", msg)
		}
		return "shutdown", args, nil
	case "linux", "darwin":
		flag := "-h"
		if action == ActionRestart {
			flag = "-r"
		}
		when := "now"
		if delay > 0 {
			minutes := int((delay + time.Minute - 1) / time.Minute)
			when = "+" + strconv.Itoa(minutes)
		}
		args := []string{flag, when}
		if msg != "" && goos == "linux" {
			args = append(args, msg)
		}
		return "shutdown", args, nil
	default:
		return "", nil, fmt.Errorf("power: unsupported OS: %s", goos)
	}
}
