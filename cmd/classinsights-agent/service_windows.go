//go:build windows

package main

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows/svc"
)

// isWindowsService reports whether the Service Control Manager started the
// process. Call before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// hasConsole is false for a service, which has no stdout worth teeing to.
func hasConsole() bool { return !isWindowsService() }

// agentService implements svc.Handler for the SCM.
type agentService struct {
	run func(ctx context.Context) error
	err error
}

// runAsService runs the agent under the SCM and returns the error the agent
// stopped with.
func runAsService(run func(ctx context.Context) error) error {
	s := &agentService{run: run}
	if err := svc.Run(windowsServiceName, s); err != nil {
		return err
	}
	return s.err
}

// Execute reports SERVICE_RUNNING, starts the agent and blocks until the SCM
// sends Stop or Shutdown or the agent gives up on its own. The latter exits
// with a service-specific code so the recovery actions restart it.
func (s *agentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("agent running as Windows service")

	for {
		select {
		case err := <-done:
			changes <- svc.Status{State: svc.StopPending}
			if err != nil {
				s.err = err
				log.Error("agent stopped with error", "error", err)
				return true, 1
			}
			return false, 0
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				s.err = <-done
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
			}
		}
	}
}
