package websocket

import (
	"context"

	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/power"
	"github.com/classinsights/agent/internal/workerpool"
)

// Remote commands understood by the agent.
const (
	CmdShutdown = "shutdown"
	CmdRestart  = "restart"
	CmdLogoff   = "logoff"
)

// Notifier broadcasts a packet to the connected companions.
type Notifier interface {
	NotifyClients(p ipc.Packet) int
}

type Journal interface {
	Record(eventType, subject string, details map[string]any)
}

// Dispatcher runs remote commands on a bounded worker pool.
type Dispatcher struct {
	power    power.Controller
	notifier Notifier
	journal  Journal
	pool     *workerpool.Pool
}

func NewDispatcher(pc power.Controller, n Notifier, j Journal, pool *workerpool.Pool) *Dispatcher {
	if j == nil {
		j = (*audit.Journal)(nil)
	}
	return &Dispatcher{power: pc, notifier: n, journal: j, pool: pool}
}

// Handle queues cmd. Unknown commands and a full queue are logged and
// dropped.
func (d *Dispatcher) Handle(cmd string) {
	var task workerpool.Task
	switch cmd {
	case CmdShutdown:
		task = func(ctx context.Context) { d.powerCommand(ctx, cmd, d.power.Shutdown) }
	case CmdRestart:
		task = func(ctx context.Context) { d.powerCommand(ctx, cmd, d.power.Restart) }
	case CmdLogoff:
		task = func(context.Context) {
			n := d.notifier.NotifyClients(ipc.NewLogoffPacket())
			d.journal.Record(audit.EventRemoteCommand, cmd, map[string]any{"sessions": n})
			log.Info("logoff sent to companions", "sessions", n)
		}
	default:
		log.Warn("unknown remote command", "command", cmd)
		return
	}

	if err := d.pool.TrySubmit(task); err != nil {
		log.Warn("remote command dropped", "command", cmd, "error", err)
	}
}

func (d *Dispatcher) powerCommand(ctx context.Context, cmd string, run func(context.Context) error) {
	d.journal.Record(audit.EventRemoteCommand, cmd, nil)
	if err := run(ctx); err != nil {
		log.Error("remote power command failed", "command", cmd, "error", err)
	}
}
