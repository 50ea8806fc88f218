// Package userhelper is a headless companion: it connects to the agent's
// session socket from inside a user session, announces the user and keeps
// the session alive. The desktop companion implements the same protocol;
// this one is used for diagnostics.
package userhelper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/user"
	"strings"
	"time"

	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("userhelper")

const (
	// HeartbeatInterval is how often the companion proves it is alive.
	HeartbeatInterval = 10 * time.Second

	writeTimeout = 5 * time.Second
	dialTimeout  = 5 * time.Second
)

// PacketHandler receives every packet the agent sends.
type PacketHandler func(env *ipc.Envelope)

type Options struct {
	// Identity announced to the agent. Empty uses the current OS account.
	Identity          string
	HeartbeatInterval time.Duration
	Dial              func(ctx context.Context) (net.Conn, error)
	OnPacket          PacketHandler
}

// Client is one companion connection.
type Client struct {
	socketPath string
	opts       Options
}

func New(socketPath string, opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = HeartbeatInterval
	}
	if opts.OnPacket == nil {
		opts.OnPacket = logPacket
	}
	c := &Client{socketPath: socketPath, opts: opts}
	if c.opts.Dial == nil {
		c.opts.Dial = c.dialIPC
	}
	return c
}

// Run connects, identifies and serves packets until ctx is done or the
// agent closes the connection.
func (c *Client) Run(ctx context.Context) error {
	identity := c.opts.Identity
	if identity == "" {
		identity = CurrentIdentity()
	}
	if !ipc.ValidIdentity(identity) {
		return fmt.Errorf("userhelper: invalid identity %q", identity)
	}

	raw, err := c.opts.Dial(ctx)
	if err != nil {
		return fmt.Errorf("userhelper: connect: %w", err)
	}
	conn := ipc.NewConn(raw)
	defer conn.Close()

	if err := conn.WriteLine([]byte(identity), writeTimeout); err != nil {
		return fmt.Errorf("userhelper: send identity: %w", err)
	}
	log.Info("connected to agent", "identity", identity)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go c.heartbeatLoop(ctx, conn)

	for {
		line, err := conn.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("userhelper: agent closed the connection: %w", err)
			}
			return fmt.Errorf("userhelper: read: %w", err)
		}
		env, err := ipc.DecodeEnvelope([]byte(line))
		if err != nil {
			log.Warn("ignoring malformed packet", "error", err)
			continue
		}
		c.opts.OnPacket(env)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *ipc.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteLine([]byte(ipc.HeartbeatLine), writeTimeout); err != nil {
				log.Warn("heartbeat failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func logPacket(env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypeShutdown:
		d, err := env.Shutdown()
		if err != nil {
			log.Warn("bad shutdown packet", "error", err)
			return
		}
		next := "none"
		if d.NextLesson != nil {
			next = *d.NextLesson
		}
		log.Info("shutdown directive", "reason", d.Reason, "nextLesson", next)
	case ipc.TypeAfk:
		d, err := env.Afk()
		if err != nil {
			log.Warn("bad afk packet", "error", err)
			return
		}
		log.Info("afk detection enabled", "timeoutSeconds", d.Timeout)
	default:
		log.Info("packet received", "type", env.Type)
	}
}

// CurrentIdentity returns the OS account name without a domain prefix.
func CurrentIdentity() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	name := u.Username
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}
