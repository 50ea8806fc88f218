// Package agent wires the classroom agent together: it discovers the room,
// starts the session socket and runs the shutdown coordinator beside the
// device heartbeat and the telemetry socket.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/collectors"
	"github.com/classinsights/agent/internal/config"
	"github.com/classinsights/agent/internal/coordinator"
	"github.com/classinsights/agent/internal/health"
	"github.com/classinsights/agent/internal/heartbeat"
	"github.com/classinsights/agent/internal/httputil"
	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/internal/mtls"
	"github.com/classinsights/agent/internal/power"
	"github.com/classinsights/agent/internal/privilege"
	"github.com/classinsights/agent/internal/secmem"
	"github.com/classinsights/agent/internal/sessionbroker"
	"github.com/classinsights/agent/internal/updater"
	"github.com/classinsights/agent/internal/websocket"
	"github.com/classinsights/agent/internal/workerpool"
	"github.com/classinsights/agent/pkg/api"
)

var log = logging.L("agent")

const (
	// RoomRetryInterval is the pause between lookups of a room the server
	// does not know yet.
	RoomRetryInterval = 5 * time.Minute

	drainTimeout = 10 * time.Second
)

// ErrRoomDisabled means the room is switched off on the dashboard; the
// agent stops without error.
var ErrRoomDisabled = errors.New("agent: room is disabled")

// Options carries what is not part of the config file.
type Options struct {
	Version  string
	Hostname string
	Power    power.Controller

	// IPCListener replaces the platform socket (tests).
	IPCListener net.Listener
	// RoomRetry overrides RoomRetryInterval (tests).
	RoomRetry time.Duration
	// Telemetry replaces the gopsutil sampler (tests).
	Telemetry collectors.TelemetrySource
}

// Agent owns every long-running component.
type Agent struct {
	cfg     *config.Config
	opts    Options
	tlsCfg  *tls.Config
	client  *api.Client
	state   *heartbeat.DeviceState
	health  *health.Monitor
	journal *audit.Journal
	broker  *sessionbroker.Broker
	pool    *workerpool.Pool

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// New validates cfg and builds the components. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.RequireCore(); err != nil {
		return nil, err
	}
	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("agent: hostname: %w", err)
		}
		opts.Hostname = host
	}
	if opts.Power == nil {
		opts.Power = power.New()
	}
	if opts.RoomRetry <= 0 {
		opts.RoomRetry = RoomRetryInterval
	}
	if opts.Telemetry == nil {
		opts.Telemetry = collectors.NewHostSampler()
	}

	a := &Agent{
		cfg:    cfg,
		opts:   opts,
		state:  &heartbeat.DeviceState{},
		health: health.NewMonitor(),
		pool:   workerpool.NewNamed("commands", cfg.MaxConcurrentCommands, cfg.CommandQueueSize),
	}

	tlsCfg, err := mtls.BuildTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	a.tlsCfg = tlsCfg
	client, err := newAPIClient(cfg, tlsCfg, a.fatal)
	if err != nil {
		return nil, err
	}
	a.client = client

	if cfg.AuditEnabled {
		j, err := audit.Open(audit.Options{
			Dir:        cfg.GetDataDir(),
			MaxSizeMB:  cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
		})
		if err != nil {
			log.Warn("directive journal unavailable", "error", err)
		} else {
			a.journal = j
		}
	}

	ipcPath := cfg.IPCPath
	if ipcPath == "" {
		ipcPath = ipc.DefaultSocketPath()
	}
	a.broker = sessionbroker.New(ipcPath, sessionbroker.Options{})
	return a, nil
}

// NewAPIClient builds the API client from the config, including the
// optional client certificate.
func NewAPIClient(cfg *config.Config, onFatal func(error)) (*api.Client, error) {
	tlsCfg, err := mtls.BuildTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg, tlsCfg, onFatal)
}

func newAPIClient(cfg *config.Config, tlsCfg *tls.Config, onFatal func(error)) (*api.Client, error) {
	return api.NewClient(api.Config{
		APIURL:     cfg.APIURL,
		Credential: secmem.NewSecureString(cfg.DeviceToken),
		Timeout:    cfg.APITimeout(),
		TLSConfig:  tlsCfg,
		OnFatal:    onFatal,
	})
}

// Health exposes the component monitor.
func (a *Agent) Health() *health.Monitor { return a.health }

// State exposes the room and device record.
func (a *Agent) State() *heartbeat.DeviceState { return a.state }

// Run blocks until ctx is done, the room turns out to be disabled, or the
// API reports a fatal error. Only the last case returns an error.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	log.Info("agent starting", "version", a.opts.Version, "hostname", a.opts.Hostname, "api", a.client.BaseURL())
	a.journal.Record(audit.EventAgentStart, a.opts.Version, map[string]any{"hostname": a.opts.Hostname})
	defer a.shutdown()

	privilege.WarnIfUnprivileged()

	if a.cfg.LogShipLevel != "" {
		logging.InitShipper(logging.ShipperConfig{
			Sink:         &logSink{client: a.client, state: a.state},
			AgentVersion: a.opts.Version,
			MinLevel:     a.cfg.LogShipLevel,
			Ready: func() bool {
				_, ok := a.state.ComputerID()
				return ok
			},
		})
		defer logging.StopShipper()
	}

	err := a.run(ctx)
	if cause := context.Cause(ctx); cause != nil && api.IsFatal(cause) {
		return cause
	}
	if errors.Is(err, ErrRoomDisabled) {
		log.Info("room is disabled on the dashboard, stopping")
		return nil
	}
	if err != nil && (ctx.Err() == nil || api.IsFatal(err)) {
		return err
	}
	return nil
}

func (a *Agent) run(ctx context.Context) error {
	room, err := a.discoverRoom(ctx)
	if err != nil {
		return err
	}
	a.state.SetRoom(room)
	log.Info("room discovered", "roomId", room.RoomID, "room", room.DisplayName)

	hb := heartbeat.New(heartbeat.Config{
		API:      a.client,
		State:    a.state,
		Users:    a.broker,
		Hostname: a.opts.Hostname,
		Version:  a.opts.Version,
		Health:   a.health,
	})
	if err := hb.Seed(ctx); err != nil {
		if api.IsFatal(err) {
			return err
		}
		log.Warn("cannot load device record", "error", err)
	}

	coord := coordinator.New(coordinator.Config{
		RoomID:       room.RoomID,
		StartupDelay: a.cfg.StartupDelay(),
		Schedule:     a.client,
		Registry:     a.broker,
		Power:        a.opts.Power,
		Journal:      a.journal,
		Health:       a.health,
		OnSettings: func(s *api.Settings) {
			a.broker.SetAfk(s.CheckAfk, s.AfkTimeout)
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	a.health.Update(health.ComponentIPC, health.Healthy, "")
	g.Go(func() error {
		var err error
		if a.opts.IPCListener != nil {
			err = a.broker.Serve(gctx, a.opts.IPCListener)
		} else {
			err = a.broker.Listen(gctx)
		}
		if err != nil {
			// Without the socket every directive goes straight to the OS.
			a.health.Update(health.ComponentIPC, health.Unhealthy, err.Error())
			log.Error("session socket unavailable", "error", err)
		}
		return nil
	})

	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return hb.Run(gctx) })

	if a.cfg.WebsocketEnabled {
		dispatcher := websocket.NewDispatcher(a.opts.Power, a.broker, a.journal, a.pool)
		ws, err := websocket.New(websocket.Config{
			APIURL:    a.cfg.APIURL,
			Tokens:    a.client,
			TLSConfig: a.tlsCfg,
			Telemetry: a.opts.Telemetry,
			State:     a.state,
			Hostname:  a.opts.Hostname,
			Health:    a.health,
			Handler:   dispatcher.Handle,
		})
		if err != nil {
			log.Warn("telemetry socket disabled", "error", err)
		} else {
			g.Go(func() error { return ws.Run(gctx) })
		}
	}

	if a.cfg.AutoUpdate {
		g.Go(func() error {
			a.checkForUpdate(gctx)
			return nil
		})
	}

	return g.Wait()
}

// discoverRoom looks up the room named after this computer. An unknown room
// is retried until the server knows it.
func (a *Agent) discoverRoom(ctx context.Context) (*api.Room, error) {
	for {
		room, err := a.client.GetRoom(ctx, a.opts.Hostname)
		switch {
		case err == nil && !room.Enabled:
			return nil, ErrRoomDisabled
		case err == nil:
			a.health.Report(health.ComponentAPI, nil)
			return room, nil
		case api.IsFatal(err):
			return nil, err
		}

		a.health.Report(health.ComponentAPI, err)
		delay := coordinator.RetryInterval
		if errors.Is(err, api.ErrNotFound) {
			delay = a.opts.RoomRetry
			log.Warn("room not registered on the server yet", "room", a.opts.Hostname, "retryIn", delay)
		} else {
			log.Warn("room lookup failed", "error", err, "retryIn", delay)
		}
		if err := httputil.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (a *Agent) checkForUpdate(ctx context.Context) {
	u := updater.New(updater.Config{
		Source:         a.client,
		CurrentVersion: a.opts.Version,
		Dir:            a.cfg.GetDataDir(),
		Journal:        a.journal,
	})
	res, err := u.Update(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("update check failed", "error", err)
		}
		return
	}
	if res.Installed {
		log.Info("agent update started, the installer will restart the service", "version", res.Latest)
	}
}

// fatal cancels Run with err as the cause.
func (a *Agent) fatal(err error) {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel(err)
	}
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	a.pool.Shutdown(ctx)
	a.broker.Close()

	a.journal.Record(audit.EventAgentStop, a.opts.Version, nil)
	if err := a.journal.Close(); err != nil {
		log.Warn("closing directive journal", "error", err)
	}
	log.Info("agent stopped")
}
