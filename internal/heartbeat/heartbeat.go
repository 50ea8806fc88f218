// Package heartbeat keeps the server's device record for this machine fresh.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/user"
	"strings"
	"time"

	"github.com/classinsights/agent/internal/collectors"
	"github.com/classinsights/agent/internal/health"
	"github.com/classinsights/agent/internal/httputil"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/pkg/api"
)

var log = logging.L("heartbeat")

const (
	MinInterval = 20 * time.Second
	MaxInterval = 60 * time.Second
)

// API is the part of the API client the heartbeat uses.
type API interface {
	GetComputer(ctx context.Context, name string) (*api.Computer, error)
	UpsertComputer(ctx context.Context, c *api.Computer) (*api.Computer, error)
}

// LastUserSource reports the most recently connected session identity.
type LastUserSource interface {
	GetLastUser() (string, bool)
}

type Config struct {
	API      API
	State    *DeviceState
	Users    LastUserSource
	Hostname string
	Version  string
	Health   *health.Monitor

	// Interval between upserts. Zero picks a random value in
	// [MinInterval, MaxInterval] once for the lifetime of the Heartbeat.
	Interval time.Duration

	Interface func(ctx context.Context) (collectors.NetworkInterface, error)
	OSUser    func() string
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

type Heartbeat struct {
	cfg      Config
	interval time.Duration
}

func New(cfg Config) *Heartbeat {
	if cfg.State == nil {
		cfg.State = &DeviceState{}
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor()
	}
	if cfg.Interface == nil {
		cfg.Interface = collectors.PrimaryInterface
	}
	if cfg.OSUser == nil {
		cfg.OSUser = currentOSUser
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = httputil.Sleep
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = MinInterval + time.Duration(rand.Int64N(int64(MaxInterval-MinInterval)+1))
	}
	return &Heartbeat{cfg: cfg, interval: interval}
}

// Interval returns the period chosen for this run.
func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Seed loads the existing device record so the first upsert carries the
// server id. A missing record is not an error.
func (h *Heartbeat) Seed(ctx context.Context) error {
	c, err := h.cfg.API.GetComputer(ctx, h.cfg.Hostname)
	if errors.Is(err, api.ErrNotFound) {
		log.Info("no device record yet, it will be created by the first heartbeat", "name", h.cfg.Hostname)
		return nil
	}
	if err != nil {
		return fmt.Errorf("heartbeat: seed device record: %w", err)
	}
	h.cfg.State.SetComputer(c)
	if id, ok := h.cfg.State.ComputerID(); ok {
		log.Info("device record loaded", "computerId", id)
	}
	return nil
}

// Run upserts the device record immediately and then once per interval
// until ctx is done. Only fatal API errors end the loop early.
func (h *Heartbeat) Run(ctx context.Context) error {
	log.Info("device heartbeat started", "interval", h.interval)
	for {
		if err := h.Beat(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if api.IsFatal(err) {
				return err
			}
			log.Warn("device heartbeat failed", "error", err)
		}
		if err := h.cfg.Sleep(ctx, h.interval); err != nil {
			return nil
		}
	}
}

// Beat sends one upsert and stores the server's copy of the record.
func (h *Heartbeat) Beat(ctx context.Context) error {
	record := h.buildRecord(ctx)
	stored, err := h.cfg.API.UpsertComputer(ctx, record)
	h.cfg.Health.Report(health.ComponentHeartbeat, err)
	if err != nil {
		return err
	}
	prevID, hadID := h.cfg.State.ComputerID()
	h.cfg.State.SetComputer(stored)
	if id, ok := h.cfg.State.ComputerID(); ok && (!hadID || id != prevID) {
		log.Info("device registered", "computerId", id)
	}
	return nil
}

func (h *Heartbeat) buildRecord(ctx context.Context) *api.Computer {
	rec := &api.Computer{
		RoomID:   h.cfg.State.RoomID(),
		Name:     h.cfg.Hostname,
		LastSeen: h.cfg.Now().UTC(),
		Version:  h.cfg.Version,
	}
	if prev := h.cfg.State.Computer(); prev != nil {
		rec.ComputerID = prev.ComputerID
		rec.OrganizationUnit = prev.OrganizationUnit
	}

	if ni, err := h.cfg.Interface(ctx); err != nil {
		log.Debug("no network interface for device record", "error", err)
	} else {
		rec.MacAddress = ni.MACAddr
		rec.IPAddress = ni.IPAddress
	}

	if h.cfg.Users != nil {
		if u, ok := h.cfg.Users.GetLastUser(); ok {
			rec.LastUser = u
		}
	}
	if rec.LastUser == "" {
		rec.LastUser = h.cfg.OSUser()
	}
	return rec
}

// currentOSUser returns the account the agent runs as, without a domain
// prefix.
func currentOSUser() string {
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
