// Package coordinator decides when a classroom machine should go down and
// delivers the directive, either to the companions in the user sessions or
// straight to the operating system.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/health"
	"github.com/classinsights/agent/internal/httputil"
	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/internal/power"
	"github.com/classinsights/agent/internal/schedule"
	"github.com/classinsights/agent/pkg/api"
)

var log = logging.L("coordinator")

const (
	DefaultStartupDelay  = 5 * time.Minute
	DefaultLessonGap     = 20 * time.Minute
	DefaultNoLessonsTime = 50 * time.Minute

	// RefreshCap bounds how long Monitoring sleeps before re-fetching lessons.
	RefreshCap = time.Hour

	// RetryInterval is the pause after a failed iteration.
	RetryInterval = time.Minute

	// OSShutdownDelay is the warning period when nobody is logged in.
	OSShutdownDelay = 60 * time.Second
	OSShutdownMsg   = "ClassInsights: this computer will shut down in one minute."

	LifeSignPeriod      = 7 * time.Minute
	LifeSignShortPeriod = time.Minute
	LifeSignMaxMisses   = 3
)

// Schedule is the part of the API client the coordinator reads.
type Schedule interface {
	GetLessons(ctx context.Context, roomID int) ([]api.Lesson, error)
	GetSettings(ctx context.Context) (*api.Settings, error)
}

// Registry is the part of the session broker the coordinator uses.
type Registry interface {
	HasSessions() bool
	NotifyClients(p ipc.Packet) int
}

// Journal records directives. *audit.Journal satisfies it.
type Journal interface {
	Record(eventType, subject string, details map[string]any)
}

// Config wires a Coordinator.
type Config struct {
	RoomID       int
	StartupDelay time.Duration
	Schedule     Schedule
	Registry     Registry
	Power        power.Controller
	Journal      Journal
	Health       *health.Monitor

	// OnSettings, when set, receives the settings once they are loaded.
	OnSettings func(*api.Settings)

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Coordinator runs the shutdown loop and, when enabled, the life-sign loop.
type Coordinator struct {
	roomID       int
	startupDelay time.Duration
	sched        Schedule
	registry     Registry
	power        power.Controller
	journal      Journal
	health       *health.Monitor
	onSettings   func(*api.Settings)
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	state   atomic.Int32
	lessons atomic.Pointer[[]schedule.Lesson]
}

// New returns a Coordinator. StartupDelay zero means no grace period; use
// DefaultStartupDelay for the usual five minutes.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		roomID:       cfg.RoomID,
		startupDelay: cfg.StartupDelay,
		sched:        cfg.Schedule,
		registry:     cfg.Registry,
		power:        cfg.Power,
		journal:      cfg.Journal,
		health:       cfg.Health,
		onSettings:   cfg.OnSettings,
		now:          cfg.Now,
		sleep:        cfg.Sleep,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = httputil.Sleep
	}
	if c.journal == nil {
		c.journal = (*audit.Journal)(nil)
	}
	if c.health == nil {
		c.health = health.NewMonitor()
	}
	return c
}

// State returns the shutdown loop's current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		log.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

// Run waits out the startup grace period, loads the settings and runs the
// loops until ctx is cancelled or the API reports a fatal error.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.setState(StateStopped)
	c.setState(StateStartup)

	if c.startupDelay > 0 {
		log.Info("startup grace period", "delay", c.startupDelay)
		if err := c.sleep(ctx, c.startupDelay); err != nil {
			return nil
		}
	}

	settings, err := c.loadSettings(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Info("settings loaded",
		"lessonGapMinutes", settings.LessonGapMinutes,
		"noLessonsTime", settings.NoLessonsTime,
		"checkUser", settings.CheckUser,
		"delayShutdown", settings.DelayShutdown,
		"shutdownDelay", settings.ShutdownDelay)
	if c.onSettings != nil {
		c.onSettings(settings)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.shutdownLoop(gctx, settings) })
	if settings.CheckUser {
		g.Go(func() error { return c.lifeSignLoop(gctx) })
	}

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Coordinator) loadSettings(ctx context.Context) (*api.Settings, error) {
	for {
		settings, err := c.sched.GetSettings(ctx)
		if err == nil {
			return settings, nil
		}
		if api.IsFatal(err) {
			return nil, fmt.Errorf("coordinator: load settings: %w", err)
		}
		c.health.Report(health.ComponentCoordinator, err)
		log.Warn("cannot load settings, retrying", "error", err, "retryIn", RetryInterval)
		if err := c.sleep(ctx, RetryInterval); err != nil {
			return nil, err
		}
	}
}

// fetchLessons returns the room's lessons and caches them for the life-sign
// loop's next-lesson hint.
func (c *Coordinator) fetchLessons(ctx context.Context) ([]schedule.Lesson, error) {
	lessons, err := c.sched.GetLessons(ctx, c.roomID)
	if err != nil {
		return nil, err
	}
	sorted := schedule.Sort(api.ScheduleLessons(lessons))
	c.lessons.Store(&sorted)
	return sorted, nil
}

func (c *Coordinator) cachedLessons() []schedule.Lesson {
	if p := c.lessons.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Coordinator) shutdownLoop(ctx context.Context, settings *api.Settings) error {
	gap := schedule.MinGap(settings.LessonGapMinutes, DefaultLessonGap)
	cooldown := minutes(settings.NoLessonsTime, DefaultNoLessonsTime)
	var delay time.Duration
	if settings.DelayShutdown && settings.ShutdownDelay > 0 {
		delay = time.Duration(settings.ShutdownDelay) * time.Minute
	}

	for {
		wait, err := c.shutdownIteration(ctx, gap, delay, cooldown)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if api.IsFatal(err) {
				return err
			}
			c.health.Report(health.ComponentCoordinator, err)
			log.Error("shutdown iteration failed", "error", err, "retryIn", RetryInterval)
			wait = RetryInterval
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// shutdownIteration runs Monitoring through Deliver once and returns how
// long to wait before the next pass.
func (c *Coordinator) shutdownIteration(ctx context.Context, gap, delay, cooldown time.Duration) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("shutdown iteration panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("coordinator: panic: %v", r)
		}
	}()

	c.setState(StateMonitoring)
	lessons, err := c.fetchLessons(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordinator: fetch lessons: %w", err)
	}
	c.health.Report(health.ComponentCoordinator, nil)

	until := schedule.UntilBreak(lessons, gap, c.now())
	if until > 0 {
		wait = min(until, RefreshCap)
		log.Debug("no break yet", "untilBreak", until.Round(time.Second), "nextCheck", wait.Round(time.Second))
		return wait, nil
	}

	c.setState(StateBreakDetected)
	log.Info("break detected", "lessons", len(lessons))
	c.journal.Record(audit.EventBreakDetected, "", map[string]any{"lessons": len(lessons)})

	if delay > 0 {
		c.setState(StateDelayedShutdown)
		log.Info("delaying shutdown", "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}

	c.setState(StateVerify)
	lessons, err = c.fetchLessons(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordinator: verify lessons: %w", err)
	}
	if until := schedule.UntilBreak(lessons, gap, c.now()); until > 0 {
		log.Info("break no longer pending after verification", "untilBreak", until.Round(time.Second))
		return min(until, RefreshCap), nil
	}

	c.setState(StateDeliver)
	if err := c.Deliver(ctx, ipc.ReasonLessonsOver, lessons); err != nil {
		return 0, err
	}
	return cooldown, nil
}

// Deliver sends a Shutdown directive to every companion, or shuts the
// machine down directly when no companion is present or none accepted it.
func (c *Coordinator) Deliver(ctx context.Context, reason ipc.ShutdownReason, lessons []schedule.Lesson) error {
	var next *time.Time
	if t, ok := schedule.NextStart(lessons, c.now()); ok {
		next = &t
	}

	if c.registry.HasSessions() {
		delivered := c.registry.NotifyClients(ipc.NewShutdownPacket(reason, next))
		details := map[string]any{"sessions": delivered}
		if next != nil {
			details["nextLesson"] = next.Local().Format(ipc.NextLessonLayout)
		}
		c.journal.Record(audit.EventDirectiveSent, string(reason), details)
		if delivered > 0 {
			log.Info("shutdown directive delivered", "reason", string(reason), "sessions", delivered)
			return nil
		}
		log.Warn("no companion accepted the directive, shutting down directly", "reason", string(reason))
	}

	c.journal.Record(audit.EventOSShutdown, string(reason), map[string]any{"delay": OSShutdownDelay.String()})
	if err := c.power.ShutdownWithWarning(ctx, OSShutdownDelay, OSShutdownMsg); err != nil {
		return fmt.Errorf("coordinator: os shutdown: %w", err)
	}
	log.Warn("os shutdown scheduled", "reason", string(reason), "delay", OSShutdownDelay)
	return nil
}

// lifeSignLoop shuts down machines nobody is logged in to. Empty
// observations shorten the period; three in a row trigger NoUser.
func (c *Coordinator) lifeSignLoop(ctx context.Context) error {
	var (
		misses int
		period = LifeSignPeriod
	)
	for {
		if err := c.sleep(ctx, period); err != nil {
			return nil
		}
		misses, period = c.lifeSignTick(ctx, misses)
	}
}

func (c *Coordinator) lifeSignTick(ctx context.Context, misses int) (nextMisses int, period time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("life-sign check panicked", "panic", r, "stack", string(debug.Stack()))
			nextMisses, period = 0, LifeSignPeriod
		}
	}()

	if c.registry.HasSessions() {
		return 0, LifeSignPeriod
	}

	misses++
	log.Info("no companion present", "misses", misses, "threshold", LifeSignMaxMisses)
	if misses < LifeSignMaxMisses {
		return misses, LifeSignShortPeriod
	}

	if err := c.Deliver(ctx, ipc.ReasonNoUser, c.cachedLessons()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("no-user directive failed", "error", err)
	}
	return 0, LifeSignPeriod
}

func minutes(m int, def time.Duration) time.Duration {
	if m <= 0 {
		return def
	}
	return time.Duration(m) * time.Minute
}
