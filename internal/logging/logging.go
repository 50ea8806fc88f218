// Package logging configures the process-wide slog logger. Every record is
// written to the local output chosen by Init and, once InitShipper ran,
// copied to the server in batches.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Attribute keys shared across packages.
const (
	KeyComponent = "component"
	KeyError     = "error"
	KeyIdentity  = "identity"
	KeyRoomID    = "roomId"
)

const redacted = "<redacted>"

// secretKeys never reach an output in clear text.
var secretKeys = map[string]bool{
	"token":         true,
	"device_token":  true,
	"authorization": true,
	"password":      true,
}

type output struct {
	h slog.Handler
}

// handler carries the attrs and groups of one derived logger and resolves
// the output on every record, so package-level loggers created before Init
// follow it.
type handler struct {
	out    *atomic.Pointer[output]
	attrs  []slog.Attr
	groups []string
}

var (
	current = func() *atomic.Pointer[output] {
		p := &atomic.Pointer[output]{}
		p.Store(&output{h: newOutputHandler("text", slog.LevelInfo, os.Stdout)})
		return p
	}()
	root = &handler{out: current}

	shipperMu     sync.RWMutex
	globalShipper *Shipper
)

func init() {
	slog.SetDefault(slog.New(root))
}

// Init selects the local output. format is "json" or "text", level one of
// debug, info, warn, error. A nil output means stdout.
func Init(format, level string, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	current.Store(&output{h: newOutputHandler(format, parseLevel(level), out)})
}

func newOutputHandler(format string, level slog.Level, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return slog.New(root).With(slog.String(KeyComponent, component))
}

func (h *handler) target() slog.Handler {
	t := h.out.Load().h
	for _, g := range h.groups {
		t = t.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		t = t.WithAttrs(h.attrs)
	}
	return t
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.out.Load().h.Enabled(ctx, level) {
		return true
	}
	s := shipper()
	return s != nil && s.ShouldShip(level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if s := shipper(); s != nil && s.ShouldShip(r.Level) {
		s.Enqueue(h.entry(r, s.agentVersion))
	}
	t := h.target()
	if !t.Enabled(ctx, r.Level) {
		return nil
	}
	return t.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		prefix := strings.Join(h.groups, ".") + "."
		qualified := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			qualified[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
		}
		attrs = qualified
	}
	return &handler{
		out:    h.out,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{
		out:    h.out,
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

// entry flattens the logger's attrs and the record's attrs into a LogEntry.
// The component moves out of Fields into its own column.
func (h *handler) entry(r slog.Record, version string) LogEntry {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	add := func(a slog.Attr) {
		a = redact(nil, a)
		fields[a.Key] = a.Value.Resolve().Any()
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	component := "unknown"
	if c, ok := fields[KeyComponent].(string); ok {
		component = c
	}
	delete(fields, KeyComponent)
	if v, ok := fields[KeyError].(error); ok {
		fields[KeyError] = v.Error()
	}

	return LogEntry{
		Timestamp:    r.Time,
		Level:        r.Level.String(),
		Component:    component,
		Message:      r.Message,
		Fields:       fields,
		AgentVersion: version,
	}
}

func shipper() *Shipper {
	shipperMu.RLock()
	defer shipperMu.RUnlock()
	return globalShipper
}

// InitShipper starts copying records to cfg.Sink, replacing any previous
// shipper.
func InitShipper(cfg ShipperConfig) {
	shipperMu.Lock()
	defer shipperMu.Unlock()

	if globalShipper != nil {
		globalShipper.Stop()
	}
	globalShipper = NewShipper(cfg)
	globalShipper.Start()
}

// StopShipper flushes what is queued and stops shipping.
func StopShipper() {
	shipperMu.Lock()
	defer shipperMu.Unlock()

	if globalShipper != nil {
		globalShipper.Stop()
		globalShipper = nil
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
