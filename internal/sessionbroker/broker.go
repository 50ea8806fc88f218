package sessionbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/logging"
)

const (
	// HandshakeTimeout is the deadline for the identity line after connecting.
	HandshakeTimeout = 5 * time.Second

	// WriteTimeout bounds every packet write to a companion.
	WriteTimeout = 5 * time.Second

	// HeartbeatTimeout evicts companions that have been silent this long.
	HeartbeatTimeout = 30 * time.Second

	// HeartbeatCheckInterval is how often to scan for silent sessions.
	HeartbeatCheckInterval = 10 * time.Second

	// RateLimitAttempts is max connection attempts per identity per window.
	RateLimitAttempts = 10

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second
)

// Options overrides the liveness and I/O timings. Zero values use the
// package defaults.
type Options struct {
	HandshakeTimeout       time.Duration
	WriteTimeout           time.Duration
	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = WriteTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = HeartbeatTimeout
	}
	if o.HeartbeatCheckInterval <= 0 {
		o.HeartbeatCheckInterval = HeartbeatCheckInterval
	}
	return o
}

// Broker is the registry of companion sessions: it accepts connections,
// keeps one session per identity, evicts silent sessions and broadcasts
// packets.
type Broker struct {
	socketPath  string
	listener    net.Listener
	rateLimiter *ipc.RateLimiter
	opts        Options
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session // identity -> Session
	seq      uint64
	closed   bool

	// afkTimeout is the idle timeout in seconds pushed to new sessions;
	// zero disables the Afk packet.
	afkTimeout atomic.Int64
}

// New creates a new session broker for the given socket or pipe path.
func New(socketPath string, opts Options) *Broker {
	return &Broker{
		socketPath:  socketPath,
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		opts:        opts.withDefaults(),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// SetAfk enables or disables the Afk packet sent to newly connected
// companions.
func (b *Broker) SetAfk(enabled bool, timeoutSeconds int) {
	if !enabled || timeoutSeconds <= 0 {
		b.afkTimeout.Store(0)
		return
	}
	b.afkTimeout.Store(int64(timeoutSeconds))
}

// Listen creates the platform listener and serves it until ctx is done.
func (b *Broker) Listen(ctx context.Context) error {
	if err := b.setupSocket(); err != nil {
		return fmt.Errorf("sessionbroker: setup socket: %w", err)
	}
	log.Info("session broker listening", "path", b.socketPath)
	return b.Serve(ctx, b.listener)
}

// Serve runs the accept loop on l until ctx is done or the broker is
// closed. It returns nil on an orderly stop.
func (b *Broker) Serve(ctx context.Context, l net.Listener) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		l.Close()
		return ErrBrokerClosed
	}
	b.listener = l
	b.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go b.heartbeatMonitor(ctx, stop)
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if b.isClosed() {
				return nil
			}
			log.Warn("accept error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		go b.handleConnection(conn)
	}
}

// Close shuts down the broker and all sessions.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*Session)
	listener := b.listener
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if listener != nil {
		listener.Close()
	}

	if runtime.GOOS != "windows" && b.socketPath != "" {
		os.Remove(b.socketPath)
	}

	log.Info("session broker closed")
}

// NotifyClients writes p to every registered session. A session whose
// write fails is removed; the others still receive the packet. Returns the
// number of sessions that accepted the write.
func (b *Broker) NotifyClients(p ipc.Packet) int {
	data, err := p.Encode()
	if err != nil {
		log.Error("cannot encode packet", "packetType", p.Type, "error", err)
		return 0
	}

	sessions := b.snapshot()
	var (
		delivered atomic.Int64
		wg        sync.WaitGroup
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Send(data, b.opts.WriteTimeout); err != nil {
				log.Warn("dropping companion after failed write",
					logging.KeyIdentity, s.Identity, "packetType", p.Type, "error", err)
				b.dropSession(s)
				return
			}
			delivered.Add(1)
		}(s)
	}
	wg.Wait()

	log.Info("packet broadcast", "packetType", p.Type, "delivered", delivered.Load(), "sessions", len(sessions))
	return int(delivered.Load())
}

// GetLastUser returns the identity of the most recently registered session.
func (b *Broker) GetLastUser() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var last *Session
	for _, s := range b.sessions {
		if last == nil || s.seq > last.seq {
			last = s
		}
	}
	if last == nil {
		return "", false
	}
	return last.Identity, true
}

// SessionCount returns the number of active sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// HasSessions reports whether at least one companion is connected.
func (b *Broker) HasSessions() bool {
	return b.SessionCount() > 0
}

// Identities returns the connected identities in sorted order.
func (b *Broker) Identities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllSessions returns info about all connected sessions.
func (b *Broker) AllSessions() []SessionInfo {
	sessions := b.snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

func (b *Broker) handleConnection(rawConn net.Conn) {
	conn := ipc.NewConn(rawConn)

	identity, err := conn.ReadLineTimeout(b.opts.HandshakeTimeout)
	if err != nil {
		switch {
		case ipc.IsTimeout(err):
			log.Warn("companion handshake failed", "error", ErrHandshakeTimeout, "remote", rawConn.RemoteAddr())
		case errors.Is(err, io.EOF):
			log.Debug("companion closed before identifying", "remote", rawConn.RemoteAddr())
		default:
			log.Warn("companion handshake failed", "error", err)
		}
		conn.Close()
		return
	}

	if !ipc.ValidIdentity(identity) {
		log.Warn("rejecting companion", "error", ErrProtocol, "reason", "missing or invalid identity")
		conn.Close()
		return
	}

	if !b.rateLimiter.Allow(identity) {
		log.Warn("rejecting companion", "error", ErrRateLimited, logging.KeyIdentity, identity)
		conn.Close()
		return
	}

	if creds, err := ipc.GetPeerCredentials(rawConn); err == nil {
		log.Debug("companion peer credentials", logging.KeyIdentity, identity, "pid", creds.PID, "uid", creds.UID)
	}

	session := NewSession(conn, uuid.NewString(), identity, b.now())
	replaced, err := b.register(session)
	if err != nil {
		conn.Close()
		return
	}
	if replaced != nil {
		log.Info("companion reconnected, replacing previous session", logging.KeyIdentity, identity, "previous", replaced.ID)
		replaced.Close()
	}

	log.Info("companion connected", logging.KeyIdentity, identity, "sessionId", session.ID, "sessions", b.SessionCount())

	if timeout := b.afkTimeout.Load(); timeout > 0 {
		if err := b.sendPacket(session, ipc.NewAfkPacket(int(timeout))); err != nil {
			log.Warn("failed to send afk settings", logging.KeyIdentity, identity, "error", err)
			b.dropSession(session)
			return
		}
	}

	session.RecvLoop(b.now, func(s *Session, line string) {
		log.Debug("companion message", logging.KeyIdentity, s.Identity, "line", line)
	})

	if b.dropSession(session) {
		log.Info("companion disconnected", logging.KeyIdentity, identity, "sessions", b.SessionCount())
	}
}

func (b *Broker) sendPacket(s *Session, p ipc.Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return s.Send(data, b.opts.WriteTimeout)
}

// register stores s under its identity and returns the session it replaced.
func (b *Broker) register(s *Session) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	b.seq++
	s.seq = b.seq
	prev := b.sessions[s.Identity]
	b.sessions[s.Identity] = s
	return prev, nil
}

// removeSession deletes s if it is still the registered session for its
// identity. A replaced session must not evict its successor.
func (b *Broker) removeSession(s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.sessions[s.Identity]; ok && cur == s {
		delete(b.sessions, s.Identity)
		return true
	}
	return false
}

// dropSession removes and closes s. Reports whether s was registered.
func (b *Broker) dropSession(s *Session) bool {
	removed := b.removeSession(s)
	s.Close()
	return removed
}

func (b *Broker) snapshot() []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broker) heartbeatMonitor(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(b.opts.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.evictSilentSessions()
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

func (b *Broker) evictSilentSessions() {
	now := b.now()
	for _, s := range b.snapshot() {
		silent := s.SinceHeartbeat(now)
		if silent <= b.opts.HeartbeatTimeout {
			continue
		}
		if b.dropSession(s) {
			log.Info("evicting silent companion", logging.KeyIdentity, s.Identity, "sessionId", s.ID, "silent", silent.Round(time.Second))
		}
	}
}
