package sessionbroker

import (
	"sync"
	"time"

	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("sessionbroker")

// Session represents one connected companion, keyed by the identity it
// announced on connect.
type Session struct {
	ID          string
	Identity    string
	ConnectedAt time.Time

	seq           uint64 // registration order, assigned by the broker
	conn          *ipc.Conn
	mu            sync.Mutex
	lastHeartbeat time.Time
	closeOnce     sync.Once
	closeErr      error
}

// NewSession creates a session for a companion that completed the handshake.
func NewSession(conn *ipc.Conn, id, identity string, now time.Time) *Session {
	return &Session{
		ID:            id,
		Identity:      identity,
		ConnectedAt:   now,
		conn:          conn,
		lastHeartbeat: now,
	}
}

// Touch records a heartbeat at t.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = t
	s.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// SinceHeartbeat returns how long the session has been silent at now.
func (s *Session) SinceHeartbeat(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeat())
}

// Send writes one pre-encoded line to the companion.
func (s *Session) Send(line []byte, timeout time.Duration) error {
	return s.conn.WriteLine(line, timeout)
}

// Close releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// SessionInfo is a serializable summary of a session for status reporting.
type SessionInfo struct {
	ID            string    `json:"id" yaml:"id"`
	Identity      string    `json:"identity" yaml:"identity"`
	ConnectedAt   time.Time `json:"connectedAt" yaml:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat" yaml:"lastHeartbeat"`
}

// Info returns a serializable summary of this session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		Identity:      s.Identity,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat(),
	}
}

// RecvLoop reads lines until the connection fails or is closed. Heartbeat
// lines refresh liveness through now; any other line goes to onLine.
func (s *Session) RecvLoop(now func() time.Time, onLine func(*Session, string)) error {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			log.Debug("session recv loop ended", logging.KeyIdentity, s.Identity, "error", err)
			return err
		}
		if line == ipc.HeartbeatLine {
			s.Touch(now())
			continue
		}
		if onLine != nil {
			onLine(s, line)
		}
	}
}
