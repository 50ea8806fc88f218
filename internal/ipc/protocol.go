package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("ipc")

// ErrLineTooLong is returned when a peer sends more than MaxLineSize bytes
// without a newline.
var ErrLineTooLong = errors.New("ipc: line exceeds maximum size")

// Conn wraps a net.Conn with newline-delimited framing. Reads are expected
// from a single goroutine; writes are serialized.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // serializes writes
}

// NewConn wraps a raw connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Raw exposes the underlying connection for peer credential lookups.
func (c *Conn) Raw() net.Conn {
	return c.conn
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// ReadLine returns the next line with the trailing "\n" or "\r\n" removed.
// io.EOF is returned unchanged when the peer closes between lines.
func (c *Conn) ReadLine() (string, error) {
	var buf []byte
	for {
		frag, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return "", err
		}
		if len(buf)+len(frag) > MaxLineSize {
			return "", ErrLineTooLong
		}
		buf = append(buf, frag...)
		if !isPrefix {
			break
		}
	}
	return strings.TrimRight(string(buf), "\r"), nil
}

// ReadLineTimeout reads one line that must arrive within timeout, then
// clears the read deadline.
func (c *Conn) ReadLineTimeout(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("ipc: set read deadline: %w", err)
	}
	line, err := c.ReadLine()
	if clearErr := c.conn.SetReadDeadline(time.Time{}); clearErr != nil && err == nil {
		err = fmt.Errorf("ipc: clear read deadline: %w", clearErr)
	}
	return line, err
}

// WriteLine writes data followed by "\n". A positive timeout bounds the
// write so a stalled peer cannot block the caller.
func (c *Conn) WriteLine(data []byte, timeout time.Duration) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("ipc: line contains a newline")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("ipc: set write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("ipc: write line: %w", err)
	}
	return nil
}

// SendPacket encodes p and writes it as one line.
func (c *Conn) SendPacket(p Packet, timeout time.Duration) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return c.WriteLine(data, timeout)
}

// IsTimeout reports whether err is a deadline expiry on the connection.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ValidIdentity reports whether an identity line can key a session.
func ValidIdentity(identity string) bool {
	if strings.TrimSpace(identity) == "" || len(identity) > 256 {
		return false
	}
	for _, r := range identity {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	if identity == HeartbeatLine {
		log.Debug("rejecting heartbeat token as identity")
		return false
	}
	return true
}
