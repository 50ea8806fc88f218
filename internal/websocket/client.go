// Package websocket streams telemetry to the dashboard and receives remote
// power commands over a persistent socket.
package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classinsights/agent/internal/collectors"
	"github.com/classinsights/agent/internal/health"
	"github.com/classinsights/agent/internal/heartbeat"
	"github.com/classinsights/agent/internal/httputil"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/pkg/api"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// DefaultInterval is the telemetry period.
	DefaultInterval = time.Second

	socketPath    = "/ws/computers"
	heartbeatType = "Heartbeat"
)

// TokenSource supplies the bearer token for the handshake. *api.Client
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	InvalidateToken(rejected string)
}

// CommandHandler receives each text command from the server. It must not
// block.
type CommandHandler func(command string)

type Config struct {
	APIURL    string
	Tokens    TokenSource
	TLSConfig *tls.Config
	Telemetry collectors.TelemetrySource
	State     *heartbeat.DeviceState
	Hostname  string
	Health    *health.Monitor
	Handler   CommandHandler

	Interval time.Duration
	Backoff  httputil.Backoff
}

// Message is one telemetry heartbeat. Field names are the ones the
// dashboard expects.
type Message struct {
	ComputerID *int               `json:"ComputerId"`
	Name       string             `json:"Name"`
	Type       string             `json:"Type"`
	Room       int                `json:"Room"`
	UpTime     time.Time          `json:"UpTime"`
	Data       *collectors.Sample `json:"Data"`
	Health     health.Summary     `json:"Health"`
}

// ErrUnauthorized is returned by a handshake the server rejected with 401.
var ErrUnauthorized = errors.New("websocket: handshake unauthorized")

// Client keeps one socket open until its context ends, reconnecting with
// backoff after every failure.
type Client struct {
	cfg    Config
	wsURL  string
	dialer *websocket.Dialer
}

func New(cfg Config) (*Client, error) {
	wsURL, err := BuildURL(cfg.APIURL)
	if err != nil {
		return nil, err
	}
	if cfg.Tokens == nil || cfg.Telemetry == nil {
		return nil, errors.New("websocket: token source and telemetry source are required")
	}
	if cfg.State == nil {
		cfg.State = &heartbeat.DeviceState{}
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor()
	}
	if cfg.Handler == nil {
		cfg.Handler = func(cmd string) { log.Info("ignoring command", "command", cmd) }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = httputil.Backoff{
			InitialDelay:  5 * time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2.0,
			JitterFrac:    0.3,
		}
	}

	return &Client{
		cfg:   cfg,
		wsURL: wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  cfg.TLSConfig,
		},
	}, nil
}

// BuildURL derives the socket endpoint from the API base URL: the scheme
// becomes ws or wss and the path is replaced.
func BuildURL(apiURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("websocket: parse api url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("websocket: unsupported api url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("websocket: api url has no host")
	}
	u.Path = socketPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Run connects and serves sessions until ctx is done. It returns an error
// when the server is unreachable or api.MaxAttempts logins in a row failed.
func (c *Client) Run(ctx context.Context) error {
	attempt, loginFailures := 0, 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var connErr *api.ConnectivityError
			if errors.As(err, &connErr) {
				c.reportFatal(err)
				return err
			}
			var authErr *api.AuthError
			if errors.As(err, &authErr) {
				loginFailures++
				if loginFailures >= api.MaxAttempts {
					c.reportFatal(err)
					return err
				}
			} else if !errors.Is(err, ErrUnauthorized) {
				loginFailures = 0
			}
			attempt++
			c.cfg.Health.Report(health.ComponentWebsocket, err)
			delay := c.cfg.Backoff.Delay(attempt)
			log.Warn("connection failed", "error", err, "retryIn", delay)
			if httputil.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}

		attempt, loginFailures = 0, 0
		c.cfg.Health.Report(health.ComponentWebsocket, nil)
		log.Info("connected", "url", c.wsURL)

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		c.cfg.Health.Report(health.ComponentWebsocket, fmt.Errorf("session ended: %w", err))
		delay := c.cfg.Backoff.Delay(attempt)
		log.Warn("connection lost", "error", err, "retryIn", delay)
		if httputil.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// fatalReporter is implemented by token sources that stop the agent on an
// unusable credential.
type fatalReporter interface {
	ReportFatal(err error)
}

func (c *Client) reportFatal(err error) {
	if r, ok := c.cfg.Tokens.(fatalReporter); ok {
		r.ReportFatal(err)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.cfg.Tokens.InvalidateToken(token)
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("websocket: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// serve owns every write on conn. The read pump runs beside it and hands
// commands to the handler.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readPump(conn) }()

	bootTime, err := c.cfg.Telemetry.BootTime(ctx)
	if err != nil {
		log.Debug("boot time unavailable", "error", err)
	}

	telemetry := time.NewTicker(c.cfg.Interval)
	defer telemetry.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	fail := func(err error) error {
		conn.Close()
		<-readErr
		return err
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return fail(ctx.Err())

		case err := <-readErr:
			conn.Close()
			return err

		case <-telemetry.C:
			msg, err := c.buildMessage(ctx, bootTime)
			if err != nil {
				log.Debug("skipping telemetry tick", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return fail(fmt.Errorf("write telemetry: %w", err))
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fail(fmt.Errorf("write ping: %w", err))
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}

		cmd := parseCommand(data)
		if cmd == "" {
			continue
		}
		log.Info("command received", "command", cmd)
		c.cfg.Handler(cmd)
	}
}

// parseCommand accepts a bare command word or a JSON string.
func parseCommand(data []byte) string {
	text := strings.TrimSpace(string(data))
	var quoted string
	if strings.HasPrefix(text, `"`) && json.Unmarshal([]byte(text), &quoted) == nil {
		text = strings.TrimSpace(quoted)
	}
	return strings.ToLower(text)
}

func (c *Client) buildMessage(ctx context.Context, bootTime time.Time) (*Message, error) {
	sample, err := c.cfg.Telemetry.Sample(ctx)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Name:   c.cfg.Hostname,
		Type:   heartbeatType,
		Room:   c.cfg.State.RoomID(),
		UpTime: bootTime,
		Data:   sample,
		Health: c.cfg.Health.Summary(),
	}
	if id, ok := c.cfg.State.ComputerID(); ok {
		msg.ComputerID = &id
	}
	return msg, nil
}
