package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/classinsights/agent/internal/httputil"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/internal/secmem"
)

var log = logging.L("api")

const (
	// MaxAttempts bounds one CallEndpoint invocation, logins included.
	MaxAttempts = 3

	// DefaultTimeout bounds each HTTP attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultDownloadTimeout bounds an installer download, body included.
	DefaultDownloadTimeout = 30 * time.Minute

	loginEndpoint = "login/computer"
)

// Config configures a Client.
type Config struct {
	// APIURL is the server root; requests go to {APIURL}/api/{endpoint}.
	APIURL     string
	Credential *secmem.SecureString
	Timeout    time.Duration
	TLSConfig  *tls.Config
	// OnFatal is invoked when the server is unreachable or the credential
	// is rejected. The agent cancels its root context from here.
	OnFatal    func(error)
	Backoff    httputil.Backoff
	HTTPClient *http.Client

	// DownloadTimeout replaces Timeout for streamed downloads.
	DownloadTimeout time.Duration
}

// Client talks to the ClassInsights server. It caches one bearer token,
// obtained by a single in-flight login shared between concurrent callers.
type Client struct {
	baseURL    string
	credential *secmem.SecureString
	httpClient *http.Client
	backoff    httputil.Backoff
	onFatal    func(error)
	fatalOnce  sync.Once

	// streamClient shares httpClient's transport without its overall
	// timeout. Its requests carry a context deadline instead.
	streamClient    *http.Client
	downloadTimeout time.Duration

	mu     sync.RWMutex
	bearer *secmem.SecureString

	login  singleflight.Group
	logins atomic.Int64
}

// NewClient validates cfg and returns a client. A missing URL or
// credential is an error the caller treats as fatal.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		return nil, errors.New("api: API URL is not configured")
	}
	if cfg.Credential.Empty() {
		return nil, errors.New("api: device credential is not configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLSConfig != nil {
			transport.TLSClientConfig = cfg.TLSConfig
		}
		client = &http.Client{Timeout: timeout, Transport: transport}
	}

	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = DefaultDownloadTimeout
	}

	backoff := cfg.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = httputil.DefaultBackoff()
	}

	stream := &http.Client{
		Transport:     client.Transport,
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
	}

	return &Client{
		baseURL:         base + "/api/",
		credential:      cfg.Credential,
		httpClient:      client,
		backoff:         backoff,
		onFatal:         cfg.OnFatal,
		streamClient:    stream,
		downloadTimeout: downloadTimeout,
	}, nil
}

// BaseURL returns the API root including the trailing "/api/".
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoginCount returns how many logins have succeeded.
func (c *Client) LoginCount() int64 {
	return c.logins.Load()
}

// Token returns the cached bearer token, logging in if there is none.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.bearer
	c.mu.RUnlock()
	if tok != nil {
		if s := tok.Reveal(); s != "" {
			return s, nil
		}
	}

	ch := c.login.DoChan("token", func() (any, error) {
		c.mu.RLock()
		tok := c.bearer
		c.mu.RUnlock()
		if tok != nil {
			if s := tok.Reveal(); s != "" {
				return s, nil
			}
		}

		// The login is shared, so one caller's cancellation must not fail
		// the others.
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.httpClient.Timeout+time.Second)
		defer cancel()

		s, err := c.Authenticate(loginCtx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.bearer = secmem.NewSecureString(s)
		c.mu.Unlock()
		c.logins.Add(1)
		log.Info("obtained access token")
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InvalidateToken drops the cached token if it is still the one that was
// rejected. A token refreshed by another caller in the meantime survives,
// so concurrent 401s cause only one new login.
func (c *Client) InvalidateToken(rejected string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bearer != nil && c.bearer.Equal(rejected) {
		c.bearer.Zero()
		c.bearer = nil
	}
}

// Authenticate exchanges the device credential for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"computer_token": c.credential.Reveal()})
	if err != nil {
		return "", &AuthError{Endpoint: loginEndpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Endpoint: loginEndpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if httputil.IsConnectivityError(err) {
			return "", &ConnectivityError{Endpoint: loginEndpoint, Err: err}
		}
		return "", &AuthError{Endpoint: loginEndpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &AuthError{Endpoint: loginEndpoint, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", &AuthError{Endpoint: loginEndpoint, Err: err}
	}
	token := strings.TrimSpace(string(raw))
	if strings.HasPrefix(token, `"`) {
		var s string
		if json.Unmarshal([]byte(token), &s) == nil {
			token = s
		}
	}
	if token == "" {
		return "", &AuthError{Endpoint: loginEndpoint, Err: errors.New("empty token in login response")}
	}
	return token, nil
}

// CallEndpoint sends an authenticated request and returns the first
// response that is not a 401. The caller closes the body.
//
// A connectivity failure returns *ConnectivityError at once. Other
// transport failures are retried with backoff. Three rejected tokens or
// failed logins return *AuthError. Both of those are also reported to
// OnFatal.
func (c *Client) CallEndpoint(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	return c.callEndpoint(ctx, c.httpClient, method, endpoint, body)
}

func (c *Client) callEndpoint(ctx context.Context, hc *http.Client, method, endpoint string, body []byte) (*http.Response, error) {
	var (
		lastErr    error
		lastIsAuth bool
	)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 && !lastIsAuth {
			if err := httputil.Sleep(ctx, c.backoff.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		token, err := c.Token(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var connErr *ConnectivityError
			if errors.As(err, &connErr) {
				c.fatal(err)
				return nil, err
			}
			log.Warn("login failed", "endpoint", endpoint, "attempt", attempt, "error", err)
			lastErr, lastIsAuth = err, true
			continue
		}

		resp, err := c.send(ctx, hc, method, endpoint, body, token)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if httputil.IsConnectivityError(err) {
				connErr := &ConnectivityError{Endpoint: endpoint, Err: err}
				c.fatal(connErr)
				return nil, connErr
			}
			log.Warn("request failed, retrying", "endpoint", endpoint, "attempt", attempt, "error", err)
			lastErr, lastIsAuth = &TransientNetworkError{Endpoint: endpoint, Err: err}, false
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			log.Warn("access token rejected, re-authenticating", "endpoint", endpoint, "attempt", attempt)
			c.InvalidateToken(token)
			lastErr, lastIsAuth = &AuthError{Endpoint: endpoint, StatusCode: http.StatusUnauthorized}, true
			continue
		}

		return resp, nil
	}

	if lastIsAuth {
		var authErr *AuthError
		if !errors.As(lastErr, &authErr) {
			authErr = &AuthError{Endpoint: endpoint, Err: lastErr}
		}
		c.fatal(authErr)
		return nil, authErr
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, endpoint string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.Do(req)
}

// ReportFatal hands err to OnFatal. Callers that obtain tokens outside
// CallEndpoint use it once their own retry budget is spent.
func (c *Client) ReportFatal(err error) {
	c.fatal(err)
}

func (c *Client) fatal(err error) {
	c.fatalOnce.Do(func() {
		log.Error("unrecoverable API failure", "error", err)
	})
	if c.onFatal != nil {
		c.onFatal(err)
	}
}
