package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classinsights/agent/internal/httputil"
	"github.com/classinsights/agent/internal/secmem"
)

// fakeServer issues tokens "tok-1", "tok-2", ... and accepts only the
// tokens listed in valid.
type fakeServer struct {
	mu        sync.Mutex
	logins    int
	valid     map[string]bool
	loginWait time.Duration
	loginCode int
	routes    map[string]http.HandlerFunc
	acceptNew bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		valid:     map[string]bool{},
		routes:    map[string]http.HandlerFunc{},
		acceptNew: true,
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/login/computer" {
		f.login(w, r)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	ok := f.valid[token]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	h, found := f.routes[r.Method+" "+strings.TrimPrefix(r.URL.Path, "/api/")]
	if !found {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeServer) login(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["computer_token"] != "device-secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.loginWait > 0 {
		time.Sleep(f.loginWait)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginCode != 0 {
		w.WriteHeader(f.loginCode)
		return
	}
	f.logins++
	token := fmt.Sprintf("tok-%d", f.logins)
	if f.acceptNew {
		f.valid[token] = true
	}
	fmt.Fprint(w, token)
}

func (f *fakeServer) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.valid, token)
}

func (f *fakeServer) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *fatalRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func newTestClient(t *testing.T, baseURL string, fatal *fatalRecorder) *Client {
	t.Helper()
	cfg := Config{
		APIURL:     baseURL,
		Credential: secmem.NewSecureString("device-secret"),
		Timeout:    2 * time.Second,
		Backoff: httputil.Backoff{
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
	}
	if fatal != nil {
		cfg.OnFatal = fatal.record
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func settingsRoute(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"lessonGapMinutes":20,"noLessonsTime":50,"checkUser":true,"checkAfk":true,"afkTimeout":900,"delayShutdown":false,"shutdownDelay":0}`)
}

func TestNewClientRequiresURLAndCredential(t *testing.T) {
	_, err := NewClient(Config{Credential: secmem.NewSecureString("x")})
	assert.Error(t, err)

	_, err = NewClient(Config{APIURL: "https://ci.example.org"})
	assert.Error(t, err)

	c, err := NewClient(Config{APIURL: "https://ci.example.org/", Credential: secmem.NewSecureString("x")})
	require.NoError(t, err)
	assert.Equal(t, "https://ci.example.org/api/", c.BaseURL())
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	fake := newFakeServer()
	fake.loginWait = 50 * time.Millisecond
	fake.routes["GET settings/dashboard"] = settingsRoute
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetSettings(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, fake.loginCount())
	assert.EqualValues(t, 1, c.LoginCount())
}

func TestRejectedTokenCausesOneRelogin(t *testing.T) {
	fake := newFakeServer()
	fake.routes["GET settings/dashboard"] = settingsRoute
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	_, err := c.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fake.loginCount())

	fake.revoke("tok-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetSettings(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, fake.loginCount())
}

func TestPersistentUnauthorizedIsFatalAuthError(t *testing.T) {
	fake := newFakeServer()
	fake.acceptNew = false
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fatal := &fatalRecorder{}
	c := newTestClient(t, srv.URL, fatal)

	_, err := c.GetSettings(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.True(t, IsFatal(err))
	assert.Equal(t, MaxAttempts, fake.loginCount())
	assert.Equal(t, 1, fatal.count())
}

func TestRejectedLoginIsFatalAuthError(t *testing.T) {
	fake := newFakeServer()
	fake.loginCode = http.StatusForbidden
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fatal := &fatalRecorder{}
	c := newTestClient(t, srv.URL, fatal)

	_, err := c.GetSettings(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "login/computer", authErr.Endpoint)
	assert.Equal(t, 1, fatal.count())
}

func TestUnreachableServerIsFatalConnectivityError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	fatal := &fatalRecorder{}
	c := newTestClient(t, addr, fatal)

	_, err := c.GetSettings(context.Background())
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, fatal.count())
}

func TestDroppedConnectionsAreTransient(t *testing.T) {
	fake := newFakeServer()
	var hits atomic.Int32
	fake.routes["GET settings/dashboard"] = func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fatal := &fatalRecorder{}
	c := newTestClient(t, srv.URL, fatal)

	_, err := c.GetSettings(context.Background())
	var transient *TransientNetworkError
	require.ErrorAs(t, err, &transient)
	assert.False(t, IsFatal(err))
	assert.GreaterOrEqual(t, int(hits.Load()), MaxAttempts)
	assert.Zero(t, fatal.count())
}

func TestAuthenticateAcceptsQuotedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, "  \"abc.def\"\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	token, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)
}

func TestAuthenticateEmptyBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Authenticate(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestGetRoomNotFound(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fatal := &fatalRecorder{}
	c := newTestClient(t, srv.URL, fatal)

	_, err := c.GetRoom(context.Background(), "PC-R101-07")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsFatal(err))
	assert.Zero(t, fatal.count())
}

func TestGetLessonsDecodes(t *testing.T) {
	fake := newFakeServer()
	fake.routes["GET rooms/12/lessons"] = func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[
			{"lessonId":2,"roomId":12,"subjectId":4,"classId":9,"start":"2026-03-16T09:45:00+01:00","end":"2026-03-16T10:30:00+01:00"},
			{"lessonId":1,"roomId":12,"subjectId":3,"classId":9,"start":"2026-03-16T08:00:00+01:00","end":"2026-03-16T08:45:00+01:00"}
		]`)
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	lessons, err := c.GetLessons(context.Background(), 12)
	require.NoError(t, err)
	require.Len(t, lessons, 2)
	assert.Equal(t, 2, lessons[0].LessonID)
	assert.Equal(t, 45*time.Minute, lessons[0].End.Sub(lessons[0].Start))

	sched := ScheduleLessons(lessons)
	require.Len(t, sched, 2)
	assert.True(t, sched[1].Start.Equal(lessons[1].Start))
}

func TestUpsertComputerRoundTrip(t *testing.T) {
	fake := newFakeServer()
	fake.routes["POST computers"] = func(w http.ResponseWriter, r *http.Request) {
		var in Computer
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id := 77
		in.ComputerID = &id
		json.NewEncoder(w).Encode(in)
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	stored, err := c.UpsertComputer(context.Background(), &Computer{RoomID: 12, Name: "PC-R101-07", LastUser: `SCHOOL\pupil01`})
	require.NoError(t, err)
	require.NotNil(t, stored.ComputerID)
	assert.Equal(t, 77, *stored.ComputerID)
	assert.Equal(t, `SCHOOL\pupil01`, stored.LastUser)
}

func TestUnexpectedStatusIsStatusError(t *testing.T) {
	fake := newFakeServer()
	fake.routes["GET client/version"] = func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.GetClientVersion(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "maintenance", statusErr.Body)
}

func TestDownloadAndSubmitLogs(t *testing.T) {
	fake := newFakeServer()
	var got []LogRecord
	fake.routes["GET client/download"] = func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "MSI-BYTES")
	}
	fake.routes["POST logs/batch"] = func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	var buf strings.Builder
	n, err := c.DownloadClientInstaller(ctx, &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
	assert.Equal(t, "MSI-BYTES", buf.String())

	require.NoError(t, c.SubmitLogs(ctx, nil))
	require.NoError(t, c.SubmitLogs(ctx, []LogRecord{{ComputerID: 77, Level: "Warning", Category: "coordinator", Message: "break detected"}}))
	require.Len(t, got, 1)
	assert.Equal(t, "Warning", got[0].Level)
}

func TestCancelledContextIsNotFatal(t *testing.T) {
	fake := newFakeServer()
	fake.loginWait = 200 * time.Millisecond
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fatal := &fatalRecorder{}
	c := newTestClient(t, srv.URL, fatal)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetSettings(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, fatal.count())
}

func TestDownloadRejectsOversizedInstaller(t *testing.T) {
	prev := maxInstallerSize
	maxInstallerSize = 8
	t.Cleanup(func() { maxInstallerSize = prev })

	fake := newFakeServer()
	fake.routes["GET client/download"] = func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "MSI-BYTES-AND-MORE")
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	var buf strings.Builder
	_, err := c.DownloadClientInstaller(context.Background(), &buf)
	assert.ErrorIs(t, err, ErrInstallerTooLarge)
}

func TestDownloadOutlivesRequestTimeout(t *testing.T) {
	fake := newFakeServer()
	fake.routes["GET client/download"] = func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "MSI-")
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		io.WriteString(w, "BYTES")
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := NewClient(Config{
		APIURL:     srv.URL,
		Credential: secmem.NewSecureString("device-secret"),
		Timeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)

	var buf strings.Builder
	n, err := c.DownloadClientInstaller(context.Background(), &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
	assert.Equal(t, "MSI-BYTES", buf.String())
}

func TestDownloadTimeoutBoundsTransfer(t *testing.T) {
	release := make(chan struct{})
	fake := newFakeServer()
	fake.routes["GET client/download"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "MSI-")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{
		APIURL:          srv.URL,
		Credential:      secmem.NewSecureString("device-secret"),
		DownloadTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	var buf strings.Builder
	_, err = c.DownloadClientInstaller(context.Background(), &buf)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "MSI-", buf.String())
}
