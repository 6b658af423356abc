package waf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentrywall/sentrywall/pkg/acl"
	"github.com/sentrywall/sentrywall/pkg/ban"
	"github.com/sentrywall/sentrywall/pkg/config"
	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/geo"
	"github.com/sentrywall/sentrywall/pkg/profile"
	"github.com/sentrywall/sentrywall/pkg/signature"
)

const originBody = "origin says hi"

func writeSignatureFixtures(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sql := `{
		"general_keywords": ["union select", "' or '"],
		"keywords_with_pairs": {"select": ["from"]}
	}`
	xss := `{"keywords": ["<script>"]}`
	paths := "/admin\n/.env\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sql_data.json"), []byte(sql), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "xss_data.json"), []byte(xss), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unauthorized_access.txt"), []byte(paths), 0o644))
	return dir
}

// startOrigin runs a minimal origin that answers every request with a
// fixed Content-Length framed body.
func startOrigin(t *testing.T) *net.TCPAddr {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 8192)
				var request []byte
				for !strings.Contains(string(request), "\r\n\r\n") {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					request = append(request, buf[:n]...)
				}
				resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s",
					len(originBody), originBody)
				_, _ = conn.Write([]byte(resp))
			}(conn)
		}
	}()
	return listener.Addr().(*net.TCPAddr)
}

type testEngine struct {
	engine *Engine
	list   *acl.List
	events *event.Manager
	bans   *ban.Store
}

// startEngine wires a full engine against a live origin and runs it on
// an ephemeral port until the test ends.
func startEngine(t *testing.T, aclEntries string, mutate func(*config.Config)) *testEngine {
	t.Helper()
	originAddr := startOrigin(t)

	aclAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(aclEntries))
	}))
	t.Cleanup(aclAPI.Close)

	cfg := &config.Config{
		Waf:     config.Endpoint{Host: "127.0.0.1", Port: 0},
		Origin:  config.Endpoint{Host: "127.0.0.1", Port: originAddr.Port},
		Banning: config.Banning{Threshold: 100, Factor: 1},
		ACL: config.ACL{
			API:             aclAPI.URL,
			IntervalSeconds: 3600,
			MaxRetries:      3,
		},
		RateLimit: config.RateLimit{PerSecond: 1000, Burst: 1000},
	}
	cfg.Signatures.Dir = writeSignatureFixtures(t)
	cfg.SecurityPage = testPages()
	if mutate != nil {
		mutate(cfg)
	}

	profiles, err := profile.Open(filepath.Join(t.TempDir(), "profiles.db"), zap.NewNop())
	require.NoError(t, err)

	list := acl.NewList()
	events := event.NewManager(zap.NewNop())
	bans := ban.NewStore(zap.NewNop())
	services := Services{
		Signatures: signature.Load(cfg.Signatures.Dir, zap.NewNop()),
		ACL:        list,
		Geo:        geo.NewLocator(zap.NewNop()),
		Bans:       bans,
		Profiles:   profiles,
		Events:     events,
	}

	e, err := New(cfg, services, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Deploy())

	ctx, cancel := context.WithCancel(context.Background())
	workDone := make(chan error, 1)
	go func() { workDone <- e.Work(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-workDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Work() did not unwind on cancel")
		}
		assert.NoError(t, e.Close())
		_ = profiles.Close()
	})
	return &testEngine{engine: e, list: list, events: events, bans: bans}
}

// roundTrip opens one client connection, optionally sends a raw
// request, and reads everything until the engine closes the session.
func roundTrip(t *testing.T, addr net.Addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	if request != "" {
		_, err = conn.Write([]byte(request))
		require.NoError(t, err)
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, _ := io.ReadAll(conn)
	return string(data)
}

var locationTokenRe = regexp.MustCompile(`Location: /block\?token=([a-z0-9]{8})`)

func TestProxiesCleanRequest(t *testing.T) {
	te := startEngine(t, "", nil)

	response := roundTrip(t, te.engine.Addr(), "GET /index.html?q=hello HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 200 OK"))
	assert.True(t, strings.HasSuffix(response, originBody))

	assert.Eventually(t, func() bool {
		return len(te.events.AccessEvents()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, te.events.SecurityEvents())
}

func TestBlocksInjectionAndServesPage(t *testing.T) {
	te := startEngine(t, "", nil)

	response := roundTrip(t, te.engine.Addr(),
		"GET /search?q=1%27%20OR%20%271%27%3D%271 HTTP/1.1\r\nHost: t\r\n\r\n")
	require.True(t, strings.HasPrefix(response, "HTTP/1.1 302 Found"), "got %q", response)
	m := locationTokenRe.FindStringSubmatch(response)
	require.NotNil(t, m, "redirect carries the incident token")
	token := m[1]

	events := te.events.SecurityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, token, events[0].ID)
	assert.Equal(t, []event.Classifier{event.SqlInjection}, events[0].Log.Classifiers)
	assert.NotEmpty(t, events[0].Log.MaliciousData)

	page := roundTrip(t, te.engine.Addr(), "GET /block?token="+token+" HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.True(t, strings.HasPrefix(page, "HTTP/1.1 200 OK"))
	assert.Contains(t, page, "Attack detected")
	assert.Contains(t, page, token)
}

func TestBlocksForbiddenLocation(t *testing.T) {
	te := startEngine(t, "", nil)

	response := roundTrip(t, te.engine.Addr(), "GET /admin HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 302 Found"))

	events := te.events.SecurityEvents()
	require.Len(t, events, 1)
	assert.Equal(t, []event.Classifier{event.UnauthorizedAccess}, events[0].Log.Classifiers)
}

func TestEscalatesToBan(t *testing.T) {
	te := startEngine(t, "", func(cfg *config.Config) {
		cfg.Banning = config.Banning{Threshold: 1, Factor: 60}
	})
	attack := "GET /admin HTTP/1.1\r\nHost: t\r\n\r\n"

	// First offense stays under the threshold.
	roundTrip(t, te.engine.Addr(), attack)
	assert.Equal(t, 0, te.bans.Len())

	// Second offense crosses it and arms the ban.
	roundTrip(t, te.engine.Addr(), attack)
	require.Equal(t, 1, te.bans.Len())

	// A banned client is answered before any bytes are read.
	response := roundTrip(t, te.engine.Addr(), "")
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 302 Found"), "got %q", response)

	events := te.events.SecurityEvents()
	require.Len(t, events, 3)
	assert.Equal(t, []event.Classifier{event.BannedAccess}, events[2].Log.Classifiers)
}

func TestBlocksAnonymizedForwardingChain(t *testing.T) {
	te := startEngine(t, "203.0.113.7\n", nil)

	// The refresher populates the list from its primary source.
	require.Eventually(t, func() bool {
		return te.list.Contains("203.0.113.7")
	}, 5*time.Second, 20*time.Millisecond)

	response := roundTrip(t, te.engine.Addr(),
		"GET / HTTP/1.1\r\nHost: t\r\nX-Forwarded-For: 203.0.113.7, 198.51.100.2\r\n\r\n")
	require.True(t, strings.HasPrefix(response, "HTTP/1.1 302 Found"))
	m := locationTokenRe.FindStringSubmatch(response)
	require.NotNil(t, m)

	page := roundTrip(t, te.engine.Addr(), "GET /block?token="+m[1]+" HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Contains(t, page, "Anonymous source")
}

func TestUnsupportedMethodClosesWithoutEvent(t *testing.T) {
	te := startEngine(t, "", nil)

	response := roundTrip(t, te.engine.Addr(), "DELETE /resource HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Empty(t, response)
	assert.Empty(t, te.events.AccessEvents())
	assert.Empty(t, te.events.SecurityEvents())
}

func TestOriginDownFailsClosed(t *testing.T) {
	te := startEngine(t, "", func(cfg *config.Config) {
		// A port nothing listens on.
		cfg.Origin = config.Endpoint{Host: "127.0.0.1", Port: 1}
	})

	response := roundTrip(t, te.engine.Addr(), "GET /index.html HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Empty(t, response)
	assert.Empty(t, te.events.AccessEvents(), "a failed relay is not journaled as access")
	assert.Equal(t, 0, te.bans.Len(), "origin failures never penalize the client")
}

func newIdleEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		Waf:       config.Endpoint{Host: "127.0.0.1", Port: 0},
		Origin:    config.Endpoint{Host: "127.0.0.1", Port: 9},
		Banning:   config.Banning{Threshold: 100, Factor: 1},
		ACL:       config.ACL{API: "http://127.0.0.1:0/none", IntervalSeconds: 3600, MaxRetries: 3},
		RateLimit: config.RateLimit{PerSecond: 1000, Burst: 1000},
	}
	cfg.Signatures.Dir = writeSignatureFixtures(t)
	cfg.SecurityPage = testPages()

	profiles, err := profile.Open(filepath.Join(t.TempDir(), "profiles.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = profiles.Close() })

	e, err := New(cfg, Services{
		Signatures: signature.Load(cfg.Signatures.Dir, zap.NewNop()),
		ACL:        acl.NewList(),
		Geo:        geo.NewLocator(zap.NewNop()),
		Bans:       ban.NewStore(zap.NewNop()),
		Profiles:   profiles,
		Events:     event.NewManager(zap.NewNop()),
	}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestLifecycleOrdering(t *testing.T) {
	e := newIdleEngine(t)
	defer e.Close()
	assert.Equal(t, StateCreated, e.State())

	// Working from Created is out of order.
	err := e.Work(context.Background())
	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, StateCreated, stateErr.State)

	require.NoError(t, e.Deploy())
	assert.Equal(t, StateDeployed, e.State())
	assert.NotNil(t, e.Addr())

	// Deploying twice is out of order.
	err = e.Deploy()
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, StateDeployed, stateErr.State)
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newIdleEngine(t)
	require.NoError(t, e.Deploy())
	assert.NoError(t, e.Close())
	assert.Equal(t, StateClosed, e.State())
	assert.NoError(t, e.Close())
}

func TestClosedEngineRejectsDeployAndWork(t *testing.T) {
	e := newIdleEngine(t)
	require.NoError(t, e.Deploy())
	require.NoError(t, e.Close())

	var stateErr *StateError
	require.True(t, errors.As(e.Deploy(), &stateErr))
	assert.Equal(t, StateClosed, stateErr.State)
	require.True(t, errors.As(e.Work(context.Background()), &stateErr))
	assert.Equal(t, StateClosed, stateErr.State)
}

func TestRestartOnlyFromClosed(t *testing.T) {
	e := newIdleEngine(t)
	defer e.Close()

	var stateErr *StateError
	require.True(t, errors.As(e.Restart(context.Background()), &stateErr))
	assert.Equal(t, StateCreated, stateErr.State)
}

func TestRestartReentersService(t *testing.T) {
	e := newIdleEngine(t)
	require.NoError(t, e.Deploy())
	require.NoError(t, e.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Restart(ctx) }()

	require.Eventually(t, func() bool {
		return e.State() == StateWorking
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Restart() did not unwind on cancel")
	}
	assert.NoError(t, e.Close())
}

func TestReportShape(t *testing.T) {
	e := newIdleEngine(t)
	defer e.Close()
	require.NoError(t, e.Deploy())

	report := e.Report()
	assert.Equal(t, e.ID(), report.InstanceID)
	assert.Equal(t, "Deployed", report.State)
	assert.Equal(t, "127.0.0.1", report.WafHost)
	assert.True(t, report.ProfilesDurable)
	assert.False(t, report.TunnelConnected)
}
