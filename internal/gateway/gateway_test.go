package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/client"
	"github.com/stellarlinkco/pvedge/internal/config"
	"github.com/stellarlinkco/pvedge/internal/control"
	"github.com/stellarlinkco/pvedge/internal/fetcher"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/partition"
)

// upstream answers every request with 200 until taken offline.
type upstream struct {
	offline atomic.Bool
	mu      sync.Mutex
	paths   []string
}

func (u *upstream) fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	if u.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	u.mu.Lock()
	u.paths = append(u.paths, req.URL.Path)
	u.mu.Unlock()
	ct := "text/plain"
	switch {
	case strings.HasSuffix(req.URL.Path, ".wasm"):
		ct = "application/octet-stream"
	case req.URL.Path == "/" || strings.HasSuffix(req.URL.Path, ".html"):
		ct = "text/html"
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {ct}},
		Body:       io.NopCloser(strings.NewReader("upstream:" + req.URL.Path)),
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PVEDGE_HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Agent.Upstream = "http://arcade.local"
	cfg.Agent.Version = "2"
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Storage.Driver = config.DriverMemory
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config, opts Options) (*Gateway, *upstream) {
	t.Helper()
	up := &upstream{}
	if opts.Fetcher == nil {
		opts.Fetcher = fetcher.Func(up.fetch)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	g, err := NewWithOptions(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown() })
	return g, up
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNewWithOptions_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Upstream = "arcade"
	_, err := NewWithOptions(cfg, Options{Logger: logging.Discard()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewWithOptions_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.DBPath = t.TempDir() + "/cache.db"
	g, _ := newGateway(t, cfg, Options{})
	assert.True(t, g.ownsStore)
	require.NoError(t, g.Shutdown())
	require.NoError(t, g.Shutdown())
}

func TestGateway_PassThroughBeforeInstall(t *testing.T) {
	g, up := newGateway(t, testConfig(t), Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, body := get(t, srv.URL+"/lib/games/snake/pkg/snake_engine_bg.wasm", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/lib/games/snake/pkg/snake_engine_bg.wasm", body)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	up.mu.Lock()
	defer up.mu.Unlock()
	assert.NotEmpty(t, up.paths)
}

func TestGateway_ServesOfflineAfterInstall(t *testing.T) {
	g, up := newGateway(t, testConfig(t), Options{})
	ctx := context.Background()
	_, err := g.Lifecycle().Run(ctx)
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	up.offline.Store(true)

	resp, body := get(t, srv.URL+"/lib/games/snake/pkg/snake_engine_bg.wasm", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/wasm", resp.Header.Get("Content-Type"))
	assert.Equal(t, "upstream:/lib/games/snake/pkg/snake_engine_bg.wasm", body)

	resp, body = get(t, srv.URL+"/", http.Header{"Accept": {"text/html"}, "Sec-Fetch-Mode": {"navigate"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/", body)

	resp, body = get(t, srv.URL+"/api/games", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", body)

	resp, _ = get(t, srv.URL+"/lib/games/minesweeper/minesweeper_bg.wasm", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGateway_Health(t *testing.T) {
	g, _ := newGateway(t, testConfig(t), Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	c, err := client.New(srv.URL, srv.Client())
	require.NoError(t, err)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "installing", h.Status)
	assert.Equal(t, "2", h.Version)
	assert.Empty(t, h.ActiveVersion)

	_, err = g.Lifecycle().Run(context.Background())
	require.NoError(t, err)

	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "2", h.ActiveVersion)
	assert.Equal(t, "active", h.State)
	assert.Equal(t, 6, h.Entries["game-pv-games-v2"])
	assert.Equal(t, 7, h.Entries["game-pv-core-v2"])

	t.Run("previous version still serving", func(t *testing.T) {
		store := partition.NewMemoryStore()
		old := testConfig(t)
		old.Agent.Version = "1"
		first, _ := newGateway(t, old, Options{Store: store})
		_, err := first.Lifecycle().Run(context.Background())
		require.NoError(t, err)

		g, up := newGateway(t, testConfig(t), Options{Store: store})
		up.offline.Store(true)
		require.NoError(t, g.Lifecycle().Restore(context.Background()))
		_, err = g.Lifecycle().Run(context.Background())
		require.Error(t, err)

		h := health(t, g)
		assert.Equal(t, "degraded", h.Status)
		assert.Equal(t, "1", h.ActiveVersion)
		assert.Equal(t, "2", h.Version)
		assert.Equal(t, 6, h.Entries["game-pv-games-v1"])
	})

	t.Run("install failed with nothing active", func(t *testing.T) {
		g, up := newGateway(t, testConfig(t), Options{})
		up.offline.Store(true)
		_, err := g.Lifecycle().Run(context.Background())
		require.Error(t, err)

		h := health(t, g)
		assert.Equal(t, "error", h.Status)
		assert.Equal(t, "redundant", h.State)
		assert.Empty(t, h.ActiveVersion)
	})
}

func health(t *testing.T, g *Gateway) control.Health {
	t.Helper()
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, client.HealthPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var h control.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	return h
}

func TestGateway_ForeignHostRefused(t *testing.T) {
	g, up := newGateway(t, testConfig(t), Options{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://internal.example.org/admin", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://arcade.local/robots.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream:/robots.txt", rec.Body.String())

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, []string{"/robots.txt"}, up.paths)
}

func TestGateway_ControlEndpoint(t *testing.T) {
	g, up := newGateway(t, testConfig(t), Options{})
	_, err := g.Lifecycle().Run(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	c, err := client.New(srv.URL, srv.Client())
	require.NoError(t, err)

	reply, err := c.PreloadGame(context.Background(), "minesweeper")
	require.NoError(t, err)
	assert.Equal(t, "minesweeper", reply.GameID)

	_, err = c.PreloadGame(context.Background(), "pong")
	assert.ErrorIs(t, err, client.ErrNoReply)

	reply, err = c.ForceUpdate(context.Background())
	require.NoError(t, err)
	assert.True(t, reply.Success)

	up.offline.Store(true)
	resp, body := get(t, srv.URL+"/lib/games/minesweeper/minesweeper_bg.wasm", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/lib/games/minesweeper/minesweeper_bg.wasm", body)
}

func TestGateway_Metrics(t *testing.T) {
	g, _ := newGateway(t, testConfig(t), Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	get(t, srv.URL+"/app.css", nil)
	resp, body := get(t, srv.URL+MetricsPath, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "pvedge_")
	assert.Contains(t, body, "go_goroutines")
}

func TestGateway_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.Metrics = false
	g, _ := newGateway(t, cfg, Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	// Without the metrics route the path falls through to the upstream.
	_, body := get(t, srv.URL+MetricsPath, nil)
	assert.Equal(t, "upstream:/metrics", body)
}

func TestGateway_Jobs(t *testing.T) {
	g, _ := newGateway(t, testConfig(t), Options{})
	ctx := context.Background()

	result, err := g.maintenance(ctx)
	require.NoError(t, err)
	assert.Contains(t, result, "no active version")

	result, err = g.installRetry(ctx)
	require.NoError(t, err)
	assert.Contains(t, result, "activated 2")
	assert.Equal(t, "2", g.Lifecycle().ActiveVersion())

	result, err = g.installRetry(ctx)
	require.NoError(t, err)
	assert.Contains(t, result, "already active")

	result, err = g.maintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evicted 0 entries", result)

	names := []string{}
	for _, j := range g.cron.ListJobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{JobInstallRetry, JobMaintenance}, names)
}

func TestGateway_RestoresStoredVersion(t *testing.T) {
	store := partition.NewMemoryStore()
	cfg := testConfig(t)

	first, _ := newGateway(t, cfg, Options{Store: store})
	_, err := first.Lifecycle().Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Shutdown())

	second, _ := newGateway(t, cfg, Options{Store: store})
	require.NoError(t, second.Lifecycle().Restore(context.Background()))
	assert.Equal(t, "2", second.Lifecycle().ActiveVersion())
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g, _ := newGateway(t, testConfig(t), Options{SignalChan: sigCh})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	select {
	case <-g.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never became ready")
	}
	base := "http://" + g.Addr()
	c, err := client.New(base, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h, err := c.Health(context.Background())
		return err == nil && h.ActiveVersion == "2"
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+g.Addr()+WebSocketPath, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	msg := `{"type":"PRELOAD_GAME","gameId":"minesweeper","id":"p1","reply":true}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))

	var gotReply, gotComplete bool
	for !gotReply || !gotComplete {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame struct {
			Type    string `json:"type"`
			ID      string `json:"id"`
			Success bool   `json:"success"`
			GameID  string `json:"gameId"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		switch {
		case frame.ID == "p1":
			assert.True(t, frame.Success)
			gotReply = true
		case frame.Type == bus.TypePreloadComplete:
			assert.Equal(t, "minesweeper", frame.GameID)
			gotComplete = true
		}
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}

func TestGateway_Run_ContextCancel(t *testing.T) {
	g, _ := newGateway(t, testConfig(t), Options{SignalChan: make(chan os.Signal)})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	<-g.Ready()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGateway_Run_WaitsForInstall(t *testing.T) {
	var inflight atomic.Int32
	started := make(chan struct{})
	var once sync.Once
	blocking := fetcher.Func(func(ctx context.Context, _ *http.Request) (*http.Response, error) {
		inflight.Add(1)
		defer inflight.Add(-1)
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sigCh := make(chan os.Signal, 1)
	g, _ := newGateway(t, testConfig(t), Options{Fetcher: blocking, SignalChan: sigCh})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("install never started")
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
	assert.Zero(t, inflight.Load(), "install fetches must finish before Run returns")

	var ran atomic.Bool
	g.goTask(func() { ran.Store(true) })
	g.tasks.Wait()
	assert.False(t, ran.Load(), "no task starts after shutdown")
}

func TestGateway_Run_ListenError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Gateway.Port = taken.Addr().(*net.TCPAddr).Port
	g, _ := newGateway(t, cfg, Options{SignalChan: make(chan os.Signal)})
	err = g.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestHealthJSONShape(t *testing.T) {
	raw, err := json.Marshal(control.Health{Status: "ok", Version: "v2", State: "active"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","version":"v2","state":"active"}`, string(raw))
}
