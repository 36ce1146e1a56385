package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/fetcher"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/manifest"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

type upstream struct {
	mu      sync.Mutex
	failing map[string]bool
	body    string
	calls   int
}

func newUpstream() *upstream {
	return &upstream{failing: map[string]bool{}, body: "v1"}
}

func (u *upstream) fail(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing[path] = true
}

func (u *upstream) heal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing = map[string]bool{}
}

func (u *upstream) setBody(b string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.body = b
}

func (u *upstream) fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.failing[req.URL.Path] {
		return &http.Response{StatusCode: 500, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("boom"))}, nil
	}
	h := http.Header{"Content-Type": {"application/octet-stream"}}
	return &http.Response{StatusCode: 200, Header: h, Body: io.NopCloser(strings.NewReader(u.body + ":" + req.URL.Path))}, nil
}

type recorder struct {
	mu   sync.Mutex
	sent []bus.Notification
}

func (r *recorder) Broadcast(_ context.Context, n bus.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	game := func(id string) []string {
		return []string{
			"/lib/games/" + id + "/pkg/" + id + ".js",
			"/lib/games/" + id + "/pkg/" + id + "_bg.wasm",
			"/images/games/" + id + "/banner.png",
		}
	}
	m, err := manifest.New(
		[]string{"/", "/index.html", "/app.css", "/manifest.json", "/offline.html", "/build/bundle.js", "/build/bundle.css", "/favicon.ico"},
		[]string{"https://fonts.googleapis.com/css2?family=VT323"},
		[]string{"/images/logo.png", "/images/background.png"},
		[]manifest.GameID{"snake", "tetris"},
		map[manifest.GameID][]string{"snake": game("snake"), "tetris": game("tetris"), "minesweeper": game("minesweeper")},
	)
	require.NoError(t, err)
	return m
}

type env struct {
	store    partition.Store
	up       *upstream
	bcast    *recorder
	manifest *manifest.Manifest
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{store: partition.NewMemoryStore(), up: newUpstream(), bcast: &recorder{}, manifest: testManifest(t)}
}

func (e *env) controller(version string) *Controller {
	origin, _ := url.Parse("http://arcade.local")
	return New(Config{
		Store:    e.store,
		Manifest: e.manifest,
		Populator: NewPopulator(PopulatorConfig{
			Fetcher:         fetcher.Func(e.up.fetch),
			Origin:          origin,
			BinaryExtension: ".wasm",
			BinaryMIME:      "application/wasm",
			Logger:          logging.Discard(),
		}),
		Broadcaster: e.bcast,
		Version:     version,
		Logger:      logging.Discard(),
	})
}

func count(t *testing.T, s partition.Store, name string) int {
	t.Helper()
	p, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	n, err := p.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestRun_ColdInstall(t *testing.T) {
	e := newEnv(t)
	c := e.controller("1")
	ctx := context.Background()

	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Version)
	assert.Empty(t, res.Deleted)

	assert.Equal(t, 8, count(t, e.store, "game-pv-core-v1"))
	assert.Equal(t, 6, count(t, e.store, "game-pv-games-v1"))
	assert.Equal(t, 1, count(t, e.store, "game-pv-fonts-v1"))
	assert.Equal(t, 2, count(t, e.store, "game-pv-assets-v1"))
	assert.Equal(t, 0, count(t, e.store, "game-pv-api-v1"))

	assert.Equal(t, Active, c.State())
	assert.Equal(t, "1", c.ActiveVersion())
	v, _ := e.store.ActiveVersion(ctx)
	assert.Equal(t, "1", v)

	require.Len(t, e.bcast.sent, 1)
	assert.Equal(t, bus.TypeUpdate, e.bcast.sent[0].Type)
	assert.NotEmpty(t, e.bcast.sent[0].Message)
}

func TestRun_BinaryAssetsStoredWithPinnedType(t *testing.T) {
	e := newEnv(t)
	c := e.controller("1")
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	parts, ok, err := c.Active(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	resp, hit, err := parts[partition.Games].Match(context.Background(), "http://arcade.local/lib/games/snake/pkg/snake_bg.wasm")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "application/wasm", resp.ContentType())

	js, hit, _ := parts[partition.Games].Match(context.Background(), "http://arcade.local/lib/games/snake/pkg/snake.js")
	require.True(t, hit)
	assert.Equal(t, "application/octet-stream", js.ContentType())
}

func TestPrepare_FailureKeepsPreviousVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.controller("1").Run(ctx)
	require.NoError(t, err)

	e.up.fail("/build/bundle.css")
	c2 := e.controller("2")
	require.NoError(t, c2.Restore(ctx))

	_, err = c2.Prepare(ctx, "2")
	require.Error(t, err)
	assert.Equal(t, Redundant, c2.State())

	// All-or-nothing: the failed shell batch wrote nothing.
	assert.Equal(t, 0, count(t, e.store, "game-pv-core-v2"))

	parts, ok, _ := c2.Active(ctx)
	require.True(t, ok)
	assert.Equal(t, "game-pv-core-v1", parts[partition.Shell].Name())
	v, _ := e.store.ActiveVersion(ctx)
	assert.Equal(t, "1", v)

	_, err = c2.Commit(ctx, "2")
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestCommit_VersionCutover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.controller("1").Run(ctx)
	require.NoError(t, err)

	c2 := e.controller("2")
	require.NoError(t, c2.Restore(ctx))
	prep, err := c2.Prepare(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, prep.Partitions, 5)

	// Still serving v1 until commit.
	assert.Equal(t, "1", c2.ActiveVersion())

	res, err := c2.Commit(ctx, "2")
	require.NoError(t, err)
	sort.Strings(res.Deleted)
	assert.Equal(t, []string{"game-pv-api-v1", "game-pv-assets-v1", "game-pv-core-v1", "game-pv-fonts-v1", "game-pv-games-v1"}, res.Deleted)

	names, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"game-pv-api-v2", "game-pv-assets-v2", "game-pv-core-v2", "game-pv-fonts-v2", "game-pv-games-v2"}, names)
	assert.Equal(t, "2", c2.ActiveVersion())
}

type flakyStore struct {
	partition.Store
	failDelete string
}

func (s *flakyStore) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.failDelete {
		return false, errors.New("disk busy")
	}
	return s.Store.Delete(ctx, name)
}

func TestCommit_DeletionFailureIsSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.controller("1").Run(ctx)
	require.NoError(t, err)

	e.store = &flakyStore{Store: e.store, failDelete: "game-pv-fonts-v1"}
	c2 := e.controller("2")
	res, err := c2.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"game-pv-fonts-v1"}, res.FailedDeletes)
	assert.Len(t, res.Deleted, 4)
	assert.Equal(t, Active, c2.State())
}

func fill(t *testing.T, p partition.Partition, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("http://arcade.local/lib/games/extra/%03d.js", i)
		require.NoError(t, p.Put(context.Background(), key, resource.Text(200, key)))
	}
}

func TestCommit_EvictionBoundary(t *testing.T) {
	tests := []struct {
		name    string
		entries int
		want    int
		evicted int
	}{
		{"exceeds bound", 301, 201, 100},
		{"at bound", 300, 300, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			c := e.controller("1")
			_, err := c.Prepare(ctx, "1")
			require.NoError(t, err)

			games, err := e.store.Open(ctx, "game-pv-games-v1")
			require.NoError(t, err)
			before, err := games.Keys(ctx)
			require.NoError(t, err)
			fill(t, games, tt.entries-len(before))
			all, _ := games.Keys(ctx)
			require.Len(t, all, tt.entries)

			res, err := c.Commit(ctx, "1")
			require.NoError(t, err)
			assert.Equal(t, tt.evicted, res.Evicted)

			after, err := games.Keys(ctx)
			require.NoError(t, err)
			assert.Len(t, after, tt.want)
			if tt.evicted > 0 {
				assert.Equal(t, all[tt.evicted:], after, "oldest entries by insertion order go first")
			}
		})
	}
}

func TestEnforceBound_RequiresActiveVersion(t *testing.T) {
	e := newEnv(t)
	_, err := e.controller("1").EnforceBound(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestPopulate_RefreshInPlace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.controller("1")
	_, err := c.Run(ctx)
	require.NoError(t, err)

	e.up.setBody("v2")
	e.up.fail("/images/background.png")
	err = c.Populate(ctx)
	require.Error(t, err)

	parts, _, _ := c.Active(ctx)
	shell, _, _ := parts[partition.Shell].Match(ctx, "http://arcade.local/index.html")
	assert.Equal(t, "v2:/index.html", string(shell.Body), "healthy batches refresh")
	logo, _, _ := parts[partition.Visual].Match(ctx, "http://arcade.local/images/logo.png")
	assert.Equal(t, "v1:/images/logo.png", string(logo.Body), "failed batch keeps prior entries")
	assert.Equal(t, 2, count(t, e.store, "game-pv-assets-v1"))

	e.up.heal()
	require.NoError(t, c.Populate(ctx))
	logo, _, _ = parts[partition.Visual].Match(ctx, "http://arcade.local/images/logo.png")
	assert.Equal(t, "v2:/images/logo.png", string(logo.Body))
}

func TestPopulate_RequiresActiveVersion(t *testing.T) {
	e := newEnv(t)
	assert.ErrorIs(t, e.controller("1").Populate(context.Background()), ErrNotActive)
}

func TestPreloadGame_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.controller("1")
	_, err := c.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, c.PreloadGame(ctx, "minesweeper"))
	require.NoError(t, c.PreloadGame(ctx, "minesweeper"))
	assert.Equal(t, 9, count(t, e.store, "game-pv-games-v1"))

	assert.Error(t, c.PreloadGame(ctx, "pong"))
}

func TestRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fresh := e.controller("1")
	require.NoError(t, fresh.Restore(ctx))
	_, ok, _ := fresh.Active(ctx)
	assert.False(t, ok)
	assert.Equal(t, Idle, fresh.State())

	_, err := e.controller("1").Run(ctx)
	require.NoError(t, err)

	again := e.controller("1")
	require.NoError(t, again.Restore(ctx))
	assert.Equal(t, Active, again.State())
	_, ok, _ = again.Active(ctx)
	assert.True(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestPrune(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.controller("1").Prune(ctx)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = e.controller("1").Run(ctx)
	require.NoError(t, err)
	stray, err := e.store.Open(ctx, "game-pv-games-v0")
	require.NoError(t, err)
	require.NoError(t, stray.Put(ctx, "http://arcade.local/old.js", resource.Text(200, "old")))
	games, err := e.store.Open(ctx, "game-pv-games-v1")
	require.NoError(t, err)
	before, err := games.Keys(ctx)
	require.NoError(t, err)
	fill(t, games, 301-len(before))

	c := e.controller("1")
	require.NoError(t, c.Restore(ctx))
	res, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Version)
	assert.Equal(t, []string{"game-pv-games-v0"}, res.Deleted)
	assert.Equal(t, 100, res.Evicted)
	assert.Equal(t, 201, count(t, e.store, "game-pv-games-v1"))

	names, err := e.store.List(ctx)
	require.NoError(t, err)
	sort.Strings(names)
	assert.Len(t, names, 5)
}
