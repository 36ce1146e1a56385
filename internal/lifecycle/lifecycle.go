// Package lifecycle installs, activates and maintains versioned partition sets.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/manifest"
	"github.com/stellarlinkco/pvedge/internal/partition"
)

// State is the controller's position in the install/activate cycle.
type State int

const (
	Idle State = iota
	Installing
	Waiting
	Activating
	Active
	Redundant
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults for the game partition size bound.
const (
	DefaultMaxGameEntries = 300
	DefaultEvictCount     = 100
)

var (
	ErrNotPrepared = errors.New("version has not been prepared")
	ErrNotActive   = errors.New("no active version")
)

// Broadcaster pushes a notification to every connected page.
type Broadcaster interface {
	Broadcast(ctx context.Context, n bus.Notification) error
}

// Config wires a Controller.
type Config struct {
	Store          partition.Store
	Manifest       *manifest.Manifest
	Populator      *Populator
	Broadcaster    Broadcaster
	Prefix         string
	Version        string
	MaxGameEntries int
	EvictCount     int
	Logger         *slog.Logger
	Metrics        *partition.Metrics
}

// PrepareResult describes a completed install.
type PrepareResult struct {
	Version    string
	Partitions []string
}

// CommitResult describes a completed activation.
type CommitResult struct {
	Version       string
	Deleted       []string
	FailedDeletes []string
	Evicted       int
}

// Controller owns which partition set serves traffic.
type Controller struct {
	store          partition.Store
	manifest       *manifest.Manifest
	populator      *Populator
	broadcaster    Broadcaster
	prefix         string
	version        string
	maxGameEntries int
	evictCount     int
	log            *slog.Logger
	metrics        *partition.Metrics

	// runMu serialises install, activate and refresh passes.
	runMu sync.Mutex

	mu              sync.RWMutex
	state           State
	active          map[partition.Purpose]partition.Partition
	activeVersion   string
	prepared        map[partition.Purpose]partition.Partition
	preparedVersion string
}

func New(cfg Config) *Controller {
	if cfg.Prefix == "" {
		cfg.Prefix = partition.DefaultPrefix
	}
	if cfg.MaxGameEntries <= 0 {
		cfg.MaxGameEntries = DefaultMaxGameEntries
	}
	if cfg.EvictCount <= 0 {
		cfg.EvictCount = DefaultEvictCount
	}
	return &Controller{
		store:          cfg.Store,
		manifest:       cfg.Manifest,
		populator:      cfg.Populator,
		broadcaster:    cfg.Broadcaster,
		prefix:         cfg.Prefix,
		version:        cfg.Version,
		maxGameEntries: cfg.MaxGameEntries,
		evictCount:     cfg.EvictCount,
		log:            logging.Component(cfg.Logger, "lifecycle"),
		metrics:        cfg.Metrics,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Info("state changed", "from", prev.String(), "to", s.String())
	}
}

// Version is the version this controller installs.
func (c *Controller) Version() string { return c.version }

// ActiveVersion is the version currently serving traffic, or "".
func (c *Controller) ActiveVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeVersion
}

// Active returns the serving partition set.
func (c *Controller) Active(context.Context) (map[partition.Purpose]partition.Partition, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil, false, nil
	}
	return c.active, true, nil
}

// Restore resumes serving the version recorded in the store, if any.
func (c *Controller) Restore(ctx context.Context) error {
	version, err := c.store.ActiveVersion(ctx)
	if err != nil {
		return fmt.Errorf("restore active version: %w", err)
	}
	if version == "" {
		return nil
	}
	parts, err := partition.OpenAll(ctx, c.store, c.prefix, version)
	if err != nil {
		return fmt.Errorf("restore active version: %w", err)
	}
	c.mu.Lock()
	c.active = parts
	c.activeVersion = version
	if version == c.version {
		c.state = Active
	}
	c.mu.Unlock()
	c.log.Info("restored active version", "version", version)
	return nil
}

// Run installs and immediately activates the configured version.
func (c *Controller) Run(ctx context.Context) (CommitResult, error) {
	if _, err := c.Prepare(ctx, c.version); err != nil {
		return CommitResult{}, err
	}
	return c.Commit(ctx, c.version)
}

// Prepare opens every partition of version and populates shell, fonts,
// visual assets and the default games. Any failure leaves the previously
// active version serving.
func (c *Controller) Prepare(ctx context.Context, version string) (PrepareResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.log.Info("installing", "version", version)
	c.setState(Installing)

	parts, err := partition.OpenAll(ctx, c.store, c.prefix, version)
	if err != nil {
		c.setState(Redundant)
		return PrepareResult{}, fmt.Errorf("prepare %s: %w", version, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range c.installBatches(parts) {
		b := b
		g.Go(func() error {
			return c.populator.Populate(gctx, b.part, b.urls)
		})
	}
	if err := g.Wait(); err != nil {
		c.setState(Redundant)
		c.log.Error("install failed", "version", version, "error", err)
		return PrepareResult{}, fmt.Errorf("prepare %s: %w", version, err)
	}

	c.mu.Lock()
	c.prepared = parts
	c.preparedVersion = version
	c.mu.Unlock()
	c.setState(Waiting)

	names := make([]string, 0, len(parts))
	for _, p := range partition.Purposes {
		names = append(names, parts[p].Name())
	}
	return PrepareResult{Version: version, Partitions: names}, nil
}

type batch struct {
	part partition.Partition
	urls []string
}

// installBatches lists the all-or-nothing units of an install. Each default
// game is its own unit.
func (c *Controller) installBatches(parts map[partition.Purpose]partition.Partition) []batch {
	batches := []batch{
		{parts[partition.Shell], c.manifest.Shell()},
		{parts[partition.Fonts], c.manifest.Fonts()},
		{parts[partition.Visual], c.manifest.Visual()},
	}
	for _, id := range c.manifest.DefaultGames() {
		assets, ok := c.manifest.Assets(id)
		if !ok {
			continue
		}
		batches = append(batches, batch{parts[partition.Games], assets})
	}
	return batches
}

// Commit activates a prepared version: it claims the version, purges every
// partition outside the version's five and enforces the game bound.
func (c *Controller) Commit(ctx context.Context, version string) (CommitResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.RLock()
	parts, preparedVersion := c.prepared, c.preparedVersion
	c.mu.RUnlock()
	if parts == nil || preparedVersion != version {
		return CommitResult{}, fmt.Errorf("commit %s: %w", version, ErrNotPrepared)
	}

	c.log.Info("activating", "version", version)
	c.setState(Activating)

	if err := c.store.SetActiveVersion(ctx, version); err != nil {
		c.setState(Waiting)
		return CommitResult{}, fmt.Errorf("commit %s: %w", version, err)
	}
	c.mu.Lock()
	c.active = parts
	c.activeVersion = version
	c.prepared = nil
	c.preparedVersion = ""
	c.mu.Unlock()

	res := CommitResult{Version: version}
	res.Deleted, res.FailedDeletes = c.purge(ctx, version)

	evicted, err := c.enforceBound(ctx, parts[partition.Games])
	if err != nil {
		c.log.Warn("size bound not enforced", "partition", parts[partition.Games].Name(), "error", err)
	}
	res.Evicted = evicted

	c.setState(Active)
	c.notify(ctx, bus.Notification{
		Type:    bus.TypeUpdate,
		Message: fmt.Sprintf("Version %s is now active", version),
	})
	return res, nil
}

// purge deletes every partition that is not one of version's five. Failures
// are logged and skipped.
func (c *Controller) purge(ctx context.Context, version string) (deleted, failed []string) {
	current := make(map[string]bool)
	for _, name := range partition.Names(c.prefix, version) {
		current[name] = true
	}
	names, err := c.store.List(ctx)
	if err != nil {
		c.log.Error("list partitions failed", "error", err)
		return nil, nil
	}
	for _, name := range names {
		if current[name] {
			continue
		}
		ok, err := c.store.Delete(ctx, name)
		if err != nil {
			c.log.Warn("delete obsolete partition failed", "partition", name, "error", err)
			failed = append(failed, name)
			continue
		}
		if ok {
			c.log.Info("deleted obsolete partition", "partition", name)
			deleted = append(deleted, name)
		}
	}
	return deleted, failed
}

// Prune deletes partitions left behind by other versions and enforces the
// game bound on the active set. It repeats Commit's cleanup without a
// reinstall.
func (c *Controller) Prune(ctx context.Context) (CommitResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	parts, ok, _ := c.Active(ctx)
	if !ok {
		return CommitResult{}, ErrNotActive
	}
	res := CommitResult{Version: c.ActiveVersion()}
	res.Deleted, res.FailedDeletes = c.purge(ctx, res.Version)
	evicted, err := c.enforceBound(ctx, parts[partition.Games])
	res.Evicted = evicted
	if err != nil {
		return res, err
	}
	return res, nil
}

// EnforceBound trims the active game partition when it holds more than the
// configured maximum. It is the scheduled maintenance pass.
func (c *Controller) EnforceBound(ctx context.Context) (int, error) {
	parts, ok, _ := c.Active(ctx)
	if !ok {
		return 0, ErrNotActive
	}
	return c.enforceBound(ctx, parts[partition.Games])
}

// enforceBound removes the oldest evictCount entries, by insertion order,
// once the partition exceeds maxGameEntries.
func (c *Controller) enforceBound(ctx context.Context, p partition.Partition) (int, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("enforce bound: %w", err)
	}
	if len(keys) <= c.maxGameEntries {
		return 0, nil
	}
	n := c.evictCount
	if n > len(keys) {
		n = len(keys)
	}
	c.log.Info("trimming game partition", "partition", p.Name(), "entries", len(keys), "evict", n)

	evicted := 0
	for _, key := range keys[:n] {
		ok, err := p.Delete(ctx, key)
		if err != nil {
			c.metrics.RecordEvictions(p.Name(), evicted)
			return evicted, fmt.Errorf("enforce bound: delete %s: %w", key, err)
		}
		if ok {
			evicted++
		}
	}
	c.metrics.RecordEvictions(p.Name(), evicted)
	return evicted, nil
}

// Populate re-runs the install population against the active partitions in
// place. Each batch stands alone, so a failing batch leaves the others and
// its own prior entries untouched.
func (c *Controller) Populate(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	parts, ok, _ := c.Active(ctx)
	if !ok {
		return fmt.Errorf("populate: %w", ErrNotActive)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, b := range c.installBatches(parts) {
		b := b
		g.Go(func() error {
			if err := c.populator.Populate(ctx, b.part, b.urls); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("refresh incomplete", "error", err)
		return err
	}
	c.log.Info("all partitions refreshed", "version", c.ActiveVersion())
	return nil
}

// PreloadGame stores every asset of id in the active game partition.
func (c *Controller) PreloadGame(ctx context.Context, id manifest.GameID) error {
	assets, ok := c.manifest.Assets(id)
	if !ok {
		return fmt.Errorf("preload %s: unknown game", id)
	}
	parts, active, _ := c.Active(ctx)
	if !active {
		return fmt.Errorf("preload %s: %w", id, ErrNotActive)
	}
	if err := c.populator.Populate(ctx, parts[partition.Games], assets); err != nil {
		return fmt.Errorf("preload %s: %w", id, err)
	}
	return nil
}

func (c *Controller) notify(ctx context.Context, n bus.Notification) {
	if c.broadcaster == nil {
		return
	}
	if err := c.broadcaster.Broadcast(ctx, n); err != nil {
		c.log.Warn("broadcast failed", "type", n.Type, "error", err)
	}
}
