// Package strategy implements the retrieval policies that decide, per
// resource class, whether a response comes from a partition or the network.
package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/fetcher"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

const tracerName = "github.com/stellarlinkco/pvedge/internal/strategy"

// Request is one intercepted request together with its target partition.
type Request struct {
	HTTP      *http.Request
	Key       string
	Purpose   partition.Purpose
	Partition partition.Partition
}

// Strategy produces a response for an intercepted request. Handle never
// fails: every failure path ends in a synthesized response.
type Strategy interface {
	Kind() classify.Kind
	Handle(ctx context.Context, r Request) *resource.Response
}

// Options carries the resource-class specific knobs.
type Options struct {
	BinaryMIME      string
	ListingPaths    []string
	OfflineDocument string
}

// DefaultOptions matches the arcade's asset layout.
func DefaultOptions() Options {
	return Options{
		BinaryMIME:      "application/wasm",
		ListingPaths:    []string{"/api/games"},
		OfflineDocument: "/offline.html",
	}
}

// Deps are the collaborators shared by every strategy.
type Deps struct {
	Fetcher    fetcher.Fetcher
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Background *Background
}

// NewSet builds one instance of every strategy keyed by kind.
func NewSet(deps Deps, opts Options) map[classify.Kind]Strategy {
	b := newBase(deps)
	set := []Strategy{
		&CacheFirst{base: b},
		&CacheFirstRefresh{CacheFirst: CacheFirst{base: b}},
		&BinarySafeFetch{base: b, mime: opts.BinaryMIME},
		&NetworkFirstFallback{base: b, listingPaths: opts.ListingPaths},
		&StaleWhileRevalidate{base: b},
		&NavigationFallback{base: b, offlineDocument: opts.OfflineDocument},
	}
	out := make(map[classify.Kind]Strategy, len(set))
	for _, s := range set {
		out[s.Kind()] = s
	}
	return out
}

type base struct {
	fetch  fetcher.Fetcher
	log    *slog.Logger
	tracer trace.Tracer
	bg     *Background
}

func newBase(deps Deps) *base {
	b := &base{
		fetch:  deps.Fetcher,
		log:    logging.Component(deps.Logger, "strategy"),
		tracer: deps.Tracer,
		bg:     deps.Background,
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	if b.bg == nil {
		b.bg = NewBackground(deps.Logger)
	}
	return b
}

func (b *base) start(ctx context.Context, kind classify.Kind, r Request) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "strategy."+string(kind), trace.WithAttributes(
		attribute.String("strategy", string(kind)),
		attribute.String("partition", r.Partition.Name()),
		attribute.String("http.method", r.HTTP.Method),
	))
}

func finish(span trace.Span, resp *resource.Response, hit bool) *resource.Response {
	span.SetAttributes(
		attribute.Bool("cache.hit", hit),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	span.End()
	return resp
}

// network fetches r over the network and buffers the response.
func (b *base) network(ctx context.Context, r Request) (*resource.Response, error) {
	return fetcher.Buffered(ctx, b.fetch, r.HTTP.Clone(ctx))
}

// lookup returns the stored entry for a GET request. Read failures count as
// a miss.
func (b *base) lookup(ctx context.Context, r Request) (*resource.Response, bool) {
	if r.HTTP.Method != http.MethodGet {
		return nil, false
	}
	return b.match(ctx, r.Partition, r.Key)
}

func (b *base) match(ctx context.Context, p partition.Partition, key string) (*resource.Response, bool) {
	resp, ok, err := p.Match(ctx, key)
	if err != nil {
		b.log.Warn("partition read failed", "partition", p.Name(), "key", key, "error", err)
		return nil, false
	}
	return resp, ok
}

// store writes a copy of resp when the request is a GET and the response OK.
func (b *base) store(ctx context.Context, r Request, resp *resource.Response) {
	if r.HTTP.Method != http.MethodGet || !resp.OK() {
		return
	}
	if err := r.Partition.Put(ctx, r.Key, resp.Clone()); err != nil {
		b.log.Warn("partition write failed", "partition", r.Partition.Name(), "key", r.Key, "error", err)
	}
}

// Background runs work that outlives the request that started it.
type Background struct {
	wg  sync.WaitGroup
	log *slog.Logger
}

func NewBackground(logger *slog.Logger) *Background {
	return &Background{log: logging.Component(logger, "background")}
}

// Go runs fn on a context detached from ctx's cancellation.
func (bg *Background) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	bg.wg.Add(1)
	go func() {
		defer bg.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				bg.log.Error("background task panicked", "task", name, "panic", rec)
			}
		}()
		fn(detached)
	}()
}

// Wait blocks until every started task has finished.
func (bg *Background) Wait() {
	bg.wg.Wait()
}

// WaitContext waits for background tasks or ctx, whichever ends first.
func (bg *Background) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		bg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
