package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/pvedge/internal/fetcher"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

// DefaultConcurrency bounds parallel fetches within one batch.
const DefaultConcurrency = 6

// Populator fills a partition with a list of URLs as one unit: either every
// URL fetches OK and all are written, or nothing is written.
type Populator struct {
	fetch           fetcher.Fetcher
	origin          *url.URL
	binaryExtension string
	binaryMIME      string
	concurrency     int
	log             *slog.Logger
}

// PopulatorConfig configures a Populator.
type PopulatorConfig struct {
	Fetcher         fetcher.Fetcher
	Origin          *url.URL
	BinaryExtension string
	BinaryMIME      string
	Concurrency     int
	Logger          *slog.Logger
}

func NewPopulator(cfg PopulatorConfig) *Populator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Populator{
		fetch:           cfg.Fetcher,
		origin:          cfg.Origin,
		binaryExtension: cfg.BinaryExtension,
		binaryMIME:      cfg.BinaryMIME,
		concurrency:     cfg.Concurrency,
		log:             logging.Component(cfg.Logger, "populate"),
	}
}

type fetched struct {
	key  string
	resp *resource.Response
}

// Populate fetches urls and writes them into p only if all of them succeed.
// Existing entries for other keys are left untouched.
func (pp *Populator) Populate(ctx context.Context, p partition.Partition, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	results := make([]fetched, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pp.concurrency)
	for i, raw := range urls {
		i, raw := i, raw
		g.Go(func() error {
			res, err := pp.fetchOne(gctx, raw)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("populate %s: %w", p.Name(), err)
	}

	for _, res := range results {
		if err := p.Put(ctx, res.key, res.resp); err != nil {
			return fmt.Errorf("populate %s: store %s: %w", p.Name(), res.key, err)
		}
	}
	pp.log.Debug("partition populated", "partition", p.Name(), "entries", len(results))
	return nil
}

func (pp *Populator) fetchOne(ctx context.Context, raw string) (fetched, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return fetched{}, fmt.Errorf("parse asset url %q: %w", raw, err)
	}
	binary := pp.binaryExtension != "" && strings.HasSuffix(u.Path, pp.binaryExtension)

	var header http.Header
	if binary {
		header = http.Header{"Accept": {pp.binaryMIME}}
	}
	req, err := fetcher.Get(ctx, raw, header)
	if err != nil {
		return fetched{}, err
	}
	resp, err := fetcher.Buffered(ctx, pp.fetch, req)
	if err != nil {
		return fetched{}, fmt.Errorf("fetch %s: %w", raw, err)
	}
	if !resp.OK() {
		return fetched{}, fmt.Errorf("fetch %s: status %d", raw, resp.StatusCode)
	}
	if binary {
		resp = resource.ForceContentType(resp, pp.binaryMIME)
	}
	return fetched{key: resource.ResolveKey(pp.origin, u), resp: resp}, nil
}
