package strategy

import (
	"context"
	"net/http"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

// CacheFirst serves the stored entry when present and fetches otherwise.
type CacheFirst struct {
	*base
}

func (s *CacheFirst) Kind() classify.Kind { return classify.CacheFirst }

func (s *CacheFirst) Handle(ctx context.Context, r Request) *resource.Response {
	ctx, span := s.start(ctx, s.Kind(), r)
	resp, hit := s.serve(ctx, r)
	return finish(span, resp, hit)
}

func (s *CacheFirst) serve(ctx context.Context, r Request) (*resource.Response, bool) {
	if cached, ok := s.lookup(ctx, r); ok {
		return cached, true
	}
	resp, err := s.network(ctx, r)
	if err != nil {
		s.log.Warn("fetch failed", "key", r.Key, "partition", r.Partition.Name(), "error", err)
		return unavailable(r.Purpose), false
	}
	s.store(ctx, r, resp)
	return resp, false
}

// CacheFirstRefresh is CacheFirst plus a background refetch on every hit that
// replaces the stored entry once a fresh OK response arrives.
type CacheFirstRefresh struct {
	CacheFirst
}

func (s *CacheFirstRefresh) Kind() classify.Kind { return classify.CacheFirstRefresh }

func (s *CacheFirstRefresh) Handle(ctx context.Context, r Request) *resource.Response {
	ctx, span := s.start(ctx, s.Kind(), r)
	resp, hit := s.serve(ctx, r)
	if hit {
		s.refresh(ctx, r)
	}
	return finish(span, resp, hit)
}

func (s *CacheFirstRefresh) refresh(ctx context.Context, r Request) {
	req := r
	s.bg.Go(ctx, "refresh", func(ctx context.Context) {
		req.HTTP = r.HTTP.Clone(ctx)
		resp, err := s.network(ctx, req)
		if err != nil {
			s.log.Debug("background refresh skipped, network unavailable", "key", r.Key, "error", err)
			return
		}
		s.store(ctx, req, resp)
	})
}

// unavailable is the terminal response when neither cache nor network can
// serve a cache-first request.
func unavailable(p partition.Purpose) *resource.Response {
	switch p {
	case partition.Fonts:
		return resource.CSS(http.StatusOK, "/* font unavailable offline */")
	case partition.Shell:
		return resource.Text(http.StatusInternalServerError, "unable to load resource")
	case partition.Games:
		return resource.Text(http.StatusNotFound, "resource unavailable offline")
	default:
		return resource.Text(http.StatusServiceUnavailable, "resource unavailable offline")
	}
}
