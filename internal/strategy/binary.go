package strategy

import (
	"context"
	"net/http"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

// BinarySafeFetch serves binary modules with a content type pinned to mime,
// whatever the upstream declared.
type BinarySafeFetch struct {
	*base
	mime string
}

func (s *BinarySafeFetch) Kind() classify.Kind { return classify.BinarySafeFetch }

func (s *BinarySafeFetch) Handle(ctx context.Context, r Request) *resource.Response {
	ctx, span := s.start(ctx, s.Kind(), r)
	if cached, ok := s.lookup(ctx, r); ok {
		return finish(span, cached, true)
	}

	req := r
	req.HTTP = r.HTTP.Clone(ctx)
	req.HTTP.Header.Set("Accept", s.mime)
	resp, err := s.network(ctx, req)
	if err != nil {
		s.log.Error("binary module fetch failed", "key", r.Key, "error", err)
		return finish(span, resource.Text(http.StatusInternalServerError, "unable to load binary module"), false)
	}
	if !resp.OK() {
		return finish(span, resp, false)
	}

	fixed := resource.ForceContentType(resp, s.mime)
	s.store(ctx, r, fixed)
	return finish(span, fixed, false)
}
