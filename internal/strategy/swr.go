package strategy

import (
	"context"
	"net/http"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

type fetchResult struct {
	resp *resource.Response
	err  error
}

// StaleWhileRevalidate answers from the partition when it can while a
// network fetch runs regardless and refreshes the entry on success.
type StaleWhileRevalidate struct {
	*base
}

func (s *StaleWhileRevalidate) Kind() classify.Kind { return classify.StaleWhileRevalidate }

func (s *StaleWhileRevalidate) Handle(ctx context.Context, r Request) *resource.Response {
	ctx, span := s.start(ctx, s.Kind(), r)

	result := make(chan fetchResult, 1)
	req := r
	s.bg.Go(ctx, "revalidate", func(ctx context.Context) {
		req.HTTP = r.HTTP.Clone(ctx)
		resp, err := s.network(ctx, req)
		if err != nil {
			s.log.Debug("revalidation fetch failed", "key", r.Key, "error", err)
		} else {
			s.store(ctx, req, resp)
		}
		result <- fetchResult{resp: resp, err: err}
	})

	if cached, ok := s.lookup(ctx, r); ok {
		return finish(span, cached, true)
	}

	select {
	case res := <-result:
		if res.err != nil {
			return finish(span, resource.Text(http.StatusRequestTimeout, "resource unavailable"), false)
		}
		return finish(span, res.resp, false)
	case <-ctx.Done():
		return finish(span, resource.Text(http.StatusRequestTimeout, "resource unavailable"), false)
	}
}
