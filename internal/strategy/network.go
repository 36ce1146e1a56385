package strategy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

const offlineAPIMessage = "You are offline. This feature requires an internet connection."

// NetworkFirstFallback always asks the network first and falls back to the
// mirrored entry, then to a placeholder payload.
type NetworkFirstFallback struct {
	*base
	listingPaths []string
}

func (s *NetworkFirstFallback) Kind() classify.Kind { return classify.NetworkFirstFallback }

func (s *NetworkFirstFallback) Handle(ctx context.Context, r Request) *resource.Response {
	ctx, span := s.start(ctx, s.Kind(), r)
	resp, err := s.network(ctx, r)
	if err == nil {
		s.store(ctx, r, resp)
		return finish(span, resp, false)
	}
	s.log.Info("api request failed, trying partition", "key", r.Key, "error", err)

	if cached, ok := s.lookup(ctx, r); ok {
		return finish(span, cached, true)
	}
	if r.HTTP.Method == http.MethodGet && s.isListing(r.HTTP.URL) {
		return finish(span, resource.JSON(http.StatusOK, []any{}), false)
	}
	return finish(span, resource.JSON(http.StatusServiceUnavailable, map[string]string{"error": offlineAPIMessage}), false)
}

func (s *NetworkFirstFallback) isListing(u *url.URL) bool {
	for _, p := range s.listingPaths {
		if u.Path == p || strings.HasPrefix(u.Path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
