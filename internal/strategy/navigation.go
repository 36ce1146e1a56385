package strategy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/resource"
)

const offlinePage = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Game-PV - Offline</title>
    <style>
      body {
        font-family: 'Press Start 2P', monospace, sans-serif;
        background-color: #0f0f1a;
        color: #f8f8f2;
        display: flex;
        flex-direction: column;
        align-items: center;
        justify-content: center;
        height: 100vh;
        margin: 0;
        padding: 20px;
        text-align: center;
      }
      h1 { color: #ff79c6; margin-bottom: 20px; }
      button {
        background-color: #bd93f9;
        border: none;
        color: white;
        padding: 10px 20px;
        font-family: inherit;
        margin-top: 20px;
        cursor: pointer;
      }
    </style>
  </head>
  <body>
    <h1>You are offline</h1>
    <p>This page cannot be reached right now.</p>
    <button onclick="window.location.reload()">Retry</button>
  </body>
</html>
`

// NavigationFallback makes sure a page load always resolves to a document.
type NavigationFallback struct {
	*base
	offlineDocument string
}

func (s *NavigationFallback) Kind() classify.Kind { return classify.NavigationFallback }

// Handle tries the network, then the exact shell entry, then the offline
// document. A 4xx answer is returned as is; anything else ends on an
// inline offline page.
func (s *NavigationFallback) Handle(ctx context.Context, r Request) *resource.Response {
	ctx, span := s.start(ctx, s.Kind(), r)
	resp, err := s.network(ctx, r)
	if err == nil && resp.OK() {
		s.store(ctx, r, resp)
		return finish(span, resp, false)
	}
	if err != nil {
		s.log.Info("navigation offline, using shell partition", "key", r.Key, "error", err)
	}

	if cached, ok := s.lookup(ctx, r); ok {
		return finish(span, cached, true)
	}
	if key := s.offlineKey(r.Key); key != "" {
		if doc, ok := s.match(ctx, r.Partition, key); ok {
			return finish(span, doc, true)
		}
	}
	// 5xx counts as offline.
	if resp != nil && resp.StatusCode < http.StatusInternalServerError {
		return finish(span, resp, false)
	}
	return finish(span, resource.HTML(http.StatusServiceUnavailable, offlinePage), false)
}

func (s *NavigationFallback) offlineKey(requestKey string) string {
	if s.offlineDocument == "" {
		return ""
	}
	u, err := url.Parse(requestKey)
	if err != nil {
		return ""
	}
	doc, err := url.Parse(s.offlineDocument)
	if err != nil {
		return ""
	}
	return resource.Key(u.ResolveReference(doc))
}
