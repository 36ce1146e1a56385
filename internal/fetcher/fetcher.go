// Package fetcher performs the network side of every retrieval strategy.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/propagation"

	"github.com/stellarlinkco/pvedge/internal/resource"
)

// Fetcher issues a request against the network. A returned error means the
// network was unreachable; HTTP error statuses come back as responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f Func) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher sends same-origin requests to the upstream origin and external
// requests to their own host. No timeout is imposed beyond the client's.
type HTTPFetcher struct {
	upstream *url.URL
	client   *http.Client
}

// New returns a fetcher for upstream. A nil client uses a client with no
// redirect following so redirects reach the page as-is.
func New(upstream string, client *http.Client) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimSpace(upstream))
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPFetcher{upstream: u, client: client}, nil
}

// Upstream returns the configured upstream base URL.
func (f *HTTPFetcher) Upstream() *url.URL {
	u := *f.upstream
	return &u
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := f.outbound(ctx, req)
	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", out.URL.Redacted(), err)
	}
	return resp, nil
}

// Resolve returns the URL the request will be sent to.
func (f *HTTPFetcher) Resolve(u *url.URL) *url.URL {
	if u.IsAbs() && u.Host != "" {
		cp := *u
		return &cp
	}
	target := *f.upstream
	target.Path = joinPath(f.upstream.Path, u.Path)
	target.RawPath = ""
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

func (f *HTTPFetcher) outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.URL = f.Resolve(req.URL)
	out.Host = out.URL.Host
	out.RequestURI = ""
	resource.StripHopByHop(out.Header)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

// Get builds a GET request for rawURL, which may be origin-relative.
func Get(ctx context.Context, rawURL string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Buffered fetches req and buffers the whole response.
func Buffered(ctx context.Context, f Fetcher, req *http.Request) (*resource.Response, error) {
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resource.FromHTTP(resp)
}
