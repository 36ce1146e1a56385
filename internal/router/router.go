// Package router is the request interception entry point: it classifies each
// request and hands it to the matching strategy, or passes it through.
package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellarlinkco/pvedge/internal/classify"
	"github.com/stellarlinkco/pvedge/internal/fetcher"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/metrics"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/resource"
	"github.com/stellarlinkco/pvedge/internal/strategy"
)

const passThrough = "pass-through"

// Classifier decides whether and how a request is intercepted.
type Classifier interface {
	Classify(r *http.Request) (classify.Descriptor, bool)
}

// ActiveSet resolves the partitions of the version currently serving traffic.
// ok is false until a version has been activated.
type ActiveSet interface {
	Active(ctx context.Context) (parts map[partition.Purpose]partition.Partition, ok bool, err error)
}

// Config wires the router's collaborators.
type Config struct {
	Classifier Classifier
	Strategies map[classify.Kind]strategy.Strategy
	Partitions ActiveSet
	Fetcher    fetcher.Fetcher
	// Origin is the public origin pages load from; origin-form requests are
	// keyed under it.
	Origin *url.URL
	// PassThroughHosts lists the hosts besides Origin that absolute-form
	// requests may be forwarded to. Any other host is refused.
	PassThroughHosts []string
	Logger           *slog.Logger
	Metrics          *metrics.RequestMetrics
}

// Router implements http.Handler.
type Router struct {
	classifier Classifier
	strategies map[classify.Kind]strategy.Strategy
	partitions ActiveSet
	fetch      fetcher.Fetcher
	origin     *url.URL
	hosts      map[string]bool
	log        *slog.Logger
	metrics    *metrics.RequestMetrics
}

func New(cfg Config) *Router {
	hosts := make(map[string]bool, len(cfg.PassThroughHosts)+1)
	if cfg.Origin != nil {
		hosts[strings.ToLower(cfg.Origin.Hostname())] = true
	}
	for _, h := range cfg.PassThroughHosts {
		hosts[hostname(h)] = true
	}
	return &Router{
		classifier: cfg.Classifier,
		strategies: cfg.Strategies,
		partitions: cfg.Partitions,
		fetch:      cfg.Fetcher,
		origin:     cfg.Origin,
		hosts:      hosts,
		log:        logging.Component(cfg.Logger, "router"),
		metrics:    cfg.Metrics,
	}
}

// hostname accepts "host", "host:port" or a URL and returns the lowercased
// host name.
func hostname(s string) string {
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			return strings.ToLower(u.Hostname())
		}
	}
	u := url.URL{Host: s}
	return strings.ToLower(u.Hostname())
}

// allowed reports whether r may leave through the pass-through path.
// Origin-form requests always go to the configured upstream.
func (rt *Router) allowed(r *http.Request) bool {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		return true
	}
	return rt.hosts[strings.ToLower(r.URL.Hostname())]
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method == http.MethodConnect {
		http.Error(w, "tunnelling is not supported", http.StatusMethodNotAllowed)
		return
	}

	desc, intercepted := rt.classifier.Classify(r)
	if !intercepted {
		rt.passThrough(w, r, start)
		return
	}
	s, ok := rt.strategies[desc.Strategy]
	if !ok {
		rt.log.Error("no strategy registered", "strategy", desc.Strategy)
		rt.passThrough(w, r, start)
		return
	}

	parts, active, err := rt.partitions.Active(r.Context())
	if err != nil {
		rt.log.Warn("active partitions unavailable, passing through", "error", err)
	}
	if err != nil || !active {
		rt.passThrough(w, r, start)
		return
	}
	part, ok := parts[desc.Partition]
	if !ok {
		rt.log.Error("partition missing from active set", "purpose", desc.Partition)
		rt.passThrough(w, r, start)
		return
	}

	resp := s.Handle(r.Context(), strategy.Request{
		HTTP:      r,
		Key:       resource.ResolveKey(rt.origin, r.URL),
		Purpose:   desc.Partition,
		Partition: part,
	})
	logging.Annotate(r.Context(),
		slog.String("strategy", string(desc.Strategy)),
		slog.String("partition", part.Name()),
	)
	if err := resp.WriteTo(w); err != nil {
		rt.log.Debug("client went away", "path", r.URL.Path, "error", err)
	}
	rt.metrics.Observe(string(desc.Strategy), resp.StatusCode, time.Since(start).Seconds())
}

// passThrough streams the network response without touching any partition.
func (rt *Router) passThrough(w http.ResponseWriter, r *http.Request, start time.Time) {
	logging.Annotate(r.Context(), slog.String("strategy", passThrough))
	if !rt.allowed(r) {
		rt.log.Warn("refusing to forward to foreign host", "host", r.URL.Host)
		http.Error(w, "forbidden host", http.StatusForbidden)
		rt.metrics.Observe(passThrough, http.StatusForbidden, time.Since(start).Seconds())
		return
	}

	resp, err := rt.fetch.Fetch(r.Context(), r)
	if err != nil {
		rt.log.Warn("pass-through fetch failed", "url", r.URL.Redacted(), "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		rt.metrics.Observe(passThrough, http.StatusBadGateway, time.Since(start).Seconds())
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	resource.StripHopByHop(h)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		rt.log.Debug("pass-through copy interrupted", "url", r.URL.Redacted(), "error", err)
	}
	rt.metrics.Observe(passThrough, resp.StatusCode, time.Since(start).Seconds())
}
