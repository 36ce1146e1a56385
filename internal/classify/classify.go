// Package classify maps an incoming request to the partition that stores it
// and the retrieval strategy that serves it.
package classify

import (
	"net/http"
	"strings"

	"github.com/stellarlinkco/pvedge/internal/partition"
)

// Kind names a retrieval strategy.
type Kind string

const (
	CacheFirst           Kind = "cache-first"
	CacheFirstRefresh    Kind = "cache-first-refresh"
	BinarySafeFetch      Kind = "binary-safe-fetch"
	NetworkFirstFallback Kind = "network-first-fallback"
	StaleWhileRevalidate Kind = "stale-while-revalidate"
	NavigationFallback   Kind = "navigation-fallback"
)

// Descriptor is the classification result for an intercepted request.
type Descriptor struct {
	Partition partition.Purpose
	Strategy  Kind
	IsBinary  bool
}

// GameAssets reports whether a path belongs to a declared game.
type GameAssets interface {
	IsGameAsset(path string) bool
}

// Rules holds the URL shapes the classifier matches against.
type Rules struct {
	// Origin is the host of the arcade itself. Origin-form requests are
	// always same-origin.
	Origin          string
	FontOrigins     []string
	BinaryExtension string
	APIPrefix       string
	FontPath        string
	BundlerPaths    []string
	Games           GameAssets
}

// DefaultRules returns the arcade's URL shapes for origin.
func DefaultRules(origin string, games GameAssets) Rules {
	return Rules{
		Origin:          origin,
		FontOrigins:     []string{"fonts.googleapis.com", "fonts.gstatic.com"},
		BinaryExtension: ".wasm",
		APIPrefix:       "/api/",
		FontPath:        "/fonts/",
		BundlerPaths:    []string{"/_app/", "/build/", "/_svelte/"},
		Games:           games,
	}
}

// Classifier applies Rules. It is safe for concurrent use.
type Classifier struct {
	rules Rules
}

func New(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the descriptor for r, or false when the request is not
// intercepted and must go to the network untouched.
func (c *Classifier) Classify(r *http.Request) (Descriptor, bool) {
	path := r.URL.Path
	sameOrigin := c.isSameOrigin(r)
	fontOrigin := !sameOrigin && c.isFontOrigin(r.URL.Hostname())

	switch {
	case !sameOrigin && !fontOrigin:
		return Descriptor{}, false
	case c.rules.BinaryExtension != "" && strings.HasSuffix(path, c.rules.BinaryExtension):
		return Descriptor{Partition: partition.Games, Strategy: BinarySafeFetch, IsBinary: true}, true
	case c.rules.Games != nil && c.rules.Games.IsGameAsset(path):
		return Descriptor{Partition: partition.Games, Strategy: CacheFirstRefresh}, true
	case c.rules.APIPrefix != "" && strings.HasPrefix(path, c.rules.APIPrefix):
		return Descriptor{Partition: partition.API, Strategy: NetworkFirstFallback}, true
	case fontOrigin || (c.rules.FontPath != "" && strings.Contains(path, c.rules.FontPath)):
		return Descriptor{Partition: partition.Fonts, Strategy: CacheFirst}, true
	case c.isBundlerPath(path):
		return Descriptor{Partition: partition.Shell, Strategy: CacheFirstRefresh}, true
	case IsNavigation(r):
		return Descriptor{Partition: partition.Shell, Strategy: NavigationFallback}, true
	default:
		return Descriptor{Partition: partition.Visual, Strategy: StaleWhileRevalidate}, true
	}
}

func (c *Classifier) isSameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return c.rules.Origin != "" && strings.EqualFold(r.URL.Host, c.rules.Origin)
}

func (c *Classifier) isFontOrigin(host string) bool {
	for _, o := range c.rules.FontOrigins {
		if strings.EqualFold(host, o) {
			return true
		}
	}
	return false
}

func (c *Classifier) isBundlerPath(path string) bool {
	for _, p := range c.rules.BundlerPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether r is a top-level page load. Browsers send
// Sec-Fetch-Mode; older clients are recognised by a GET that accepts HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
