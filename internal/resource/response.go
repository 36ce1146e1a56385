// Package resource holds the buffered request/response values that flow between
// the router, the retrieval strategies and the partition store.
package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Response is a fully buffered HTTP response. Partitions store Responses and
// strategies return them; the body can be written any number of times.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy. Partition writes always go through Clone so the
// caller's copy and the stored copy never share header maps or body bytes.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return out
}

// ContentType returns the Content-Type header value.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// WriteTo writes the response to w. Content-Length is recomputed from the body.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range r.Header {
		if isHopByHop(k) {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(r.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// FromHTTP buffers resp and closes its body.
func FromHTTP(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for k := range header {
		if isHopByHop(k) {
			header.Del(k)
		}
	}
	header.Del("Content-Length")
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// ForceContentType re-wraps the payload bytes into a new response carrying
// mime as its Content-Type, whatever the upstream declared.
func ForceContentType(r *Response, mime string) *Response {
	out := r.Clone()
	out.Header.Set("Content-Type", mime)
	return out
}

// Text builds a plain-text response.
func Text(status int, body string) *Response {
	return build(status, "text/plain; charset=utf-8", []byte(body))
}

// CSS builds a stylesheet response.
func CSS(status int, body string) *Response {
	return build(status, "text/css", []byte(body))
}

// HTML builds an HTML document response.
func HTML(status int, body string) *Response {
	return build(status, "text/html; charset=utf-8", []byte(body))
}

// JSON marshals v into a JSON response. Marshal failures degrade to a 500
// with an error payload rather than propagating.
func JSON(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return build(http.StatusInternalServerError, "application/json", []byte(`{"error":"encode response"}`))
	}
	return build(status, "application/json", data)
}

func build(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &Response{StatusCode: status, Header: h, Body: body}
}

// Key is the partition key of a request URL: scheme, host, path and query.
// Fragments never reach the key.
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	k.User = nil
	if k.Path == "" {
		k.Path = "/"
	}
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = strings.ToLower(k.Host)
	return k.String()
}

// ResolveKey keys u after resolving it against origin, so origin-relative
// and absolute same-origin URLs share one key.
func ResolveKey(origin, u *url.URL) string {
	if origin == nil || u.IsAbs() {
		return Key(u)
	}
	return Key(origin.ResolveReference(u))
}

// Equal reports whether two responses carry the same status, content type and bytes.
func Equal(a, b *Response) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StatusCode == b.StatusCode &&
		a.ContentType() == b.ContentType() &&
		bytes.Equal(a.Body, b.Body)
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHop(name string) bool {
	return hopByHop[http.CanonicalHeaderKey(name)]
}

// StripHopByHop removes connection-scoped headers from h in place.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}
