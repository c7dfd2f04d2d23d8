package models

import (
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// Meta keys understood by the runtime
const (
	MetaRetryTimes    = "retry_times"
	MetaMaxRetryTimes = "max_retry_times"
	MetaDepth         = "depth"
	MetaTimeout       = "timeout"
	MetaVerifySSL     = "verify_ssl"
	MetaRender        = "render"
	MetaTaskID        = "task_id"
)

// Request is a single unit of crawl work. It is owned by exactly one of the
// queue, a worker, or the extension chain at any time.
type Request struct {
	URL        string         `json:"url"`
	Method     string         `json:"method"`
	Body       []byte         `json:"body,omitempty"`
	Headers    http.Header    `json:"headers,omitempty"`
	Proxy      string         `json:"proxy,omitempty"`
	Priority   int            `json:"priority"`
	Meta       map[string]any `json:"meta,omitempty"`
	Callback   string         `json:"callback,omitempty"`
	Errback    string         `json:"errback,omitempty"`
	DontFilter bool           `json:"dont_filter,omitempty"`
}

// NewRequest creates a GET request for rawURL.
func NewRequest(rawURL string) *Request {
	return &Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: make(http.Header),
		Meta:    make(map[string]any),
	}
}

// Copy returns a deep enough copy for the request to be rescheduled
// independently of the original.
func (r *Request) Copy() *Request {
	c := *r
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	c.Headers = r.Headers.Clone()
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	c.Meta = make(map[string]any, len(r.Meta))
	for k, v := range r.Meta {
		c.Meta[k] = v
	}
	return &c
}

// SetMeta stores a metadata value, allocating the map when needed.
func (r *Request) SetMeta(key string, value any) {
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[key] = value
}

// MetaInt reads an integer metadata value. Values decoded from JSON arrive as
// float64 and are converted.
func (r *Request) MetaInt(key string) (int, bool) {
	v, ok := r.Meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// MetaBool reads a boolean metadata value.
func (r *Request) MetaBool(key string) (bool, bool) {
	v, ok := r.Meta[key].(bool)
	return v, ok
}

// Depth returns the crawl depth recorded in metadata (0 for start requests).
func (r *Request) Depth() int {
	d, _ := r.MetaInt(MetaDepth)
	return d
}

// Fingerprint returns the stable dedupe identity of the request, derived from
// the method, the normalized URL with sorted query parameters, and the body.
func (r *Request) Fingerprint() string {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	h := xxh3.New()
	h.WriteString(method)
	h.WriteString("\n")
	h.WriteString(CanonicalURL(r.URL))
	h.WriteString("\n")
	h.Write(r.Body)

	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

// CanonicalURL lowercases scheme and host, drops the fragment and default
// ports, and sorts query parameters.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		query := u.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			values := append([]string(nil), query[k]...)
			sort.Strings(values)
			for _, v := range values {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	return u.String()
}
