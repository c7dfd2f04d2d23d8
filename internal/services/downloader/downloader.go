// -----------------------------------------------------------------------
// Downloader - opaque fetch operation used by crawl workers
// -----------------------------------------------------------------------

package downloader

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/models"
)

// DialOptions are applied to every outbound connection
type DialOptions struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	Linger    int // SO_LINGER seconds, negative leaves the OS default
}

type transportKey struct {
	proxy  string
	verify bool
}

// Downloader fetches requests over HTTP, or through the render pool when
// meta["render"] is set
type Downloader struct {
	config        *common.CrawlerConfig
	dial          DialOptions
	errorPatterns []StatusPattern
	render        Renderer
	logger        arbor.ILogger

	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

// Renderer is the browser backed fetch operation
type Renderer interface {
	Render(ctx context.Context, req *models.Request) (*models.Response, error)
}

// New creates a downloader. render may be nil when rendering is disabled.
func New(config *common.CrawlerConfig, render Renderer, logger arbor.ILogger) (*Downloader, error) {
	patterns, err := ParsePatterns(config.HTTPErrorStatus)
	if err != nil {
		return nil, fmt.Errorf("invalid http_error_status: %w", err)
	}

	return &Downloader{
		config: config,
		dial: DialOptions{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Linger:    config.Linger,
		},
		errorPatterns: patterns,
		render:        render,
		logger:        logger,
		transports:    make(map[transportKey]*http.Transport),
	}, nil
}

// Fetch downloads req. Transport failures return *models.ClientError;
// statuses matching crawler.http_error_status return *models.HTTPError.
// Cancellation of ctx is returned as is.
func (d *Downloader) Fetch(ctx context.Context, req *models.Request) (*models.Response, error) {
	if render, _ := req.MetaBool(models.MetaRender); render {
		if d.render == nil {
			return nil, &models.ClientError{URL: req.URL, Err: errors.New("render requested but render pool is disabled")}
		}
		resp, err := d.render.Render(ctx, req)
		if err != nil {
			return nil, err
		}
		return d.checkStatus(resp)
	}

	timeout := d.config.RequestTimeout
	if seconds, ok := req.MetaInt(models.MetaTimeout); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}
	verify := d.config.VerifySSL
	if v, ok := req.MetaBool(models.MetaVerifySSL); ok {
		verify = v
	}

	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(fetchCtx, method, req.URL, body)
	if err != nil {
		return nil, &models.ClientError{URL: req.URL, Err: err}
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	transport, err := d.transport(req.Proxy, verify)
	if err != nil {
		return nil, &models.ClientError{URL: req.URL, Err: err}
	}
	client := &http.Client{Transport: transport}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.ClientError{URL: req.URL, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := d.readBody(httpResp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.ClientError{URL: req.URL, Err: err}
	}

	d.logger.Debug().
		Str("url", req.URL).
		Int("status", httpResp.StatusCode).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Fetched")

	resp := models.NewResponse(req, httpResp.Request.URL.String(), httpResp.StatusCode, httpResp.Header, data)
	return d.checkStatus(resp)
}

func (d *Downloader) checkStatus(resp *models.Response) (*models.Response, error) {
	if MatchAny(d.errorPatterns, resp.Status) {
		return nil, &models.HTTPError{Response: resp}
	}
	return resp, nil
}

func (d *Downloader) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if d.config.MaxBodySize > 0 {
		reader = io.LimitReader(reader, d.config.MaxBodySize)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	decoded, err := decodeBody(encoding, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", encoding, err)
	}
	if encoding != "" && encoding != "identity" {
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}
	return decoded, nil
}

func decodeBody(encoding string, raw []byte) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Servers send either zlib wrapped or raw deflate streams
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fl := flate.NewReader(bytes.NewReader(raw))
			defer fl.Close()
			r = fl
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return raw, nil
	}
	return io.ReadAll(r)
}

// transport returns the cached transport for a proxy and TLS setting
func (d *Downloader) transport(proxy string, verify bool) (*http.Transport, error) {
	key := transportKey{proxy: proxy, verify: verify}

	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.transports[key]; ok {
		return t, nil
	}

	t := &http.Transport{
		DialContext:         d.dial.DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !verify},
	}
	if proxy != "" {
		proxyURL, err := ParseProxy(proxy)
		if err != nil {
			return nil, err
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	d.transports[key] = t
	return t, nil
}

// Close releases idle connections of every cached transport
func (d *Downloader) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.transports {
		t.CloseIdleConnections()
	}
}

// DialContext dials and applies SO_LINGER to TCP connections
func (o DialOptions) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: o.Timeout, KeepAlive: o.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if o.Linger >= 0 {
		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetLinger(o.Linger); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to set linger: %w", err)
			}
		}
	}
	return conn, nil
}

// ParseProxy accepts host:port or a full proxy URL
func ParseProxy(proxy string) (*url.URL, error) {
	if !strings.Contains(proxy, "://") {
		proxy = "http://" + proxy
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy %q: missing host", proxy)
	}
	return u, nil
}
