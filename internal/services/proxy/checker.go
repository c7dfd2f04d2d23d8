package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/spindle/internal/services/downloader"
)

const defaultCheckURL = "http://www.example.com/"

// HTTPChecker fetches a check URL through the proxy and treats any 2xx
// answer as healthy.
type HTTPChecker struct {
	URL     string
	Timeout time.Duration
}

// NewHTTPChecker creates a checker for url, falling back to a public page
func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	if url == "" {
		url = defaultCheckURL
	}
	return &HTTPChecker{URL: url, Timeout: timeout}
}

// Check implements Checker
func (c *HTTPChecker) Check(ctx context.Context, addr string) error {
	proxyURL, err := downloader.ParseProxy(addr)
	if err != nil {
		return err
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: c.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build check request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("check through %s returned status %d", addr, resp.StatusCode)
	}
	return nil
}
