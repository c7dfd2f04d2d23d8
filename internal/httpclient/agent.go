package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ternarybob/spindle/internal/models"
)

// AgentClient calls the proxy agent API. It is the proxy source of the
// crawler proxy stage.
type AgentClient struct {
	client
}

// NewAgentClient creates a client for the agent at baseURL
func NewAgentClient(baseURL string, opts ...Option) *AgentClient {
	return &AgentClient{client: newClient(baseURL, opts...)}
}

// GetProxyList returns up to count active proxies, best first
func (c *AgentClient) GetProxyList(ctx context.Context, count int) ([]string, error) {
	reply, err := c.GetProxyDetails(ctx, count, false)
	if err != nil {
		return nil, err
	}
	return reply.Proxies, nil
}

// GetProxyDetails returns up to count active proxies with their counters
// when detail is set
func (c *AgentClient) GetProxyDetails(ctx context.Context, count int, detail bool) (*models.ProxyListReply, error) {
	params := url.Values{}
	params.Set("count", strconv.Itoa(count))
	if detail {
		params.Set("detail", "true")
	}

	var reply models.ProxyListReply
	if err := c.do(ctx, http.MethodGet, "/api/proxies", params, nil, &reply); err != nil {
		return nil, fmt.Errorf("failed to get proxy list: %w", err)
	}
	return &reply, nil
}

// AddProxies offers addresses to the agent and returns how many it accepted
func (c *AgentClient) AddProxies(ctx context.Context, addrs []string) (int, error) {
	var reply struct {
		Added int `json:"added"`
	}
	req := models.AddProxiesRequest{Proxies: addrs}
	if err := c.do(ctx, http.MethodPost, "/api/proxies", nil, req, &reply); err != nil {
		return 0, fmt.Errorf("failed to add proxies: %w", err)
	}
	return reply.Added, nil
}
