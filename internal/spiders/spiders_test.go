package spiders

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/crawler"
)

const page = `<html><head><title> Home </title></head><body>
<a href="/about">About</a>
<a href="https://other.example.org/x">Other</a>
<a href="mailto:team@example.com">Mail</a>
<a href="#top">Top</a>
<a href="https://WWW.example.com/contact">Contact</a>
</body></html>`

func htmlResponse(url, body string) *models.Response {
	req := models.NewRequest(url)
	headers := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	return models.NewResponse(req, url, http.StatusOK, headers, []byte(body))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(arbor.NewLogger())
	assert.Equal(t, []string{"follow"}, r.Names())

	assert.Error(t, r.Register("follow", NewFollowSpider), "duplicate names are rejected")
	assert.Error(t, r.Register("", NewFollowSpider))
	assert.Error(t, r.Register("nil", nil))

	_, err := r.NewSpider("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownSpider)

	_, err = r.NewSpider("follow", map[string]string{})
	assert.Error(t, err, "start_urls is required")

	spider, err := r.NewSpider("follow", map[string]string{"start_urls": "https://www.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "follow", spider.Name())
}

func TestFollowSpiderStartRequests(t *testing.T) {
	spider, err := NewFollowSpider(map[string]string{"start_urls": "https://a.example.com/, https://b.example.com/"})
	require.NoError(t, err)

	reqs, err := spider.StartRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "https://a.example.com/", reqs[0].URL)
	assert.Equal(t, "https://b.example.com/", reqs[1].URL)
	assert.True(t, reqs[0].DontFilter)

	_, isCron := spider.(crawler.CronSpider)
	assert.False(t, isCron)
}

func TestFollowSpiderParse(t *testing.T) {
	spider, err := NewFollowSpider(map[string]string{"start_urls": "https://www.example.com/"})
	require.NoError(t, err)

	results, err := spider.Parse(context.Background(), htmlResponse("https://www.example.com/", page))
	require.NoError(t, err)
	require.Len(t, results, 3)

	item, ok := results[0].(models.Item)
	require.True(t, ok)
	assert.Equal(t, "Home", item["title"])
	assert.Equal(t, 0, item["depth"])

	var urls []string
	for _, r := range results[1:] {
		req, ok := r.(*models.Request)
		require.True(t, ok)
		assert.Equal(t, 1, req.Depth())
		urls = append(urls, req.URL)
	}
	assert.Equal(t, []string{"https://www.example.com/about", "https://WWW.example.com/contact"}, urls)
}

func TestFollowSpiderAllowedDomains(t *testing.T) {
	spider, err := NewFollowSpider(map[string]string{
		"start_urls":      "https://www.example.com/",
		"allowed_domains": "other.example.org",
		"selector":        "a[href^='https']",
	})
	require.NoError(t, err)

	results, err := spider.Parse(context.Background(), htmlResponse("https://www.example.com/", page))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://other.example.org/x", results[1].(*models.Request).URL)
}

func TestFollowSpiderSchedule(t *testing.T) {
	spider, err := NewFollowSpider(map[string]string{
		"start_urls": "https://www.example.com/",
		"schedule":   "*/5 * * * *",
	})
	require.NoError(t, err)

	cronSpider, ok := spider.(crawler.CronSpider)
	require.True(t, ok)
	assert.NotNil(t, cronSpider.Schedule())

	_, err = NewFollowSpider(map[string]string{"start_urls": "https://www.example.com/", "schedule": "often"})
	assert.Error(t, err)

	_, err = NewFollowSpider(map[string]string{"start_urls": "ftp://www.example.com/"})
	assert.Error(t, err)
}
