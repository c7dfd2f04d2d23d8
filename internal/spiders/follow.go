package spiders

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/crawler"
)

const FollowSpiderName = "follow"

// FollowSpider starts from a list of URLs, emits one item per page and
// follows every link that stays on an allowed host.
//
// Task arguments:
//
//	start_urls       comma or space separated, required
//	allowed_domains  comma separated hosts, defaults to the start URL hosts
//	selector         CSS selector for links, defaults to a[href]
//	schedule         cron expression; the start URLs are reissued on it
type FollowSpider struct {
	crawler.BaseSpider
	startURLs []string
	allowed   map[string]bool
	selector  string
}

type cronFollowSpider struct {
	*FollowSpider
	schedule cron.Schedule
}

func (s *cronFollowSpider) Schedule() cron.Schedule { return s.schedule }

// NewFollowSpider builds a follow spider from task arguments
func NewFollowSpider(args map[string]string) (crawler.Spider, error) {
	startURLs := splitList(args["start_urls"])
	if len(startURLs) == 0 {
		return nil, errors.New("start_urls is required")
	}

	allowed := make(map[string]bool)
	for _, host := range splitList(args["allowed_domains"]) {
		allowed[strings.ToLower(host)] = true
	}
	for _, raw := range startURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid start url %q", raw)
		}
		if args["allowed_domains"] == "" {
			allowed[strings.ToLower(u.Hostname())] = true
		}
	}

	selector := args["selector"]
	if selector == "" {
		selector = "a[href]"
	}

	spider := &FollowSpider{
		BaseSpider: crawler.BaseSpider{SpiderName: FollowSpiderName},
		startURLs:  startURLs,
		allowed:    allowed,
		selector:   selector,
	}

	if expr := args["schedule"]; expr != "" {
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
		return &cronFollowSpider{FollowSpider: spider, schedule: schedule}, nil
	}
	return spider, nil
}

// StartRequests returns one request per start URL. They bypass the dupe
// filter so a scheduled spider can revisit them.
func (s *FollowSpider) StartRequests(ctx context.Context) ([]*models.Request, error) {
	reqs := make([]*models.Request, 0, len(s.startURLs))
	for _, raw := range s.startURLs {
		req := models.NewRequest(raw)
		req.DontFilter = true
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Parse emits the page item and the allowed links
func (s *FollowSpider) Parse(ctx context.Context, resp *models.Response) ([]any, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, err
	}

	item := models.Item{
		"url":    resp.URL,
		"status": resp.Status,
		"title":  strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if resp.Request != nil {
		item["depth"] = resp.Request.Depth()
	}
	results := []any{item}

	doc.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		req, err := resp.Follow(href)
		if err != nil || !s.Allowed(req.URL) {
			return
		}
		results = append(results, req)
	})
	return results, nil
}

// Allowed reports whether rawURL is an http(s) URL on an allowed host
func (s *FollowSpider) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return s.allowed[strings.ToLower(u.Hostname())]
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}
