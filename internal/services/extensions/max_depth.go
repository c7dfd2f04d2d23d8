package extensions

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
)

// MaxDepth records meta["depth"] on requests produced by the spider and drops
// those deeper than crawler.max_depth
type MaxDepth struct {
	maxDepth int
	logger   arbor.ILogger
}

// NewMaxDepth is the max_depth factory
func NewMaxDepth(deps Deps) (any, error) {
	if deps.Config.Crawler.MaxDepth <= 0 {
		return nil, models.ErrNotEnabled
	}
	return &MaxDepth{maxDepth: deps.Config.Crawler.MaxDepth, logger: deps.Logger}, nil
}

func (m *MaxDepth) HandleSpiderOutput(ctx context.Context, resp *models.Response, results []any) ([]any, error) {
	parentDepth := 0
	if resp != nil && resp.Request != nil {
		parentDepth = resp.Request.Depth()
	}

	filtered := results[:0]
	for _, result := range results {
		req, ok := result.(*models.Request)
		if !ok {
			filtered = append(filtered, result)
			continue
		}
		if _, set := req.MetaInt(models.MetaDepth); !set {
			req.SetMeta(models.MetaDepth, parentDepth+1)
		}
		if req.Depth() > m.maxDepth {
			m.logger.Debug().
				Str("url", req.URL).
				Int("depth", req.Depth()).
				Msg("Dropped request beyond max depth")
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered, nil
}
