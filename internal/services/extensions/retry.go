package extensions

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/downloader"
)

const maxRetryBackoff = 30 * time.Second

// Retry reschedules requests that failed with a retryable status or a
// transport error. The attempt count lives in meta["retry_times"];
// meta["max_retry_times"] overrides the configured limit per request.
type Retry struct {
	maxRetryTimes int
	patterns      []downloader.StatusPattern
	backoff       time.Duration
	logger        arbor.ILogger
}

// NewRetry is the retry factory
func NewRetry(deps Deps) (any, error) {
	cfg := deps.Config.Crawler
	patterns, err := downloader.ParsePatterns(cfg.RetryHTTPStatus)
	if err != nil {
		return nil, fmt.Errorf("invalid retry_http_status: %w", err)
	}
	return &Retry{
		maxRetryTimes: cfg.MaxRetryTimes,
		patterns:      patterns,
		backoff:       cfg.RetryBackoff,
		logger:        deps.Logger,
	}, nil
}

func (r *Retry) HandleResponse(ctx context.Context, req *models.Request, resp *models.Response) (*Result, error) {
	if !downloader.MatchAny(r.patterns, resp.Status) {
		return nil, nil
	}
	return r.retry(ctx, req, fmt.Sprintf("status %d", resp.Status))
}

func (r *Retry) HandleError(ctx context.Context, req *models.Request, err error) (*Result, error) {
	if errors.Is(err, context.Canceled) {
		return nil, nil
	}

	var clientErr *models.ClientError
	if errors.As(err, &clientErr) {
		return r.retry(ctx, req, clientErr.Err.Error())
	}

	var httpErr *models.HTTPError
	if errors.As(err, &httpErr) && downloader.MatchAny(r.patterns, httpErr.Response.Status) {
		return r.retry(ctx, req, fmt.Sprintf("status %d", httpErr.Response.Status))
	}

	return nil, nil
}

func (r *Retry) retry(ctx context.Context, req *models.Request, reason string) (*Result, error) {
	retryTimes, _ := req.MetaInt(models.MetaRetryTimes)
	retryTimes++

	maxRetryTimes := r.maxRetryTimes
	if n, ok := req.MetaInt(models.MetaMaxRetryTimes); ok {
		maxRetryTimes = n
	}

	if retryTimes > maxRetryTimes {
		r.logger.Info().
			Str("url", req.URL).
			Int("retry_times", retryTimes-1).
			Str("reason", reason).
			Msg("Gave up retrying")
		return nil, models.IgnoreRequest(fmt.Sprintf("retry exhausted after %d attempts: %s", retryTimes-1, reason))
	}

	if wait := r.backoffFor(retryTimes); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	retried := req.Copy()
	retried.SetMeta(models.MetaRetryTimes, retryTimes)
	retried.DontFilter = true

	r.logger.Debug().
		Str("url", req.URL).
		Int("retry_times", retryTimes).
		Str("reason", reason).
		Msg("Retrying request")

	return &Result{Request: retried}, nil
}

// backoffFor doubles the base delay per attempt with +/-25% jitter
func (r *Retry) backoffFor(attempt int) time.Duration {
	if r.backoff <= 0 {
		return 0
	}
	backoff := float64(r.backoff)
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > float64(maxRetryBackoff) {
		backoff = float64(maxRetryBackoff)
	}
	backoff += backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff)
}
