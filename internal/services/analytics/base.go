package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	svcmetrics "LeapsEngine/internal/service/metrics"
	"LeapsEngine/pkg/breaker"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
)

// HTTPServiceBase provides the shared plumbing for remote analytics clients:
// JSON POST, retry with capped backoff, and a circuit breaker around the
// whole retry sequence.
type HTTPServiceBase struct {
	baseURL string
	client  *xhttp.Client
	retry   xhttp.RetryPolicy
	breaker *breaker.Breaker
	metrics *svcmetrics.AnalyticsMetrics
	log     *logger.Logger
}

type Option func(*HTTPServiceBase)

func WithHTTPClient(c *xhttp.Client) Option             { return func(b *HTTPServiceBase) { b.client = c } }
func WithRetryPolicy(p xhttp.RetryPolicy) Option        { return func(b *HTTPServiceBase) { b.retry = p } }
func WithBreaker(br *breaker.Breaker) Option            { return func(b *HTTPServiceBase) { b.breaker = br } }
func WithMetrics(m *svcmetrics.AnalyticsMetrics) Option { return func(b *HTTPServiceBase) { b.metrics = m } }
func WithLogger(l *logger.Logger) Option                { return func(b *HTTPServiceBase) { b.log = l } }

// NewHTTPServiceBase builds a client for baseURL. Without WithBreaker a private
// breaker named name is created.
func NewHTTPServiceBase(name, baseURL string, opts ...Option) *HTTPServiceBase {
	b := &HTTPServiceBase{
		baseURL: baseURL,
		retry:   xhttp.DefaultRetryPolicy(),
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = xhttp.NewClient(xhttp.WithTimeout(10 * time.Second))
	}
	if b.breaker == nil {
		b.breaker = breaker.New(name, BreakerOptions(b.log)...)
	}
	return b
}

// BreakerOptions configures a breaker that does not trip on client errors.
func BreakerOptions(l *logger.Logger) []breaker.Option {
	return []breaker.Option{
		breaker.WithIgnorePredicate(IsClientError),
		breaker.WithLogger(l),
	}
}

// IsClientError reports 4xx responses other than 429. They say nothing about
// service health.
func IsClientError(err error) bool {
	code := xhttp.StatusCodeOf(err)
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// Breaker exposes the breaker guarding this client.
func (b *HTTPServiceBase) Breaker() *breaker.Breaker { return b.breaker }

// PostJSON posts payload to path under baseURL once and decodes JSON into dest.
func (b *HTTPServiceBase) PostJSON(ctx context.Context, path string, payload any, dest any) error {
	if b.client == nil || b.baseURL == "" {
		return fmt.Errorf("analytics http client not initialized")
	}
	err := b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    b.baseURL + path,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: payload,
	}, dest)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}

// PostJSONWithRetry runs PostJSON under the retry policy, inside the breaker.
func (b *HTTPServiceBase) PostJSONWithRetry(ctx context.Context, path string, payload any, dest any) error {
	start := time.Now()

	p := b.retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		b.metrics.Retry(path)
		b.log.Warn("analytics call retrying",
			logger.String("path", path),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
	}

	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.Do(ctx, func(ctx context.Context) error {
			return b.PostJSON(ctx, path, payload, dest)
		})
	})
	b.metrics.Observe(path, time.Since(start), err)

	if err != nil && errors.Is(err, breaker.ErrOpen) {
		b.log.Debug("analytics call rejected by breaker", logger.String("path", path))
	}
	return err
}
