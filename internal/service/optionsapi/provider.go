package optionsapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/domain/repository"
	xhttp "LeapsEngine/pkg/http"
	"LeapsEngine/pkg/logger"
)

const (
	PathChain      = "/v1/options/chain"
	PathQuote      = "/v1/options/quote/"
	PathUnderlying = "/v1/underlying/"
	PathHealth     = "/health"

	apiKeyHeader = "X-API-Key"
)

var ErrNotFound = errors.New("optionsapi: not found")

var (
	_ repository.OptionsDataProvider    = (*Provider)(nil)
	_ repository.UnderlyingDataProvider = (*Provider)(nil)
	_ repository.HealthChecker          = (*Provider)(nil)
)

// Option configures Provider.
type Option func(*Provider)

func WithAPIKey(key string) Option                { return func(p *Provider) { p.apiKey = key } }
func WithHTTPClient(c *xhttp.Client) Option       { return func(p *Provider) { p.client = c } }
func WithRetryPolicy(rp xhttp.RetryPolicy) Option { return func(p *Provider) { p.retry = rp } }
func WithLogger(l *logger.Logger) Option          { return func(p *Provider) { p.log = l } }

type chainResponse struct {
	Symbol    string                  `json:"symbol"`
	Contracts []models.OptionContract `json:"contracts"`
}

// Provider is an options data source behind a JSON HTTP API. Breakers and
// rate limits are applied by the router, retries of transient failures here.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	client  *xhttp.Client
	retry   xhttp.RetryPolicy
	log     *logger.Logger
}

func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		retry:   xhttp.DefaultRetryPolicy(),
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = xhttp.NewClient(xhttp.WithTimeout(10 * time.Second))
	}
	p.log = p.log.With(logger.String("provider", name))
	return p
}

func (p *Provider) Name() string { return p.name }

// GetOptionChain fetches the chain for symbol. Contracts failing validation
// are dropped; the upstream is trusted for the rest.
func (p *Provider) GetOptionChain(ctx context.Context, symbol string, expiration *time.Time) ([]models.OptionContract, error) {
	q := map[string][]string{"symbol": {strings.ToUpper(symbol)}}
	if expiration != nil {
		q["expiration"] = []string{expiration.UTC().Format(time.DateOnly)}
	}

	resp, err := xhttp.Retry(ctx, p.policy(PathChain), func(ctx context.Context) (chainResponse, error) {
		var r chainResponse
		return r, p.get(ctx, PathChain, q, &r)
	})
	if err != nil {
		return nil, fmt.Errorf("%s chain %s: %w", p.name, symbol, err)
	}

	out := make([]models.OptionContract, 0, len(resp.Contracts))
	for _, c := range resp.Contracts {
		if c.Underlying == "" {
			c.Underlying = strings.ToUpper(symbol)
		}
		if err := xhttp.ValidateStruct(ctx, &c); err != nil {
			p.log.Debug("dropping invalid contract", logger.String("contract", c.Symbol), logger.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Provider) GetOptionQuote(ctx context.Context, contractSymbol string) (models.OptionContract, error) {
	path := PathQuote + url.PathEscape(contractSymbol)
	c, err := xhttp.Retry(ctx, p.policy(PathQuote), func(ctx context.Context) (models.OptionContract, error) {
		var c models.OptionContract
		return c, p.get(ctx, path, nil, &c)
	})
	if err != nil {
		return models.OptionContract{}, fmt.Errorf("%s quote %s: %w", p.name, contractSymbol, err)
	}
	if err := xhttp.ValidateStruct(ctx, &c); err != nil {
		return models.OptionContract{}, fmt.Errorf("%s quote %s: %w", p.name, contractSymbol, err)
	}
	return c, nil
}

func (p *Provider) GetUnderlyingData(ctx context.Context, symbol string) (models.MarketData, error) {
	path := PathUnderlying + url.PathEscape(strings.ToUpper(symbol))
	md, err := xhttp.Retry(ctx, p.policy(PathUnderlying), func(ctx context.Context) (models.MarketData, error) {
		var md models.MarketData
		return md, p.get(ctx, path, nil, &md)
	})
	if err != nil {
		return models.MarketData{}, fmt.Errorf("%s underlying %s: %w", p.name, symbol, err)
	}
	if md.Source == "" {
		md.Source = p.name
	}
	return md, nil
}

// HealthCheck hits the health endpoint once without retries.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if err := p.get(ctx, PathHealth, nil, nil); err != nil {
		return fmt.Errorf("%s health: %w", p.name, err)
	}
	return nil
}

func (p *Provider) get(ctx context.Context, path string, query map[string][]string, dest any) error {
	headers := map[string]string{"Accept": "application/json"}
	if p.apiKey != "" {
		headers[apiKeyHeader] = p.apiKey
	}
	err := p.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         p.baseURL + path,
		Headers:     headers,
		QueryParams: query,
	}, dest)
	if xhttp.StatusCodeOf(err) == 404 {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (p *Provider) policy(op string) xhttp.RetryPolicy {
	rp := p.retry
	rp.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.log.Warn("provider call retrying",
			logger.String("op", op),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
	}
	return rp
}
