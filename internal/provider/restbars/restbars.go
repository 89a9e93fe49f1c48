// Package restbars is a generic REST historical provider. It speaks a
// plain JSON bars endpoint and maps HTTP failures onto the typed
// provider errors the composite understands, so a new vendor can be
// onboarded with a Config instead of a new package.
package restbars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/httpreg"
	"github.com/mdflow/mdflow/internal/provider"
)

// Config describes one REST bars vendor.
type Config struct {
	ID          string
	DisplayName string
	Priority    int
	BaseURL     string
	APIKey      string
	RateLimit   provider.RateLimit

	// BarsPath is the endpoint template, e.g. "/v1/bars". Query
	// parameters symbol, from, to, adjusted are appended.
	BarsPath string

	// HTTPProfile names the client profile in the registry. Empty
	// means the default profile; availability checks always use the
	// check profile.
	HTTPProfile string

	MaxRetries   int
	RetryBackoff time.Duration
}

// Provider is a provider.Historical over a REST bars endpoint.
type Provider struct {
	cfg      Config
	client   *http.Client
	checkCli *http.Client
	resolver provider.SymbolResolver
	logger   *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithSymbolResolver sets a vendor symbol mapping.
func WithSymbolResolver(r provider.SymbolResolver) Option {
	return func(p *Provider) { p.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New builds a Provider using clients from the registry.
func New(cfg Config, clients *httpreg.Registry, opts ...Option) *Provider {
	if cfg.BarsPath == "" {
		cfg.BarsPath = "/v1/bars"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}

	p := &Provider{
		cfg:      cfg,
		client:   clients.Get(cfg.HTTPProfile),
		checkCli: clients.Get(httpreg.ProfileCheck),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "restbars", "provider", cfg.ID)
	return p
}

func (p *Provider) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:          p.cfg.ID,
		DisplayName: p.cfg.DisplayName,
		Priority:    p.cfg.Priority,
		Capabilities: provider.Capabilities{
			AdjustedPrices: true,
		},
		RateLimit: p.cfg.RateLimit,
	}
}

// IsAvailable probes the bars endpoint with a HEAD request on the
// short-timeout client.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.BaseURL+p.cfg.BarsPath, nil)
	if err != nil {
		return false
	}
	p.authorize(req)

	resp, err := p.checkCli.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (p *Provider) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	return p.getBars(ctx, symbol, from, to, false)
}

func (p *Provider) GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	return p.getBars(ctx, symbol, from, to, true)
}

// barDTO is the wire shape of one bar.
type barDTO struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adj_close"`
	Volume   int64   `json:"volume"`
}

type barsResponse struct {
	Symbol string   `json:"symbol"`
	Bars   []barDTO `json:"bars"`
}

func (p *Provider) getBars(ctx context.Context, symbol string, from, to time.Time, adjusted bool) ([]event.Bar, error) {
	vendorSym := symbol
	if p.resolver != nil {
		vendorSym = p.resolver.Resolve(p.cfg.ID, symbol)
	}

	query := url.Values{}
	query.Set("symbol", vendorSym)
	query.Set("from", from.Format("2006-01-02"))
	query.Set("to", to.Format("2006-01-02"))
	if adjusted {
		query.Set("adjusted", "true")
	}

	body, err := p.doWithRetry(ctx, p.cfg.BarsPath, query)
	if err != nil {
		return nil, err
	}

	var resp barsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: unmarshal bars: %w", p.cfg.ID, err)
	}

	bars := make([]event.Bar, 0, len(resp.Bars))
	for _, dto := range resp.Bars {
		date, err := time.Parse("2006-01-02", dto.Date)
		if err != nil {
			return nil, fmt.Errorf("%s: bad bar date %q: %w", p.cfg.ID, dto.Date, err)
		}
		adjClose := dto.AdjClose
		if !adjusted || adjClose == 0 {
			adjClose = dto.Close
		}
		bars = append(bars, event.Bar{
			Date:     date,
			Open:     dto.Open,
			High:     dto.High,
			Low:      dto.Low,
			Close:    dto.Close,
			AdjClose: adjClose,
			Volume:   dto.Volume,
			Adjusted: adjusted,
		})
	}
	return bars, nil
}

// doWithRetry performs a GET with exponential backoff retry on
// transient failures. Rate limits and auth failures return typed
// errors immediately so the composite can rotate or disable.
func (p *Provider) doWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			p.logger.Debug("retrying request", "attempt", attempt, "backoff", jitter, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := p.doRequest(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var te *provider.TransientError
		if !errors.As(err, &te) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *Provider) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := p.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &provider.TransientError{Provider: p.cfg.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransientError{Provider: p.cfg.ID, Err: err}
	}

	return body, p.classifyStatus(resp, body)
}

func (p *Provider) classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return provider.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", p.cfg.ID, provider.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &provider.RateLimitedError{
			Provider:   p.cfg.ID,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(body),
		}
	case resp.StatusCode >= 500:
		return &provider.TransientError{
			Provider: p.cfg.ID,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	default:
		return fmt.Errorf("%s: status %d: %s", p.cfg.ID, resp.StatusCode, string(body))
	}
}

func (p *Provider) authorize(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
