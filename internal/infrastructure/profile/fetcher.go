package profile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
	"github.com/devilmonastery/bioverify/internal/pkg/urlutil"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 4 << 20

	// A generic mobile browser gets the standard client-rendered page
	// instead of the bot wall.
	defaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) " +
		"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
)

// Config controls how profiles are fetched
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64 // <= 0 disables pacing
	Burst             int
	MaxBodyBytes      int64
}

// Fetcher retrieves profile pages and classifies the bio they carry
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

// NewFetcher creates a fetcher. transport may be nil to use http.DefaultTransport.
func NewFetcher(cfg Config, transport http.RoundTripper, log *slog.Logger) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = urlutil.DefaultProfileBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.With(slog.String("component", "profile_fetcher")),
		now:     time.Now,
	}
}

// Fetch retrieves the profile for handle and classifies the outcome. The only
// error returned is urlutil.ErrInvalidHandle, before any network call; every
// other condition is reported through the result's Outcome.
func (f *Fetcher) Fetch(ctx context.Context, handle string) (entities.ProfileFetchResult, error) {
	normalized, err := urlutil.NormalizeHandle(handle)
	if err != nil {
		return entities.ProfileFetchResult{}, err
	}

	start := time.Now()
	result := f.fetch(ctx, normalized)
	metrics.ProfileFetchDuration.Observe(float64(time.Since(start).Milliseconds()))
	metrics.ProfileFetches.WithLabelValues(string(result.Outcome)).Inc()

	f.log.Debug("profile fetched",
		slog.String("handle", normalized),
		slog.String("outcome", string(result.Outcome)),
		slog.Duration("duration", time.Since(start)))

	return result, nil
}

func (f *Fetcher) fetch(ctx context.Context, handle string) entities.ProfileFetchResult {
	unavailable := func(cause error) entities.ProfileFetchResult {
		return entities.ProfileFetchResult{Handle: handle, Outcome: entities.ProfileUnavailable, Cause: cause}
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return unavailable(fmt.Errorf("rate limit wait: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	target := urlutil.ProfileURL(f.cfg.BaseURL, handle, f.now().UnixNano())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return unavailable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("profile request failed",
			slog.String("handle", handle),
			slog.String("error", err.Error()))
		return unavailable(fmt.Errorf("request profile: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.log.Warn("profile request returned non-success status",
			slog.String("handle", handle),
			slog.Int("status_code", resp.StatusCode))
		return unavailable(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return unavailable(fmt.Errorf("read profile body: %w", err))
	}

	c := classifyPayload(body, handle)
	if !c.Parsed {
		metrics.ProfileParseFailures.Inc()
		f.log.Warn("profile payload matched no known shape",
			slog.String("handle", handle),
			slog.Int("body_bytes", len(body)))
		return unavailable(ErrUnrecognizedPayload)
	}
	metrics.ProfilePayloadShapes.WithLabelValues(string(c.Shape)).Inc()

	switch {
	case c.NotFound:
		return entities.ProfileFetchResult{Handle: handle, Outcome: entities.ProfileNotFound}
	case c.Empty:
		return entities.ProfileFetchResult{Handle: handle, Outcome: entities.ProfileEmpty}
	default:
		return entities.ProfileFetchResult{Handle: handle, Outcome: entities.ProfileFound, Bio: c.Bio}
	}
}
