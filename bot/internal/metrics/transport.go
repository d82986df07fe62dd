package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

// Service labels for outbound calls
const (
	ServiceDiscord = "discord"
	ServiceProfile = "profile"
)

// metricsTransport wraps an http.RoundTripper to collect metrics on calls to
// Discord and to the profile platform
type metricsTransport struct {
	base        http.RoundTripper
	profileHost string
}

// NewMetricsTransport creates a transport wrapper that collects metrics for
// Discord API calls and for requests to profileHost. Requests to any other
// host pass through uninstrumented. Install it on both the DiscordGo
// session's HTTP client and the profile fetcher.
func NewMetricsTransport(base http.RoundTripper, profileHost string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &metricsTransport{base: base, profileHost: strings.ToLower(profileHost)}
}

// RoundTrip implements http.RoundTripper, wrapping the base transport with metrics collection
func (t *metricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	service := t.serviceFor(req)
	if service == "" {
		return t.base.RoundTrip(req)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	route := normalizeRoute(service, req.URL.Path)
	bucket := route
	statusCode := 0

	if resp != nil {
		statusCode = resp.StatusCode

		if service == ServiceDiscord {
			// Discord provides bucket ID in response header (most accurate for rate limiting)
			if b := resp.Header.Get("X-RateLimit-Bucket"); b != "" {
				bucket = b
			}
			trackRateLimitHeaders(resp, route, bucket)
		}

		if statusCode == http.StatusTooManyRequests {
			metrics.RateLimitHits.WithLabelValues(service, route).Inc()
		}
	}

	metrics.HTTPClientCalls.WithLabelValues(service, req.Method, route, bucket, strconv.Itoa(statusCode)).Inc()
	metrics.HTTPClientDuration.WithLabelValues(service, req.Method, route).Observe(float64(duration.Milliseconds()))

	if err != nil || statusCode >= 400 {
		metrics.HTTPClientErrors.WithLabelValues(service, route, classifyError(statusCode, err)).Inc()
	}

	return resp, err
}

// serviceFor returns the service label for req, or "" when it is not instrumented
func (t *metricsTransport) serviceFor(req *http.Request) string {
	host := strings.ToLower(req.URL.Hostname())
	switch {
	case strings.Contains(host, "discord.com") || strings.Contains(host, "discordapp.com"):
		return ServiceDiscord
	case t.profileHost != "" && (host == t.profileHost || strings.HasSuffix(host, "."+t.profileHost)):
		return ServiceProfile
	default:
		return ""
	}
}

// trackRateLimitHeaders records the remaining request budget Discord reports
func trackRateLimitHeaders(resp *http.Response, route, bucket string) {
	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if r, err := strconv.Atoi(remaining); err == nil {
			metrics.DiscordRateLimitRemaining.WithLabelValues(route, bucket).Set(float64(r))
		}
	}
}

var (
	discordRoutePatterns = []struct {
		regex   *regexp.Regexp
		replace string
	}{
		{regexp.MustCompile(`/channels/\d+`), "/channels/:id"},
		{regexp.MustCompile(`/guilds/\d+`), "/guilds/:id"},
		{regexp.MustCompile(`/users/\d+`), "/users/:id"},
		{regexp.MustCompile(`/messages/\d+`), "/messages/:id"},
		{regexp.MustCompile(`/members/\d+`), "/members/:id"},
		{regexp.MustCompile(`/roles/\d+`), "/roles/:id"},
	}
	profileRoutePattern = regexp.MustCompile(`^/@[^/]+`)
)

// normalizeRoute replaces IDs and handles with placeholders to keep label
// cardinality bounded
func normalizeRoute(service, path string) string {
	if service == ServiceProfile {
		return profileRoutePattern.ReplaceAllString(path, "/@:handle")
	}
	normalized := path
	for _, p := range discordRoutePatterns {
		normalized = p.regex.ReplaceAllString(normalized, p.replace)
	}
	return normalized
}

// classifyError categorizes outbound errors for metrics
func classifyError(statusCode int, err error) string {
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
			return "timeout"
		case strings.Contains(errStr, "connection"):
			return "connection"
		case strings.Contains(errStr, "TLS"):
			return "tls"
		default:
			return "network"
		}
	}

	switch {
	case statusCode == 400:
		return "bad_request"
	case statusCode == 401:
		return "unauthorized"
	case statusCode == 403:
		return "forbidden"
	case statusCode == 404:
		return "not_found"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 500:
		return "server_error"
	case statusCode >= 400:
		return "client_error"
	default:
		return "unknown"
	}
}
