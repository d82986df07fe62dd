package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		name     string
		service  string
		path     string
		expected string
	}{
		{"guild member role", ServiceDiscord, "/api/v9/guilds/987654321/members/123/roles/456", "/api/v9/guilds/:id/members/:id/roles/:id"},
		{"dm channel", ServiceDiscord, "/api/v9/users/@me/channels", "/api/v9/users/@me/channels"},
		{"channel message", ServiceDiscord, "/channels/123/messages/456", "/channels/:id/messages/:id"},
		{"profile page", ServiceProfile, "/@foo.bar", "/@:handle"},
		{"profile subpage", ServiceProfile, "/@foo/video/1", "/@:handle/video/1"},
		{"no normalization needed", ServiceDiscord, "/gateway", "/gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeRoute(tt.service, tt.path))
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		expected   string
	}{
		{"bad request", 400, nil, "bad_request"},
		{"unauthorized", 401, nil, "unauthorized"},
		{"forbidden", 403, nil, "forbidden"},
		{"not found", 404, nil, "not_found"},
		{"rate limited", 429, nil, "rate_limited"},
		{"server error", 503, nil, "server_error"},
		{"client error", 418, nil, "client_error"},
		{"unknown", 200, nil, "unknown"},
		{"timeout", 0, errors.New("context deadline exceeded"), "timeout"},
		{"connection", 0, errors.New("connection refused"), "connection"},
		{"network", 0, errors.New("no route"), "network"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyError(tt.statusCode, tt.err))
		})
	}
}

func TestServiceFor(t *testing.T) {
	tr := NewMetricsTransport(nil, "tiktok.com").(*metricsTransport)

	tests := []struct {
		url      string
		expected string
	}{
		{"https://discord.com/api/v9/users/@me", ServiceDiscord},
		{"https://discordapp.com/api/v9/users/@me", ServiceDiscord},
		{"https://www.tiktok.com/@foo", ServiceProfile},
		{"https://tiktok.com/@foo", ServiceProfile},
		{"https://nottiktok.com/@foo", ""},
		{"https://example.com/api/test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tr.serviceFor(req))
		})
	}
}

func TestRoundTripRecordsProfileCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client := &http.Client{Transport: NewMetricsTransport(srv.Client().Transport, u.Hostname())}

	calls := metrics.HTTPClientCalls.WithLabelValues(ServiceProfile, http.MethodGet, "/@:handle", "/@:handle", "429")
	hits := metrics.RateLimitHits.WithLabelValues(ServiceProfile, "/@:handle")
	beforeCalls, beforeHits := testutil.ToFloat64(calls), testutil.ToFloat64(hits)

	resp, err := client.Get(srv.URL + "/@someone")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, beforeCalls+1, testutil.ToFloat64(calls))
	assert.Equal(t, beforeHits+1, testutil.ToFloat64(hits))
}
