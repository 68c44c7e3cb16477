package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywarduk/mirrorurl/internal/config"
)

func robotsConfig(respect bool) config.RobotsConfig {
	return config.RobotsConfig{Respect: respect, UserAgent: "mirrorurl", CacheTTL: config.DurationFrom(time.Hour)}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAllowedFollowsRules(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\nDisallow: /search?\n\nUser-agent: mirrorurl\nDisallow: /nomirror\n"))
	}))
	defer srv.Close()

	agent := NewAgent(robotsConfig(true), srv.Client())
	ctx := context.Background()

	assert.True(t, agent.Allowed(ctx, mustURL(t, srv.URL+"/public/page.html")))
	assert.False(t, agent.Allowed(ctx, mustURL(t, srv.URL+"/nomirror/x")))
	// the specific group replaces the wildcard group
	assert.True(t, agent.Allowed(ctx, mustURL(t, srv.URL+"/private/x")))
	assert.Equal(t, int32(1), hits.Load(), "rules are cached per origin")
}

func TestAllowedFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agent := NewAgent(robotsConfig(true), srv.Client())
	assert.True(t, agent.Allowed(context.Background(), mustURL(t, srv.URL+"/anything")))
}

func TestAllowedMissingRobots(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	agent := NewAgent(robotsConfig(true), srv.Client())
	assert.True(t, agent.Allowed(context.Background(), mustURL(t, srv.URL+"/x")))
}

func TestAllowedOverridesAndDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()
	target := mustURL(t, srv.URL+"/page")

	assert.False(t, NewAgent(robotsConfig(true), srv.Client()).Allowed(context.Background(), target))
	assert.True(t, NewAgent(robotsConfig(false), srv.Client()).Allowed(context.Background(), target))

	cfg := robotsConfig(true)
	cfg.Overrides = []string{target.Hostname()}
	assert.True(t, NewAgent(cfg, srv.Client()).Allowed(context.Background(), target))

	assert.False(t, NewAgent(robotsConfig(true), srv.Client()).Allowed(context.Background(), &url.URL{Path: "/relative"}))
}
