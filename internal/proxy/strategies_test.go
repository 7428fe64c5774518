package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/louply/offramp/internal/cache"
	"github.com/louply/offramp/internal/fallback"
	"github.com/louply/offramp/internal/queue"
)

const testPrefix = "offramp:cache:v1:"

func newTestStrategies(t *testing.T, origin string, timeout time.Duration) (*Strategies, cache.Store, queue.Queue) {
	t.Helper()
	upstream, err := url.Parse(origin)
	require.NoError(t, err)

	store := cache.NewMemory()
	actionQueue := queue.NewMemory()
	renderer, err := fallback.NewRenderer(fallback.Sources{})
	require.NoError(t, err)

	s, err := NewStrategies(StrategyOptions{
		Client:      &http.Client{Timeout: 5 * time.Second},
		Store:       store,
		Queue:       actionQueue,
		Classifier:  newTestClassifier(t),
		Fallback:    renderer,
		Logger:      discardLogger(),
		Upstream:    upstream,
		Prefix:      testPrefix,
		APITimeout:  timeout,
		OfflinePath: "/offline.html",
	})
	require.NoError(t, err)
	return s, store, actionQueue
}

// deadOrigin returns a base URL nothing listens on, so every fetch fails at
// the transport.
func deadOrigin(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	origin := server.URL
	server.Close()
	return origin
}

func TestAPIGetCachesThenServesOffline(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tasks":[]}`))
	}))
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	res := s.API(ctx, httptest.NewRequest("GET", "http://app/api/tasks", nil))
	require.Equal(t, 200, res.status)
	require.False(t, res.fromCache)
	require.JSONEq(t, `{"tasks":[]}`, string(res.body))

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)

	origin.Close()

	res = s.API(ctx, httptest.NewRequest("GET", "http://app/api/tasks", nil))
	require.Equal(t, 200, res.status, "cached GET must come back 200, not 503")
	require.True(t, res.fromCache)
	require.Equal(t, "hit", res.header.Get(CacheMarkerHeader))
	require.JSONEq(t, `{"tasks":[]}`, string(res.body))
}

func TestAPIPostOfflineEnqueuesAndSynthesizes(t *testing.T) {
	ctx := context.Background()
	s, store, actionQueue := newTestStrategies(t, deadOrigin(t), 2*time.Second)

	req := httptest.NewRequest("POST", "http://app/api/sessions", nil)
	res := s.API(ctx, req)

	require.Equal(t, http.StatusServiceUnavailable, res.status)
	var decoded struct {
		Error   string `json:"error"`
		Offline bool   `json:"offline"`
	}
	require.NoError(t, json.Unmarshal(res.body, &decoded))
	require.True(t, decoded.Offline)
	require.NotEmpty(t, decoded.Error)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(res.body, &raw))
	require.Len(t, raw, 2, "body must carry exactly error and offline")

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "offline POST must not write the cache")

	actions, err := actionQueue.List(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "POST", actions[0].Method)
	require.Contains(t, actions[0].URL, "/api/sessions")
}

func TestAPIPostServerRejectionPassesThrough(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer origin.Close()
	s, _, actionQueue := newTestStrategies(t, origin.URL, 2*time.Second)

	res := s.API(ctx, httptest.NewRequest("POST", "http://app/api/sessions", nil))
	require.Equal(t, http.StatusUnprocessableEntity, res.status, "a server rejection is not an offline condition")

	n, err := actionQueue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "rejected actions must not be queued")
}

func TestAPITimeoutAbandonsWaitNotCall(t *testing.T) {
	ctx := context.Background()
	var completed atomic.Bool
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		completed.Store(true)
		_, _ = w.Write([]byte(`{"slow":true}`))
	}))
	defer origin.Close()
	s, store, _ := newTestStrategies(t, origin.URL, 30*time.Millisecond)

	key := cache.Identity{Method: "GET", URL: origin.URL + "/api/slow"}.Key(testPrefix)
	entry := cache.NewEntry(200, "OK", http.Header{"Content-Type": []string{"application/json"}}, []byte(`{"cached":true}`), time.Now().UTC())
	require.NoError(t, store.Store(ctx, key, entry))

	res := s.API(ctx, httptest.NewRequest("GET", "http://app/api/slow", nil))
	require.Equal(t, 200, res.status)
	require.True(t, res.fromCache)
	require.Equal(t, "hit", res.header.Get(CacheMarkerHeader))
	require.JSONEq(t, `{"cached":true}`, string(res.body))

	// The in-flight call keeps running after the wait is abandoned.
	close(release)
	require.Eventually(t, completed.Load, time.Second, 10*time.Millisecond)
}

func TestAPITimeoutWithoutCacheReturnsOfflineError(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer origin.Close()
	defer close(release)
	s, _, _ := newTestStrategies(t, origin.URL, 30*time.Millisecond)

	res := s.API(ctx, httptest.NewRequest("GET", "http://app/api/slow", nil))
	require.Equal(t, http.StatusServiceUnavailable, res.status)
	require.Contains(t, string(res.body), `"offline":true`)
}

func TestNavigationNetworkFirst(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>dashboard</html>"))
	}))
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	req := httptest.NewRequest("GET", "http://app/dashboard", nil)
	res := s.Navigation(ctx, req)
	require.Equal(t, 200, res.status)
	require.False(t, res.fromCache)

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)

	origin.Close()

	res = s.Navigation(ctx, httptest.NewRequest("GET", "http://app/dashboard", nil))
	require.Equal(t, 200, res.status)
	require.True(t, res.fromCache)
	require.Equal(t, "<html>dashboard</html>", string(res.body))
}

func TestNavigationFallsBackToOfflineDocument(t *testing.T) {
	ctx := context.Background()
	origin := deadOrigin(t)
	s, store, _ := newTestStrategies(t, origin, 2*time.Second)

	offlineKey := cache.Identity{Method: "GET", URL: origin + "/offline.html"}.Key(testPrefix)
	entry := cache.NewEntry(200, "OK", http.Header{"Content-Type": []string{"text/html"}}, []byte("<html>offline doc</html>"), time.Now().UTC())
	require.NoError(t, store.Store(ctx, offlineKey, entry))

	res := s.Navigation(ctx, httptest.NewRequest("GET", "http://app/dashboard", nil))
	require.Equal(t, 200, res.status)
	require.True(t, res.fromCache)
	require.Equal(t, "<html>offline doc</html>", string(res.body))
}

func TestNavigationDoubleMissSynthesizes(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStrategies(t, deadOrigin(t), 2*time.Second)

	res := s.Navigation(ctx, httptest.NewRequest("GET", "http://app/dashboard", nil))
	require.Equal(t, http.StatusServiceUnavailable, res.status)
	require.Contains(t, res.header.Get("Content-Type"), "text/html")
	require.Contains(t, string(res.body), "/dashboard")
	require.Contains(t, string(res.body), "offline")
}

func TestStaticCacheFirstSkipsNetworkOnHit(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("js-bundle"))
	}))
	defer origin.Close()
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	key := cache.Identity{Method: "GET", URL: origin.URL + "/bundle.js"}.Key(testPrefix)
	entry := cache.NewEntry(200, "OK", http.Header{"Content-Type": []string{"text/javascript"}}, []byte("cached-bundle"), time.Now().UTC())
	require.NoError(t, store.Store(ctx, key, entry))

	res := s.Static(ctx, httptest.NewRequest("GET", "http://app/bundle.js", nil))
	require.Equal(t, 200, res.status)
	require.True(t, res.fromCache)
	require.Equal(t, "cached-bundle", string(res.body))
	require.Zero(t, hits.Load(), "a cache hit must not touch the network")
}

func TestStaticMissFetchesAndStores(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("js-bundle"))
	}))
	defer origin.Close()
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	res := s.Static(ctx, httptest.NewRequest("GET", "http://app/bundle.js", nil))
	require.Equal(t, 200, res.status)
	require.Equal(t, "js-bundle", string(res.body))

	key := cache.Identity{Method: "GET", URL: origin.URL + "/bundle.js"}.Key(testPrefix)
	stored, ok, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "js-bundle", string(stored.Body))
}

func TestStaticOfflineIconGetsPlaceholder(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStrategies(t, deadOrigin(t), 2*time.Second)

	res := s.Static(ctx, httptest.NewRequest("GET", "http://app/icons/task.svg", nil))
	require.Equal(t, http.StatusNotFound, res.status)
	require.Contains(t, string(res.body), "icons/task.svg")

	res = s.Static(ctx, httptest.NewRequest("GET", "http://app/audio/chime.mp3", nil))
	require.Equal(t, http.StatusBadGateway, res.status, "non-icon static failures propagate")
}

func TestOtherStrategy(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("feed"))
	}))
	s, _, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	res := s.Other(ctx, httptest.NewRequest("GET", "http://app/feed", nil))
	require.Equal(t, 200, res.status)

	origin.Close()

	res = s.Other(ctx, httptest.NewRequest("GET", "http://app/feed", nil))
	require.Equal(t, 200, res.status)
	require.True(t, res.fromCache)

	res = s.Other(ctx, httptest.NewRequest("GET", "http://app/never-seen", nil))
	require.Equal(t, http.StatusNotFound, res.status)
}

func TestPartialResponsesNeverCached(t *testing.T) {
	ctx := context.Background()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer origin.Close()
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	_ = s.Navigation(ctx, httptest.NewRequest("GET", "http://app/doc", nil))
	_ = s.API(ctx, httptest.NewRequest("GET", "http://app/api/chunk", nil))
	_ = s.Static(ctx, httptest.NewRequest("GET", "http://app/clip.mp4", nil))
	_ = s.Other(ctx, httptest.NewRequest("GET", "http://app/stream", nil))

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "no strategy may persist a partial response")
}

func TestOversizedResponseRejectedNotTruncated(t *testing.T) {
	ctx := context.Background()
	oversized := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(oversized)))
		_, _ = w.Write(oversized)
	}))
	defer origin.Close()
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	res := s.Static(ctx, httptest.NewRequest("GET", "http://app/audio/long.mp3", nil))
	require.Equal(t, http.StatusBadGateway, res.status,
		"a body past the snapshot limit must fail the fetch, never be served short")

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "a truncated snapshot must never enter the cache")
}

func TestResponseAtSnapshotLimitRoundTrips(t *testing.T) {
	ctx := context.Background()
	body := bytes.Repeat([]byte("b"), maxBodyBytes)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer origin.Close()
	s, store, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	res := s.Static(ctx, httptest.NewRequest("GET", "http://app/blob.bin", nil))
	require.Equal(t, 200, res.status)
	require.Len(t, res.body, maxBodyBytes)

	key := cache.Identity{Method: "GET", URL: origin.URL + "/blob.bin"}.Key(testPrefix)
	stored, ok, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored.Body, maxBodyBytes)
}

func TestOversizedUploadRejected(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer origin.Close()
	s, _, actionQueue := newTestStrategies(t, origin.URL, 2*time.Second)

	payload := bytes.NewReader(bytes.Repeat([]byte("c"), maxBodyBytes+1))
	res := s.Passthrough(ctx, httptest.NewRequest("POST", "http://app/upload", payload))
	require.Equal(t, http.StatusBadGateway, res.status)
	require.Zero(t, hits.Load(), "an oversized upload must never be forwarded short")

	apiPayload := bytes.NewReader(bytes.Repeat([]byte("c"), maxBodyBytes+1))
	res = s.API(ctx, httptest.NewRequest("POST", "http://app/api/import", apiPayload))
	require.Equal(t, http.StatusServiceUnavailable, res.status)
	require.Zero(t, hits.Load())

	n, err := actionQueue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "an unreadable action must not be queued")
}

func TestCachedResponseRoundTripsByteIdentical(t *testing.T) {
	ctx := context.Background()
	body := `{"tasks":[{"id":7,"title":"water plants"}]}`
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Etag", `"abc123"`)
		_, _ = w.Write([]byte(body))
	}))
	s, _, _ := newTestStrategies(t, origin.URL, 2*time.Second)

	fresh := s.API(ctx, httptest.NewRequest("GET", "http://app/api/tasks", nil))
	require.Equal(t, 200, fresh.status)

	origin.Close()
	cached := s.API(ctx, httptest.NewRequest("GET", "http://app/api/tasks", nil))

	require.Equal(t, fresh.status, cached.status)
	require.Equal(t, string(fresh.body), string(cached.body))
	require.Equal(t, fresh.header.Get("Content-Type"), cached.header.Get("Content-Type"))
	require.Equal(t, fresh.header.Get("Etag"), cached.header.Get("Etag"))
	require.Equal(t, "hit", cached.header.Get(CacheMarkerHeader), "only the marker header is added")
}
