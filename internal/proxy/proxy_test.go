package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/louply/offramp/internal/cache"
	"github.com/louply/offramp/internal/fallback"
	"github.com/louply/offramp/internal/queue"
)

type proxyFixture struct {
	proxy      *Proxy
	controller *Controller
	store      cache.Store
	queue      queue.Queue
	cancel     context.CancelFunc
}

// newProxyFixture builds a proxy whose controller installs an empty shell and
// activates immediately, unless waitActive is false.
func newProxyFixture(t *testing.T, origin string, denyRules []string, waitActive bool) *proxyFixture {
	t.Helper()
	upstream, err := url.Parse(origin)
	require.NoError(t, err)

	store := cache.NewMemory()
	actionQueue := queue.NewMemory()
	renderer, err := fallback.NewRenderer(fallback.Sources{})
	require.NoError(t, err)
	classifier, err := NewClassifier("/api/", []string{"/icons/"}, []string{"/audio/"}, denyRules, discardLogger())
	require.NoError(t, err)

	strategies, err := NewStrategies(StrategyOptions{
		Client:      &http.Client{Timeout: 5 * time.Second},
		Store:       store,
		Queue:       actionQueue,
		Classifier:  classifier,
		Fallback:    renderer,
		Logger:      discardLogger(),
		Upstream:    upstream,
		Prefix:      testPrefix,
		APITimeout:  2 * time.Second,
		OfflinePath: "/offline.html",
	})
	require.NoError(t, err)

	controller := newTestController(t, origin, store, "v1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = controller.Run(ctx) }()
	if waitActive {
		require.Eventually(t, controller.Active, 3*time.Second, 10*time.Millisecond)
	}

	return &proxyFixture{
		proxy:      New(controller, classifier, strategies, discardLogger(), nil),
		controller: controller,
		store:      store,
		queue:      actionQueue,
		cancel:     cancel,
	}
}

func TestProxyServesInterceptedRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tasks":[]}`))
	}))
	defer origin.Close()
	fx := newProxyFixture(t, origin.URL, nil, true)

	rr := httptest.NewRecorder()
	fx.proxy.ServeHTTP(rr, httptest.NewRequest("GET", "http://app/api/tasks", nil))
	require.Equal(t, 200, rr.Code)
	require.JSONEq(t, `{"tasks":[]}`, rr.Body.String())

	size, err := fx.store.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestProxyPassesThroughBeforeActivation(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tasks":[]}`))
	}))
	defer origin.Close()

	// Point the controller at an unreachable origin so install keeps failing
	// and activation never happens; traffic still flows upstream untouched.
	upstream, err := url.Parse(origin.URL)
	require.NoError(t, err)
	store := cache.NewMemory()
	controller := newTestController(t, deadOrigin(t), store, "v1", []string{"/"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = controller.Run(ctx) }()

	renderer, err := fallback.NewRenderer(fallback.Sources{})
	require.NoError(t, err)
	classifier := newTestClassifier(t)
	strategies, err := NewStrategies(StrategyOptions{
		Client:     &http.Client{Timeout: 5 * time.Second},
		Store:      store,
		Queue:      queue.NewMemory(),
		Classifier: classifier,
		Fallback:   renderer,
		Logger:     discardLogger(),
		Upstream:   upstream,
		Prefix:     testPrefix,
	})
	require.NoError(t, err)
	p := New(controller, classifier, strategies, discardLogger(), nil)

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "http://app/api/tasks", nil))
	require.Equal(t, 200, rr.Code)

	size, err := store.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size, "passthrough must not cache")
}

func TestProxyPassesThroughNonAPIMutations(t *testing.T) {
	var seen atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			seen.Add(1)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()
	fx := newProxyFixture(t, origin.URL, nil, true)

	rr := httptest.NewRecorder()
	fx.proxy.ServeHTTP(rr, httptest.NewRequest("POST", "http://app/upload", nil))
	require.Equal(t, 200, rr.Code)
	require.Equal(t, int32(1), seen.Load())

	size, err := fx.store.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
	n, err := fx.queue.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "non-api mutations are never queued")
}

func TestProxyDenyListSkipsInterception(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("legacy"))
	}))
	defer origin.Close()
	fx := newProxyFixture(t, origin.URL, []string{`request.path.startsWith("/legacy/")`}, true)

	rr := httptest.NewRecorder()
	fx.proxy.ServeHTTP(rr, httptest.NewRequest("GET", "http://app/legacy/logo.png", nil))
	require.Equal(t, 200, rr.Code)

	size, err := fx.store.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size, "denied paths fall straight through with no caching")
}

func TestProxyPassesThroughCrossOrigin(t *testing.T) {
	var otherHits atomic.Int32
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otherHits.Add(1)
		_, _ = w.Write([]byte("third-party"))
	}))
	defer other.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("own-origin"))
	}))
	defer origin.Close()
	fx := newProxyFixture(t, origin.URL, nil, true)

	rr := httptest.NewRecorder()
	fx.proxy.ServeHTTP(rr, httptest.NewRequest("GET", other.URL+"/widget.js", nil))
	require.Equal(t, 200, rr.Code)
	require.Equal(t, "third-party", rr.Body.String())
	require.Equal(t, int32(1), otherHits.Load())

	size, err := fx.store.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestProxyOfflineNavigationScenario(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>dashboard</html>"))
	}))
	fx := newProxyFixture(t, origin.URL, nil, true)

	req := httptest.NewRequest("GET", "http://app/dashboard", nil)
	req.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()
	fx.proxy.ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)

	origin.Close()

	req = httptest.NewRequest("GET", "http://app/dashboard", nil)
	req.Header.Set("Accept", "text/html")
	rr = httptest.NewRecorder()
	fx.proxy.ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
	require.Equal(t, "<html>dashboard</html>", rr.Body.String())
}
