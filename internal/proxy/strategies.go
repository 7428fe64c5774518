package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/louply/offramp/internal/cache"
	"github.com/louply/offramp/internal/fallback"
	"github.com/louply/offramp/internal/metrics"
	"github.com/louply/offramp/internal/queue"
)

// Doer abstracts the upstream HTTP client so tests can substitute transports.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheMarkerHeader identifies a response that was served from the cache
// after a network failure.
const CacheMarkerHeader = "X-Offramp-Cache"

const maxBodyBytes = 8 << 20

// Strategy labels used in logs and metrics.
const (
	strategyNavigation  = "network-first"
	strategyAPI         = "network-first-timeout"
	strategyStatic      = "cache-first"
	strategyOther       = "network-first-fallback"
	strategyPassthrough = "passthrough"
)

var (
	errFetchTimeout = errors.New("proxy: upstream fetch timed out")
	errBodyTooLarge = errors.New("proxy: body exceeds snapshot limit")
)

// fetched captures one upstream response fully read into memory.
type fetched struct {
	status     int
	statusText string
	header     http.Header
	body       []byte
}

// Strategies executes the four caching policies against the upstream origin
// and the response store. All failure paths degrade to cache or synthetic
// responses; none propagate a raw transport error to the caller except the
// non-icon static case.
type Strategies struct {
	client     Doer
	store      cache.Store
	queue      queue.Queue
	classifier *Classifier
	fallback   *fallback.Renderer
	logger     *slog.Logger
	metrics    *metrics.Recorder

	upstream    *url.URL
	prefix      string
	apiTimeout  time.Duration
	offlinePath string
}

// StrategyOptions wires the collaborators a Strategies instance needs.
type StrategyOptions struct {
	Client      Doer
	Store       cache.Store
	Queue       queue.Queue
	Classifier  *Classifier
	Fallback    *fallback.Renderer
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Upstream    *url.URL
	Prefix      string
	APITimeout  time.Duration
	OfflinePath string
}

// NewStrategies validates and assembles the strategy executor.
func NewStrategies(opts StrategyOptions) (*Strategies, error) {
	if opts.Client == nil {
		return nil, errors.New("proxy: http client required")
	}
	if opts.Store == nil {
		return nil, errors.New("proxy: cache store required")
	}
	if opts.Queue == nil {
		return nil, errors.New("proxy: action queue required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("proxy: classifier required")
	}
	if opts.Fallback == nil {
		return nil, errors.New("proxy: fallback renderer required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("proxy: upstream required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.APITimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Strategies{
		client:      opts.Client,
		store:       opts.Store,
		queue:       opts.Queue,
		classifier:  opts.Classifier,
		fallback:    opts.Fallback,
		logger:      logger.With(slog.String("agent", "strategies")),
		metrics:     opts.Metrics,
		upstream:    opts.Upstream,
		prefix:      opts.Prefix,
		apiTimeout:  timeout,
		offlinePath: opts.OfflinePath,
	}, nil
}

// Navigation is the network-first page strategy: fresh documents win, cached
// copies cover outages, and the reserved offline page is the last resort
// before a synthetic 503.
func (s *Strategies) Navigation(ctx context.Context, r *http.Request) result {
	target := s.upstreamURL(r)
	key := s.key(r.Method, target)

	res, err := fetchUpstream(ctx, s.client, r.Method, target, r.Header, nil)
	if err == nil {
		s.maybeStore(ctx, strategyNavigation, key, res)
		return resultFromFetched(res, strategyNavigation)
	}
	s.logger.Warn("navigation fetch failed",
		slog.String("url", target), slog.Any("error", err))

	if entry, ok := s.lookup(ctx, strategyNavigation, key); ok {
		return resultFromEntry(entry, strategyNavigation)
	}
	if s.offlinePath != "" {
		offlineKey := s.key(http.MethodGet, s.upstreamPath(s.offlinePath))
		if entry, ok := s.lookup(ctx, strategyNavigation, offlineKey); ok {
			return resultFromEntry(entry, strategyNavigation)
		}
	}
	return s.offlinePageResult(r.URL.Path)
}

// API is the network-first strategy with a fixed timeout. GET responses are
// cached and recoverable from cache; failed mutating calls are deferred onto
// the action queue and answered with the structured offline error.
func (s *Strategies) API(ctx context.Context, r *http.Request) result {
	body, err := readBody(r)
	if err != nil {
		s.logger.Warn("api request body read failed",
			slog.String("url", r.URL.String()), slog.Any("error", err))
		return s.offlineErrorResult(fmt.Sprintf("could not read request body for %s", r.URL.Path))
	}
	target := s.upstreamURL(r)
	key := s.key(r.Method, target)

	res, err := s.raceFetch(ctx, r.Method, target, r.Header, body)

	if r.Method != http.MethodGet {
		if err == nil {
			// The server answered; even a rejection is not an offline
			// condition, so the response flows back unchanged.
			return resultFromFetched(res, strategyAPI)
		}
		s.enqueueAction(ctx, r.Method, target, r.Header, body)
		return s.offlineErrorResult(fmt.Sprintf("%s %s queued for replay", r.Method, r.URL.Path))
	}

	if err == nil && res.status >= 200 && res.status < 300 {
		s.maybeStore(ctx, strategyAPI, key, res)
		return resultFromFetched(res, strategyAPI)
	}
	if err != nil {
		s.logger.Warn("api fetch failed",
			slog.String("url", target), slog.Any("error", err))
	}
	if entry, ok := s.lookup(ctx, strategyAPI, key); ok {
		out := resultFromEntry(entry, strategyAPI)
		out.header.Set(CacheMarkerHeader, "hit")
		return out
	}
	if err == nil {
		// Non-2xx with no cached copy: the server rejected the request, so
		// surface its answer rather than masking it as an offline failure.
		return resultFromFetched(res, strategyAPI)
	}
	return s.offlineErrorResult(fmt.Sprintf("GET %s unavailable offline", r.URL.Path))
}

// Static is the cache-first strategy: a hit never touches the network. Misses
// fetch and opportunistically store complete, length-declared responses.
func (s *Strategies) Static(ctx context.Context, r *http.Request) result {
	target := s.upstreamURL(r)
	key := s.key(r.Method, target)

	if entry, ok := s.lookup(ctx, strategyStatic, key); ok {
		return resultFromEntry(entry, strategyStatic)
	}

	res, err := fetchUpstream(ctx, s.client, r.Method, target, r.Header, nil)
	if err == nil {
		if hasByteLength(res.header) {
			s.maybeStore(ctx, strategyStatic, key, res)
		}
		return resultFromFetched(res, strategyStatic)
	}
	s.logger.Warn("static fetch failed",
		slog.String("url", target), slog.Any("error", err))

	if s.classifier.IsIcon(r.URL.Path) {
		return s.placeholderResult(r.URL.Path)
	}
	return s.badGatewayResult(strategyStatic, err)
}

// Other is the plain network-first strategy with cache fallback and a 404
// terminal state.
func (s *Strategies) Other(ctx context.Context, r *http.Request) result {
	target := s.upstreamURL(r)
	key := s.key(r.Method, target)

	res, err := fetchUpstream(ctx, s.client, r.Method, target, r.Header, nil)
	if err == nil {
		s.maybeStore(ctx, strategyOther, key, res)
		return resultFromFetched(res, strategyOther)
	}
	s.logger.Warn("fetch failed",
		slog.String("url", target), slog.Any("error", err))

	if entry, ok := s.lookup(ctx, strategyOther, key); ok {
		return resultFromEntry(entry, strategyOther)
	}
	return s.notFoundResult()
}

// Passthrough forwards the request untouched: deny-listed paths, cross-origin
// targets, and non-API mutating methods take this path.
func (s *Strategies) Passthrough(ctx context.Context, r *http.Request) result {
	body, err := readBody(r)
	if err != nil {
		return s.badGatewayResult(strategyPassthrough, err)
	}
	target := s.upstreamURL(r)
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	res, err := fetchUpstream(ctx, s.client, r.Method, target, r.Header, body)
	if err != nil {
		s.logger.Warn("passthrough fetch failed",
			slog.String("url", target), slog.Any("error", err))
		return s.badGatewayResult(strategyPassthrough, err)
	}
	return resultFromFetched(res, strategyPassthrough)
}

// raceFetch races the upstream call against the API timeout. The timeout
// abandons only the wait: the in-flight call runs to completion on a detached
// context and its result is discarded.
func (s *Strategies) raceFetch(ctx context.Context, method, target string, header http.Header, body []byte) (fetched, error) {
	type outcome struct {
		res fetched
		err error
	}
	ch := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		res, err := fetchUpstream(detached, s.client, method, target, header, body)
		ch <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(s.apiTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.res, out.err
	case <-timer.C:
		return fetched{}, errFetchTimeout
	}
}

// enqueueAction defers a mutating request for replay. Queue failures are
// logged and swallowed: the caller still receives the offline error.
func (s *Strategies) enqueueAction(ctx context.Context, method, target string, header http.Header, body []byte) {
	action := queue.NewAction(method, target, flattenHeader(header), body)
	if err := s.queue.Enqueue(ctx, action); err != nil {
		s.logger.Error("action enqueue failed",
			slog.String("method", method), slog.String("url", target), slog.Any("error", err))
		return
	}
	s.logger.Info("action queued for replay",
		slog.String("id", action.ID), slog.String("method", method), slog.String("url", target))
	if depth, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(depth)
	}
}

func (s *Strategies) lookup(ctx context.Context, strategy, key string) (cache.Entry, bool) {
	start := time.Now()
	entry, ok, err := s.store.Lookup(ctx, key)
	if err != nil {
		s.metrics.ObserveCacheLookup(strategy, metrics.CacheLookupError, time.Since(start))
		s.logger.Warn("cache lookup failed",
			slog.String("key", key), slog.Any("error", err))
		return cache.Entry{}, false
	}
	outcome := metrics.CacheLookupMiss
	if ok {
		outcome = metrics.CacheLookupHit
	}
	s.metrics.ObserveCacheLookup(strategy, outcome, time.Since(start))
	return entry, ok
}

// maybeStore persists a response when the cacheability filter admits it.
// Storage failures never affect the caller-visible response.
func (s *Strategies) maybeStore(ctx context.Context, strategy, key string, res fetched) {
	start := time.Now()
	if !cache.Cacheable(res.status, res.header, len(res.body)) {
		s.metrics.ObserveCacheStore(strategy, metrics.CacheStoreSkipped, time.Since(start))
		return
	}
	entry := cache.NewEntry(res.status, res.statusText, res.header, res.body, time.Now().UTC())
	if err := s.store.Store(ctx, key, entry); err != nil {
		s.metrics.ObserveCacheStore(strategy, metrics.CacheStoreError, time.Since(start))
		s.logger.Warn("cache store failed",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	s.metrics.ObserveCacheStore(strategy, metrics.CacheStoreStored, time.Since(start))
}

func (s *Strategies) key(method, target string) string {
	return cache.Identity{Method: method, URL: target}.Key(s.prefix)
}

// upstreamURL rebases the intercepted request onto the origin, preserving
// path and query.
func (s *Strategies) upstreamURL(r *http.Request) string {
	u := *r.URL
	u.Scheme = s.upstream.Scheme
	u.Host = s.upstream.Host
	return u.String()
}

func (s *Strategies) upstreamPath(path string) string {
	ref := &url.URL{Path: path}
	return s.upstream.ResolveReference(ref).String()
}

// fetchUpstream issues one upstream request and reads the response fully so
// snapshots can be stored and replayed. Shared by the strategies, the
// lifecycle controller's precache, and the sync coordinator's replays.
func fetchUpstream(ctx context.Context, client Doer, method, target string, header http.Header, body []byte) (fetched, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fetched{}, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	for name, values := range header {
		if isHopHeader(name) {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if len(body) > 0 {
		snap := body
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(snap)), nil
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fetched{}, fmt.Errorf("proxy: upstream fetch: %w", err)
	}
	payload, err := readLimited(resp.Body, maxBodyBytes)
	closeErr := resp.Body.Close()
	if err != nil {
		return fetched{}, fmt.Errorf("proxy: upstream read: %w", err)
	}
	if closeErr != nil {
		return fetched{}, fmt.Errorf("proxy: upstream close: %w", closeErr)
	}

	return fetched{
		status:     resp.StatusCode,
		statusText: statusText(resp),
		header:     resp.Header.Clone(),
		body:       payload,
	}, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	body, err := readLimited(r.Body, maxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("proxy: read request body: %w", err)
	}
	return body, nil
}

// readLimited reads at most limit bytes and fails when the source holds more.
// A body that does not fit in a snapshot must never be stored or forwarded as
// if it were complete.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// hasByteLength reports whether the response declares a non-zero
// Content-Length, required before a static asset may be stored.
func hasByteLength(header http.Header) bool {
	length := strings.TrimSpace(header.Get("Content-Length"))
	return length != "" && length != "0"
}

// flattenHeader lowercases names and joins repeated values with ", " so
// multi-valued fields survive the queue's flat header mapping.
func flattenHeader(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string]string, len(header))
	for name, values := range header {
		if isHopHeader(name) || len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func isHopHeader(name string) bool {
	_, ok := hopHeaders[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}
