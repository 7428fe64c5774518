package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/louply/offramp/internal/cache"
	"github.com/louply/offramp/internal/config"
)

// State is the lifecycle position of one proxy generation.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

type eventKind int

const (
	eventInstall eventKind = iota
	eventActivate
	eventReload
)

type event struct {
	kind     eventKind
	manifest config.Manifest
}

// ControllerOptions wires a lifecycle controller.
type ControllerOptions struct {
	Store     cache.Store
	Client    Doer
	Logger    *slog.Logger
	Upstream  *url.URL
	Namespace string
	Version   string
	Precache  config.PrecacheConfig
}

// Controller drives the install/activate lifecycle of a proxy generation.
// Interception stays off until activation completes; a cancelled controller
// that never reached active is marked redundant.
type Controller struct {
	store     cache.Store
	client    Doer
	logger    *slog.Logger
	upstream  *url.URL
	namespace string
	version   string

	mu       sync.RWMutex
	precache config.PrecacheConfig

	state  atomic.Value
	events chan event
}

// NewController assembles a controller in the installing state.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("proxy: cache store required")
	}
	if opts.Client == nil {
		return nil, errors.New("proxy: http client required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("proxy: upstream required")
	}
	if opts.Namespace == "" || opts.Version == "" {
		return nil, errors.New("proxy: namespace and version required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:     opts.Store,
		client:    opts.Client,
		logger:    logger.With(slog.String("agent", "lifecycle")),
		upstream:  opts.Upstream,
		namespace: opts.Namespace,
		version:   opts.Version,
		precache:  clonePrecacheLists(opts.Precache),
		events:    make(chan event, 8),
	}
	c.state.Store(StateInstalling)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state.Load().(State)
}

// Active reports whether the controller has claimed its clients.
func (c *Controller) Active() bool {
	return c.State() == StateActive
}

// ApplyManifest replaces the precache lists, typically from a manifest file
// reload. Already cached entries are unaffected; new shell paths are fetched
// on the next install cycle only, so a reload on a live controller changes
// future generations rather than the current cache.
func (c *Controller) ApplyManifest(m config.Manifest) {
	select {
	case c.events <- event{kind: eventReload, manifest: m}:
	default:
		c.logger.Warn("manifest reload dropped, event queue full")
	}
}

// Run executes the lifecycle until the context is cancelled. Install failures
// retry with doubling backoff; activation always succeeds once install has.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateInstalling)
	c.send(eventInstall)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			if !c.Active() {
				c.setState(StateRedundant)
				c.logger.Info("superseded before activation",
					slog.String("version", c.version))
			}
			return ctx.Err()
		case ev := <-c.events:
			switch ev.kind {
			case eventInstall:
				if err := c.install(ctx); err != nil {
					c.logger.Error("install failed",
						slog.String("version", c.version),
						slog.Duration("retryIn", backoff),
						slog.Any("error", err))
					c.retryInstall(backoff)
					if backoff < time.Minute {
						backoff *= 2
					}
					continue
				}
				backoff = time.Second
				c.setState(StateInstalled)
				c.logger.Info("installed", slog.String("version", c.version))
				// No waiting generation to yield to; promote immediately.
				c.setState(StateActivating)
				c.send(eventActivate)
			case eventActivate:
				c.activate(ctx)
				c.setState(StateActive)
				c.logger.Info("activated, claiming in-scope clients",
					slog.String("version", c.version))
			case eventReload:
				c.setManifest(ev.manifest)
				c.logger.Info("manifest applied",
					slog.Int("shellPaths", len(ev.manifest.Precache.Shell)),
					slog.Int("apiPaths", len(ev.manifest.Precache.API)))
			}
		}
	}
}

// install precaches the shell as a single unit: every path must fetch
// cacheably before anything is written, so a failed install leaves no
// partial shell behind. The eager API list is best-effort.
func (c *Controller) install(ctx context.Context) error {
	shell, api := c.snapshotPrecache()
	prefix := cache.Prefix(c.namespace, c.version)

	type staged struct {
		key   string
		entry cache.Entry
	}
	stagedEntries := make([]staged, 0, len(shell))
	for _, path := range shell {
		target, err := c.resolve(path)
		if err != nil {
			return fmt.Errorf("proxy: precache %s: %w", path, err)
		}
		res, err := fetchUpstream(ctx, c.client, http.MethodGet, target, nil, nil)
		if err != nil {
			return fmt.Errorf("proxy: precache %s: %w", path, err)
		}
		if !cache.Cacheable(res.status, res.header, len(res.body)) {
			return fmt.Errorf("proxy: precache %s: status %d not cacheable", path, res.status)
		}
		key := cache.Identity{Method: http.MethodGet, URL: target}.Key(prefix)
		entry := cache.NewEntry(res.status, res.statusText, res.header, res.body, time.Now().UTC())
		stagedEntries = append(stagedEntries, staged{key: key, entry: entry})
	}
	for _, st := range stagedEntries {
		if err := c.store.Store(ctx, st.key, st.entry); err != nil {
			return fmt.Errorf("proxy: precache store: %w", err)
		}
	}
	c.logger.Info("shell precached",
		slog.String("version", c.version), slog.Int("paths", len(shell)))

	for _, path := range api {
		target, err := c.resolve(path)
		if err != nil {
			c.logger.Warn("api precache skipped",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		res, err := fetchUpstream(ctx, c.client, http.MethodGet, target, nil, nil)
		if err != nil {
			c.logger.Warn("api precache fetch failed",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		if !cache.Cacheable(res.status, res.header, len(res.body)) {
			continue
		}
		key := cache.Identity{Method: http.MethodGet, URL: target}.Key(prefix)
		entry := cache.NewEntry(res.status, res.statusText, res.header, res.body, time.Now().UTC())
		if err := c.store.Store(ctx, key, entry); err != nil {
			c.logger.Warn("api precache store failed",
				slog.String("path", path), slog.Any("error", err))
		}
	}
	return nil
}

// activate purges every cache generation other than the current one.
// Per-version purge failures are logged and retried implicitly by the next
// activation; they never block going active.
func (c *Controller) activate(ctx context.Context) {
	versions, err := cache.Versions(ctx, c.store, c.namespace)
	if err != nil {
		c.logger.Warn("version enumeration failed", slog.Any("error", err))
		return
	}
	for _, v := range versions {
		if v == c.version {
			continue
		}
		if err := c.store.DeletePrefix(ctx, cache.Prefix(c.namespace, v)); err != nil {
			c.logger.Error("stale cache purge failed",
				slog.String("version", v), slog.Any("error", err))
			continue
		}
		c.logger.Info("stale cache purged", slog.String("version", v))
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(s)
}

func (c *Controller) send(kind eventKind) {
	select {
	case c.events <- event{kind: kind}:
	default:
	}
}

func (c *Controller) retryInstall(after time.Duration) {
	time.AfterFunc(after, func() { c.send(eventInstall) })
}

func (c *Controller) setManifest(m config.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.precache = clonePrecacheLists(m.Precache)
}

func (c *Controller) snapshotPrecache() (shell, api []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.precache.Shell...), append([]string(nil), c.precache.API...)
}

func (c *Controller) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	return c.upstream.ResolveReference(ref).String(), nil
}

func clonePrecacheLists(p config.PrecacheConfig) config.PrecacheConfig {
	return config.PrecacheConfig{
		Shell: append([]string(nil), p.Shell...),
		API:   append([]string(nil), p.API...),
	}
}
