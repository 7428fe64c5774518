// Package syncer reconciles the durable state left behind by offline
// operation: it drains the action queue against the origin and prunes cache
// entries past their retention window. It runs on a periodic ticker and on
// explicit reconnect triggers, independently of live request handling.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/louply/offramp/internal/cache"
	"github.com/louply/offramp/internal/metrics"
	"github.com/louply/offramp/internal/queue"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	taskDrain    = "drain"
	taskMaintain = "maintain"
)

// Options wires a sync coordinator.
type Options struct {
	Queue     queue.Queue
	Store     cache.Store
	Client    doer
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Namespace string
	Version   string
	Interval  time.Duration
	Retention time.Duration
}

// Coordinator owns the reconciliation loop. Both sub-tasks may fail
// independently; neither aborts the other, and neither affects live traffic.
type Coordinator struct {
	queue     queue.Queue
	store     cache.Store
	client    doer
	logger    *slog.Logger
	metrics   *metrics.Recorder
	namespace string
	version   string
	interval  time.Duration
	retention time.Duration
	wake      chan struct{}
}

// New assembles a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Queue == nil {
		return nil, errors.New("syncer: action queue required")
	}
	if opts.Store == nil {
		return nil, errors.New("syncer: cache store required")
	}
	if opts.Client == nil {
		return nil, errors.New("syncer: http client required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Coordinator{
		queue:     opts.Queue,
		store:     opts.Store,
		client:    opts.Client,
		logger:    logger.With(slog.String("agent", "syncer")),
		metrics:   opts.Metrics,
		namespace: opts.Namespace,
		version:   opts.Version,
		interval:  interval,
		retention: retention,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Trigger requests an immediate reconciliation pass, typically on a
// connectivity-restore signal. Coalesces with a pass already pending.
func (c *Coordinator) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run executes reconciliation passes until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runOnce(ctx)
		case <-c.wake:
			c.runOnce(ctx)
		}
	}
}

func (c *Coordinator) runOnce(ctx context.Context) {
	drainErr := c.Drain(ctx)
	c.metrics.ObserveSyncRun(taskDrain, drainErr)
	if drainErr != nil {
		c.logger.Error("queue drain failed", slog.Any("error", drainErr))
	}

	maintainErr := c.Maintain(ctx)
	c.metrics.ObserveSyncRun(taskMaintain, maintainErr)
	if maintainErr != nil {
		c.logger.Error("cache maintenance failed", slog.Any("error", maintainErr))
	}
}

// Drain replays queued actions in insertion order. A 2xx removes the entry;
// a 4xx abandons it with a logged failure; transport errors and 5xx retain
// it for the next pass. One entry's failure never blocks the rest.
func (c *Coordinator) Drain(ctx context.Context) error {
	actions, err := c.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list queue: %w", err)
	}
	for _, action := range actions {
		status, err := c.replay(ctx, action)
		switch {
		case err != nil:
			c.metrics.ObserveReplay(metrics.ReplayFailed)
			c.logger.Warn("replay failed, retaining",
				slog.String("id", action.ID),
				slog.String("method", action.Method),
				slog.String("url", action.URL),
				slog.Any("error", err))
		case status >= 200 && status < 300:
			c.metrics.ObserveReplay(metrics.ReplayReplayed)
			if err := c.queue.Remove(ctx, action.ID); err != nil {
				c.logger.Error("replayed action not removed",
					slog.String("id", action.ID), slog.Any("error", err))
				continue
			}
			c.logger.Info("action replayed",
				slog.String("id", action.ID),
				slog.String("method", action.Method),
				slog.String("url", action.URL))
		case status >= 400 && status < 500:
			// The origin rejected the action outright; retrying the same
			// payload cannot succeed, so abandon it.
			c.metrics.ObserveReplay(metrics.ReplayFailed)
			if err := c.queue.Remove(ctx, action.ID); err != nil {
				c.logger.Error("abandoned action not removed",
					slog.String("id", action.ID), slog.Any("error", err))
				continue
			}
			c.logger.Error("action abandoned, origin rejected replay",
				slog.String("id", action.ID),
				slog.String("method", action.Method),
				slog.String("url", action.URL),
				slog.Int("status", status))
		default:
			c.metrics.ObserveReplay(metrics.ReplayFailed)
			c.logger.Warn("replay not accepted, retaining",
				slog.String("id", action.ID),
				slog.String("url", action.URL),
				slog.Int("status", status))
		}
	}
	if depth, err := c.queue.Len(ctx); err == nil {
		c.metrics.SetQueueDepth(depth)
	}
	return nil
}

func (c *Coordinator) replay(ctx context.Context, action queue.Action) (int, error) {
	var reader io.Reader
	if len(action.Body) > 0 {
		reader = bytes.NewReader(action.Body)
	}
	req, err := http.NewRequestWithContext(ctx, action.Method, action.URL, reader)
	if err != nil {
		return 0, fmt.Errorf("syncer: build replay request: %w", err)
	}
	for name, value := range action.Headers {
		req.Header.Set(name, value)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("syncer: replay fetch: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Maintain prunes current-version cache entries older than the retention
// window, measured from the stored capture timestamp.
func (c *Coordinator) Maintain(ctx context.Context) error {
	prefix := cache.Prefix(c.namespace, c.version)
	keys, err := c.store.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("syncer: enumerate cache: %w", err)
	}
	cutoff := time.Now().UTC().Add(-c.retention)
	pruned := 0
	for _, key := range keys {
		entry, ok, err := c.store.Lookup(ctx, key)
		if err != nil {
			c.logger.Warn("maintenance lookup failed",
				slog.String("key", key), slog.Any("error", err))
			continue
		}
		if !ok || !entry.CapturedAt.Before(cutoff) {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("maintenance delete failed",
				slog.String("key", key), slog.Any("error", err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		c.metrics.ObservePruned(pruned)
		c.logger.Info("stale entries pruned",
			slog.Int("count", pruned),
			slog.Duration("retention", c.retention))
	}
	return nil
}
