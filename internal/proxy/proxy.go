// Package proxy intercepts application traffic and answers it through one of
// four caching strategies, keeping an offline-capable response store and an
// action queue for deferred mutations. A lifecycle controller gates
// interception: until a generation has installed its shell and activated,
// every request passes through to the origin untouched.
package proxy

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/louply/offramp/internal/metrics"
)

// Proxy is the HTTP entry point. It routes each request to a strategy based
// on its class, or passes it through when interception does not apply.
type Proxy struct {
	controller *Controller
	classifier *Classifier
	strategies *Strategies
	logger     *slog.Logger
	metrics    *metrics.Recorder
	upstream   *url.URL
}

// New assembles the interception handler.
func New(controller *Controller, classifier *Classifier, strategies *Strategies, logger *slog.Logger, rec *metrics.Recorder) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		controller: controller,
		classifier: classifier,
		strategies: strategies,
		logger:     logger.With(slog.String("agent", "proxy")),
		metrics:    rec,
		upstream:   strategies.upstream,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !p.controller.Active() {
		p.serve(w, r, string(ClassOther), p.strategies.Passthrough(ctx, r), start)
		return
	}
	if crossOrigin(r, p.upstream) {
		p.serve(w, r, string(ClassOther), p.strategies.Passthrough(ctx, r), start)
		return
	}

	class := p.classifier.Classify(r)
	if r.Method != http.MethodGet && class != ClassAPI {
		p.serve(w, r, string(class), p.strategies.Passthrough(ctx, r), start)
		return
	}
	if p.classifier.Denied(r, class) {
		p.logger.Debug("deny rule matched, passing through",
			slog.String("path", r.URL.Path))
		p.serve(w, r, string(class), p.strategies.Passthrough(ctx, r), start)
		return
	}

	var res result
	switch class {
	case ClassNavigation:
		res = p.strategies.Navigation(ctx, r)
	case ClassAPI:
		res = p.strategies.API(ctx, r)
	case ClassStatic:
		res = p.strategies.Static(ctx, r)
	default:
		res = p.strategies.Other(ctx, r)
	}
	p.serve(w, r, string(class), res, start)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, class string, res result, start time.Time) {
	writeResult(w, res)
	p.metrics.ObserveFetch(class, res.strategy, res.status, res.fromCache, time.Since(start))
	p.logger.Debug("request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("class", class),
		slog.String("strategy", res.strategy),
		slog.Int("status", res.status),
		slog.Bool("fromCache", res.fromCache))
}

// crossOrigin reports whether an absolute-form request targets a host other
// than the protected origin. Origin-form requests are always in scope.
func crossOrigin(r *http.Request, upstream *url.URL) bool {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		return false
	}
	return !strings.EqualFold(r.URL.Host, upstream.Host)
}
