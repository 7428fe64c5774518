package proxy

import (
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/louply/offramp/internal/expr"
)

// Class tags an intercepted request with exactly one category; the class
// determines the strategy, never the reverse.
type Class string

const (
	ClassNavigation Class = "navigation"
	ClassAPI        Class = "api"
	ClassStatic     Class = "static-asset"
	ClassOther      Class = "other"
)

// Classifier derives the request class and evaluates the deny-list. Deny
// rules are reloadable; classification inputs are fixed at construction.
type Classifier struct {
	apiPrefix     string
	iconPrefixes  []string
	mediaPrefixes []string
	logger        *slog.Logger

	mu   sync.RWMutex
	deny []expr.Program
}

// NewClassifier compiles the initial deny rules and fixes the path patterns
// used for classification.
func NewClassifier(apiPrefix string, iconPrefixes, mediaPrefixes []string, denyRules []string, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		apiPrefix:     apiPrefix,
		iconPrefixes:  append([]string(nil), iconPrefixes...),
		mediaPrefixes: append([]string(nil), mediaPrefixes...),
		logger:        logger.With(slog.String("agent", "classifier")),
	}
	programs, err := compileDeny(denyRules)
	if err != nil {
		return nil, err
	}
	c.deny = programs
	return c, nil
}

func compileDeny(rules []string) ([]expr.Program, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := expr.NewRequestEnvironment()
	if err != nil {
		return nil, err
	}
	return env.CompileAll(rules)
}

// ReloadDeny swaps the deny-list for a new rule set. A compile failure keeps
// the previous rules in place so a bad manifest cannot blind the proxy.
func (c *Classifier) ReloadDeny(rules []string) error {
	programs, err := compileDeny(rules)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.deny = programs
	c.mu.Unlock()
	return nil
}

// Classify tags the request. API paths win over extension matching so
// /api/export.csv still routes through the API strategy.
func (c *Classifier) Classify(r *http.Request) Class {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, c.apiPrefix):
		return ClassAPI
	case c.hasAssetPrefix(p) || path.Ext(p) != "":
		return ClassStatic
	case r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html"):
		return ClassNavigation
	default:
		return ClassOther
	}
}

// Denied reports whether any deny rule matches: a denied request falls
// straight through to the network with no caching. Rule evaluation errors are
// logged and treated as no-match.
func (c *Classifier) Denied(r *http.Request, class Class) bool {
	c.mu.RLock()
	programs := c.deny
	c.mu.RUnlock()
	if len(programs) == 0 {
		return false
	}
	activation := expr.RequestActivation(r, string(class))
	for _, program := range programs {
		matched, err := program.EvalBool(activation)
		if err != nil {
			c.logger.Warn("deny rule evaluation failed",
				slog.String("rule", program.Source()),
				slog.String("url", r.URL.String()),
				slog.Any("error", err))
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// IsIcon reports whether the path belongs to the icon asset family, which
// gets a placeholder 404 instead of a propagated network error.
func (c *Classifier) IsIcon(p string) bool {
	for _, prefix := range c.iconPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (c *Classifier) hasAssetPrefix(p string) bool {
	if c.IsIcon(p) {
		return true
	}
	for _, prefix := range c.mediaPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
