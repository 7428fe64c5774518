// Package fallback renders the synthetic responses the proxy serves when both
// network and cache fail: the offline JSON error body, the offline HTML page,
// and the placeholder body for missing icon assets.
package fallback

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Sources optionally overrides the built-in template bodies. Zero values keep
// the defaults.
type Sources struct {
	OfflineError string
	OfflinePage  string
	Placeholder  string
}

const (
	// defaultOfflineError yields the structured offline-error shape the
	// application layer matches on: {"error":"...","offline":true}.
	defaultOfflineError = `{{ dict "error" .Message "offline" true | toJson }}`

	defaultOfflinePage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>The page {{ .Path }} is not available without a network connection.</p>
<p>Generated {{ now | date "2006-01-02 15:04:05 MST" }}.</p>
</body>
</html>
`

	defaultPlaceholder = `asset {{ .Path | trimPrefix "/" }} unavailable offline`
)

// Renderer holds the compiled fallback templates. Safe for concurrent use.
type Renderer struct {
	offlineError *template.Template
	offlinePage  *template.Template
	placeholder  *template.Template
}

// NewRenderer compiles the fallback templates with the sprig function map.
// Filesystem helpers are stripped so template sources cannot reach into the
// process environment.
func NewRenderer(sources Sources) (*Renderer, error) {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}

	compile := func(name, source, fallbackSource string) (*template.Template, error) {
		if strings.TrimSpace(source) == "" {
			source = fallbackSource
		}
		tmpl, err := template.New(name).Funcs(funcs).Parse(source)
		if err != nil {
			return nil, fmt.Errorf("fallback: parse %s template: %w", name, err)
		}
		return tmpl, nil
	}

	offlineError, err := compile("offline-error", sources.OfflineError, defaultOfflineError)
	if err != nil {
		return nil, err
	}
	offlinePage, err := compile("offline-page", sources.OfflinePage, defaultOfflinePage)
	if err != nil {
		return nil, err
	}
	placeholder, err := compile("placeholder", sources.Placeholder, defaultPlaceholder)
	if err != nil {
		return nil, err
	}

	return &Renderer{
		offlineError: offlineError,
		offlinePage:  offlinePage,
		placeholder:  placeholder,
	}, nil
}

// OfflineError renders the structured JSON body for a failed API call.
func (r *Renderer) OfflineError(message string) []byte {
	return r.render(r.offlineError, map[string]any{"Message": message},
		[]byte(`{"error":"request failed while offline","offline":true}`))
}

// OfflinePage renders the synthetic offline document used when the reserved
// fallback page is itself absent from the cache.
func (r *Renderer) OfflinePage(path string) []byte {
	return r.render(r.offlinePage, map[string]any{"Path": path},
		[]byte("offline"))
}

// Placeholder renders the 404 body served for icon assets that cannot be
// fetched or found in the cache.
func (r *Renderer) Placeholder(path string) []byte {
	return r.render(r.placeholder, map[string]any{"Path": path}, nil)
}

func (r *Renderer) render(tmpl *template.Template, data map[string]any, fallbackBody []byte) []byte {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fallbackBody
	}
	return buf.Bytes()
}
