// Package cache implements the versioned response store backing every
// interception strategy. Keys carry a version-tagged namespace prefix so one
// store version is current at any time and stale versions can be purged
// wholesale on activation.
package cache

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Entry is a stored response snapshot: enough to replay the response
// byte-identically to an offline caller.
type Entry struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	CapturedAt time.Time         `json:"capturedAt"`
}

// Store is the response cache contract shared by the memory and valkey
// backends. All operations are key-scoped; concurrent writers to the same key
// resolve last-writer-wins.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Identity is the canonical request identity: method plus absolute URL,
// query included.
type Identity struct {
	Method string
	URL    string
}

// Key renders the identity under a version namespace prefix.
func (id Identity) Key(prefix string) string {
	return prefix + strings.ToUpper(id.Method) + " " + id.URL
}

// Prefix renders the namespace prefix for one store version, e.g.
// "offramp:cache:v1.0.2:".
func Prefix(namespace, version string) string {
	return namespace + ":" + version + ":"
}

// Versions enumerates the distinct version tags currently present under the
// namespace, current and stale alike.
func Versions(ctx context.Context, s Store, namespace string) ([]string, error) {
	keys, err := s.Keys(ctx, namespace+":")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var versions []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, namespace+":")
		version, _, ok := strings.Cut(rest, ":")
		if !ok || version == "" {
			continue
		}
		if _, dup := seen[version]; dup {
			continue
		}
		seen[version] = struct{}{}
		versions = append(versions, version)
	}
	return versions, nil
}

// Cacheable reports whether a response may be persisted. Only complete 2xx
// responses qualify: partial content, range-capable responses, and empty
// bodies never enter the store.
func Cacheable(status int, header http.Header, bodyLen int) bool {
	if status < 200 || status >= 300 || status == http.StatusPartialContent {
		return false
	}
	if header.Get("Content-Range") != "" || header.Get("Accept-Ranges") != "" {
		return false
	}
	return bodyLen > 0
}

// NewEntry captures a response snapshot, stamping the capture time used by
// the retention pruner. Header names are lowercased; repeated values are
// joined with ", " so fields like Vary survive the flat mapping.
func NewEntry(status int, statusText string, header http.Header, body []byte, capturedAt time.Time) Entry {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	if _, ok := headers["date"]; !ok {
		headers["date"] = capturedAt.UTC().Format(http.TimeFormat)
	}
	return Entry{
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		Body:       append([]byte(nil), body...),
		CapturedAt: capturedAt.UTC(),
	}
}
