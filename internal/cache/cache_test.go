package cache

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreLookup(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	entry := Entry{
		Status:     200,
		StatusText: "OK",
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       []byte(`{"tasks":[]}`),
		CapturedAt: time.Now().UTC(),
	}
	key := Identity{Method: "GET", URL: "http://origin/api/tasks"}.Key(Prefix("offramp:cache", "v1"))

	if err := store.Store(ctx, key, entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := store.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Status != 200 || string(got.Body) != `{"tasks":[]}` {
		t.Fatalf("unexpected entry: %#v", got)
	}

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = store.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected delete to remove key")
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	entry := Entry{Status: 200, Body: []byte("original"), Headers: map[string]string{"etag": "a"}}
	if err := store.Store(ctx, "k", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	entry.Body[0] = 'X'
	entry.Headers["etag"] = "b"

	got, _, err := store.Lookup(ctx, "k")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(got.Body) != "original" || got.Headers["etag"] != "a" {
		t.Fatalf("stored entry mutated through caller: %#v", got)
	}

	got.Body[0] = 'Y'
	again, _, _ := store.Lookup(ctx, "k")
	if string(again.Body) != "original" {
		t.Fatalf("returned entry aliases stored bytes")
	}
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	keys := []string{
		Prefix("offramp:cache", "v1") + "GET http://origin/",
		Prefix("offramp:cache", "v1") + "GET http://origin/app.js",
		Prefix("offramp:cache", "v2") + "GET http://origin/",
	}
	for _, key := range keys {
		if err := store.Store(ctx, key, Entry{Status: 200, Body: []byte("x")}); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	if err := store.DeletePrefix(ctx, Prefix("offramp:cache", "v1")); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	remaining, err := store.Keys(ctx, "offramp:cache:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != keys[2] {
		t.Fatalf("expected only the v2 key to survive, got %v", remaining)
	}
}

func TestVersionsEnumeratesDistinctTags(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	seed := []string{
		Prefix("offramp:cache", "v1") + "GET http://origin/a",
		Prefix("offramp:cache", "v1") + "GET http://origin/b",
		Prefix("offramp:cache", "v2") + "GET http://origin/a",
	}
	for _, key := range seed {
		if err := store.Store(ctx, key, Entry{Status: 200, Body: []byte("x")}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	versions, err := Versions(ctx, store, "offramp:cache")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %v", versions)
	}
	seen := map[string]bool{}
	for _, v := range versions {
		seen[v] = true
	}
	if !seen["v1"] || !seen["v2"] {
		t.Fatalf("expected v1 and v2, got %v", versions)
	}
}

func TestIdentityKeyUppercasesMethod(t *testing.T) {
	key := Identity{Method: "get", URL: "http://origin/api/tasks?page=2"}.Key(Prefix("offramp:cache", "v1"))
	want := "offramp:cache:v1:GET http://origin/api/tasks?page=2"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
}

func TestCacheable(t *testing.T) {
	plain := http.Header{}
	if !Cacheable(200, plain, 10) {
		t.Fatalf("complete 200 should be cacheable")
	}
	if Cacheable(206, plain, 10) {
		t.Fatalf("partial content must never be cacheable")
	}
	if Cacheable(404, plain, 10) {
		t.Fatalf("non-2xx must not be cacheable")
	}
	if Cacheable(200, plain, 0) {
		t.Fatalf("empty body must not be cacheable")
	}

	ranged := http.Header{}
	ranged.Set("Content-Range", "bytes 0-99/200")
	if Cacheable(200, ranged, 10) {
		t.Fatalf("content-range response must not be cacheable")
	}
	acceptRanges := http.Header{}
	acceptRanges.Set("Accept-Ranges", "bytes")
	if Cacheable(200, acceptRanges, 10) {
		t.Fatalf("range-capable response must not be cacheable")
	}
}

func TestNewEntryStampsCapture(t *testing.T) {
	captured := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Add("Vary", "Accept-Encoding")
	header.Add("Vary", "Origin")

	entry := NewEntry(200, "OK", header, []byte("<html>"), captured)
	if entry.CapturedAt != captured {
		t.Fatalf("expected capture time %v, got %v", captured, entry.CapturedAt)
	}
	if entry.Headers["content-type"] != "text/html" {
		t.Fatalf("expected lowercased header names: %#v", entry.Headers)
	}
	if entry.Headers["vary"] != "Accept-Encoding, Origin" {
		t.Fatalf("expected repeated header values joined: %#v", entry.Headers)
	}
	if entry.Headers["date"] != captured.Format(http.TimeFormat) {
		t.Fatalf("expected date header stamped from capture time: %#v", entry.Headers)
	}

	dated := http.Header{}
	dated.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")
	withDate := NewEntry(200, "OK", dated, []byte("x"), captured)
	if withDate.Headers["date"] != "Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Fatalf("origin date header must be preserved: %#v", withDate.Headers)
	}
}
