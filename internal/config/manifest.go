package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/louply/offramp/internal/expr"
)

// loadManifest merges the inline precache/deny definitions with the optional
// manifest file. Inline entries come first; manifest entries append, with
// duplicates dropped so reloads stay idempotent.
func loadManifest(ctx context.Context, inlinePrecache PrecacheConfig, inlineDeny []string, path string) (Manifest, string, error) {
	merged := Manifest{
		Precache: clonePrecache(inlinePrecache),
		Deny:     cloneStrings(inlineDeny),
	}

	source := strings.TrimSpace(path)
	if source != "" {
		select {
		case <-ctx.Done():
			return Manifest{}, "", ctx.Err()
		default:
		}
		doc, err := readManifestFile(source)
		if err != nil {
			return Manifest{}, "", err
		}
		merged.Precache.Shell = appendUnique(merged.Precache.Shell, doc.Precache.Shell...)
		merged.Precache.API = appendUnique(merged.Precache.API, doc.Precache.API...)
		merged.Deny = appendUnique(merged.Deny, doc.Deny...)
	}

	if err := validateManifest(merged); err != nil {
		return Manifest{}, "", err
	}
	return merged, source, nil
}

// readManifestFile parses a manifest document, choosing the parser by file
// extension the way rule documents are loaded.
func readManifestFile(path string) (Manifest, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("config: manifest %s not found", path)
		}
		return Manifest{}, fmt.Errorf("config: stat manifest %s: %w", path, err)
	}

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return Manifest{}, fmt.Errorf("config: manifest %s has unsupported extension", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
	}
	var doc Manifest
	if err := k.Unmarshal("", &doc); err != nil {
		return Manifest{}, fmt.Errorf("config: unmarshal manifest %s: %w", path, err)
	}
	return doc, nil
}

// validateManifest rejects malformed precache paths and deny expressions that
// do not compile, so broken manifests surface at load time instead of during
// request handling.
func validateManifest(m Manifest) error {
	for i, path := range m.Precache.Shell {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("config: precache.shell[%d] must start with /: %q", i, path)
		}
	}
	for i, path := range m.Precache.API {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("config: precache.api[%d] must start with /: %q", i, path)
		}
	}
	if len(m.Deny) == 0 {
		return nil
	}
	env, err := expr.NewRequestEnvironment()
	if err != nil {
		return fmt.Errorf("config: deny rules: %w", err)
	}
	for i, rule := range m.Deny {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("config: deny[%d] empty", i)
		}
		if _, err := env.Compile(rule); err != nil {
			return fmt.Errorf("config: deny[%d]: %w", i, err)
		}
	}
	return nil
}

func appendUnique(existing []string, values ...string) []string {
	seen := make(map[string]struct{}, len(existing)+len(values))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		existing = append(existing, trimmed)
	}
	return existing
}
