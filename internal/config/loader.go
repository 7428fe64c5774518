package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle controller can make
// decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.sync.intervalseconds":    "server.sync.intervalSeconds",
			"server.sync.retentiondays":      "server.sync.retentionDays",
			"server.cache.valkey.tls.cafile": "server.cache.valkey.tls.caFile",
			"server.queue.valkey.tls.cafile": "server.queue.valkey.tls.caFile",
			"proxy.apiprefix":                "proxy.apiPrefix",
			"proxy.offlinepath":              "proxy.offlinePath",
			"proxy.apitimeoutseconds":        "proxy.apiTimeoutSeconds",
			"proxy.iconprefixes":             "proxy.iconPrefixes",
			"proxy.mediaprefixes":            "proxy.mediaPrefixes",
			"proxy.manifestfile":             "proxy.manifestFile",
			"proxy.fallback.offlineerror":    "proxy.fallback.offlineError",
			"proxy.fallback.offlinepage":     "proxy.fallback.offlinePage",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (PROXY__API_PREFIX ->
			// proxy.apiprefix); single underscores collapse within a segment.
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlinePrecache = clonePrecache(cfg.Proxy.Precache)
	cfg.InlineDeny = cloneStrings(cfg.Proxy.Deny)

	manifest, source, err := loadManifest(ctx, cfg.InlinePrecache, cfg.InlineDeny, cfg.Proxy.ManifestFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Proxy.Precache = manifest.Precache
	cfg.Proxy.Deny = manifest.Deny
	cfg.ManifestSource = source
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"backend":   cfg.Server.Cache.Backend,
				"namespace": cfg.Server.Cache.Namespace,
				"valkey":    valkeyToMap(cfg.Server.Cache.Valkey),
			},
			"queue": map[string]any{
				"backend": cfg.Server.Queue.Backend,
				"path":    cfg.Server.Queue.Path,
				"valkey":  valkeyToMap(cfg.Server.Queue.Valkey),
			},
			"sync": map[string]any{
				"intervalSeconds": cfg.Server.Sync.IntervalSeconds,
				"retentionDays":   cfg.Server.Sync.RetentionDays,
			},
		},
		"proxy": map[string]any{
			"upstream":          cfg.Proxy.Upstream,
			"version":           cfg.Proxy.Version,
			"apiPrefix":         cfg.Proxy.APIPrefix,
			"offlinePath":       cfg.Proxy.OfflinePath,
			"apiTimeoutSeconds": cfg.Proxy.APITimeoutSeconds,
			"iconPrefixes":      cfg.Proxy.IconPrefixes,
			"mediaPrefixes":     cfg.Proxy.MediaPrefixes,
			"manifestFile":      cfg.Proxy.ManifestFile,
			"fallback": map[string]any{
				"offlineError": cfg.Proxy.Fallback.OfflineError,
				"offlinePage":  cfg.Proxy.Fallback.OfflinePage,
				"placeholder":  cfg.Proxy.Fallback.Placeholder,
			},
		},
	}
}

func valkeyToMap(cfg ValkeyConfig) map[string]any {
	return map[string]any{
		"address":  cfg.Address,
		"username": cfg.Username,
		"password": cfg.Password,
		"db":       cfg.DB,
		"tls": map[string]any{
			"enabled": cfg.TLS.Enabled,
			"caFile":  cfg.TLS.CAFile,
		},
	}
}

func clonePrecache(in PrecacheConfig) PrecacheConfig {
	return PrecacheConfig{
		Shell: cloneStrings(in.Shell),
		API:   cloneStrings(in.API),
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
