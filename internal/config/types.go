package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the interception manifest once
// the loader resolves the configured sources.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Proxy  ProxyConfig  `koanf:"proxy"`

	// InlinePrecache and InlineDeny preserve the definitions that came from
	// the main configuration document so manifest reloads can re-merge them
	// without re-reading the primary config file.
	InlinePrecache PrecacheConfig `koanf:"-"`
	InlineDeny     []string       `koanf:"-"`

	// ManifestSource records which file contributed manifest definitions once
	// the loader resolves the configured source. Excluded from koanf so the
	// value only reflects runtime discovery.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the daemon lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Cache   CacheConfig   `koanf:"cache"`
	Queue   QueueConfig   `koanf:"queue"`
	Sync    SyncConfig    `koanf:"sync"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Backend   string       `koanf:"backend"`
	Namespace string       `koanf:"namespace"`
	Valkey    ValkeyConfig `koanf:"valkey"`
}

// QueueConfig selects the action queue backend. The sqlite backend is the
// durable default for single-node deployments; valkey suits shared ones.
type QueueConfig struct {
	Backend string       `koanf:"backend"`
	Path    string       `koanf:"path"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries connection settings for valkey-backed stores.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// SyncConfig shapes the background reconciliation loop.
type SyncConfig struct {
	IntervalSeconds int `koanf:"intervalSeconds"`
	RetentionDays   int `koanf:"retentionDays"`
}

// ProxyConfig describes the interception surface: which origin is fronted,
// which store version is current, and how requests classify.
type ProxyConfig struct {
	Upstream          string         `koanf:"upstream"`
	Version           string         `koanf:"version"`
	APIPrefix         string         `koanf:"apiPrefix"`
	OfflinePath       string         `koanf:"offlinePath"`
	APITimeoutSeconds int            `koanf:"apiTimeoutSeconds"`
	IconPrefixes      []string       `koanf:"iconPrefixes"`
	MediaPrefixes     []string       `koanf:"mediaPrefixes"`
	ManifestFile      string         `koanf:"manifestFile"`
	Fallback          FallbackConfig `koanf:"fallback"`
	Precache          PrecacheConfig `koanf:"precache"`
	Deny              []string       `koanf:"deny"`
}

// FallbackConfig overrides the synthetic response templates. Empty fields
// keep the built-in templates.
type FallbackConfig struct {
	OfflineError string `koanf:"offlineError"`
	OfflinePage  string `koanf:"offlinePage"`
	Placeholder  string `koanf:"placeholder"`
}

// PrecacheConfig lists the paths written into the store at install time.
// Shell entries are all-or-nothing; API entries are fetched best-effort.
type PrecacheConfig struct {
	Shell []string `koanf:"shell"`
	API   []string `koanf:"api"`
}

//// Manifest is the reloadable portion of the interception config: precache
// lists plus deny-rule expressions. It lives in its own document so operators
// can roll asset lists without restarting the daemon.
type Manifest struct {
	Precache PrecacheConfig `koanf:"precache"`
	Deny     []string       `koanf:"deny"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("config: server.sync.intervalSeconds invalid: %d", c.Server.Sync.IntervalSeconds)
	}
	if c.Server.Sync.RetentionDays <= 0 {
		return fmt.Errorf("config: server.sync.retentionDays invalid: %d", c.Server.Sync.RetentionDays)
	}
	switch backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend)); backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Server.Cache.Valkey.Address) == "" {
			return errors.New("config: server.cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", backend)
	}
	switch backend := strings.TrimSpace(strings.ToLower(c.Server.Queue.Backend)); backend {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Server.Queue.Path) == "" {
			return errors.New("config: server.queue.path required for sqlite backend")
		}
	case "valkey":
		if strings.TrimSpace(c.Server.Queue.Valkey.Address) == "" {
			return errors.New("config: server.queue.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: server.queue.backend unsupported: %s", backend)
	}
	return c.Proxy.validate()
}

func (p ProxyConfig) validate() error {
	upstream := strings.TrimSpace(p.Upstream)
	if upstream == "" {
		return errors.New("config: proxy.upstream required")
	}
	parsed, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("config: proxy.upstream invalid: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("config: proxy.upstream must be an absolute URL: %s", upstream)
	}
	if strings.TrimSpace(p.Version) == "" {
		return errors.New("config: proxy.version required")
	}
	if strings.ContainsAny(p.Version, ": ") {
		return fmt.Errorf("config: proxy.version must not contain spaces or colons: %q", p.Version)
	}
	if !strings.HasPrefix(p.APIPrefix, "/") {
		return fmt.Errorf("config: proxy.apiPrefix must start with /: %q", p.APIPrefix)
	}
	if p.OfflinePath != "" && !strings.HasPrefix(p.OfflinePath, "/") {
		return fmt.Errorf("config: proxy.offlinePath must start with /: %q", p.OfflinePath)
	}
	if p.APITimeoutSeconds <= 0 {
		return fmt.Errorf("config: proxy.apiTimeoutSeconds invalid: %d", p.APITimeoutSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: CacheConfig{
				Backend:   "memory",
				Namespace: "offramp:cache",
			},
			Queue: QueueConfig{
				Backend: "memory",
			},
			Sync: SyncConfig{
				IntervalSeconds: 300,
				RetentionDays:   7,
			},
		},
		Proxy: ProxyConfig{
			Version:           "v1",
			APIPrefix:         "/api/",
			OfflinePath:       "/offline.html",
			APITimeoutSeconds: 5,
			IconPrefixes:      []string{"/icons/"},
			MediaPrefixes:     []string{"/audio/"},
		},
	}
}
