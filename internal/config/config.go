// Package config loads Porter's configuration from a YAML file, environment
// variables and sane defaults, following the layering rules described in
// the spec's "Configuration" section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the root App configuration.
type Config struct {
	// Root is the project directory. Relative paths elsewhere in the config
	// are resolved against it.
	Root string `mapstructure:"root"`

	// Paths lists source roots within Root. It is loaded and defaulted to
	// ["."] but not read by the App: the project's own Packet is built
	// from Root alone, so additional roots listed here are not scanned.
	Paths []string `mapstructure:"paths"`

	// Dest is where transpiled modules and bundle artifacts are cached and
	// published.
	Dest string `mapstructure:"dest"`

	// Entries are explicit root-entry module ids. When empty, only the
	// manifest's main entry is parsed as an entry; other .js files are
	// not discovered as entries.
	Entries []string `mapstructure:"entries"`

	// Preload lists entries the App builds as their own standalone
	// bundles and excludes from every other entry's bundle, so the
	// client can prefetch them alongside a root bundle instead of
	// waiting to discover them through a lazy import.
	Preload []string `mapstructure:"preload"`

	Bundle    BundleConfig    `mapstructure:"bundle"`
	Transpile TranspileConfig `mapstructure:"transpile"`
	Resolve   ResolveConfig   `mapstructure:"resolve"`
	Source    SourceConfig    `mapstructure:"source"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Server    ServerConfig    `mapstructure:"server"`
	Scaling   ScalingConfig   `mapstructure:"scaling"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`

	Debug bool `mapstructure:"debug"`
}

// BundleConfig controls what the Bundler is allowed to inline.
type BundleConfig struct {
	// Exclude lists Packet names that must never be inlined into root
	// bundles, even when scope would otherwise allow it.
	Exclude []string `mapstructure:"exclude"`
}

// TranspileConfig controls which dependency Packets get transpiled.
type TranspileConfig struct {
	// Include lists dependency Packet names that should be transpiled
	// despite living outside the root Packet.
	Include []string `mapstructure:"include"`
}

// ResolveConfig controls specifier rewriting ahead of resolution.
type ResolveConfig struct {
	// Alias maps a specifier prefix to its replacement, applied before
	// bare-specifier resolution.
	Alias map[string]string `mapstructure:"alias"`
}

// SourceConfig controls devtools-facing raw source exposure.
type SourceConfig struct {
	// Serve is loaded from config but not read by the server: no route
	// serves raw sources, whatever its value.
	Serve bool `mapstructure:"serve"`

	// Root is loaded from config but not read by the Bundler: bundle
	// source maps always use "/" as their sourceRoot.
	Root string `mapstructure:"root"`
}

// CacheConfig controls the on-disk transpilation/bundle cache.
type CacheConfig struct {
	// Except lists ids excluded from the startup cache purge.
	Except []string `mapstructure:"except"`

	// Persist keeps the cache across restarts instead of purging it on
	// startup.
	Persist bool `mapstructure:"persist"`

	// Remote optionally mirrors transpiled module output to an
	// S3-compatible bucket so multiple server instances can share
	// transpile results in production.
	Remote RemoteCacheConfig `mapstructure:"remote"`

	// JanitorInterval is how often the cache janitor sweeps orphaned
	// temp files left behind by interrupted writes. Zero disables it.
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// RemoteCacheConfig describes an optional S3-compatible mirror for
// transpiled module output, used in production deployments where several
// Porter instances should not each re-transpile the same module. Bundle
// artifacts written under Dest are not mirrored.
type RemoteCacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ServerConfig contains HTTP server settings for the dev/prod asset server.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`

	// DevOverlay serves a relaxed-CSP build-status page at
	// "/_porter/overlay" for a connected dev client.
	DevOverlay bool `mapstructure:"dev_overlay"`

	// Control enables the "/_porter/*" operator endpoints (invalidate,
	// build, reload stream). Disabled by default since they let a caller
	// trigger cache purges and rebuilds.
	Control bool `mapstructure:"control"`

	// RateLimit caps requests per IP per minute to the asset endpoint.
	// Zero disables rate limiting.
	RateLimit int `mapstructure:"rate_limit"`
}

// ScalingConfig selects the backend used to coordinate cache invalidation
// and rate limiting across multiple Porter instances sharing one Cache
// directory, per the "Shared resources" note in the concurrency model.
type ScalingConfig struct {
	// Backend is one of "local" or "redis".
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig controls OpenTelemetry span export for the suspension
// points named in the concurrency model (parseFile, Cache I/O, obtain).
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure"`
}

// Load reads configuration from environment variables prefixed PORTER_,
// porter.yaml (if present), and defaults, in that order of precedence.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	viper.SetConfigName("porter")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/porter")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("no porter.yaml found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("config file loaded")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() error {
	locations := []string{".env", ".env.local", "../.env"}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}
	return fmt.Errorf("no .env file found")
}

func setDefaults() {
	cwd, _ := os.Getwd()

	viper.SetDefault("root", cwd)
	viper.SetDefault("paths", []string{"."})
	viper.SetDefault("dest", "public")

	viper.SetDefault("cache.persist", false)
	viper.SetDefault("cache.janitor_interval", "10m")

	viper.SetDefault("source.serve", false)
	viper.SetDefault("source.root", "/")

	viper.SetDefault("server.address", ":5000")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.body_limit", 32*1024*1024)
	viper.SetDefault("server.dev_overlay", false)
	viper.SetDefault("server.control", false)
	viper.SetDefault("server.rate_limit", 600)

	viper.SetDefault("scaling.backend", "local")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "porter")

	viper.SetDefault("debug", false)
}

// normalize resolves relative paths against Root and fills in derived
// defaults that depend on other fields.
func (c *Config) normalize() error {
	if c.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		c.Root = cwd
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	c.Root = root

	if len(c.Paths) == 0 {
		c.Paths = []string{"."}
	}
	if !filepath.IsAbs(c.Dest) {
		c.Dest = filepath.Join(c.Root, c.Dest)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if info, err := os.Stat(c.Root); err != nil || !info.IsDir() {
		return fmt.Errorf("root %q is not a directory", c.Root)
	}
	switch c.Scaling.Backend {
	case "local", "":
	case "redis":
		if c.Scaling.RedisURL == "" {
			return fmt.Errorf("scaling.redis_url is required when scaling.backend is redis")
		}
	default:
		return fmt.Errorf("unknown scaling backend: %s (valid options: local, redis)", c.Scaling.Backend)
	}
	if c.Cache.Remote.Enabled {
		if c.Cache.Remote.Endpoint == "" || c.Cache.Remote.Bucket == "" {
			return fmt.Errorf("cache.remote requires endpoint and bucket when enabled")
		}
	}
	return nil
}
