// Package config loads ScrobbleScope settings from defaults, an optional TOML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/justestif/go-scrobblescope/internal/auth"
	"github.com/justestif/go-scrobblescope/internal/cache"
	"github.com/justestif/go-scrobblescope/internal/jobs"
	"github.com/justestif/go-scrobblescope/internal/lastfm"
	"github.com/justestif/go-scrobblescope/internal/ratelimit"
)

// ErrMissingAPIKeys is returned when Last.fm or Spotify credentials are absent.
var ErrMissingAPIKeys = errors.New("missing API keys")

// PathEnvVar overrides the config file location.
const PathEnvVar = "SCROBBLESCOPE_CONFIG"

// Config is the full application configuration.
type Config struct {
	LastFM    lastfm.Config   `koanf:"lastfm"`
	Spotify   SpotifyConfig   `koanf:"spotify"`
	Server    ServerConfig    `koanf:"server"`
	Jobs      JobsConfig      `koanf:"jobs"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Cache     CacheConfig     `koanf:"cache"`
	Log       LogConfig       `koanf:"log"`
}

// SpotifyConfig holds the catalog credentials and endpoints.
type SpotifyConfig struct {
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	TokenURL     string        `koanf:"token_url"`
	BaseURL      string        `koanf:"base_url"` // empty selects the public API
	Timeout      time.Duration `koanf:"timeout"`
}

// Auth returns the client-credentials settings.
func (c SpotifyConfig) Auth() auth.Config {
	return auth.Config{ClientID: c.ClientID, ClientSecret: c.ClientSecret, TokenURL: c.TokenURL}
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr              string        `koanf:"addr"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	RequestsPerMinute int           `koanf:"requests_per_minute"` // per client IP, 0 disables
}

// JobsConfig sizes the job worker pool and its fan-out.
type JobsConfig struct {
	Workers          int           `koanf:"workers"`
	QueueSize        int           `koanf:"queue_size"`
	ResultTTL        time.Duration `koanf:"result_ttl"`
	PageConcurrency  int           `koanf:"page_concurrency"`
	BatchConcurrency int           `koanf:"batch_concurrency"`
}

// RateLimitConfig holds per-service request rates, in requests per second.
type RateLimitConfig struct {
	LastFM  int `koanf:"lastfm"`
	Spotify int `koanf:"spotify"`
}

// CacheConfig configures the outbound response cache.
type CacheConfig struct {
	TTL        time.Duration `koanf:"ttl"`
	MaxEntries int           `koanf:"max_entries"` // 0 means unbounded
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		LastFM: lastfm.DefaultConfig(),
		Spotify: SpotifyConfig{
			TokenURL: auth.DefaultTokenURL,
			Timeout:  30 * time.Second,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerMinute: 60,
		},
		Jobs: JobsConfig{
			Workers:          jobs.DefaultWorkers,
			QueueSize:        jobs.DefaultQueueSize,
			ResultTTL:        cache.DefaultTTL,
			PageConcurrency:  20,
			BatchConcurrency: 2,
		},
		RateLimit: RateLimitConfig{
			LastFM:  ratelimit.DefaultPerSecond,
			Spotify: ratelimit.DefaultPerSecond,
		},
		Cache: CacheConfig{
			TTL: cache.DefaultTTL,
		},
		Log: LogConfig{Level: "info"},
	}
}

// envKeys maps environment variables to config paths.
var envKeys = map[string]string{
	"LASTFM_API_KEY":        "lastfm.api_key",
	"LASTFM_BASE_URL":       "lastfm.base_url",
	"SPOTIFY_CLIENT_ID":     "spotify.client_id",
	"SPOTIFY_CLIENT_SECRET": "spotify.client_secret",
	"SPOTIFY_TOKEN_URL":     "spotify.token_url",
	"SPOTIFY_BASE_URL":      "spotify.base_url",
	"SERVER_ADDR":           "server.addr",
	"RATE_LIMIT_PER_MINUTE": "server.requests_per_minute",
	"JOB_WORKERS":           "jobs.workers",
	"RESULT_TTL":            "jobs.result_ttl",
	"LASTFM_RATE":           "ratelimit.lastfm",
	"SPOTIFY_RATE":          "ratelimit.spotify",
	"CACHE_TTL":             "cache.ttl",
	"CACHE_MAX_ENTRIES":     "cache.max_entries",
	"LOG_LEVEL":             "log.level",
}

func envTransform(key string) string {
	return envKeys[strings.ToUpper(key)]
}

// Load reads the configuration. path selects the TOML file; when empty the
// file named by SCROBBLESCOPE_CONFIG or the first of DefaultPaths that exists
// is used, if any. Load does not validate credentials.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// DefaultPaths lists config file locations in order of priority.
func DefaultPaths() []string {
	paths := []string{"scrobblescope.toml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "scrobblescope", "config.toml"))
	}
	return paths
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks that both services have credentials and that the sizing
// values are usable.
func (c *Config) Validate() error {
	var missing []string
	if c.LastFM.APIKey == "" {
		missing = append(missing, "LASTFM_API_KEY")
	}
	if c.Spotify.ClientID == "" {
		missing = append(missing, "SPOTIFY_CLIENT_ID")
	}
	if c.Spotify.ClientSecret == "" {
		missing = append(missing, "SPOTIFY_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s", ErrMissingAPIKeys, strings.Join(missing, ", "))
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers)
	}
	if c.RateLimit.LastFM < 1 || c.RateLimit.Spotify < 1 {
		return errors.New("rate limits must be at least 1 request per second")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative, got %d", c.Cache.MaxEntries)
	}
	return nil
}
