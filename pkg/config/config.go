// Package config holds the immutable pipeline configuration.
//
// A Config value is built once (defaults, then environment, then an
// optional YAML overlay) and injected into component constructors.
// Components never mutate it and there is no package-level singleton.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default digest algorithms in canonical order. Verification compares
// them in this order, so sha256 always reports first on mismatch.
var defaultAlgorithms = []string{"sha256", "sha512"}

// Config holds every tunable of the integrity pipeline.
type Config struct {
	// KeyDir is where the RSA pair and the auxiliary symmetric key live.
	KeyDir string `yaml:"key_dir"`

	// Algorithms is the canonical digest algorithm list, in order.
	Algorithms []string `yaml:"algorithms"`

	// SaltLength is the RSA-PSS salt length in bytes.
	SaltLength int `yaml:"salt_length"`

	// SignatureSuffix is appended to an artifact path for its envelope file.
	SignatureSuffix string `yaml:"signature_suffix"`

	// Workers bounds parallel hashing/verification.
	Workers int `yaml:"workers"`

	// PublishTimeoutSecs applies per channel publish call.
	PublishTimeoutSecs int `yaml:"publish_timeout_secs"`

	// ChannelPolicy is an optional CEL predicate over (artifact, channel)
	// that routes artifacts to a subset of channels. Empty means all.
	ChannelPolicy string `yaml:"channel_policy"`

	Channels      ChannelConfig       `yaml:"channels"`
	Journal       JournalConfig       `yaml:"journal"`
	Lock          LockConfig          `yaml:"lock"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig wires the OTLP trace and metric exporters.
// Disabled by default so CLI runs never dial a collector.
type ObservabilityConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// ChannelConfig groups per-channel settings. A channel with an empty
// required field is simply not configured; the factory rejects it.
type ChannelConfig struct {
	GitHub      GitHubConfig      `yaml:"github"`
	SourceForge SourceForgeConfig `yaml:"sourceforge"`
	Itch        ItchConfig        `yaml:"itch"`
	S3          S3Config          `yaml:"s3"`
	GCS         GCSConfig         `yaml:"gcs"`
}

// GitHubConfig configures the GitHub releases channel. Token auth and
// App auth are mutually exclusive; App auth wins when AppID is set.
type GitHubConfig struct {
	Owner             string  `yaml:"owner"`
	Repo              string  `yaml:"repo"`
	Token             string  `yaml:"token"`
	APIBase           string  `yaml:"api_base"`
	AppID             string  `yaml:"app_id"`
	AppKeyPath        string  `yaml:"app_key_path"`
	AppInstallationID string  `yaml:"app_installation_id"`
	RequestsPerSec    float64 `yaml:"requests_per_sec"`
}

// SourceForgeConfig configures FRS uploads over SSH.
type SourceForgeConfig struct {
	Host     string `yaml:"host"`
	Project  string `yaml:"project"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	KeyPath  string `yaml:"key_path"`
}

// ItchConfig configures butler pushes.
type ItchConfig struct {
	Target     string `yaml:"target"` // user/game prefix for butler targets
	ButlerPath string `yaml:"butler_path"`
	Token      string `yaml:"token"`
}

// S3Config configures the S3 mirror channel.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// GCSConfig configures the GCS mirror channel (gcp build tag).
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// JournalConfig selects the audit journal backend.
type JournalConfig struct {
	Backend string `yaml:"backend"` // memory | sqlite | postgres
	DSN     string `yaml:"dsn"`     // sqlite path or postgres DSN
}

// LockConfig selects the release lock backend.
type LockConfig struct {
	Backend       string `yaml:"backend"` // memory | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSecs       int    `yaml:"ttl_secs"`
}

// PublishTimeout returns the per-channel publish deadline.
func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSecs) * time.Second
}

// TTL returns the release lock time-to-live.
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSecs) * time.Second
}

// Default returns the baseline configuration.
func Default() Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return Config{
		KeyDir:             "security/keys",
		Algorithms:         append([]string(nil), defaultAlgorithms...),
		SaltLength:         64,
		SignatureSuffix:    ".sig",
		Workers:            workers,
		PublishTimeoutSecs: 300,
		Channels: ChannelConfig{
			GitHub: GitHubConfig{
				APIBase:        "https://api.github.com",
				RequestsPerSec: 1,
			},
			SourceForge: SourceForgeConfig{
				Host: "frs.sourceforge.net",
			},
			Itch: ItchConfig{
				ButlerPath: "butler",
			},
		},
		Journal: JournalConfig{Backend: "memory"},
		Lock:    LockConfig{Backend: "memory", TTLSecs: 600},
		Observability: ObservabilityConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
			Insecure:   true,
		},
	}
}

// Load builds a Config from defaults plus environment variables.
func Load() Config {
	cfg := Default()

	if v := os.Getenv("RELGATE_KEY_DIR"); v != "" {
		cfg.KeyDir = v
	}
	if v := os.Getenv("RELGATE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("RELGATE_PUBLISH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PublishTimeoutSecs = int(d / time.Second)
		}
	}
	if v := os.Getenv("RELGATE_CHANNEL_POLICY"); v != "" {
		cfg.ChannelPolicy = v
	}
	if v := os.Getenv("RELGATE_OTEL"); v == "1" || v == "true" {
		cfg.Observability.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Channels.GitHub.Token = v
	}
	if v := os.Getenv("GITHUB_REPOSITORY"); v != "" {
		// owner/repo as set by CI runners
		if owner, repo, ok := splitRepo(v); ok {
			cfg.Channels.GitHub.Owner = owner
			cfg.Channels.GitHub.Repo = repo
		}
	}
	if v := os.Getenv("SF_USERNAME"); v != "" {
		cfg.Channels.SourceForge.Username = v
	}
	if v := os.Getenv("SF_PASSWORD"); v != "" {
		cfg.Channels.SourceForge.Password = v
	}
	if v := os.Getenv("SF_PROJECT"); v != "" {
		cfg.Channels.SourceForge.Project = v
	}
	if v := os.Getenv("ITCH_TOKEN"); v != "" {
		cfg.Channels.Itch.Token = v
	}
	if v := os.Getenv("ITCH_TARGET"); v != "" {
		cfg.Channels.Itch.Target = v
	}
	if v := os.Getenv("RELGATE_S3_BUCKET"); v != "" {
		cfg.Channels.S3.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Channels.S3.Region = v
	}
	if v := os.Getenv("RELGATE_S3_ENDPOINT"); v != "" {
		cfg.Channels.S3.Endpoint = v
	}
	if v := os.Getenv("RELGATE_S3_PREFIX"); v != "" {
		cfg.Channels.S3.Prefix = v
	}
	if v := os.Getenv("RELGATE_GCS_BUCKET"); v != "" {
		cfg.Channels.GCS.Bucket = v
	}

	if v := os.Getenv("RELGATE_JOURNAL"); v != "" {
		cfg.Journal.Backend = v
	}
	if v := os.Getenv("RELGATE_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
	if v := os.Getenv("RELGATE_LOCK"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Lock.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lock.RedisDB = n
		}
	}

	return cfg
}

// LoadFile overlays a YAML file onto the environment-derived config.
func LoadFile(path string) (Config, error) {
	cfg := Load()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations no component could run with.
func (c Config) Validate() error {
	if c.KeyDir == "" {
		return fmt.Errorf("config: key_dir must not be empty")
	}
	if len(c.Algorithms) == 0 {
		return fmt.Errorf("config: algorithms must not be empty")
	}
	if c.SaltLength <= 0 {
		return fmt.Errorf("config: salt_length must be positive, got %d", c.SaltLength)
	}
	if c.SignatureSuffix == "" {
		return fmt.Errorf("config: signature_suffix must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.PublishTimeoutSecs <= 0 {
		return fmt.Errorf("config: publish_timeout_secs must be positive")
	}
	switch c.Journal.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown journal backend %q", c.Journal.Backend)
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown lock backend %q", c.Lock.Backend)
	}
	return nil
}

func splitRepo(s string) (owner, repo string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				return "", "", false
			}
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
