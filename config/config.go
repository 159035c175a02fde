// Package config loads the finsync configuration surface from a YAML file
// merged with environment-variable overrides. Environment always wins over
// the file, and both win over the built-in defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML durations written as Go duration strings
// ("30s", "5m") or as bare integers meaning seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\" or an integer second count")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SyncConfig tunes the client-side scheduler and engine.
type SyncConfig struct {
	// Enabled gates background synchronization entirely. Local reads and
	// writes are unaffected either way.
	Enabled bool `yaml:"enabled"`

	// Interval between timer-driven sync sessions.
	Interval Duration `yaml:"interval"`

	// BatchSize bounds pull pages and push batches.
	BatchSize int `yaml:"batch_size"`

	// BackoffBase and BackoffCeiling shape the retry delay after
	// consecutive retryable session failures.
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffCeiling Duration `yaml:"backoff_ceiling"`
}

// ServerConfig describes the sync server, from both sides: the base URL a
// client pushes to, and the address the ingest server listens on.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`

	// Token is the bearer credential; TokenFile, when set, takes
	// precedence and is read at call time so rotated credentials are
	// picked up without a restart.
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`

	// Timeout bounds each push/pull round trip.
	Timeout Duration `yaml:"timeout"`

	// ListenAddr is used by the serve command.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig locates the durable local state.
type StorageConfig struct {
	// Path of the client-side SQLite database.
	Path string `yaml:"path"`

	// ServerPath of the authoritative store used by the serve command.
	ServerPath string `yaml:"server_path"`

	// ConflictRetention bounds the conflict audit log; entries older than
	// this are pruned after each session.
	ConflictRetention Duration `yaml:"conflict_retention"`
}

// Config is the root configuration document.
type Config struct {
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			Enabled:        true,
			Interval:       Duration(5 * time.Minute),
			BatchSize:      100,
			BackoffBase:    Duration(2 * time.Second),
			BackoffCeiling: Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Timeout:    Duration(30 * time.Second),
			ListenAddr: ":8080",
		},
		Storage: StorageConfig{
			Path:              "finsync.db",
			ServerPath:        "finsync-server.db",
			ConflictRetention: Duration(30 * 24 * time.Hour),
		},
	}
}

// Load builds the effective configuration for a client process: defaults,
// overlaid by the YAML file at path (optional when path is empty), overlaid
// by environment variables, then validated.
func Load(path string) (Config, error) {
	return load(path, true)
}

// LoadServer is Load for the serve command, which never pushes anywhere:
// the requirement that enabled sync carries a server base URL is relaxed.
func LoadServer(path string) (Config, error) {
	return load(path, false)
}

func load(path string, requireClientURL bool) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(requireClientURL); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FINSYNC_ENABLED"); v != "" {
		c.Sync.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if err := envDuration("FINSYNC_SYNC_INTERVAL", &c.Sync.Interval); err != nil {
		return err
	}
	if v := os.Getenv("FINSYNC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FINSYNC_BATCH_SIZE: %w", err)
		}
		c.Sync.BatchSize = n
	}
	if err := envDuration("FINSYNC_BACKOFF_BASE", &c.Sync.BackoffBase); err != nil {
		return err
	}
	if err := envDuration("FINSYNC_BACKOFF_CEILING", &c.Sync.BackoffCeiling); err != nil {
		return err
	}
	if v := os.Getenv("FINSYNC_SERVER_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("FINSYNC_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("FINSYNC_TOKEN_FILE"); v != "" {
		c.Server.TokenFile = v
	}
	if err := envDuration("FINSYNC_TIMEOUT", &c.Server.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("FINSYNC_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FINSYNC_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FINSYNC_SERVER_DB_PATH"); v != "" {
		c.Storage.ServerPath = v
	}
	if err := envDuration("FINSYNC_CONFLICT_RETENTION", &c.Storage.ConflictRetention); err != nil {
		return err
	}
	return nil
}

func envDuration(name string, dst *Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = Duration(d)
	return nil
}

// Validate checks internal consistency. A missing server base URL is only
// an error when sync is enabled; the serve command runs without one.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(requireClientURL bool) error {
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive")
	}
	if c.Sync.BackoffCeiling < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_ceiling must be >= sync.backoff_base")
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.ConflictRetention <= 0 {
		return fmt.Errorf("storage.conflict_retention must be positive")
	}
	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL)
		}
	}
	if requireClientURL && c.Sync.Enabled && c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required when sync is enabled")
	}
	return nil
}

// BearerToken resolves the credential, preferring the token file so
// rotation does not require a restart.
func (s ServerConfig) BearerToken() (string, error) {
	if s.TokenFile != "" {
		data, err := os.ReadFile(s.TokenFile)
		if err != nil {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return s.Token, nil
}
