// Package config loads the streamqc TOML configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/mikeyg42/streamqc/internal/crypto"
	"github.com/mikeyg42/streamqc/internal/quality"
)

//go:embed sample_config.toml
var sampleConfig string

// Duration is a time.Duration written as a string ("10s") in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func duration(d time.Duration) Duration { return Duration{Duration: d} }

// Server contains the HTTP and WebSocket listener settings
type Server struct {
	Addr              string   `toml:"addr"`
	ReadTimeout       Duration `toml:"read_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	SessionsPerMinute int      `toml:"sessions_per_minute"` // per client IP on /ws
}

// Rendition is one ladder entry as written in the config file
type Rendition struct {
	Name              string `toml:"name"`
	Width             int    `toml:"width"`
	Height            int    `toml:"height"`
	Bitrate           uint64 `toml:"bitrate"`
	URL               string `toml:"url"`
	RequiresTranscode bool   `toml:"requires_transcode"`
}

// Quality contains the control loop tuning and the default ladder
type Quality struct {
	Cooldown            Duration    `toml:"cooldown"`
	BufferWindow        Duration    `toml:"buffer_window"`
	SpeedWindow         Duration    `toml:"speed_window"`
	UnstableBufferCount int         `toml:"unstable_buffer_count"`
	SafetyMargin        float64     `toml:"safety_margin"`
	UpgradeHeadroom     float64     `toml:"upgrade_headroom"`
	TrendThreshold      float64     `toml:"trend_threshold"`
	EmergencyStep       int         `toml:"emergency_step"`
	ErrorResetAfter     Duration    `toml:"error_reset_after"`
	DecisionBuffer      int         `toml:"decision_buffer"`
	StartQuality        string      `toml:"start_quality"`
	BaseURL             string      `toml:"base_url"`
	Ladder              []Rendition `toml:"ladder"`
}

// Audit contains the decision audit database settings
type Audit struct {
	Enabled        bool     `toml:"enabled"`
	Driver         string   `toml:"driver"` // sqlite or postgres
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	MaxConnections int      `toml:"max_connections"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBackoff   Duration `toml:"retry_backoff"`
}

// Archive contains the object storage settings for session reports
type Archive struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	AccessKeyID     string   `toml:"access_key_id"`
	SecretAccessKey string   `toml:"secret_access_key"`
	UseSSL          bool     `toml:"use_ssl"`
	Bucket          string   `toml:"bucket"`
	Region          string   `toml:"region"`
	Prefix          string   `toml:"prefix"`
	RequestTimeout  Duration `toml:"request_timeout"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBackoff    Duration `toml:"retry_backoff"`
}

// Logging contains configuration for log output
type Logging struct {
	Level       string   `toml:"level"`
	Format      string   `toml:"format"`
	OutputPaths []string `toml:"output_paths"`
}

// Config holds all application configuration.
//
// Sections:
//   - Server: listener address, timeouts, CORS and per-IP session limits
//   - Quality: control loop tuning and the rendition ladder
//   - Audit: SQL audit trail of quality decisions
//   - Archive: MinIO/S3 upload of closed session reports
//   - Logging: zap level and encoding
type Config struct {
	Server  Server  `toml:"server"`
	Quality Quality `toml:"quality"`
	Audit   Audit   `toml:"audit"`
	Archive Archive `toml:"archive"`
	Logging Logging `toml:"logging"`
}

// Default returns a Config with default values
func Default() Config {
	s := quality.DefaultSettings()
	return Config{
		Server: Server{
			Addr:              "localhost:7000",
			ReadTimeout:       duration(10 * time.Second),
			WriteTimeout:      duration(10 * time.Second),
			ShutdownTimeout:   duration(15 * time.Second),
			AllowedOrigins:    []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			SessionsPerMinute: 30,
		},
		Quality: Quality{
			Cooldown:            duration(s.Cooldown),
			BufferWindow:        duration(s.BufferWindow),
			SpeedWindow:         duration(s.SpeedWindow),
			UnstableBufferCount: s.UnstableBufferCount,
			SafetyMargin:        s.SafetyMargin,
			UpgradeHeadroom:     s.UpgradeHeadroom,
			TrendThreshold:      s.TrendThreshold,
			EmergencyStep:       s.EmergencyStep,
			ErrorResetAfter:     duration(s.ErrorResetAfter),
			DecisionBuffer:      s.DecisionBuffer,
			StartQuality:        "720p",
		},
		Audit: Audit{
			Driver:         "sqlite",
			DSN:            "streamqc.db",
			Port:           5432,
			SSLMode:        "require",
			MaxConnections: 10,
			MaxRetries:     3,
			RetryBackoff:   duration(200 * time.Millisecond),
		},
		Archive: Archive{
			Bucket:         "streamqc-sessions",
			Region:         "us-east-1",
			Prefix:         "sessions",
			RequestTimeout: duration(30 * time.Second),
			MaxRetries:     3,
			RetryBackoff:   duration(500 * time.Millisecond),
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultConfigPath returns the default configuration file location
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/streamqc/config.toml")
}

// Load parses and validates a configuration file. A missing file yields the
// defaults; exists reports whether the file was found.
func Load(path string) (cfg *Config, resolved string, exists bool, err error) {
	c := Default()

	resolved, exists, err = resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&c); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	c.normalize()

	if err := c.revealSecrets(os.Getenv(crypto.KeyEnv)); err != nil {
		return nil, "", false, err
	}
	if err := c.Validate(); err != nil {
		return nil, "", false, err
	}

	return &c, resolved, exists, nil
}

// Parse decodes TOML text on top of the defaults
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.revealSecrets(os.Getenv(crypto.KeyEnv)); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", false, err
		}
		path = defaultPath
	}

	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) normalize() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	origins := c.Server.AllowedOrigins[:0]
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.AllowedOrigins = origins

	c.Quality.StartQuality = strings.TrimSpace(c.Quality.StartQuality)
	c.Quality.BaseURL = strings.TrimSpace(c.Quality.BaseURL)
	for i := range c.Quality.Ladder {
		c.Quality.Ladder[i].Name = strings.TrimSpace(c.Quality.Ladder[i].Name)
	}

	c.Audit.Driver = strings.ToLower(strings.TrimSpace(c.Audit.Driver))
	c.Audit.DSN = strings.TrimSpace(c.Audit.DSN)
	if c.Audit.Port == 0 {
		c.Audit.Port = 5432
	}
	if c.Audit.SSLMode == "" {
		c.Audit.SSLMode = "require"
	}

	c.Archive.Endpoint = strings.TrimSpace(c.Archive.Endpoint)
	c.Archive.Prefix = strings.Trim(strings.TrimSpace(c.Archive.Prefix), "/")

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate checks that the configuration can be used to start the service
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.SessionsPerMinute <= 0 {
		return fmt.Errorf("server.sessions_per_minute must be positive: %d", c.Server.SessionsPerMinute)
	}

	if err := c.QualitySettings().Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if _, _, err := c.LadderOptions(); err != nil {
		return err
	}

	if c.Audit.Enabled {
		switch c.Audit.Driver {
		case "sqlite":
			if c.Audit.DSN == "" {
				return errors.New("audit.dsn is required for the sqlite driver")
			}
		case "postgres":
			if c.Audit.DSN == "" && (c.Audit.Host == "" || c.Audit.Database == "") {
				return errors.New("audit.dsn or audit.host and audit.database are required for the postgres driver")
			}
		default:
			return fmt.Errorf("audit.driver: unsupported value %q", c.Audit.Driver)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return errors.New("archive.endpoint is required when archiving is enabled")
		}
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket is required when archiving is enabled")
		}
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}

	return nil
}

// QualitySettings maps the [quality] section onto controller settings
func (c *Config) QualitySettings() quality.Settings {
	return quality.Settings{
		Cooldown:            c.Quality.Cooldown.Duration,
		BufferWindow:        c.Quality.BufferWindow.Duration,
		SpeedWindow:         c.Quality.SpeedWindow.Duration,
		UnstableBufferCount: c.Quality.UnstableBufferCount,
		SafetyMargin:        c.Quality.SafetyMargin,
		UpgradeHeadroom:     c.Quality.UpgradeHeadroom,
		TrendThreshold:      c.Quality.TrendThreshold,
		EmergencyStep:       c.Quality.EmergencyStep,
		ErrorResetAfter:     c.Quality.ErrorResetAfter.Duration,
		DecisionBuffer:      c.Quality.DecisionBuffer,
	}
}

// LadderOptions returns the configured ladder, or the built-in one when none
// is set, together with the index of start_quality (0 when unset)
func (c *Config) LadderOptions() ([]quality.QualityOption, int, error) {
	var ladder []quality.QualityOption
	if len(c.Quality.Ladder) == 0 {
		ladder = quality.DefaultLadder(c.Quality.BaseURL)
	} else {
		ladder = make([]quality.QualityOption, 0, len(c.Quality.Ladder))
		seen := make(map[string]bool, len(c.Quality.Ladder))
		for i, r := range c.Quality.Ladder {
			if r.Name == "" {
				return nil, 0, fmt.Errorf("quality.ladder[%d]: name is required", i)
			}
			if seen[r.Name] {
				return nil, 0, fmt.Errorf("quality.ladder[%d]: duplicate name %q", i, r.Name)
			}
			if r.Bitrate == 0 {
				return nil, 0, fmt.Errorf("quality.ladder[%d]: bitrate must be positive", i)
			}
			seen[r.Name] = true

			url := r.URL
			if url == "" && c.Quality.BaseURL != "" {
				url = fmt.Sprintf("%s/%s/index.m3u8", strings.TrimRight(c.Quality.BaseURL, "/"), r.Name)
			}
			ladder = append(ladder, quality.QualityOption{
				Name:              r.Name,
				Resolution:        quality.Resolution{Width: r.Width, Height: r.Height},
				Bitrate:           r.Bitrate,
				URL:               url,
				RequiresTranscode: r.RequiresTranscode,
			})
		}
	}

	start := 0
	if c.Quality.StartQuality != "" {
		start = quality.IndexOf(ladder, c.Quality.StartQuality)
		if start < 0 {
			return nil, 0, fmt.Errorf("quality.start_quality %q is not in the ladder", c.Quality.StartQuality)
		}
	}
	return ladder, start, nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for the CLI
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to path
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Sample returns the embedded sample configuration
func Sample() string {
	return sampleConfig
}
