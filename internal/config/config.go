package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int `yaml:"port"`

	// PDS is the XRPC endpoint the timeline is read from.
	PDS string `yaml:"pds"`

	// Handle and AppPassword authenticate the user whose timeline is served.
	Handle      string `yaml:"handle"`
	AppPassword string `yaml:"appPassword"`

	// FeedName keys the persisted replay log of the feed.
	FeedName string `yaml:"feedName"`

	// FeedURI selects a custom feed generator. Empty reads the home timeline.
	FeedURI string `yaml:"feedUri"`

	// DatabasePath is the sqlite file holding replay logs and cursors.
	DatabasePath string `yaml:"databasePath"`

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string `yaml:"firehoseUrl"`

	// WatchDIDs are the accounts whose new posts trigger a refresh.
	WatchDIDs []string `yaml:"watchDids"`

	AssembleThreads bool `yaml:"assembleThreads"`
	FoldThreads     bool `yaml:"foldThreads"`

	MutedWords   []string `yaml:"mutedWords"`
	MutedAuthors []string `yaml:"mutedAuthors"`
	HideReposts  bool     `yaml:"hideReposts"`
	HideReplies  bool     `yaml:"hideReplies"`
	Langs        []string `yaml:"langs"`

	SaveInterval    time.Duration `yaml:"saveInterval"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`

	// Compression of the persisted replay log: none, lz4 or zstd.
	Compression string `yaml:"compression"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Port:            3000,
		PDS:             "https://bsky.social",
		FeedName:        "home",
		DatabasePath:    "timeline.db",
		FirehoseURL:     "wss://jetstream1.us-east.bsky.network/subscribe",
		AssembleThreads: true,
		FoldThreads:     true,
		SaveInterval:    10 * time.Second,
		RefreshInterval: 91 * time.Second,
		Compression:     "zstd",
		LogLevel:        "info",
	}
}

// SlogLevel returns the slog level named by LogLevel.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads configuration from the YAML file named by TIMELINE_CONFIG, if
// any, and then from environment variables, which take precedence.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("TIMELINE_CONFIG"); ok && path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	e := envReader{lookup: lookup}
	e.setInt("PORT", &cfg.Port)
	e.setString("BLUESKY_PDS", &cfg.PDS)
	e.setString("BLUESKY_HANDLE", &cfg.Handle)
	e.setString("BLUESKY_APP_PASSWORD", &cfg.AppPassword)
	e.setString("TIMELINE_FEED_NAME", &cfg.FeedName)
	e.setString("TIMELINE_FEED_URI", &cfg.FeedURI)
	e.setString("TIMELINE_DB_PATH", &cfg.DatabasePath)
	e.setString("TIMELINE_FIREHOSE_URL", &cfg.FirehoseURL)
	e.setList("TIMELINE_WATCH_DIDS", &cfg.WatchDIDs)
	e.setBool("TIMELINE_ASSEMBLE_THREADS", &cfg.AssembleThreads)
	e.setBool("TIMELINE_FOLD_THREADS", &cfg.FoldThreads)
	e.setList("TIMELINE_MUTED_WORDS", &cfg.MutedWords)
	e.setList("TIMELINE_MUTED_AUTHORS", &cfg.MutedAuthors)
	e.setBool("TIMELINE_HIDE_REPOSTS", &cfg.HideReposts)
	e.setBool("TIMELINE_HIDE_REPLIES", &cfg.HideReplies)
	e.setList("TIMELINE_LANGS", &cfg.Langs)
	e.setDuration("TIMELINE_SAVE_INTERVAL", &cfg.SaveInterval)
	e.setDuration("TIMELINE_REFRESH_INTERVAL", &cfg.RefreshInterval)
	e.setString("TIMELINE_COMPRESSION", &cfg.Compression)
	e.setString("LOG_LEVEL", &cfg.LogLevel)
	if e.err != nil {
		return nil, e.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Handle == "" {
		return errors.New("BLUESKY_HANDLE is required")
	}
	if c.AppPassword == "" {
		return errors.New("BLUESKY_APP_PASSWORD is required")
	}
	if c.FeedName == "" {
		return errors.New("TIMELINE_FEED_NAME must not be empty")
	}
	if c.SaveInterval <= 0 {
		return fmt.Errorf("invalid TIMELINE_SAVE_INTERVAL: %s", c.SaveInterval)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("invalid TIMELINE_REFRESH_INTERVAL: %s", c.RefreshInterval)
	}
	switch c.Compression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("invalid TIMELINE_COMPRESSION: %q", c.Compression)
	}
	return nil
}

// envReader applies environment overrides and keeps the first error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) setList(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}
