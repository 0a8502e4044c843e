// Package config loads ThreatGraph settings. Values are layered with viper:
// built-in defaults, then an optional YAML file, then environment variables
// with the THREATGRAPH_ prefix (THREATGRAPH_SERVER_PORT overrides
// server.port).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable override.
const EnvPrefix = "THREATGRAPH"

// DefaultConfigName is the config file looked up when none is given.
const DefaultConfigName = "threatgraph.yaml"

// Config holds all configuration settings for ThreatGraph.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	LLM        LLMConfig
	Security   SecurityConfig
	Logging    LoggingConfig
	Extraction ExtractionConfig
	Merge      MergeConfig
	Query      QueryConfig
	Inbox      InboxConfig
	Backup     BackupConfig

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port           int           // Server port (default: 6464)
	Host           string        // Server host (default: 127.0.0.1)
	ReadTimeout    time.Duration // default: 15s
	WriteTimeout   time.Duration // default: 120s, ingestion with an LLM is slow
	RateLimit      float64       // Requests per second per client on /api (default: 20)
	RateBurst      int           // default: 40
	AllowedOrigins []string      // Extra websocket origins besides the server's own host
	ImportRoot     string        // POST /api/import only reads below this directory (default: <data>)
}

// StorageConfig selects where the graph is persisted.
type StorageConfig struct {
	Engine      string // file, sqlite, postgres or memory (default: file)
	DataPath    string // Directory for graph.json / threatgraph.db and the inbox (default: ./data)
	PostgresDSN string // Required when Engine is postgres
}

// GraphFilePath is the JSON document used by the file engine.
func (s StorageConfig) GraphFilePath() string {
	return filepath.Join(s.DataPath, "graph.json")
}

// SQLitePath is the database file used by the sqlite engine.
func (s StorageConfig) SQLitePath() string {
	return filepath.Join(s.DataPath, "threatgraph.db")
}

// LLMConfig configures the optional NLP collaborator.
type LLMConfig struct {
	Provider      string        // none, ollama, openai or anthropic (default: none)
	BaseURL       string        // Provider API root; empty uses the provider default
	Model         string        // Model name; empty uses the provider default
	APIKey        string        // API key for hosted providers
	Timeout       time.Duration // Per-request timeout (default: 120s)
	MaxInputChars int           // Report text sent per prompt (default: 24000)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string // development or production (default: development)
	APIToken string // Bearer token required on /api in production
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string // debug, info, warn or error (default: info)
	Format     string // text or json (default: text)
	File       string // Optional log file, rotated by size
	MaxSizeMB  int    // default: 50
	MaxBackups int    // default: 5
	MaxAgeDays int    // default: 28
	Stderr     bool   // Also write to stderr when File is set (default: true)
}

// ExtractionConfig tunes the pattern extractor.
type ExtractionConfig struct {
	ProximityWindow int    // Character window for correlation (default: 350)
	DictionaryPath  string // Optional YAML seed dictionary replacing the built-in one
}

// MergeConfig tunes entity merging and commits.
type MergeConfig struct {
	FuzzyThreshold float64       // default: 0.8, compared with a strict >
	Policy         string        // first or best (default: first)
	SaveTimeout    time.Duration // default: 30s
}

// QueryConfig tunes the query interpreter.
type QueryConfig struct {
	CacheSize int // Parsed queries kept (default: 128)
}

// InboxConfig controls the drop-directory watcher.
type InboxConfig struct {
	Enabled bool   // default: false
	Path    string // default: <data>/inbox
	UseAI   bool   // Ask the NLP collaborator for inbox files (default: true)
}

// BackupConfig controls graph snapshot backups.
type BackupConfig struct {
	Dir      string        // default: <data>/backups
	Interval time.Duration // Scheduled backups while serving; 0 disables (default: 0)
	Verify   bool          // Re-read each snapshot after writing (default: true)
	Hourly   int           // Snapshots kept per retention tier (defaults: 24, 7, 4, 12)
	Daily    int
	Weekly   int
	Monthly  int
}

// Accepted enumerations.
var (
	StorageEngines = []string{"file", "sqlite", "postgres", "memory"}
	LLMProviders   = []string{"none", "ollama", "openai", "anthropic"}
	SecurityModes  = []string{"development", "production"}
	MergePolicies  = []string{"first", "best"}
	LogLevels      = []string{"debug", "info", "warn", "error"}
	LogFormats     = []string{"text", "json"}
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 6464)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.import_root", "")

	v.SetDefault("storage.engine", "file")
	v.SetDefault("storage.data_path", "./data")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_input_chars", 24000)

	v.SetDefault("security.mode", "development")
	v.SetDefault("security.api_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.stderr", true)

	v.SetDefault("extraction.proximity_window", 350)
	v.SetDefault("extraction.dictionary_path", "")

	v.SetDefault("merge.fuzzy_threshold", 0.8)
	v.SetDefault("merge.policy", "first")
	v.SetDefault("merge.save_timeout", "30s")

	v.SetDefault("query.cache_size", 128)

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.path", "")
	v.SetDefault("inbox.use_ai", true)

	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.interval", "0s")
	v.SetDefault("backup.verify", true)
	v.SetDefault("backup.hourly", 24)
	v.SetDefault("backup.daily", 7)
	v.SetDefault("backup.weekly", 4)
	v.SetDefault("backup.monthly", 12)
}

// Load reads configuration. When path is empty, ./threatgraph.yaml and
// $XDG_CONFIG_HOME/threatgraph/config.yaml are tried in that order; a
// missing file is not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := fromViper(v)
	cfg.ConfigFile = path
	return cfg, nil
}

// Default returns the built-in defaults without consulting files or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func findConfigFile() string {
	candidates := []string{DefaultConfigName}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "threatgraph", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			Host:           v.GetString("server.host"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			RateLimit:      v.GetFloat64("server.rate_limit"),
			RateBurst:      v.GetInt("server.rate_burst"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
			ImportRoot:     v.GetString("server.import_root"),
		},
		Storage: StorageConfig{
			Engine:      strings.ToLower(v.GetString("storage.engine")),
			DataPath:    v.GetString("storage.data_path"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		LLM: LLMConfig{
			Provider:      strings.ToLower(v.GetString("llm.provider")),
			BaseURL:       v.GetString("llm.base_url"),
			Model:         v.GetString("llm.model"),
			APIKey:        v.GetString("llm.api_key"),
			Timeout:       v.GetDuration("llm.timeout"),
			MaxInputChars: v.GetInt("llm.max_input_chars"),
		},
		Security: SecurityConfig{
			Mode:     strings.ToLower(v.GetString("security.mode")),
			APIToken: v.GetString("security.api_token"),
		},
		Logging: LoggingConfig{
			Level:      strings.ToLower(v.GetString("log.level")),
			Format:     strings.ToLower(v.GetString("log.format")),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Stderr:     v.GetBool("log.stderr"),
		},
		Extraction: ExtractionConfig{
			ProximityWindow: v.GetInt("extraction.proximity_window"),
			DictionaryPath:  v.GetString("extraction.dictionary_path"),
		},
		Merge: MergeConfig{
			FuzzyThreshold: v.GetFloat64("merge.fuzzy_threshold"),
			Policy:         strings.ToLower(v.GetString("merge.policy")),
			SaveTimeout:    v.GetDuration("merge.save_timeout"),
		},
		Query: QueryConfig{
			CacheSize: v.GetInt("query.cache_size"),
		},
		Inbox: InboxConfig{
			Enabled: v.GetBool("inbox.enabled"),
			Path:    v.GetString("inbox.path"),
			UseAI:   v.GetBool("inbox.use_ai"),
		},
		Backup: BackupConfig{
			Dir:      v.GetString("backup.dir"),
			Interval: v.GetDuration("backup.interval"),
			Verify:   v.GetBool("backup.verify"),
			Hourly:   v.GetInt("backup.hourly"),
			Daily:    v.GetInt("backup.daily"),
			Weekly:   v.GetInt("backup.weekly"),
			Monthly:  v.GetInt("backup.monthly"),
		},
	}
	if cfg.Inbox.Path == "" {
		cfg.Inbox.Path = filepath.Join(cfg.Storage.DataPath, "inbox")
	}
	if cfg.Server.ImportRoot == "" {
		cfg.Server.ImportRoot = cfg.Storage.DataPath
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.Storage.DataPath, "backups")
	}
	return cfg
}

// IsProduction reports whether API authentication is enforced.
func (c *Config) IsProduction() bool {
	return c.Security.Mode == "production"
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be 1-65535, got %d", c.Server.Port)
	check(c.Server.RateLimit > 0, "server.rate_limit must be > 0, got %v", c.Server.RateLimit)
	check(c.Server.RateBurst > 0, "server.rate_burst must be > 0, got %d", c.Server.RateBurst)
	check(oneOf(c.Storage.Engine, StorageEngines), "storage.engine must be one of %v, got %q", StorageEngines, c.Storage.Engine)
	check(c.Storage.Engine != "postgres" || c.Storage.PostgresDSN != "", "storage.postgres_dsn is required for the postgres engine")
	check(c.Storage.DataPath != "", "storage.data_path must not be empty")
	check(oneOf(c.LLM.Provider, LLMProviders), "llm.provider must be one of %v, got %q", LLMProviders, c.LLM.Provider)
	check(c.LLM.Provider != "anthropic" || c.LLM.APIKey != "", "llm.api_key is required for the anthropic provider")
	check(oneOf(c.Security.Mode, SecurityModes), "security.mode must be one of %v, got %q", SecurityModes, c.Security.Mode)
	check(!c.IsProduction() || c.Security.APIToken != "", "security.api_token is required in production mode")
	check(oneOf(c.Logging.Level, LogLevels), "log.level must be one of %v, got %q", LogLevels, c.Logging.Level)
	check(oneOf(c.Logging.Format, LogFormats), "log.format must be one of %v, got %q", LogFormats, c.Logging.Format)
	check(c.Extraction.ProximityWindow > 0, "extraction.proximity_window must be > 0, got %d", c.Extraction.ProximityWindow)
	check(c.Merge.FuzzyThreshold > 0 && c.Merge.FuzzyThreshold <= 1, "merge.fuzzy_threshold must be in (0,1], got %v", c.Merge.FuzzyThreshold)
	check(oneOf(c.Merge.Policy, MergePolicies), "merge.policy must be one of %v, got %q", MergePolicies, c.Merge.Policy)
	check(c.Query.CacheSize > 0, "query.cache_size must be > 0, got %d", c.Query.CacheSize)
	check(c.Backup.Interval >= 0, "backup.interval must not be negative, got %v", c.Backup.Interval)
	check(c.Backup.Hourly >= 0 && c.Backup.Daily >= 0 && c.Backup.Weekly >= 0 && c.Backup.Monthly >= 0,
		"backup retention counts must not be negative")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
