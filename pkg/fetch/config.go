// Package fetch holds the downloader's configuration surface and the
// per-host credential rules shared by its subsystems.
package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	defaultOutputDir    = "downloads"
	defaultWorkers      = 4
	defaultRate         = 4.0
	defaultPartialSize  = 64 * 1024
	defaultAttempts     = 3
	defaultBackoffSec   = 1
	defaultSaveInterval = 10
	defaultUserAgent    = "reddit-dl/0.1 (by /u/yourusername)"
	defaultLogLevel     = "info"
	defaultLogFormat    = "console"

	indexFileName = ".md5_index.db"
)

// Environment overrides, applied between file values and CLI flags.
const (
	EnvWorkers   = "REDDIT_DL_CONCURRENCY"
	EnvRate      = "REDDIT_DL_RATE"
	EnvUserAgent = "REDDIT_USER_AGENT"
)

// ErrConfigMissing indicates the config file did not exist and a template
// was written in its place for the user to edit.
var ErrConfigMissing = errors.New("fetch config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes a download run.
type Config struct {
	OutputDir string  `yaml:"output_dir"`
	Workers   int     `yaml:"workers"`
	Rate      float64 `yaml:"rate"`
	// Probe toggles the HEAD metadata probe; nil means enabled.
	Probe              *bool  `yaml:"probe"`
	PartialFingerprint bool   `yaml:"partial_fingerprint"`
	PartialSize        int64  `yaml:"partial_size"`
	Attempts           int    `yaml:"attempts"`
	BackoffBaseSec     int    `yaml:"backoff_base_sec"`
	SaveInterval       int    `yaml:"save_interval"`
	IndexPath          string `yaml:"index_path"`
	UserAgent          string `yaml:"user_agent"`
	CredentialsFile    string `yaml:"credentials_file"`
	XattrTags          bool   `yaml:"xattr_tags"`
	// MinFreeSpace is a byte floor for the output filesystem; 0 disables
	// the guard.
	MinFreeSpace int64  `yaml:"min_free_space"`
	LogFile      string `yaml:"log_file"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads config from the provided path. When the file does not
// exist it writes a commented template and returns ErrConfigMissing to
// prompt the user to edit the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := WriteTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse fetch config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv folds the environment overrides into the config. Unparseable
// values surface as a ValidationError rather than being silently dropped.
func (c *Config) ApplyEnv() error {
	issues := make([]string, 0)

	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s must be an integer, got %q", EnvWorkers, v))
		} else {
			c.Workers = n
		}
	}
	if v := os.Getenv(EnvRate); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s must be a number, got %q", EnvRate, v))
		} else {
			c.Rate = r
		}
	}
	if v := os.Getenv(EnvUserAgent); v != "" {
		c.UserAgent = v
	}

	if len(issues) > 0 {
		return ValidationError{Issues: issues}
	}
	return nil
}

// ExpandPaths resolves ~ in every path-valued field.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.OutputDir, &c.IndexPath, &c.CredentialsFile, &c.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// ProbeEnabled reports whether the HEAD probe tier runs.
func (c Config) ProbeEnabled() bool {
	return c.Probe == nil || *c.Probe
}

// BackoffBase returns the retry backoff floor as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

// EffectiveIndexPath resolves the index location, defaulting to a dot file
// inside the output directory.
func (c Config) EffectiveIndexPath() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	return filepath.Join(c.OutputDir, indexFileName)
}

func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Rate == 0 {
		c.Rate = defaultRate
	}
	if c.PartialSize == 0 {
		c.PartialSize = defaultPartialSize
	}
	if c.Attempts == 0 {
		c.Attempts = defaultAttempts
	}
	if c.BackoffBaseSec == 0 {
		c.BackoffBaseSec = defaultBackoffSec
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = defaultSaveInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
}

// Validate checks the config and returns a ValidationError listing every
// problem found.
func (c Config) Validate() error {
	issues := make([]string, 0)

	if c.OutputDir == "" {
		issues = append(issues, "output_dir must not be empty")
	}
	if c.Workers <= 0 {
		issues = append(issues, "workers must be > 0")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.PartialSize <= 0 {
		issues = append(issues, "partial_size must be > 0")
	}
	if c.Attempts <= 0 {
		issues = append(issues, "attempts must be > 0")
	}
	if c.BackoffBaseSec <= 0 {
		issues = append(issues, "backoff_base_sec must be > 0")
	}
	if c.SaveInterval <= 0 {
		issues = append(issues, "save_interval must be > 0")
	}
	if c.MinFreeSpace < 0 {
		issues = append(issues, "min_free_space must be >= 0")
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		issues = append(issues, "log_format must be console or json")
	}

	if len(issues) > 0 {
		return ValidationError{Issues: issues}
	}
	return nil
}

// WriteTemplate emits a commented starter config at path.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# reddit-dl configuration\n")
	tpl.WriteString("output_dir: downloads\n")
	tpl.WriteString("workers: 4\n")
	tpl.WriteString("rate: 4.0\n")
	tpl.WriteString("probe: true\n")
	tpl.WriteString("partial_fingerprint: false\n")
	tpl.WriteString("partial_size: 65536\n")
	tpl.WriteString("attempts: 3\n")
	tpl.WriteString("backoff_base_sec: 1\n")
	tpl.WriteString("save_interval: 10\n")
	tpl.WriteString("# index_path: downloads/.md5_index.db\n")
	tpl.WriteString("user_agent: \"reddit-dl/0.1 (by /u/yourusername)\"\n")
	tpl.WriteString("# credentials_file: ~/.config/reddit-dl/credentials.ini\n")
	tpl.WriteString("xattr_tags: false\n")
	tpl.WriteString("min_free_space: 0\n")
	tpl.WriteString("# log_file: reddit-dl.log\n")
	tpl.WriteString("log_level: info\n")
	tpl.WriteString("log_format: console\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
