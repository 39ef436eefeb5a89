// Package cfg holds the command line surface and logger bootstrap.
package cfg

import (
	"errors"
	"fmt"

	"github.com/urfave/cli"

	"github.com/qasimbilalstack/reddit-dl/pkg/fetch"
)

var Version = "0.1.0"

// FlagStorage is the fully resolved run configuration: file values, then
// environment overrides, then command line flags.
type FlagStorage struct {
	fetch.Config

	ConfigPath string
	FromFile   string
	Force      bool
	NoLogColor bool
}

// NewApp builds the CLI application shell. Actions and subcommands are wired
// by the caller.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "reddit-dl"
	app.Version = Version
	app.Usage = "deduplicating media downloader"
	app.ArgsUsage = "[URL ...]"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the YAML config file",
		},
		cli.StringFlag{
			Name:  "output-dir, o",
			Usage: "directory receiving downloaded media",
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "concurrent download workers",
		},
		cli.Float64Flag{
			Name:  "rate",
			Usage: "request rate limit in tokens per second",
		},
		cli.BoolTFlag{
			Name:  "probe",
			Usage: "probe candidates with a HEAD request before downloading",
		},
		cli.BoolFlag{
			Name:  "partial-fingerprint",
			Usage: "match candidates by a hash of their first bytes",
		},
		cli.Int64Flag{
			Name:  "partial-size",
			Usage: "prefix length in bytes for partial fingerprints",
		},
		cli.IntFlag{
			Name:  "attempts",
			Usage: "download attempts per URL",
		},
		cli.IntFlag{
			Name:  "backoff-base-sec",
			Usage: "base retry delay in seconds, doubled per attempt",
		},
		cli.IntFlag{
			Name:  "save-interval",
			Usage: "checkpoint the index every N downloads",
		},
		cli.StringFlag{
			Name:  "index-path",
			Usage: "dedup index location (default: <output-dir>/.md5_index.db)",
		},
		cli.StringFlag{
			Name:  "user-agent",
			Usage: "User-Agent header for all requests",
		},
		cli.StringFlag{
			Name:  "credentials-file",
			Usage: "INI file with per-host bearer tokens",
		},
		cli.BoolFlag{
			Name:  "xattr-tags",
			Usage: "stamp origin URL and ETag as extended attributes",
		},
		cli.Int64Flag{
			Name:  "min-free-space",
			Usage: "refuse downloads when free bytes drop below this floor",
		},
		cli.StringFlag{
			Name:  "from-file",
			Usage: "read candidate URLs from a file, one per line",
		},
		cli.BoolFlag{
			Name:  "force",
			Usage: "skip dedup checks and download everything",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "redirect process output to this file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log verbosity: debug, info, warn, error",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "log rendering: console or json",
		},
		cli.BoolFlag{
			Name:  "no-log-color",
			Usage: "disable colorized console logs",
		},
	}

	return app
}

// PopulateFlags resolves the final configuration for a command invocation.
func PopulateFlags(c *cli.Context) (*FlagStorage, error) {
	base := fetch.DefaultConfig()

	path := c.GlobalString("config")
	if path != "" {
		loaded, err := fetch.LoadConfig(path)
		if err != nil {
			if errors.Is(err, fetch.ErrConfigMissing) {
				return nil, fmt.Errorf("wrote a starter config to %s, edit it and rerun", path)
			}
			return nil, err
		}
		base = *loaded
	}

	if err := base.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlagOverrides(&base, c)
	if err := base.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}

	return &FlagStorage{
		Config:     base,
		ConfigPath: path,
		FromFile:   c.GlobalString("from-file"),
		Force:      c.GlobalBool("force"),
		NoLogColor: c.GlobalBool("no-log-color"),
	}, nil
}

// applyFlagOverrides copies explicitly set flags over the config. Unset flags
// leave file and environment values alone.
func applyFlagOverrides(cfg *fetch.Config, c *cli.Context) {
	if c.GlobalIsSet("output-dir") {
		cfg.OutputDir = c.GlobalString("output-dir")
	}
	if c.GlobalIsSet("workers") {
		cfg.Workers = c.GlobalInt("workers")
	}
	if c.GlobalIsSet("rate") {
		cfg.Rate = c.GlobalFloat64("rate")
	}
	if c.GlobalIsSet("probe") {
		v := c.GlobalBoolT("probe")
		cfg.Probe = &v
	}
	if c.GlobalIsSet("partial-fingerprint") {
		cfg.PartialFingerprint = c.GlobalBool("partial-fingerprint")
	}
	if c.GlobalIsSet("partial-size") {
		cfg.PartialSize = c.GlobalInt64("partial-size")
	}
	if c.GlobalIsSet("attempts") {
		cfg.Attempts = c.GlobalInt("attempts")
	}
	if c.GlobalIsSet("backoff-base-sec") {
		cfg.BackoffBaseSec = c.GlobalInt("backoff-base-sec")
	}
	if c.GlobalIsSet("save-interval") {
		cfg.SaveInterval = c.GlobalInt("save-interval")
	}
	if c.GlobalIsSet("index-path") {
		cfg.IndexPath = c.GlobalString("index-path")
	}
	if c.GlobalIsSet("user-agent") {
		cfg.UserAgent = c.GlobalString("user-agent")
	}
	if c.GlobalIsSet("credentials-file") {
		cfg.CredentialsFile = c.GlobalString("credentials-file")
	}
	if c.GlobalIsSet("xattr-tags") {
		cfg.XattrTags = c.GlobalBool("xattr-tags")
	}
	if c.GlobalIsSet("min-free-space") {
		cfg.MinFreeSpace = c.GlobalInt64("min-free-space")
	}
	if c.GlobalIsSet("log-file") {
		cfg.LogFile = c.GlobalString("log-file")
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}
	if c.GlobalIsSet("log-format") {
		cfg.LogFormat = c.GlobalString("log-format")
	}
}
