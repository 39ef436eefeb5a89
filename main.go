package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/qasimbilalstack/reddit-dl/core/cfg"
	"github.com/qasimbilalstack/reddit-dl/log"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/download"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/engine"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/failsafe"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/index"
	bboltindex "github.com/qasimbilalstack/reddit-dl/pkg/fetch/index/bbolt"
	"github.com/qasimbilalstack/reddit-dl/pkg/fetch/ratelimit"
)

var mainLog = log.GetLogger("main")

// registerSIGINTHandler cancels the run on the first signal so workers drain
// and the index checkpoints. A second signal exits immediately.
func registerSIGINTHandler(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		s := <-signalChan
		mainLog.Info().Str("signal", fmt.Sprintf("%v", s)).Msg("Received signal, finishing current tasks and saving the index...")
		cancel()

		s = <-signalChan
		mainLog.Info().Str("signal", fmt.Sprintf("%v", s)).Msg("Received second signal, exiting now")
		os.Exit(130)
	}()
}

// openIndex opens the durable dedup index and wraps it so store faults degrade
// to cache misses instead of failing download tasks.
func openIndex(flags *cfg.FlagStorage) (index.Index, error) {
	idx, err := bboltindex.Open(flags.EffectiveIndexPath(), bboltindex.Options{})
	if err != nil {
		return nil, fmt.Errorf("open dedup index: %w", err)
	}
	guarded, err := failsafe.NewGuardedIndex(idx)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	return guarded, nil
}

func buildEngine(flags *cfg.FlagStorage, idx index.Index) (*engine.Engine, error) {
	creds, err := fetch.LoadCredentials(flags.CredentialsFile, flags.UserAgent)
	if err != nil {
		return nil, err
	}

	fetcher := download.New(download.Config{
		UserAgent:      flags.UserAgent,
		MaxAttempts:    flags.Attempts,
		BaseRetryDelay: flags.BackoffBase(),
		XattrTags:      flags.XattrTags,
	})

	opts := []engine.Option{engine.WithHeaders(creds.HeadersFor)}
	if flags.MinFreeSpace > 0 {
		guard, err := failsafe.NewDiskGuard(flags.OutputDir, uint64(flags.MinFreeSpace))
		if err != nil {
			return nil, err
		}
		if err := guard.Check(); err != nil {
			mainLog.Warn().Err(err).Msg("Output filesystem is low on space")
		}
		opts = append(opts, engine.WithDiskGuard(guard))
	}

	return engine.New(engine.Config{
		OutDir:             flags.OutputDir,
		Workers:            flags.Workers,
		SaveInterval:       flags.SaveInterval,
		Probe:              flags.ProbeEnabled(),
		PartialFingerprint: flags.PartialFingerprint,
		PartialSize:        flags.PartialSize,
		Force:              flags.Force,
	}, idx, ratelimit.New(flags.Rate), fetcher, opts...)
}

// collectURLs merges positional arguments with the optional URL file. Blank
// lines and # comments in the file are skipped.
func collectURLs(args []string, fromFile string) ([]string, error) {
	urls := make([]string, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			urls = append(urls, a)
		}
	}
	if fromFile == "" {
		return urls, nil
	}

	f, err := os.Open(fromFile)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func runDownloads(c *cli.Context) error {
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	cfg.InitLoggers(flags)

	urls, err := collectURLs(c.Args(), flags.FromFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "Error: no URLs given.\n\n")
		mainLog.E(cli.ShowAppHelp(c))
		return fmt.Errorf("no URLs given")
	}

	idx, err := openIndex(flags)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(idx.Close()) }()

	eng, err := buildEngine(flags, idx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSIGINTHandler(cancel)

	mainLog.Info().
		Str("version", cfg.Version).
		Str("run", uuid.New().String()).
		Int("urls", len(urls)).
		Str("outputDir", flags.OutputDir).
		Msg("Starting reddit-dl")

	tasks := make([]engine.Task, len(urls))
	for i, u := range urls {
		tasks[i] = engine.Task{URL: u}
	}

	start := time.Now()
	eng.RunAll(ctx, tasks)

	fmt.Println(eng.Stats().Summary(time.Since(start)))

	if snap := eng.Stats().Snapshot(); snap.Failed > 0 {
		return cli.NewExitError(fmt.Sprintf("%d of %d tasks failed", snap.Failed, snap.Attempted), 1)
	}
	return nil
}

func retryFailed(c *cli.Context) error {
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	cfg.InitLoggers(flags)

	idx, err := openIndex(flags)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(idx.Close()) }()

	eng, err := buildEngine(flags, idx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSIGINTHandler(cancel)

	recovered, err := eng.RetryFailed(ctx, flags.OutputDir)
	if err != nil {
		return err
	}
	mainLog.Info().Int("recovered", recovered).Msg("Recovery pass finished")
	return nil
}

func exportIndex(c *cli.Context) error {
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	cfg.InitLoggers(flags)

	idx, err := openIndex(flags)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(idx.Close()) }()

	dump, err := idx.Dump(context.Background())
	if err != nil {
		return fmt.Errorf("dump dedup index: %w", err)
	}

	var files []string
	switch format := c.String("format"); format {
	case "json":
		files, err = index.ExportJSON(dump, c.String("out"))
	case "csv":
		files, err = index.ExportCSV(dump, c.String("out"))
	default:
		return fmt.Errorf("unknown export format %q (want json or csv)", format)
	}
	if err != nil {
		return err
	}

	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

func markHTML(c *cli.Context) error {
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	cfg.InitLoggers(flags)

	idx, err := openIndex(flags)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(idx.Close()) }()

	eng, err := buildEngine(flags, idx)
	if err != nil {
		return err
	}

	marked, err := eng.MarkHTML(flags.OutputDir)
	if err != nil {
		return err
	}
	mainLog.Info().Int("marked", marked).Msg("HTML scan finished")
	return nil
}

func showStats(c *cli.Context) error {
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	cfg.InitLoggers(flags)

	idx, err := openIndex(flags)
	if err != nil {
		return err
	}
	defer func() { mainLog.E(idx.Close()) }()

	ctx := context.Background()
	dump, err := idx.Dump(ctx)
	if err != nil {
		return fmt.Errorf("dump dedup index: %w", err)
	}
	failed, err := idx.FailedCount(ctx)
	if err != nil {
		return fmt.Errorf("count failed urls: %w", err)
	}

	paths := 0
	for _, p := range dump.Paths {
		paths += len(p)
	}

	fmt.Printf("Index:        %s\n", flags.EffectiveIndexPath())
	fmt.Printf("URLs:         %d\n", len(dump.URLs))
	fmt.Printf("ETags:        %d\n", len(dump.ETags))
	fmt.Printf("Fingerprints: %d\n", len(dump.Fingerprints))
	fmt.Printf("Hashes:       %d\n", len(dump.Paths))
	fmt.Printf("Paths:        %d\n", paths)
	fmt.Printf("Failed URLs:  %d\n", failed)
	return nil
}

func main() {
	app := cfg.NewApp()

	app.Action = runDownloads
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "download the given URLs, skipping content already on disk",
			ArgsUsage: "URL ...",
			Action:    runDownloads,
		},
		{
			Name:   "retry-failed",
			Usage:  "re-fetch files whose last download left a .failed sidecar",
			Action: retryFailed,
		},
		{
			Name:  "export-index",
			Usage: "write the dedup index tables to JSON or CSV files",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "format",
					Value: "json",
					Usage: "export format: json or csv",
				},
				cli.StringFlag{
					Name:  "out",
					Value: ".",
					Usage: "directory receiving the export files",
				},
			},
			Action: exportIndex,
		},
		{
			Name:   "mark-html",
			Usage:  "flag downloaded files that are HTML error pages, not media",
			Action: markHTML,
		},
		{
			Name:   "stats",
			Usage:  "print dedup index table sizes",
			Action: showStats,
		},
	}

	if err := app.Run(os.Args); err != nil {
		mainLog.Error().Err(err).Msg("reddit-dl failed")
		os.Exit(1)
	}
}
