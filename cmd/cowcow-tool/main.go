package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cowcowlabs/cowcow/internal/capture"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/qc"
	"github.com/cowcowlabs/cowcow/internal/quality"
	"github.com/cowcowlabs/cowcow/internal/recorder"
	"github.com/cowcowlabs/cowcow/internal/store"
	"github.com/cowcowlabs/cowcow/internal/upload"
)

var version = "0.1.0-dev"

const usage = "expected one of: validate, analyze, import, stats, list, requeue, sync, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "import":
		err = runImport(ctx, os.Args[2:])
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "list":
		err = runList(ctx, os.Args[2:])
	case "requeue":
		err = runRequeue(ctx, os.Args[2:])
	case "sync":
		err = runSync(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	path := fs.String("config", "cowcow.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	return config.Load(*path)
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	return store.Open(ctx, cfg.Store, newLogger())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if _, err := loadConfig(fs, args); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

// runAnalyze reports the metrics and quality verdict of a WAV file without
// touching the store.
func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	file := fs.String("file", "", "WAV file to analyze")
	profile := fs.String("profile", "", "Quality profile (defaults to quality.profile)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}
	if *profile != "" {
		cfg.Quality.Profile = *profile
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return err
	}
	analysis, err := qc.AnalyzeFile(*file, cfg)
	if err != nil {
		return err
	}
	decision := quality.Admit(analysis.Metrics, analysis.Duration.Seconds(), thresholds, false)
	return printJSON(map[string]any{
		"analysis": analysis,
		"profile":  cfg.Quality.Profile,
		"decision": decision,
	})
}

// runImport replays a WAV file through the recording pipeline as if it had
// been captured live, including silence termination and the quality gate.
func runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "WAV file to import")
	language := fs.String("language", "", "BCP-47 language tag of the take")
	prompt := fs.String("prompt", "", "Prompt text that was read")
	force := fs.Bool("force", false, "Accept regardless of quality")
	priority := fs.Int("priority", 0, "Upload priority")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *file == "" || *language == "" {
		return errors.New("-file and -language are required")
	}
	cfg.Recording.AutoUpload = true

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger()
	fin, err := recorder.NewFinalizer(cfg, st, nil, logger)
	if err != nil {
		return err
	}
	finCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go fin.Run(finCtx)

	src := &capture.FileSource{
		Path:       *file,
		SampleRate: cfg.Audio.SampleRate,
		Samples:    cfg.Audio.WindowSamples(),
		Buffer:     cfg.Recording.SourceBuffer,
	}
	rec := recorder.New(cfg, fin, logger)
	c, err := rec.Record(ctx, src, recorder.Request{
		LanguageTag: *language,
		Prompt:      *prompt,
		Force:       *force,
		Priority:    *priority,
	})
	if err != nil {
		return err
	}
	select {
	case out := <-c.Outcome:
		if out.Err != nil {
			return out.Err
		}
		return printJSON(map[string]any{
			"take":     out.Take,
			"decision": out.Decision,
			"queued":   out.Queued,
		})
	case <-time.After(30 * time.Second):
		return errors.New("timed out waiting for the take to be stored")
	}
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	language := fs.String("language", "", "Only takes with this language tag")
	status := fs.String("status", "", "Only takes with this status")
	limit := fs.Int("limit", 50, "Maximum number of takes")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	takes, err := st.ListTakes(ctx, store.TakeFilter{
		LanguageTag: *language,
		Status:      store.Status(*status),
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	for _, t := range takes {
		verdict := "accepted"
		if len(t.Rejections) > 0 {
			verdict = fmt.Sprint(t.Rejections)
		}
		fmt.Printf("%s\t%s\t%-9s\t%5.1fs\t%5.1f dB\t%s\n",
			t.ID, t.LanguageTag, t.Status, t.DurationSeconds, t.Metrics.SNRDB, verdict)
	}
	return nil
}

func runRequeue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	id := fs.String("id", "", "Take id")
	priority := fs.Int("priority", 0, "Upload priority")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if _, err := st.GetTake(ctx, *id); err != nil {
		return err
	}
	if err := st.Enqueue(ctx, *id, *priority); err != nil {
		return err
	}
	fmt.Printf("take %s queued\n", *id)
	return nil
}

// runSync uploads everything that is due right now and exits.
func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger()
	collector, err := upload.NewCollector(ctx, cfg)
	if err != nil {
		return err
	}
	client := upload.NewClient(cfg.Upload, collector, st, logger)
	pool := upload.NewPool(cfg.Upload, client, st, nil, cfg.DeviceID, logger)
	results, err := pool.Drain(ctx)
	for _, res := range results {
		line := fmt.Sprintf("%s\t%s\t%d bytes", res.TakeID, res.Status, res.Offset)
		if res.Err != nil {
			line += "\t" + res.Err.Error()
		}
		fmt.Println(line)
	}
	return err
}
