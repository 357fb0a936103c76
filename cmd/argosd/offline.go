package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"argosd/internal/capture"
	"argosd/internal/config"
	"argosd/internal/corpus"
	"argosd/internal/engine"
	"argosd/internal/feed"
	"argosd/internal/forest"
	"argosd/internal/journal"
	"argosd/internal/logging"
	"argosd/internal/model"
)

// cliLogger logs to stderr for interactive commands, leaving stdout
// free for machine-readable output.
func cliLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "argosd",
	})
	if err != nil {
		return logging.Default()
	}
	return log
}

func cmdRecord() {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	outPath := fs.String("out", "", "corpus file (default: timestamped file under the corpus dir)")
	duration := fs.Duration("duration", 0, "stop after this long (default: record until interrupted)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	log := cliLogger(cfg)
	secret := loadSecret(cfg)

	out := *outPath
	if out == "" {
		name := time.Now().UTC().Format("20060102T150405Z") + ".corpus"
		out = filepath.Join(cfg.Corpus.Dir, name)
	}

	source, err := newSource(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	writer, err := corpus.OpenWriter(out, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening corpus file: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	events := make(chan capture.Event, cfg.Capture.ChannelBuffer)
	srcErr := make(chan error, 1)
	go func() {
		err := source.Run(ctx, events)
		close(events)
		srcErr <- err
	}()

	rec := corpus.NewRecorder(writer, corpus.RecorderOptions{
		Node:          cfg.Node.Name,
		Source:        source.Name(),
		BatchSize:     cfg.Corpus.BatchSize,
		FlushInterval: cfg.Corpus.FlushInterval(),
		Logger:        log.Logger,
	})

	log.Info("recording", "corpus", out, "source", source.Name())
	runErr := rec.Run(ctx, events)
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if err := <-srcErr; err != nil && !isShutdown(err) {
		fmt.Fprintf(os.Stderr, "Capture error: %v\n", err)
		os.Exit(1)
	}
	if runErr != nil && !isShutdown(runErr) {
		fmt.Fprintf(os.Stderr, "Recording error: %v\n", runErr)
		os.Exit(1)
	}

	fmt.Printf("Corpus recorded: %s (%d entries)\n", out, writer.EntryCount())
	fmt.Println()
	fmt.Println("Verify it with:  argosd verify-corpus", out)
	fmt.Println("Train with:      argosd train", out)
}

// isShutdown reports whether err is a clean signal- or deadline-driven
// stop rather than a failure.
func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func cmdTrain() {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	modelDir := fs.String("model", "", "artifact output directory (default: model dir from config)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	log := cliLogger(cfg)
	secret := loadSecret(cfg)

	corpora := fs.Args()
	if len(corpora) == 0 {
		var err error
		corpora, err = filepath.Glob(filepath.Join(cfg.Corpus.Dir, "*.corpus"))
		if err != nil || len(corpora) == 0 {
			fmt.Fprintf(os.Stderr, "No corpus files in %s (run 'argosd record' first)\n", cfg.Corpus.Dir)
			os.Exit(1)
		}
	}

	dir := *modelDir
	if dir == "" {
		dir = cfg.Model.Dir
	}

	var j *journal.Journal
	if cfg.Journal.Enabled {
		var err error
		j, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
			os.Exit(1)
		}
		defer j.Close()
	}

	fmt.Printf("Training on %d corpus file(s)...\n", len(corpora))
	start := time.Now()
	res, err := engine.Train(engine.TrainOptions{
		CorpusPaths:    corpora,
		Secret:         secret,
		Node:           cfg.Node.Name,
		GramSize:       cfg.Features.GramSize,
		WindowDuration: cfg.Window.Duration(),
		Forest: forest.Options{
			Trees:      cfg.Training.Trees,
			SampleSize: cfg.Training.SampleSize,
			MaxDepth:   cfg.Training.MaxDepth,
			Seed:       cfg.Training.Seed,
		},
		ModelDir: dir,
		Journal:  j,
		Log:      log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Training failed: %v\n", err)
		os.Exit(1)
	}

	m := res.Artifacts.Manifest
	fmt.Printf("Training complete (%s).\n", time.Since(start).Round(time.Millisecond))
	fmt.Println()
	fmt.Printf("  Events:     %d\n", res.Events)
	fmt.Printf("  Windows:    %d\n", res.Windows)
	fmt.Printf("  Vocabulary: %d %d-grams\n", m.Dimensions, m.GramSize)
	fmt.Printf("  Forest:     %d trees, sample size %d, seed %d\n", m.Trees, m.SampleSize, m.Seed)
	fmt.Printf("  Artifacts:  %s\n", dir)
	fmt.Println()
	fmt.Println("Start the daemon with:  argosd run")
}

func cmdScore() {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	modelDir := fs.String("model", "", "artifact directory (default: model dir from config)")
	threshold := fs.Float64("threshold", -1, "alert threshold override in [0, 1]")
	node := fs.String("node", "", "node label override for emitted records")
	corpusPath := fs.String("corpus", "", "corpus file to replay (positional arguments also accepted)")
	eventsLit := fs.String("events", "", "literal comma-separated syscall numbers instead of corpus files")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)

	dir := *modelDir
	if dir == "" {
		dir = cfg.Model.Dir
	}
	arts, err := model.Load(dir)
	if errors.Is(err, model.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "No trained model in %s (run 'argosd train' first)\n", dir)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading model: %v\n", err)
		os.Exit(1)
	}

	th := *threshold
	if th < 0 {
		th = cfg.Alerting.Threshold
	}

	sink := feed.NewWriterSink(os.Stdout)
	score := func(label string, events []capture.Event) {
		recs, err := engine.ScoreEvents(engine.ScoreOptions{
			Artifacts: arts,
			Events:    events,
			Filter:    cfg.Filter,
			Threshold: th,
			Node:      *node,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scoring %s: %v\n", label, err)
			os.Exit(1)
		}
		alerts := 0
		for i := range recs {
			if recs[i].Alert {
				alerts++
			}
			if err := sink.Emit(&recs[i]); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing record: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Fprintf(os.Stderr, "%s: %d events, %d windows, %d alerts\n",
			label, len(events), len(recs), alerts)
	}

	if *eventsLit != "" {
		events, err := parseEventLiteral(*eventsLit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -events: %v\n", err)
			os.Exit(1)
		}
		score("literal", events)
		return
	}

	paths := fs.Args()
	if *corpusPath != "" {
		paths = append([]string{*corpusPath}, paths...)
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: argosd score [options] -corpus <file> (or -events \"1,2,3\")")
		os.Exit(1)
	}
	secret := loadSecret(cfg)
	for _, path := range paths {
		events, err := corpus.ReadEvents(path, secret)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			os.Exit(1)
		}
		score(path, events)
	}
}

// parseEventLiteral turns "1,2,3" into an event sequence spaced 1ms
// apart, so short literals land in a single window.
func parseEventLiteral(lit string) ([]capture.Event, error) {
	parts := strings.Split(lit, ",")
	events := make([]capture.Event, 0, len(parts))
	base := time.Now()
	for i, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i+1, err)
		}
		events = append(events, capture.Event{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Syscall:   uint32(n),
		})
	}
	return events, nil
}
