package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argosd/internal/config"
	"argosd/internal/daemon"
	"argosd/internal/engine"
	"argosd/internal/feed"
	"argosd/internal/health"
	"argosd/internal/ipc"
	"argosd/internal/journal"
	"argosd/internal/logging"
	"argosd/internal/metrics"
	"argosd/internal/model"
	"argosd/internal/tracing"
	"argosd/internal/watcher"
)

// minFreeDiskBytes is where the disk health check turns unhealthy.
const minFreeDiskBytes = 64 << 20

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(os.Args[2:])

	if err := runDaemon(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runDaemon wires every subsystem together and blocks until the
// pipeline stops. Shutdown is signal-driven: SIGTERM/SIGINT cancel the
// pipeline context, SIGHUP re-reads the configuration file.
func runDaemon(configPath string) error {
	if err := config.LoadDotenv(""); err != nil {
		return err
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)
	defer log.Close()

	log.Info("argosd starting",
		"version", version, "node", cfg.Node.Name, "pid", os.Getpid())

	metrics.MustRegister()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerClose, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "argosd",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Node:        cfg.Node.Name,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracerClose(context.Background())

	dm := daemon.NewManager(cfg.Node.DataDir)
	if err := dm.Acquire(); err != nil {
		return err
	}
	defer dm.Release()

	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
	}

	arts, err := model.Load(cfg.Model.Dir)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("no trained model in %s: run 'argosd record' and 'argosd train' first", cfg.Model.Dir)
	}
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	log.Info("model loaded",
		"dir", cfg.Model.Dir,
		"created", arts.Manifest.CreatedAt,
		"dimensions", arts.Manifest.Dimensions,
		"trees", arts.Manifest.Trees)

	source, err := newSource(cfg)
	if err != nil {
		return err
	}

	sink, err := buildSink(cfg, j)
	if err != nil {
		return err
	}

	pipeline, err := engine.NewPipeline(cfg, arts, source, sink, log)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	ctrl := &engine.Control{
		Pipeline:  pipeline,
		Journal:   j,
		Version:   version,
		StartedAt: startedAt,
	}

	var ipcServer *ipc.Server
	if cfg.IPC.Enabled {
		ipcServer = ipc.NewServer(ipc.ServerConfig{
			SocketPath: cfg.IPC.SocketPath,
		}, ctrl, log.Component("ipc"))
		if err := ipcServer.Start(); err != nil {
			return fmt.Errorf("start control socket: %w", err)
		}
		defer ipcServer.Stop()
	}

	checker := health.NewChecker()
	registerChecks(checker, cfg, j)

	var httpServer *health.Server
	if cfg.HTTP.Enabled {
		httpServer = health.NewServer(health.ServerConfig{
			Addr: cfg.HTTP.Addr,
		}, checker, daemonStatus(pipeline, startedAt), log.Component("http"))
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("start http listener: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	state := &daemon.State{
		PID:       os.Getpid(),
		Node:      cfg.Node.Name,
		Version:   version,
		StartedAt: startedAt,
	}
	if cfg.IPC.Enabled {
		state.SocketPath = cfg.IPC.SocketPath
	}
	if httpServer != nil {
		state.HTTPAddr = httpServer.Addr()
	}
	if err := dm.WriteState(state); err != nil {
		log.Warn("write daemon state", "error", err)
	}

	if cfg.Model.ReloadOnChange {
		w, err := watcher.New(cfg.Model.Dir, 0)
		if err != nil {
			log.Warn("model watcher unavailable", "error", err)
		} else if err := w.Start(); err != nil {
			log.Warn("model watcher failed to start", "error", err)
		} else {
			defer w.Stop()
			go watchModel(ctx, w, pipeline, cfg.Model.Dir, log.Component("watcher"))
		}
	}

	loader.OnChange(func(next *config.Config) {
		pipeline.ApplyConfig(next)
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			log.SetLevel(lvl)
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watcher unavailable", "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-loader.Errors():
				if !ok {
					return
				}
				log.Warn("config reload rejected", "error", err)
			}
		}
	}()

	if j != nil && cfg.Journal.RetentionHours > 0 {
		retention := time.Duration(cfg.Journal.RetentionHours) * time.Hour
		go pruneLoop(ctx, j, retention, log.Component("journal"))
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		for sig := range sigc {
			switch sig {
			case syscall.SIGHUP:
				log.Info("reloading configuration on SIGHUP")
				loader.Reload()
			default:
				log.Info("shutting down", "signal", sig.String())
				cancel()
			}
		}
	}()

	checker.SetReady(true)
	log.Info("argosd running",
		"source", source.Name(),
		"window_ms", pipeline.WindowMillis(),
		"gram_size", pipeline.GramSize(),
		"threshold", pipeline.Threshold())

	err = pipeline.Run(ctx)
	checker.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pipeline: %w", err)
	}

	log.Info("argosd stopped")
	return nil
}

// newLogger builds the daemon logger from configuration.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  int64(cfg.Logging.MaxSizeMB),
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "argosd",
	})
}

// buildSink assembles the configured feed sinks.
func buildSink(cfg *config.Config, j *journal.Journal) (feed.Sink, error) {
	var sinks []feed.Sink
	if cfg.Feed.Path != "" {
		fileSink, err := feed.NewFileSink(cfg.Feed.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Feed.Stdout {
		sinks = append(sinks, feed.NewWriterSink(os.Stdout))
	}
	if j != nil {
		sinks = append(sinks, feed.NewJournalSink(j))
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return feed.NewMultiSink(sinks...), nil
}

// registerChecks wires the daemon health checks.
func registerChecks(c *health.Checker, cfg *config.Config, j *journal.Journal) {
	if j != nil {
		c.RegisterFunc("journal", true, health.JournalCheck(j.Ping))
	}
	c.RegisterFunc("disk", true, health.DiskSpaceCheck(cfg.Node.DataDir, minFreeDiskBytes))
	c.RegisterFunc("model", true, health.ArtifactsCheck(cfg.Model.Dir,
		model.ManifestFile, model.VectorizerFile, model.ForestFile))
	c.RegisterFunc("memory", false, health.MemoryCheck(90))
}

// daemonStatus supplies the daemon section of the /status payload.
func daemonStatus(p *engine.Pipeline, startedAt time.Time) health.StatusFunc {
	return func(ctx context.Context) any {
		st := p.Stats()
		return map[string]any{
			"version":             version,
			"node":                p.Node(),
			"started_at":          startedAt,
			"paused":              p.Paused(),
			"threshold":           p.Threshold(),
			"queue_depth":         p.QueueDepth(),
			"events_seen":         st.EventsSeen,
			"windows_processed":   st.WindowsProcessed,
			"windows_dropped":     st.WindowsDropped,
			"alerts":              st.Alerts,
			"last_score":          st.LastScore,
			"last_filtered_score": st.LastFilteredScore,
		}
	}
}

// watchModel applies retrained artifacts dropped into the model
// directory. A load or compatibility failure keeps the current model.
func watchModel(ctx context.Context, w *watcher.Watcher, p *engine.Pipeline, dir string, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			arts, err := model.Load(dir)
			if err != nil {
				log.Error("reload model", "error", err)
				continue
			}
			if err := p.SwapModel(arts); err != nil {
				log.Error("swap model", "error", err)
				continue
			}
			log.Info("model hot-swapped",
				"manifest_digest", fmt.Sprintf("%x", ev.ManifestDigest[:8]),
				"dimensions", arts.Manifest.Dimensions,
				"trees", arts.Manifest.Trees)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			log.Warn("model watcher", "error", err)
		}
	}
}

// pruneLoop ages out journal rows past the retention horizon.
func pruneLoop(ctx context.Context, j *journal.Journal, retention time.Duration, log *logging.Logger) {
	prune := func() {
		cutoff := time.Now().Add(-retention).UnixNano()
		n, err := j.Prune(cutoff)
		if err != nil {
			log.Warn("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			log.Info("journal pruned", "rows", n)
		}
	}

	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
