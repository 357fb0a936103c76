// argosd - Host intrusion detection from syscall n-gram anomaly scores
//
//	argosd init           Write the default config and create state dirs
//	argosd record         Capture live syscall events into a corpus file
//	argosd train          Fit model artifacts from recorded corpora
//	argosd run            Run the live inference daemon
//	argosd score          Score recorded corpora offline
//	argosd verify-corpus  Check corpus chain and HMAC integrity
//	argosd status         Show daemon and model status
//	argosd threshold      Get or set the alert threshold on a running daemon
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"argosd/internal/capture"
	"argosd/internal/config"
	"argosd/internal/corpus"
	"argosd/internal/daemon"
	"argosd/internal/ipc"
	"argosd/internal/journal"
	"argosd/internal/model"
)

// version and commit are stamped by the build.
var (
	version = "0.4.0"
	commit  = ""
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "record":
		cmdRecord()
	case "train":
		cmdTrain()
	case "score":
		cmdScore()
	case "verify-corpus":
		cmdVerifyCorpus()
	case "status":
		cmdStatus()
	case "threshold":
		cmdThreshold()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`argosd - Syscall anomaly detection daemon

USAGE:
    argosd <command> [options]

COMMANDS:
    init            Write the default config file and create state directories
    record          Capture live syscall events into a tamper-evident corpus
    train           Fit the vectorizer and isolation forest from corpora
    run             Run the live inference daemon (requires trained artifacts)
    score           Replay corpora or a literal sequence through the model
    verify-corpus   Verify corpus hash chain and HMAC integrity
    status          Show daemon, model, and journal status
    threshold       Get or set the alert threshold on a running daemon
    version         Print version information
    help            Show this help message

BASIC WORKFLOW:
    1. argosd init                        # One-time setup
    2. argosd record -duration 1h         # Capture baseline behavior
    3. argosd train                       # Fit model artifacts
    4. argosd run                         # Detect anomalous windows live
    5. argosctl recent -alerts            # Inspect what fired

Every command takes -config <path>; ARGOSD_* environment variables
override individual settings. See the config file for the full set.`)
}

func cmdVersion() {
	fmt.Printf("argosd %s", version)
	if commit != "" {
		fmt.Printf(" (%s)", commit)
	}
	fmt.Printf(" %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// loadConfig loads and validates configuration, exiting on error.
func loadConfig(path string) *config.Config {
	if err := config.LoadDotenv(""); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// loadSecret loads the node secret, exiting on error.
func loadSecret(cfg *config.Config) []byte {
	secret, err := corpus.LoadOrCreateSecret(cfg.Corpus.SecretPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading node secret: %v\n", err)
		os.Exit(1)
	}
	return secret
}

// newSource builds the configured live capture source.
func newSource(cfg *config.Config) (capture.Source, error) {
	switch cfg.Capture.Source {
	case "tracefs":
		src, err := capture.NewTracefs(cfg.Capture.TracefsMount, cfg.Capture.ExcludeSelf)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "static":
		return nil, errors.New("static capture source has no live events; set capture.source to tracefs")
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Capture.Source)
	}
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	cfg := loadConfig(path)
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default config: %s\n", path)
	} else {
		fmt.Printf("Config exists: %s\n", path)
	}

	if _, err := os.Stat(cfg.Corpus.SecretPath); os.IsNotExist(err) {
		fmt.Println("Generating node secret...")
	}
	if _, err := corpus.LoadOrCreateSecret(cfg.Corpus.SecretPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating node secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("argosd initialized!")
	fmt.Printf("  Node:       %s\n", cfg.Node.Name)
	fmt.Printf("  Data dir:   %s\n", cfg.Node.DataDir)
	fmt.Printf("  Corpus dir: %s\n", cfg.Corpus.Dir)
	fmt.Printf("  Model dir:  %s\n", cfg.Model.Dir)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Record baseline behavior: argosd record -duration 1h")
	fmt.Println("  2. Train the model:          argosd train")
	fmt.Println("  3. Start the daemon:         argosd run")
}

// writeDefaultConfig writes cfg as TOML, refusing to clobber an
// existing file.
func writeDefaultConfig(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	dm := daemon.NewManager(cfg.Node.DataDir)
	st := dm.Status()

	fmt.Println("=== argosd Status ===")
	fmt.Println()
	if st.Running {
		fmt.Printf("Daemon: RUNNING (pid %d)\n", st.PID)
		if !st.StartedAt.IsZero() {
			fmt.Printf("  Started: %s\n", st.StartedAt.Format(time.RFC3339))
			fmt.Printf("  Uptime:  %s\n", st.Uptime.Round(time.Second))
		}
		if st.Version != "" {
			fmt.Printf("  Version: %s\n", st.Version)
		}
	} else {
		fmt.Println("Daemon: NOT RUNNING")
	}
	fmt.Println()

	fmt.Println("Model:")
	arts, err := model.Load(cfg.Model.Dir)
	switch {
	case errors.Is(err, model.ErrNotFound):
		fmt.Printf("  No trained model in %s (run 'argosd train')\n", cfg.Model.Dir)
	case err != nil:
		fmt.Printf("  Error loading model: %v\n", err)
	default:
		m := arts.Manifest
		fmt.Printf("  Dir:        %s\n", cfg.Model.Dir)
		fmt.Printf("  Created:    %s\n", m.CreatedAt)
		fmt.Printf("  Geometry:   %d-grams over %dms windows\n", m.GramSize, m.WindowMs)
		fmt.Printf("  Trained on: %d windows, %d dimensions\n", m.Windows, m.Dimensions)
		fmt.Printf("  Forest:     %d trees, sample size %d\n", m.Trees, m.SampleSize)
	}
	fmt.Println()

	if cfg.Journal.Enabled {
		fmt.Println("Journal:")
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			fmt.Printf("  Error opening journal: %v\n", err)
		} else {
			scores, alerts, err := j.Counts()
			if err != nil {
				fmt.Printf("  Error reading journal: %v\n", err)
			} else {
				fmt.Printf("  Scored windows: %d\n", scores)
				fmt.Printf("  Alerts:         %d\n", alerts)
			}
			j.Close()
		}
		fmt.Println()
	}

	if st.Running && cfg.IPC.Enabled {
		printLiveStatus(cfg)
	}
}

// printLiveStatus asks the running daemon for its pipeline counters.
func printLiveStatus(cfg *config.Config) {
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     cfg.IPC.SocketPath,
		RequestTimeout: cfg.IPC.Timeout(),
	})
	if err := client.Connect(); err != nil {
		fmt.Printf("Pipeline: unreachable (%v)\n", err)
		return
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Printf("Pipeline: status request failed (%v)\n", err)
		return
	}

	fmt.Println("Pipeline:")
	if status.Paused {
		fmt.Println("  State:     PAUSED")
	} else {
		fmt.Println("  State:     scoring")
	}
	fmt.Printf("  Threshold: %.3f\n", status.Threshold)
	fmt.Printf("  Events:    %d\n", status.Pipeline.EventsSeen)
	fmt.Printf("  Windows:   %d scored, %d dropped\n",
		status.Pipeline.WindowsProcessed, status.Pipeline.WindowsDropped)
	fmt.Printf("  Alerts:    %d\n", status.Pipeline.Alerts)
	if !status.Pipeline.LastWindowEnd.IsZero() {
		fmt.Printf("  Last window: %s (score %.3f, filtered %.3f)\n",
			status.Pipeline.LastWindowEnd.Format(time.RFC3339),
			status.Pipeline.LastScore, status.Pipeline.LastFilteredScore)
	}
}

func cmdThreshold() {
	fs := flag.NewFlagSet("threshold", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     cfg.IPC.SocketPath,
		RequestTimeout: cfg.IPC.Timeout(),
	})
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to daemon: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if fs.NArg() == 0 {
		v, err := client.GetThreshold()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("threshold: %.3f\n", v)
		return
	}

	v, err := strconv.ParseFloat(fs.Arg(0), 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid threshold %q: must be a number in [0, 1]\n", fs.Arg(0))
		os.Exit(1)
	}
	resp, err := client.SetThreshold(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("threshold: %.3f (was %.3f)\n", resp.Threshold, resp.Previous)
}

func cmdVerifyCorpus() {
	fs := flag.NewFlagSet("verify-corpus", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	asJSON := fs.Bool("json", false, "emit one JSON report per file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	secret := loadSecret(cfg)

	paths := fs.Args()
	if len(paths) == 0 {
		var err error
		paths, err = filepath.Glob(filepath.Join(cfg.Corpus.Dir, "*.corpus"))
		if err != nil || len(paths) == 0 {
			fmt.Fprintf(os.Stderr, "No corpus files found in %s\n", cfg.Corpus.Dir)
			os.Exit(1)
		}
	}

	failed := false
	enc := json.NewEncoder(os.Stdout)
	for _, path := range paths {
		report := corpus.VerifyFile(path, secret)
		if !report.OK() {
			failed = true
		}
		if *asJSON {
			enc.Encode(report)
			continue
		}
		switch {
		case report.Err != "":
			fmt.Printf("%s: FAILED %s\n", path, report.Err)
		case report.Torn:
			fmt.Printf("%s: TORN TAIL after %d entries (%d events recoverable)\n",
				path, report.Entries, report.Events)
		default:
			fmt.Printf("%s: OK (%d entries, %d events, %d sessions, %s)\n",
				path, report.Entries, report.Events, report.Sessions, formatBytes(report.Bytes))
		}
	}
	if failed {
		os.Exit(1)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
