// argosctl is the control CLI for argosd. It talks to a running daemon
// over the framed Unix control socket.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"argosd/internal/config"
	"argosd/internal/daemon"
	"argosd/internal/ipc"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "ping":
		cmdPing()
	case "status":
		cmdStatus()
	case "recent":
		cmdRecent(flag.Args()[1:])
	case "threshold":
		cmdThreshold(flag.Args()[1:])
	case "pause":
		cmdPause()
	case "resume":
		cmdResume()
	case "stop":
		cmdStop()
	case "reload":
		cmdReload()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `argosctl - Control utility for argosd

Usage: argosctl [options] <command> [args]

Commands:
  ping                 Check that the daemon answers on its socket
  status               Show daemon, model, pipeline, and journal state
  recent [-n N] [-alerts]
                       Print the most recent scored windows
  threshold [value]    Show or set the alert threshold
  pause                Pause scoring (events are dropped while paused)
  resume               Resume scoring with fresh filter state
  stop                 Stop the daemon and wait for it to exit
  reload               Ask the daemon to re-read its configuration
  help                 Show this help message

Options:
  -config <path>  Path to config file (default: ~/.argosd/config.toml)`)
}

func loadConfig() *config.Config {
	if err := config.LoadDotenv(""); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// dial connects to the daemon socket or exits with a readable message.
func dial(cfg *config.Config) *ipc.Client {
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     cfg.IPC.SocketPath,
		RequestTimeout: cfg.IPC.Timeout(),
	})
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "argosd is not running (start it with 'argosd run')")
		} else {
			fmt.Fprintf(os.Stderr, "Error connecting to daemon: %v\n", err)
		}
		os.Exit(1)
	}
	return client
}

func cmdPing() {
	client := dial(loadConfig())
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pong (%.1fms)\n", float64(time.Since(start).Microseconds())/1000)
}

func cmdStatus() {
	client := dial(loadConfig())
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching status: %v\n", err)
		os.Exit(1)
	}

	state := "scoring"
	if st.Paused {
		state = "PAUSED"
	}

	fmt.Println("=== argosd Status ===")
	fmt.Println()
	fmt.Printf("Daemon:    RUNNING (PID %d)\n", st.PID)
	fmt.Printf("Node:      %s\n", st.Node)
	fmt.Printf("Version:   %s\n", st.Version)
	fmt.Printf("Started:   %s (uptime %s)\n",
		st.StartedAt.Format("2006-01-02 15:04:05"), st.Uptime.Round(time.Second))
	fmt.Printf("State:     %s\n", state)
	fmt.Printf("Threshold: %.3f\n", st.Threshold)
	fmt.Println()

	fmt.Println("Model:")
	fmt.Printf("  Created:    %s\n", st.Model.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Geometry:   %d-grams over %dms windows\n", st.GramSize, st.WindowMillis)
	fmt.Printf("  Trained on: %d windows\n", st.Model.Windows)
	fmt.Printf("  Forest:     %d trees, %d dimensions\n", st.Model.Trees, st.Model.Dimensions)
	fmt.Println()

	fmt.Println("Pipeline:")
	fmt.Printf("  Events seen:     %d\n", st.Pipeline.EventsSeen)
	fmt.Printf("  Windows scored:  %d\n", st.Pipeline.WindowsProcessed)
	fmt.Printf("  Windows dropped: %d\n", st.Pipeline.WindowsDropped)
	fmt.Printf("  Alerts:          %d\n", st.Pipeline.Alerts)
	if !st.Pipeline.LastWindowEnd.IsZero() {
		fmt.Printf("  Last window:     %s (score %.3f, filtered %.3f)\n",
			st.Pipeline.LastWindowEnd.Format("15:04:05"),
			st.Pipeline.LastScore, st.Pipeline.LastFilteredScore)
	}
	fmt.Println()

	fmt.Println("Journal:")
	fmt.Printf("  Scores: %d\n", st.Journal.Scores)
	fmt.Printf("  Alerts: %d\n", st.Journal.Alerts)
}

func cmdRecent(args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of entries to show")
	alertsOnly := fs.Bool("alerts", false, "only show windows that alerted")
	fs.Parse(args)

	client := dial(loadConfig())
	defer client.Close()

	resp, err := client.Recent(*limit, *alertsOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching entries: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Entries) == 0 {
		if *alertsOnly {
			fmt.Println("No alerts recorded.")
		} else {
			fmt.Println("No scored windows recorded.")
		}
		return
	}

	fmt.Printf("%-20s %8s %8s %10s %s\n", "WINDOW END", "EVENTS", "SCORE", "FILTERED", "ALERT")
	for _, e := range resp.Entries {
		alert := ""
		if e.Alert {
			alert = fmt.Sprintf("ALERT (>%.3f)", e.Threshold)
		}
		fmt.Printf("%-20s %8d %8.3f %10.3f %s\n",
			e.WindowEnd.Format("2006-01-02 15:04:05"),
			e.Events, e.Score, e.FilteredScore, alert)
	}
}

func cmdThreshold(args []string) {
	client := dial(loadConfig())
	defer client.Close()

	if len(args) == 0 {
		v, err := client.GetThreshold()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching threshold: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("threshold: %.3f\n", v)
		return
	}

	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid threshold %q: %v\n", args[0], err)
		os.Exit(1)
	}
	resp, err := client.SetThreshold(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting threshold: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("threshold: %.3f (was %.3f)\n", resp.Threshold, resp.Previous)
}

func cmdPause() {
	client := dial(loadConfig())
	defer client.Close()

	if _, err := client.Pause(); err != nil {
		fmt.Fprintf(os.Stderr, "Error pausing: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Pipeline paused. Windows arriving now are dropped, not scored.")
}

func cmdResume() {
	client := dial(loadConfig())
	defer client.Close()

	if _, err := client.Resume(); err != nil {
		fmt.Fprintf(os.Stderr, "Error resuming: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Pipeline resumed with fresh filter state.")
}

func cmdStop() {
	cfg := loadConfig()
	dm := daemon.NewManager(cfg.Node.DataDir)

	if err := dm.SignalStop(); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("argosd is not running.")
			return
		}
		fmt.Fprintf(os.Stderr, "Error signaling daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Stopping argosd...")
	if err := dm.WaitForStop(10 * time.Second); err != nil {
		fmt.Println()
		fmt.Fprintf(os.Stderr, "Daemon did not exit: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(" stopped.")
}

func cmdReload() {
	cfg := loadConfig()
	dm := daemon.NewManager(cfg.Node.DataDir)

	if err := dm.SignalReload(); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("argosd is not running.")
			return
		}
		fmt.Fprintf(os.Stderr, "Error signaling daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Reload signal sent. The daemon re-reads its config file.")
}
