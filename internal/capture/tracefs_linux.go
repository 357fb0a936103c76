package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Default tracefs mountpoints probed in order.
var tracefsMounts = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// Tracefs reads raw_syscalls:sys_enter events from the kernel trace
// ring buffer. It enables the event on start and restores the previous
// enable state on exit. With excludeSelf set, events from the daemon's
// own PID are dropped so the pipeline does not score its own activity.
type Tracefs struct {
	mount   string
	selfPID int
}

// NewTracefs builds a tracefs Source. An empty mount autodetects the
// tracefs mountpoint by filesystem magic.
func NewTracefs(mount string, excludeSelf bool) (*Tracefs, error) {
	if mount == "" {
		detected, err := detectTracefs()
		if err != nil {
			return nil, err
		}
		mount = detected
	} else if err := checkTracefs(mount); err != nil {
		return nil, err
	}

	selfPID := -1
	if excludeSelf {
		selfPID = os.Getpid()
	}
	return &Tracefs{mount: mount, selfPID: selfPID}, nil
}

func detectTracefs() (string, error) {
	for _, m := range tracefsMounts {
		if err := checkTracefs(m); err == nil {
			return m, nil
		}
	}
	return "", fmt.Errorf("tracefs not mounted (tried %v)", tracefsMounts)
}

func checkTracefs(mount string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", mount, err)
	}
	if st.Type != unix.TRACEFS_MAGIC {
		return fmt.Errorf("%s: not a tracefs mount", mount)
	}
	return nil
}

// Name implements Source.
func (t *Tracefs) Name() string { return "tracefs" }

// Run implements Source. It blocks reading trace_pipe until ctx is
// cancelled.
func (t *Tracefs) Run(ctx context.Context, out chan<- Event) error {
	enablePath := filepath.Join(t.mount, "events", "raw_syscalls", "sys_enter", "enable")
	prev, err := os.ReadFile(enablePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", enablePath, err)
	}
	if err := os.WriteFile(enablePath, []byte("1"), 0); err != nil {
		return fmt.Errorf("enable sys_enter: %w", err)
	}
	defer os.WriteFile(enablePath, bytes.TrimSpace(prev), 0)

	pipePath := filepath.Join(t.mount, "trace_pipe")
	fd, err := unix.Open(pipePath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", pipePath, err)
	}
	defer unix.Close(fd)

	// The trace clock is anchored to wall time at the first event.
	var anchor time.Time
	var anchorTrace time.Duration

	buf := make([]byte, 64*1024)
	var pending []byte
	pollfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.Poll(pollfds, 200)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll trace_pipe: %w", err)
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("read trace_pipe: %w", err)
		}
		if nr == 0 {
			continue
		}

		pending = append(pending, buf[:nr]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := pending[:i]
			pending = pending[i+1:]

			ts, pid, syscall, ok := parseTracePipeLine(line)
			if !ok || pid == t.selfPID {
				continue
			}
			if anchor.IsZero() {
				anchor = time.Now()
				anchorTrace = ts
			}
			ev := Event{
				Timestamp: anchor.Add(ts - anchorTrace),
				Syscall:   syscall,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseTracePipeLine parses one trace_pipe line of the form
//
//	taskname-1234  [002] d..1. 12345.678901: sys_enter: NR 59 (...)
//
// returning the trace timestamp, the emitting PID, and the syscall
// number. Lines for other events, or malformed lines, return ok=false.
func parseTracePipeLine(line []byte) (ts time.Duration, pid int, syscall uint32, ok bool) {
	marker := []byte(": sys_enter: NR ")
	mi := bytes.Index(line, marker)
	if mi < 0 {
		return 0, 0, 0, false
	}

	// Syscall number: digits after the marker.
	rest := line[mi+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, 0, 0, false
	}
	nr, err := strconv.ParseUint(string(rest[:end]), 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}

	// Timestamp: the last space-separated token before the marker.
	head := line[:mi]
	si := bytes.LastIndexByte(head, ' ')
	if si < 0 {
		return 0, 0, 0, false
	}
	ts, err = parseTraceTimestamp(head[si+1:])
	if err != nil {
		return 0, 0, 0, false
	}

	// PID: after the last '-' in the comm-pid field, which ends at " [".
	bi := bytes.Index(head, []byte(" ["))
	if bi < 0 {
		return 0, 0, 0, false
	}
	commPID := bytes.TrimSpace(head[:bi])
	di := bytes.LastIndexByte(commPID, '-')
	if di < 0 {
		return 0, 0, 0, false
	}
	pid, err = strconv.Atoi(string(commPID[di+1:]))
	if err != nil {
		return 0, 0, 0, false
	}

	return ts, pid, uint32(nr), true
}

// parseTraceTimestamp converts "12345.678901" into a Duration since the
// trace clock epoch.
func parseTraceTimestamp(tok []byte) (time.Duration, error) {
	di := bytes.IndexByte(tok, '.')
	if di < 0 {
		secs, err := strconv.ParseInt(string(tok), 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs) * time.Second, nil
	}
	secs, err := strconv.ParseInt(string(tok[:di]), 10, 64)
	if err != nil {
		return 0, err
	}
	frac := tok[di+1:]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	nanos, err := strconv.ParseInt(string(frac), 10, 64)
	if err != nil {
		return 0, err
	}
	for i := len(frac); i < 9; i++ {
		nanos *= 10
	}
	return time.Duration(secs)*time.Second + time.Duration(nanos), nil
}
