package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func healthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy}
}

func unhealthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: "down"}
}

func TestOverallStatusAggregation(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("journal", true, healthyCheck)
	c.RegisterFunc("disk", false, healthyCheck)
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusHealthy {
		t.Errorf("status = %s, want healthy", got)
	}

	// An optional component failing only degrades.
	c.RegisterFunc("disk", false, unhealthyCheck)
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("status = %s, want degraded", got)
	}

	// A critical component failing is fatal.
	c.RegisterFunc("journal", true, unhealthyCheck)
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", got)
	}
}

func TestUncheckedCriticalComponentIsUnknown(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("model", true, healthyCheck)
	if got := c.OverallStatus(); got != StatusUnknown {
		t.Errorf("status = %s, want unknown before first check", got)
	}
}

func TestCheckRecoversFromPanic(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("flaky", true, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	r := results["flaky"]
	if r.Status != StatusUnhealthy || r.Message != "check panicked" {
		t.Errorf("result = %+v", r)
	}
}

func TestCheckEnforcesTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			return CheckResult{Status: StatusHealthy}
		},
	})

	start := time.Now()
	results := c.Check(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("check took %v, timeout not enforced", elapsed)
	}
	r := results["slow"]
	if r.Status != StatusUnhealthy || r.Message != "check timed out" {
		t.Errorf("result = %+v", r)
	}
}

func TestDiskSpaceCheck(t *testing.T) {
	check := DiskSpaceCheck(t.TempDir(), 1)
	r := check(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("result = %+v", r)
	}
	if _, ok := r.Details["free_bytes"]; !ok {
		t.Error("expected free_bytes detail")
	}
}

func TestMemoryCheck(t *testing.T) {
	// 100% can never be exceeded, so this must not degrade.
	r := MemoryCheck(100)(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("result = %+v", r)
	}
}

func TestArtifactsCheck(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	r := ArtifactsCheck(dir, "manifest.json")(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("result = %+v", r)
	}

	r = ArtifactsCheck(dir, "manifest.json", "forest.json")(context.Background())
	if r.Status != StatusUnhealthy {
		t.Errorf("result = %+v", r)
	}
}

func startTestHTTP(t *testing.T, checker *Checker, statusFn StatusFunc) string {
	t.Helper()

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, checker, statusFn, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return "http://" + srv.Addr()
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func TestHTTPEndpoints(t *testing.T) {
	checker := NewChecker()
	checker.RegisterFunc("journal", true, healthyCheck)

	statusFn := func(ctx context.Context) any {
		return map[string]any{"node": "node-a"}
	}
	base := startTestHTTP(t, checker, statusFn)

	code, body := getJSON(t, base+"/healthz")
	if code != http.StatusOK || body["status"] != "alive" {
		t.Errorf("healthz = %d %v", code, body)
	}

	// Not ready until the daemon says so.
	code, _ = getJSON(t, base+"/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready = %d", code)
	}
	checker.SetReady(true)
	checker.Check(context.Background())
	code, body = getJSON(t, base+"/readyz")
	if code != http.StatusOK || body["ready"] != true {
		t.Errorf("readyz after ready = %d %v", code, body)
	}

	code, body = getJSON(t, base+"/status")
	if code != http.StatusOK {
		t.Errorf("status = %d", code)
	}
	if _, ok := body["health"]; !ok {
		t.Error("status missing health section")
	}
	if _, ok := body["process"]; !ok {
		t.Error("status missing process section")
	}
	daemon, ok := body["daemon"].(map[string]any)
	if !ok || daemon["node"] != "node-a" {
		t.Errorf("status daemon section = %v", body["daemon"])
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestStatusReportsUnhealthy(t *testing.T) {
	checker := NewChecker()
	checker.RegisterFunc("journal", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("ping: %v", context.DeadlineExceeded)}
	})
	base := startTestHTTP(t, checker, nil)

	code, body := getJSON(t, base+"/status")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
	health, ok := body["health"].(map[string]any)
	if !ok || health["status"] != string(StatusUnhealthy) {
		t.Errorf("health = %v", body["health"])
	}
}
