package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// JournalCheck verifies journal connectivity through the given ping.
func JournalCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "journal unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "journal ok"}
	}
}

// DiskSpaceCheck fails when free space under path drops below
// minFreeBytes, and degrades at twice that margin.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "disk usage unavailable",
				Error:   err.Error(),
			}
		}

		details := map[string]any{
			"path":         path,
			"free_bytes":   usage.Free,
			"used_percent": usage.UsedPercent,
		}
		switch {
		case usage.Free < minFreeBytes:
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("free space below %d bytes", minFreeBytes),
				Details: details,
			}
		case usage.Free < 2*minFreeBytes:
			return CheckResult{
				Status:  StatusDegraded,
				Message: "free space running low",
				Details: details,
			}
		default:
			return CheckResult{Status: StatusHealthy, Details: details}
		}
	}
}

// MemoryCheck degrades when host memory usage exceeds maxUsedPercent.
// Host pressure is a warning rather than a failure: the daemon itself
// keeps working.
func MemoryCheck(maxUsedPercent float64) Check {
	return func(ctx context.Context) CheckResult {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "memory stats unavailable",
				Error:   err.Error(),
			}
		}

		details := map[string]any{
			"used_percent": vm.UsedPercent,
			"total_bytes":  vm.Total,
		}
		if vm.UsedPercent > maxUsedPercent {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("host memory above %.0f%%", maxUsedPercent),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// ArtifactsCheck verifies the model directory still holds the files the
// daemon was started with.
func ArtifactsCheck(dir string, files ...string) Check {
	return func(ctx context.Context) CheckResult {
		missing := make([]string, 0)
		for _, name := range files {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "model artifacts missing",
				Details: map[string]any{"dir": dir, "missing": missing},
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Details: map[string]any{"dir": dir},
		}
	}
}
