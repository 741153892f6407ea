package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a point-in-time view of the machine running the farm.
type HostStats struct {
	CPUPercent   float64  `json:"cpu_percent"`
	RAMPercent   float64  `json:"ram_percent"`
	RAMFreeBytes uint64   `json:"ram_free_bytes"`
	LogicalCores int      `json:"logical_cores"`
	CPUModel     string   `json:"cpu_model,omitempty"`
	Encoders     []string `json:"encoders,omitempty"`
}

type SystemMonitor struct {
	ffmpegPath string
	sample     time.Duration

	once     sync.Once
	model    string
	cores    int
	encoders []string
}

// NewSystemMonitor samples CPU usage over the given interval.
func NewSystemMonitor(ffmpegPath string, sample time.Duration) *SystemMonitor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &SystemMonitor{ffmpegPath: ffmpegPath, sample: sample}
}

// static collects the facts that don't change at runtime.
func (m *SystemMonitor) static(ctx context.Context) {
	m.once.Do(func() {
		if info, err := cpu.InfoWithContext(ctx); err == nil && len(info) > 0 {
			m.model = info[0].ModelName
		}
		if n, err := cpu.CountsWithContext(ctx, true); err == nil {
			m.cores = n
		}
		m.encoders, _ = m.detectEncoders(ctx)
	})
}

func (m *SystemMonitor) GetStats(ctx context.Context) (HostStats, error) {
	m.static(ctx)
	stats := HostStats{
		LogicalCores: m.cores,
		CPUModel:     m.model,
		Encoders:     append([]string(nil), m.encoders...),
	}

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get mem stats: %w", err)
	}
	stats.RAMPercent = v.UsedPercent
	stats.RAMFreeBytes = v.Available

	cpuPct, err := cpu.PercentWithContext(ctx, m.sample, false)
	if err != nil {
		return stats, fmt.Errorf("failed to get cpu stats: %w", err)
	}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}
	return stats, nil
}

// detectEncoders lists the hardware encoder families ffmpeg can use.
func (m *SystemMonitor) detectEncoders(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, m.ffmpegPath, "-hide_banner", "-encoders")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg check failed: %w", err)
	}
	return parseEncoders(out.String()), nil
}

func parseEncoders(output string) []string {
	var found []string
	for _, family := range []string{"nvenc", "qsv", "vaapi", "videotoolbox", "v4l2m2m"} {
		if strings.Contains(output, "_"+family) {
			found = append(found, family)
		}
	}
	return found
}
