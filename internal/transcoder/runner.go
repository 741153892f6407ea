package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/tsfarm/internal/core"
)

const defaultContainer = "mp4"

var reTime = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d+)`)

// Runner executes jobs with ffmpeg.
type Runner struct {
	binPath string
	tempDir string
	log     *slog.Logger
}

func NewRunner(binPath, tempDir string) *Runner {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &Runner{
		binPath: binPath,
		tempDir: tempDir,
		log:     slog.Default().With("component", "runner"),
	}
}

func (r *Runner) Run(ctx context.Context, job core.JobSpec) core.Outcome {
	start := time.Now()

	srcInfo, err := os.Stat(job.SrcPath)
	if err != nil {
		return core.Outcome{Kind: core.OutcomeFailure, Reason: fmt.Sprintf("source not readable: %v", err)}
	}

	out := outputPath(job)
	if out != "" {
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return core.Outcome{Kind: core.OutcomeFailure, Reason: fmt.Sprintf("failed to create output dir: %v", err)}
		}
	}

	// The encode phase runs only once the profile's requirement fits the
	// shared budget.
	if job.Lease != nil {
		gpu, err := job.Lease.Acquire(ctx, job.Profile.Resource)
		if err != nil {
			return core.Outcome{Kind: core.OutcomeFailure, Reason: fmt.Sprintf("canceled while waiting for resources: %v", err)}
		}
		job.GPU = gpu
	}

	cmd := exec.CommandContext(ctx, r.binPath, buildArgs(job, out)...)
	if r.tempDir != "" {
		cmd.Env = append(os.Environ(), "TMPDIR="+r.tempDir)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return core.Outcome{Kind: core.OutcomeRetry, Reason: fmt.Sprintf("failed to get stderr pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return core.Outcome{Kind: core.OutcomeFailure, Reason: "canceled"}
		}
		return core.Outcome{Kind: core.OutcomeRetry, Reason: fmt.Sprintf("failed to start ffmpeg: %v", err)}
	}
	r.log.Info("ffmpeg started", "item", job.ItemID, "slot", job.SlotID, "pid", cmd.Process.Pid)

	lastLine := r.watch(job.ItemID, stderr)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return core.Outcome{Kind: core.OutcomeFailure, Reason: "canceled"}
		}
		reason := fmt.Sprintf("ffmpeg exited: %v", err)
		if lastLine != "" {
			reason += ": " + lastLine
		}
		return core.Outcome{Kind: core.OutcomeFailure, Reason: reason}
	}

	art := &core.Artifact{SrcSize: srcInfo.Size(), Elapsed: time.Since(start)}
	if out != "" {
		fi, err := os.Stat(out)
		if err != nil {
			return core.Outcome{Kind: core.OutcomeFailure, Reason: fmt.Sprintf("output missing: %v", err)}
		}
		art.OutPaths = []string{out}
		art.OutSize = fi.Size()
	}
	return core.Outcome{Kind: core.OutcomeSuccess, Artifact: art}
}

// watch consumes ffmpeg's stderr, logging progress, and returns the last
// non-progress line.
func (r *Runner) watch(itemID string, stderr io.Reader) string {
	var last string
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sec, ok := parseProgress(line); ok {
			r.log.Debug("progress", "item", itemID, "seconds", sec)
			continue
		}
		last = line
	}
	return last
}

// scanLines splits on both \n and the \r ffmpeg uses for progress updates.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseProgress(line string) (float64, bool) {
	m := reTime.FindStringSubmatch(line)
	if len(m) != 4 {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.ParseFloat(m[3], 64)
	return float64(h*3600+mi*60) + s, true
}

// outputPath is empty for analysis-only modes.
func outputPath(job core.JobSpec) string {
	switch job.Mode {
	case core.ModeDrcsCheck, core.ModeCMCheck:
		return ""
	}
	ext := job.Profile.Container
	if ext == "" {
		ext = defaultContainer
	}
	return job.DstPath + "." + strings.TrimPrefix(ext, ".")
}

func buildArgs(job core.JobSpec, out string) []string {
	args := []string{"-y", "-hide_banner", "-nostdin"}
	if job.Mode == core.ModeTest {
		args = append(args, "-t", "30")
	}
	args = append(args, "-i", job.SrcPath)
	if job.Program.ServiceID != 0 {
		args = append(args, "-map", fmt.Sprintf("0:p:%d", job.Program.ServiceID))
	}

	if out == "" {
		return append(args, "-f", "null", "-")
	}

	if job.Profile.Encoder != "" {
		args = append(args, "-c:v", job.Profile.Encoder)
		if strings.Contains(job.Profile.Encoder, "nvenc") && job.Profile.Resource.GPU > 0 {
			args = append(args, "-gpu", strconv.Itoa(job.GPU))
		}
	}
	args = append(args, job.Profile.EncoderArgs...)
	if !job.Profile.EnableChapter {
		args = append(args, "-map_chapters", "-1")
	}
	return append(args, out)
}

var _ core.Runner = (*Runner)(nil)
