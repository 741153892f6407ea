package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/orrn/tsfarm/internal/core"
)

const probeJSON = `{
  "programs": [
    {"program_num": 1032, "tags": {"service_name": "BS"}, "streams": [
      {"codec_type": "audio"},
      {"codec_type": "video", "width": 1440, "height": 1080}
    ]},
    {"program_num": 1024, "tags": {"service_name": "GR"}, "streams": [
      {"codec_type": "video", "width": 1920, "height": 1080}
    ]},
    {"program_num": 1100, "streams": [{"codec_type": "audio"}]}
  ],
  "streams": []
}`

func TestParseProbe_OneProgramPerVideoService(t *testing.T) {
	progs, err := parseProbe([]byte(probeJSON))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if len(progs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(progs))
	}
	if progs[0].ServiceID != 1024 || progs[0].ServiceName != "GR" || progs[0].Width != 1920 {
		t.Fatalf("unexpected first program %+v", progs[0])
	}
	if progs[1].ServiceID != 1032 || progs[1].Height != 1080 {
		t.Fatalf("unexpected second program %+v", progs[1])
	}
}

func TestParseProbe_FallsBackToStreams(t *testing.T) {
	progs, err := parseProbe([]byte(`{"streams": [{"codec_type": "audio"}, {"codec_type": "video", "width": 640, "height": 360}]}`))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if len(progs) != 1 || progs[0].ServiceID != 0 || progs[0].Width != 640 {
		t.Fatalf("unexpected programs %+v", progs)
	}

	progs, err = parseProbe([]byte(`{"streams": [{"codec_type": "audio"}]}`))
	if err != nil || len(progs) != 0 {
		t.Fatalf("audio-only source: %+v, %v", progs, err)
	}

	if _, err := parseProbe([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestBuildArgs(t *testing.T) {
	job := core.JobSpec{
		SrcPath: "/rec/a.ts",
		DstPath: "/out/a",
		Mode:    core.ModeBatch,
		Program: core.Program{ServiceID: 1024},
		GPU:     1,
		Profile: core.Profile{
			Encoder:     "h264_nvenc",
			EncoderArgs: []string{"-preset", "p4"},
			Resource:    core.ReqResource{GPU: 50},
		},
	}
	out := outputPath(job)
	if out != "/out/a.mp4" {
		t.Fatalf("outputPath = %q", out)
	}
	got := strings.Join(buildArgs(job, out), " ")
	want := "-y -hide_banner -nostdin -i /rec/a.ts -map 0:p:1024 -c:v h264_nvenc -gpu 1 -preset p4 -map_chapters -1 /out/a.mp4"
	if got != want {
		t.Fatalf("args:\n got  %s\n want %s", got, want)
	}

	job.Mode = core.ModeCMCheck
	if outputPath(job) != "" {
		t.Fatalf("analysis mode should have no output")
	}
	got = strings.Join(buildArgs(job, ""), " ")
	if !strings.HasSuffix(got, "-f null -") {
		t.Fatalf("analysis args should discard output: %s", got)
	}

	job.Mode = core.ModeTest
	job.Profile.Container = ".mkv"
	job.Profile.EnableChapter = true
	out = outputPath(job)
	got = strings.Join(buildArgs(job, out), " ")
	if out != "/out/a.mkv" || !strings.Contains(got, "-t 30 -i") || strings.Contains(got, "map_chapters") {
		t.Fatalf("test mode args: %s (out %s)", got, out)
	}
}

func TestParseProgress(t *testing.T) {
	sec, ok := parseProgress("frame=  100 fps= 25 q=28.0 size=1024kB time=01:02:03.50 bitrate=...")
	if !ok || sec != 3723.5 {
		t.Fatalf("parseProgress = %v, %v", sec, ok)
	}
	if _, ok := parseProgress("Input #0, mpegts"); ok {
		t.Fatalf("non-progress line parsed")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src.ts")
	if err := os.WriteFile(src, []byte("0123456789"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return src
}

func TestRunner_Success(t *testing.T) {
	bin := writeScript(t, `for a in "$@"; do last="$a"; done
printf 'frame=1 fps=1 time=00:00:01.50 bitrate=1k\r' >&2
echo encoded > "$last"
`)
	dst := filepath.Join(t.TempDir(), "out", "a")
	r := NewRunner(bin, "")
	out := r.Run(context.Background(), core.JobSpec{
		ItemID: "a", SrcPath: writeSource(t), DstPath: dst, Mode: core.ModeBatch,
	})
	if out.Kind != core.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Artifact == nil || out.Artifact.SrcSize != 10 || out.Artifact.OutSize == 0 {
		t.Fatalf("unexpected artifact %+v", out.Artifact)
	}
	if len(out.Artifact.OutPaths) != 1 || out.Artifact.OutPaths[0] != dst+".mp4" {
		t.Fatalf("unexpected out paths %v", out.Artifact.OutPaths)
	}
}

func TestRunner_FailureCarriesLastLine(t *testing.T) {
	bin := writeScript(t, `echo "Invalid data found when processing input" >&2
exit 1
`)
	r := NewRunner(bin, "")
	out := r.Run(context.Background(), core.JobSpec{
		SrcPath: writeSource(t), DstPath: filepath.Join(t.TempDir(), "a"), Mode: core.ModeBatch,
	})
	if out.Kind != core.OutcomeFailure || !strings.Contains(out.Reason, "Invalid data found") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRunner_MissingBinaryIsRetry(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "no-such-ffmpeg"), "")
	out := r.Run(context.Background(), core.JobSpec{
		SrcPath: writeSource(t), DstPath: filepath.Join(t.TempDir(), "a"), Mode: core.ModeBatch,
	})
	if out.Kind != core.OutcomeRetry {
		t.Fatalf("expected retry, got %+v", out)
	}
}

func TestRunner_MissingSourceFails(t *testing.T) {
	r := NewRunner("ffmpeg", "")
	out := r.Run(context.Background(), core.JobSpec{SrcPath: filepath.Join(t.TempDir(), "missing.ts")})
	if out.Kind != core.OutcomeFailure {
		t.Fatalf("expected failure, got %+v", out)
	}
}

func TestRunner_CancelKillsProcess(t *testing.T) {
	bin := writeScript(t, "exec sleep 30\n")
	r := NewRunner(bin, "")
	job := core.JobSpec{
		SrcPath: writeSource(t), DstPath: filepath.Join(t.TempDir(), "a"), Mode: core.ModeBatch,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan core.Outcome, 1)
	go func() { done <- r.Run(ctx, job) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	out := <-done
	if out.Kind != core.OutcomeFailure || out.Reason != "canceled" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

// startedLease pops a job needing req from a fresh scheduler whose budget is
// already taken by another ticket of the same size.
func startedLease(t *testing.T, req core.ReqResource) (*core.ResourceManager, *core.ScheduledQueue, *core.QueueItem, *core.Resource) {
	t.Helper()
	rm := core.NewResourceManager(1, nil)
	q := core.NewScheduledQueue(rm, false)
	it := &core.QueueItem{ID: "a", Priority: 3, Order: 1, State: core.StateQueue, Resource: req}
	q.AddQueue(it)
	other := rm.ForceGetResource(req)
	if got, _ := q.PopItem(0); got != it {
		t.Fatalf("expected the job to be selected")
	}
	return rm, q, it, other
}

func waitWaiters(t *testing.T, rm *core.ResourceManager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for rm.Usage().Waiters != want {
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", rm.Usage().Waiters, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunner_EncodeWaitsForResourceBudget(t *testing.T) {
	bin := writeScript(t, `for a in "$@"; do last="$a"; done
echo encoded > "$last"
`)
	req := core.ReqResource{CPU: 60}
	rm, q, it, other := startedLease(t, req)

	job := core.JobSpec{
		ItemID: "a", SrcPath: writeSource(t), DstPath: filepath.Join(t.TempDir(), "a"),
		Mode: core.ModeBatch, Profile: core.Profile{Resource: req}, Lease: q.Lease(it),
	}
	done := make(chan core.Outcome, 1)
	go func() { done <- NewRunner(bin, "").Run(context.Background(), job) }()

	waitWaiters(t, rm, 1)
	if u := rm.Usage(); u.CPU != 60 {
		t.Fatalf("waiting job must not hold a ticket, cpu=%d", u.CPU)
	}
	select {
	case out := <-done:
		t.Fatalf("encode ran over budget: %+v", out)
	default:
	}

	rm.ReleaseResource(other)
	if out := <-done; out.Kind != core.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if u := rm.Usage(); u.CPU != 60 || u.Waiters != 0 {
		t.Fatalf("lease should hold the encode ticket: %+v", u)
	}
	q.ReleaseItem(it)
	if u := rm.Usage(); u.CPU != 0 {
		t.Fatalf("resources leaked: %+v", u)
	}
}

func TestRunner_CancelWhileWaitingForResources(t *testing.T) {
	bin := writeScript(t, "exit 0\n")
	req := core.ReqResource{CPU: 100}
	rm, q, it, other := startedLease(t, req)

	job := core.JobSpec{
		ItemID: "a", SrcPath: writeSource(t), DstPath: filepath.Join(t.TempDir(), "a"),
		Mode: core.ModeBatch, Profile: core.Profile{Resource: req}, Lease: q.Lease(it),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan core.Outcome, 1)
	go func() { done <- NewRunner(bin, "").Run(ctx, job) }()
	waitWaiters(t, rm, 1)
	cancel()

	out := <-done
	if out.Kind != core.OutcomeFailure || !strings.Contains(out.Reason, "waiting for resources") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if u := rm.Usage(); u.Waiters != 0 || u.CPU != 100 {
		t.Fatalf("canceled wait left state behind: %+v", u)
	}
	q.ReleaseItem(it)
	rm.ReleaseResource(other)
	if u := rm.Usage(); u.CPU != 0 {
		t.Fatalf("resources leaked: %+v", u)
	}
}
