package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/orrn/tsfarm/internal/core"
)

// Prober reads the services of a transport stream with ffprobe.
type Prober struct {
	probePath string
}

func NewProber(probePath string) *Prober {
	if probePath == "" {
		probePath = "ffprobe"
	}
	return &Prober{probePath: probePath}
}

func (p *Prober) Probe(ctx context.Context, path string) ([]core.Program, error) {
	args := []string{
		"-v", "error",
		"-show_programs",
		"-show_streams",
		"-of", "json",
		path,
	}
	cmd := exec.CommandContext(ctx, p.probePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(output)
}

type probeStream struct {
	CodecType string            `json:"codec_type"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Tags      map[string]string `json:"tags"`
}

type probeProgram struct {
	ProgramNum int               `json:"program_num"`
	Tags       map[string]string `json:"tags"`
	Streams    []probeStream     `json:"streams"`
}

type probeResult struct {
	Programs []probeProgram `json:"programs"`
	Streams  []probeStream  `json:"streams"`
}

// parseProbe returns one Program per service carrying video. A container
// without program tables yields a single program from its first video stream.
func parseProbe(data []byte) ([]core.Program, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	var progs []core.Program
	for _, pp := range res.Programs {
		v, ok := firstVideo(pp.Streams)
		if !ok {
			continue
		}
		progs = append(progs, core.Program{
			ServiceID:   pp.ProgramNum,
			ServiceName: pp.Tags["service_name"],
			Width:       v.Width,
			Height:      v.Height,
		})
	}
	if len(progs) == 0 {
		if v, ok := firstVideo(res.Streams); ok {
			progs = append(progs, core.Program{Width: v.Width, Height: v.Height})
		}
	}
	sort.SliceStable(progs, func(i, j int) bool { return progs[i].ServiceID < progs[j].ServiceID })
	return progs, nil
}

func firstVideo(streams []probeStream) (probeStream, bool) {
	for _, s := range streams {
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			return s, true
		}
	}
	return probeStream{}, false
}

var _ core.Prober = (*Prober)(nil)
