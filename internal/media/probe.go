package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Stream is one media stream reported by ffprobe.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// Format is the container description reported by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Duration returns the container duration in seconds.
func (pr *ProbeResult) Duration() (float64, error) {
	if pr.Format.Duration == "" {
		return 0, fmt.Errorf("duration not available in format metadata")
	}
	d, err := strconv.ParseFloat(pr.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", pr.Format.Duration, err)
	}
	return d, nil
}

func (pr *ProbeResult) streams(kind string) []Stream {
	var out []Stream
	for _, s := range pr.Streams {
		if s.CodecType == kind {
			out = append(out, s)
		}
	}
	return out
}

func (pr *ProbeResult) VideoStreams() []Stream { return pr.streams("video") }

func (pr *ProbeResult) AudioStreams() []Stream { return pr.streams("audio") }

// Prober runs ffprobe.
type Prober struct {
	bin    string
	runner Runner
}

func NewProber(bin string, r Runner) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	if r == nil {
		r = ExecRunner{}
	}
	return &Prober{bin: bin, runner: r}
}

// Probe reads stream and format metadata for path.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if path == "" {
		return nil, fmt.Errorf("probe: empty path")
	}
	args := []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path}
	stdout, stderr, err := p.runner.Run(ctx, p.bin, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, Tail(string(stderr)))
	}
	var res ProbeResult
	if err := json.Unmarshal(stdout, &res); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &res, nil
}

// Duration probes path and returns its duration in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	res, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return res.Duration()
}

// Available reports whether the probe binary runs at all.
func (p *Prober) Available(ctx context.Context) bool {
	_, _, err := p.runner.Run(ctx, p.bin, "-version")
	return err == nil
}

// IsWebM reports whether the probed container is WebM or Matroska.
func (pr *ProbeResult) IsWebM() bool {
	name := strings.ToLower(pr.Format.FormatName)
	return strings.Contains(name, "webm") || strings.Contains(name, "matroska")
}
