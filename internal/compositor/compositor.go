// Package compositor renders a timed scene sequence into one video file.
package compositor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"scene-render-service/internal/media"
	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/pkg/logger"
)

// Renderer executes a render description and produces its output file.
type Renderer interface {
	Render(ctx context.Context, d Description) error
}

// FFmpegRenderer runs descriptions with ffmpeg, bounded by timeout.
type FFmpegRenderer struct {
	bin     string
	runner  media.Runner
	timeout time.Duration
}

func NewFFmpegRenderer(bin string, r media.Runner, timeout time.Duration) *FFmpegRenderer {
	if bin == "" {
		bin = "ffmpeg"
	}
	if r == nil {
		r = media.ExecRunner{}
	}
	return &FFmpegRenderer{bin: bin, runner: r, timeout: timeout}
}

func (f *FFmpegRenderer) Render(ctx context.Context, d Description) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	return media.RunFFmpeg(ctx, f.runner, f.bin, d.Args)
}

// Result describes a finished render.
type Result struct {
	Output      string
	Duration    float64
	Description Description
}

// Compositor prepares frames and overlay text inside a job directory and
// hands the resulting description to a Renderer.
type Compositor struct {
	renderer Renderer
	fontFile string
	log      *logger.Logger
}

func New(r Renderer, fontFile string, log *logger.Logger) *Compositor {
	if log == nil {
		log = logger.Nop()
	}
	return &Compositor{renderer: r, fontFile: fontFile, log: log.WithComponent("compositor")}
}

// Compose renders req into output. dir is the job's private working directory.
// An existing output file is never overwritten.
func (c *Compositor) Compose(ctx context.Context, dir string, req models.RenderRequest, output string) (Result, error) {
	const op = "compositor.compose"
	if len(req.Scenes) == 0 {
		return Result{}, &errors.Error{Code: errors.CodeInvalidTiming, Op: op, Message: "no scenes to render"}
	}
	opts := req.Opts
	if opts.Width <= 0 || opts.Height <= 0 || opts.FPS <= 0 {
		return Result{}, errors.Validationf("invalid output geometry %dx%d@%d", opts.Width, opts.Height, opts.FPS)
	}
	for _, s := range req.Scenes {
		if s.Duration() <= 0 {
			return Result{}, errors.Newf(errors.CodeInvalidTiming, "scene %d has non-positive duration", s.Index)
		}
	}
	if _, err := os.Stat(output); err == nil {
		return Result{}, errors.Conflict("output already exists: " + output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	frames, err := PrepareFrames(req.Scenes, opts.Width, opts.Height, dir)
	if err != nil {
		return Result{}, err
	}

	plan := Plan{Audio: req.Audio, Options: opts, FontFile: c.fontFile, Output: output}
	var offset float64
	for i, s := range req.Scenes {
		seg := Segment{Frame: frames[i], Duration: s.Duration(), CaptionStart: offset, CaptionEnd: offset + s.Duration()}
		if opts.ShowSubtitles && strings.TrimSpace(s.Text) != "" {
			seg.CaptionFile = filepath.Join(dir, fmt.Sprintf("caption_%03d.txt", i))
			if err := os.WriteFile(seg.CaptionFile, []byte(s.Text), 0o644); err != nil {
				return Result{}, fmt.Errorf("write caption: %w", err)
			}
		}
		plan.Segments = append(plan.Segments, seg)
		offset += s.Duration()
	}
	if opts.Watermark != "" {
		plan.WatermarkFile = filepath.Join(dir, "watermark.txt")
		if err := os.WriteFile(plan.WatermarkFile, []byte(opts.Watermark), 0o644); err != nil {
			return Result{}, fmt.Errorf("write watermark: %w", err)
		}
	}

	desc := Describe(plan)
	c.log.FromContext(ctx).Debug("rendering", "scenes", len(plan.Segments), "duration", desc.Duration, "cmd", media.DryRun("ffmpeg", desc.Args))

	start := time.Now()
	if err := c.renderer.Render(ctx, desc); err != nil {
		_ = os.Remove(output)
		return Result{}, errors.Wrap(err, op, "render")
	}
	c.log.FromContext(ctx).Info("render finished", "output", output, "duration", desc.Duration, "elapsed", time.Since(start).String())
	return Result{Output: output, Duration: desc.Duration, Description: desc}, nil
}

// PrepareFrames scales and center-crops each scene image to width x height
// and saves it as a PNG in dir. Scenes sharing an image share a frame.
func PrepareFrames(scenes []models.Scene, width, height int, dir string) ([]string, error) {
	const op = "compositor.frames"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	done := make(map[string]string)
	out := make([]string, len(scenes))
	for i, s := range scenes {
		if path, ok := done[s.ImageRef]; ok {
			out[i] = path
			continue
		}
		src, err := imaging.Open(s.ImageRef, imaging.AutoOrientation(true))
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeAssetDecode, op, fmt.Sprintf("open image for scene %d", i))
		}
		frame := imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)
		path := filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i))
		if err := imaging.Save(frame, path); err != nil {
			return nil, fmt.Errorf("save frame %d: %w", i, err)
		}
		done[s.ImageRef] = path
		out[i] = path
	}
	return out, nil
}
