package media

import (
	"context"

	"scene-render-service/internal/pkg/errors"
)

// Converter transcodes WebM uploads to H.264/AAC MP4.
type Converter struct {
	ffmpeg string
	runner Runner
	prober *Prober
}

func NewConverter(ffmpegBin string, r Runner, p *Prober) *Converter {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if r == nil {
		r = ExecRunner{}
	}
	return &Converter{ffmpeg: ffmpegBin, runner: r, prober: p}
}

// Validate checks that path holds a video stream in a WebM or Matroska container.
func (c *Converter) Validate(ctx context.Context, path string) error {
	res, err := c.prober.Probe(ctx, path)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "media.validate", "not a readable media file")
	}
	if len(res.VideoStreams()) == 0 {
		return errors.Validation("no video stream found in file")
	}
	if !res.IsWebM() {
		return errors.Validationf("file is not a valid WebM format (%s)", res.Format.FormatName)
	}
	return nil
}

// ConvertArgs describes the transcode of in to out.
func ConvertArgs(in, out string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-crf", "23",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		out,
	}
}

// Convert validates in and transcodes it to out.
func (c *Converter) Convert(ctx context.Context, in, out string) error {
	if err := c.Validate(ctx, in); err != nil {
		return err
	}
	return RunFFmpeg(ctx, c.runner, c.ffmpeg, ConvertArgs(in, out))
}
