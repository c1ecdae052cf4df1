package compositor

import (
	"fmt"
	"math"
	"strings"

	"scene-render-service/internal/models"
)

// Segment is one scene as the renderer sees it: a prepared frame held for
// Duration seconds, with an optional caption burned in over [CaptionStart, CaptionEnd).
type Segment struct {
	Frame        string
	Duration     float64
	CaptionFile  string
	CaptionStart float64
	CaptionEnd   float64
}

// Plan is the fully materialized input of one render.
type Plan struct {
	Segments      []Segment
	Audio         string
	Options       models.RenderOptions
	FontFile      string
	WatermarkFile string
	Output        string
}

// Description is a single ffmpeg invocation.
type Description struct {
	Args     []string
	Filter   string
	Output   string
	Duration float64
}

// Describe expresses plan as one ffmpeg command. Every segment becomes a
// looped still input; the inputs are normalized, concatenated in order and
// overlaid with captions and the watermark. Audio is padded with silence and
// the output is cut at the visual duration, so the picture always governs
// the length of the file.
func Describe(p Plan) Description {
	opts := p.Options
	var total float64
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, s := range p.Segments {
		// Input lengths are taken between rounded offsets so they sum to the rounded total.
		end := total + s.Duration
		args = append(args, "-loop", "1", "-t", seconds(round3(end)-round3(total)), "-i", s.Frame)
		total = end
	}
	audioIdx := -1
	if p.Audio != "" {
		audioIdx = len(p.Segments)
		args = append(args, "-i", p.Audio)
	}

	var chains []string
	var concatIn strings.Builder
	for i := range p.Segments {
		chains = append(chains, fmt.Sprintf("[%d:v]scale=%d:%d,setsar=1,fps=%d,format=yuv420p[v%d]", i, opts.Width, opts.Height, opts.FPS, i))
		fmt.Fprintf(&concatIn, "[v%d]", i)
	}
	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[vcat]", concatIn.String(), len(p.Segments)))

	var overlays []string
	if opts.ShowSubtitles {
		for _, s := range p.Segments {
			if s.CaptionFile == "" {
				continue
			}
			overlays = append(overlays, captionFilter(s, opts, p.FontFile))
		}
	}
	if opts.Watermark != "" && p.WatermarkFile != "" {
		overlays = append(overlays, watermarkFilter(p.WatermarkFile, opts, p.FontFile))
	}
	videoOut := "[vcat]"
	if len(overlays) > 0 {
		chains = append(chains, "[vcat]"+strings.Join(overlays, ",")+"[vout]")
		videoOut = "[vout]"
	}
	if audioIdx >= 0 {
		chains = append(chains, fmt.Sprintf("[%d:a]apad[aout]", audioIdx))
	}

	filter := strings.Join(chains, ";")
	args = append(args, "-filter_complex", filter, "-map", videoOut)
	if audioIdx >= 0 {
		args = append(args, "-map", "[aout]", "-c:a", "aac", "-b:a", "192k")
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-r", fmt.Sprint(opts.FPS),
		"-t", seconds(total),
		"-movflags", "+faststart",
		p.Output,
	)
	return Description{Args: args, Filter: filter, Output: p.Output, Duration: total}
}

func captionFilter(s Segment, opts models.RenderOptions, fontFile string) string {
	margin := opts.Height / 10
	return fmt.Sprintf("drawtext=%s:textfile=%s:fontsize=%d:fontcolor=white:borderw=2:bordercolor=black:shadowx=1:shadowy=1:"+
		"x=(w-text_w)/2:y=h-text_h-%d:expansion=none:enable='gte(t,%s)*lt(t,%s)'",
		fontSpec(opts.FontFamily, fontFile), escapePath(s.CaptionFile), opts.FontSize, margin,
		seconds(s.CaptionStart), seconds(s.CaptionEnd))
}

func watermarkFilter(file string, opts models.RenderOptions, fontFile string) string {
	size := opts.Height / 40
	if size < 16 {
		size = 16
	}
	return fmt.Sprintf("drawtext=%s:textfile=%s:fontsize=%d:fontcolor=white@0.35:x=w-tw-20:y=20:expansion=none",
		fontSpec(opts.FontFamily, fontFile), escapePath(file), size)
}

func fontSpec(family, file string) string {
	if file != "" {
		return "fontfile=" + escapePath(file)
	}
	if family == "" {
		family = "Sans"
	}
	return "font=" + escapePath(family)
}

// escapePath escapes a value for use inside a filtergraph option.
func escapePath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)
	return r.Replace(p)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func seconds(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
