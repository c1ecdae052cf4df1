package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/products"
	"scene-render-service/internal/telemetry"
	"scene-render-service/internal/timeline"
	"scene-render-service/internal/worker"
)

// ValidateCSV checks that the uploaded catalog exists.
func ValidateCSV(payload any) error {
	p, ok := payload.(models.CSVPayload)
	if !ok {
		return errors.Validationf("payload is %T, not a CSV request", payload)
	}
	if _, err := os.Stat(p.CSVPath); err != nil {
		return errors.Validation("uploaded CSV is missing")
	}
	return nil
}

// CSVBatch renders one product video per qualifying catalog row. A row that
// fails is recorded and the batch moves on; the job fails only when no video
// was produced at all.
func (p *Pipeline) CSVBatch(ctx context.Context, t worker.Task) (worker.Output, error) {
	in, ok := t.Job.Payload.(models.CSVPayload)
	if !ok {
		return worker.Output{}, errors.Validationf("payload is %T, not a CSV request", t.Job.Payload)
	}
	f, err := os.Open(in.CSVPath)
	if err != nil {
		return worker.Output{}, errors.Wrap(err, "pipeline.csv", "open csv")
	}
	rows, err := products.Parse(f)
	f.Close()
	_ = os.Remove(in.CSVPath)
	if err != nil {
		return worker.Output{}, errors.WrapWithCode(err, errors.CodeValidation, "pipeline.csv", "invalid csv")
	}

	var todo []products.Product
	for _, row := range rows {
		if row.Qualifies() {
			todo = append(todo, row)
		}
	}
	if len(todo) == 0 {
		return worker.Output{}, errors.Validation("csv has no rows with a title or image url")
	}

	opts := productOptions(p.d.Defaults, in.Options)
	var (
		out      worker.Output
		used     = map[string]bool{}
		firstErr error
	)
	for i, row := range todo {
		if err := ctx.Err(); err != nil {
			return out, errors.WrapWithCode(err, errors.CodeTimeout, "pipeline.csv", fmt.Sprintf("stopped after %d of %d products", i, len(todo)))
		}
		t.Progress(fmt.Sprintf("rendering product %d of %d: %s", i+1, len(todo), row.DisplayTitle()))

		name := row.SafeName()
		if used[name] {
			name = fmt.Sprintf("%s_%d", name, row.Row)
		}
		used[name] = true

		outcome := models.Outcome{Unit: row.Row, Title: row.DisplayTitle()}
		art, warning, err := p.renderProduct(ctx, t, row, in.Options, opts, name)
		outcome.Warning = warning
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			outcome.Error = reasonOf(err)
			p.log.FromContext(ctx).Warn("product video failed", "row", row.Row, "title", row.DisplayTitle(), "error", err)
		} else {
			art.ID = uuid.New().String()
			outcome.ArtifactID = art.ID
			out.Artifacts = append(out.Artifacts, art)
		}
		out.Outcomes = append(out.Outcomes, outcome)
	}

	out.Message = fmt.Sprintf("created %d of %d product videos", len(out.Artifacts), len(todo))
	if len(out.Artifacts) == 0 {
		return out, errors.WrapWithCode(firstErr, errors.GetCode(firstErr), "pipeline.csv", out.Message)
	}
	return out, nil
}

// renderProduct builds one product video. It returns a warning when the video
// was produced in degraded form.
func (p *Pipeline) renderProduct(ctx context.Context, t worker.Task, row products.Product, po models.ProductOptions, opts models.RenderOptions, name string) (models.Artifact, string, error) {
	dir := filepath.Join(t.Dir, fmt.Sprintf("row_%03d", row.Row))

	var images []string
	var warnings []string
	for i, url := range row.ImageURLs() {
		res, err := p.d.Resolver.Resolve(ctx, models.AssetRef{URL: url, Kind: models.AssetImage}, filepath.Join(dir, "images"), fmt.Sprintf("image_%02d", i))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("image %d skipped: %s", i, reasonOf(err)))
			continue
		}
		images = append(images, res.Path)
	}
	if len(images) == 0 {
		return models.Artifact{}, joinWarnings(warnings), errors.New(errors.CodeAssetFetch, "no product image could be downloaded")
	}

	parts := products.Script(row, po.OutroText)
	hints := make([]models.SceneHint, len(parts))
	frames := make([]string, len(parts))
	for i, part := range parts {
		hints[i] = models.SceneHint{Text: part}
		frames[i] = images[min(i, len(images)-1)]
	}

	voice := firstNonEmpty(po.Voice, p.d.Voice)
	n := p.d.Narrator.Narrate(ctx, products.Narration(parts), voice, filepath.Join(dir, "narration"))
	in := timeline.Input{Scenes: hints, Images: frames, SceneSeconds: p.d.SceneSeconds}
	audio := ""
	if n.Fallback {
		telemetry.NarrationFallbacks.Inc()
		in.SceneSeconds = n.Duration
		warnings = append(warnings, "narration unavailable: "+reasonOf(n.Err))
	} else {
		audio = n.AudioPath
		in.AudioDuration = n.Duration
	}

	scenes, err := timeline.Build(in)
	if err != nil {
		return models.Artifact{}, joinWarnings(warnings), err
	}
	output := filepath.Join(p.d.OutputDir, t.Job.ID, name+".mp4")
	art, err := p.compose(ctx, filepath.Join(dir, "compose"), models.RenderRequest{Scenes: scenes, Audio: audio, Opts: opts}, output, row.DisplayTitle())
	return art, joinWarnings(warnings), err
}

// productOptions overlays the per-upload options on the service defaults.
func productOptions(def models.RenderOptions, po models.ProductOptions) models.RenderOptions {
	out := def
	if po.ShowSubtitles != nil {
		out.ShowSubtitles = *po.ShowSubtitles
	}
	if po.FontFamily != "" {
		out.FontFamily = po.FontFamily
	}
	if po.FontSize > 0 {
		out.FontSize = po.FontSize
	}
	if po.Watermark != "" {
		out.Watermark = po.Watermark
	}
	return out
}

func joinWarnings(ws []string) string {
	return strings.Join(ws, "; ")
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
