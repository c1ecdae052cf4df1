package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/worker"
)

// ValidateConvert checks an upload before it becomes a job.
func ValidateConvert(payload any) error {
	p, ok := payload.(models.ConvertPayload)
	if !ok {
		return errors.Validationf("payload is %T, not a convert request", payload)
	}
	if !strings.EqualFold(filepath.Ext(p.OriginalName), ".webm") {
		return errors.Validationf("%s: only .webm files are accepted", p.OriginalName)
	}
	if _, err := os.Stat(p.InputPath); err != nil {
		return errors.Validationf("%s: upload is missing", p.OriginalName)
	}
	return nil
}

// Convert transcodes one WebM upload to MP4.
func (p *Pipeline) Convert(ctx context.Context, t worker.Task) (worker.Output, error) {
	in, ok := t.Job.Payload.(models.ConvertPayload)
	if !ok {
		return worker.Output{}, errors.Validationf("payload is %T, not a convert request", t.Job.Payload)
	}
	// The upload belongs to this job alone.
	defer os.Remove(in.InputPath)

	stem := strings.TrimSuffix(filepath.Base(in.OriginalName), filepath.Ext(in.OriginalName))
	out := filepath.Join(p.d.OutputDir, t.Job.ID, safeStem(stem)+".mp4")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return worker.Output{}, errors.Wrap(err, "pipeline.convert", "create output dir")
	}

	t.Progress("converting " + in.OriginalName)
	if err := p.d.Converter.Convert(ctx, in.InputPath, out); err != nil {
		_ = os.Remove(out)
		return worker.Output{}, err
	}
	art, err := artifactFor(out, in.OriginalName, "video/mp4")
	if err != nil {
		return worker.Output{}, err
	}
	return worker.Output{Artifacts: []models.Artifact{art}, Message: "converted " + in.OriginalName}, nil
}
