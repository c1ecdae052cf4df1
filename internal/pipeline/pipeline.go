// Package pipeline binds the render building blocks into the job handlers the
// worker pool executes.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scene-render-service/internal/assets"
	"scene-render-service/internal/compositor"
	"scene-render-service/internal/media"
	"scene-render-service/internal/models"
	"scene-render-service/internal/narration"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/pkg/logger"
	"scene-render-service/internal/telemetry"
	"scene-render-service/internal/timeline"
	"scene-render-service/internal/worker"
)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Resolver   *assets.Resolver
	Narrator   *narration.Narrator
	Compositor *compositor.Compositor
	Converter  *media.Converter
	// Probe measures caller-supplied audio.
	Probe narration.DurationFunc

	Defaults         models.RenderOptions
	SceneSeconds     float64
	FallbackSeconds  float64
	AssetConcurrency int
	Voice            string
	OutputDir        string
	Log              *logger.Logger
}

// Pipeline holds the handlers.
type Pipeline struct {
	d   Deps
	log *logger.Logger
}

func New(d Deps) *Pipeline {
	if d.SceneSeconds <= 0 {
		d.SceneSeconds = timeline.DefaultSceneSeconds
	}
	if d.FallbackSeconds <= 0 {
		d.FallbackSeconds = narration.FallbackSeconds
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return &Pipeline{d: d, log: d.Log.WithComponent("pipeline")}
}

// Register installs every handler on proc.
func (p *Pipeline) Register(proc *worker.Processor) {
	proc.RegisterHandler(models.KindManifestRender, p.RenderManifest, ValidateManifest)
	proc.RegisterHandler(models.KindSingleConvert, p.Convert, ValidateConvert)
	proc.RegisterHandler(models.KindBulkConvertItem, p.Convert, ValidateConvert)
	proc.RegisterHandler(models.KindCSVProductItem, p.CSVBatch, ValidateCSV)
}

// ValidateManifest accepts a models.Manifest or a pointer to one.
func ValidateManifest(payload any) error {
	m, err := manifestOf(payload)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return errors.Validation(err.Error())
	}
	return nil
}

func manifestOf(payload any) (models.Manifest, error) {
	switch m := payload.(type) {
	case models.Manifest:
		return m, nil
	case *models.Manifest:
		if m != nil {
			return *m, nil
		}
	}
	return models.Manifest{}, errors.Validationf("payload is %T, not a manifest", payload)
}

// RenderManifest resolves a manifest's assets, builds its timeline and
// composes one video.
func (p *Pipeline) RenderManifest(ctx context.Context, t worker.Task) (worker.Output, error) {
	const op = "pipeline.manifest"
	m, err := manifestOf(t.Job.Payload)
	if err != nil {
		return worker.Output{}, err
	}
	opts := m.Options.Apply(p.d.Defaults)
	sceneSeconds := p.d.SceneSeconds
	if m.Options.SceneSeconds > 0 {
		sceneSeconds = m.Options.SceneSeconds
	}

	t.Progress("resolving assets")
	refs := make([]models.AssetRef, len(m.Images))
	for i, ref := range m.Images {
		if ref.Kind == "" {
			ref.Kind = models.AssetImage
		}
		refs[i] = ref
	}
	resolved, err := p.d.Resolver.ResolveAll(ctx, refs, filepath.Join(t.Dir, "assets"), "image", p.d.AssetConcurrency)
	if err != nil {
		return worker.Output{}, err
	}
	images := make([]string, len(resolved))
	for i, r := range resolved {
		images[i] = r.Path
	}

	var (
		audio         string
		audioDuration float64
		outcomes      []models.Outcome
	)
	switch {
	case m.Audio != nil:
		ref := *m.Audio
		ref.Kind = models.AssetAudio
		res, err := p.d.Resolver.Resolve(ctx, ref, filepath.Join(t.Dir, "assets"), "audio")
		if err != nil {
			return worker.Output{}, errors.Wrap(err, op, "resolve audio")
		}
		audio = res.Path
		if p.d.Probe != nil {
			if d, perr := p.d.Probe(ctx, audio); perr == nil {
				audioDuration = d
			} else {
				p.log.FromContext(ctx).Warn("audio duration unknown, using per-scene default", "error", perr)
			}
		}
	case m.Narration != nil:
		t.Progress("synthesizing narration")
		voice := firstNonEmpty(m.Narration.Voice, p.d.Voice)
		n := p.d.Narrator.Narrate(ctx, m.Narration.Text, voice, filepath.Join(t.Dir, "narration"))
		if n.Fallback {
			telemetry.NarrationFallbacks.Inc()
			sceneSeconds = n.Duration
			outcomes = append(outcomes, models.Outcome{Title: "narration", Warning: "narration unavailable: " + n.Err.Error()})
			p.log.FromContext(ctx).Warn("narration fell back to silence", "error", n.Err)
		} else {
			audio, audioDuration = n.AudioPath, n.Duration
		}
	}

	scenes, err := timeline.Build(timeline.Input{
		Scenes:        m.Scenes,
		Images:        images,
		AudioDuration: audioDuration,
		SceneSeconds:  sceneSeconds,
	})
	if err != nil {
		return worker.Output{Outcomes: outcomes}, err
	}

	title := firstNonEmpty(m.Title, "render")
	output := filepath.Join(p.d.OutputDir, t.Job.ID, safeStem(title)+".mp4")
	t.Progress(fmt.Sprintf("rendering %d scenes", len(scenes)))
	art, err := p.compose(ctx, filepath.Join(t.Dir, "compose"), models.RenderRequest{Scenes: scenes, Audio: audio, Opts: opts}, output, title)
	if err != nil {
		return worker.Output{Outcomes: outcomes}, err
	}
	return worker.Output{
		Artifacts: []models.Artifact{art},
		Message:   fmt.Sprintf("rendered %d scenes (%.1fs)", len(scenes), timeline.Total(scenes)),
		Outcomes:  outcomes,
	}, nil
}

// compose renders req and describes the result as an artifact.
func (p *Pipeline) compose(ctx context.Context, dir string, req models.RenderRequest, output, title string) (models.Artifact, error) {
	start := time.Now()
	res, err := p.d.Compositor.Compose(ctx, dir, req, output)
	telemetry.RenderSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.Artifact{}, err
	}
	return artifactFor(res.Output, title, "video/mp4")
}

func artifactFor(path, title, contentType string) (models.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.Artifact{}, errors.WrapWithCode(err, errors.CodeRenderFailed, "pipeline.artifact", "output missing after render")
	}
	return models.Artifact{Path: path, Title: title, ContentType: contentType, Size: info.Size()}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// safeStem keeps letters, digits, dash and underscore of name.
func safeStem(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		return "output"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
