package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"scene-render-service/internal/assets"
	"scene-render-service/internal/compositor"
	"scene-render-service/internal/media"
	"scene-render-service/internal/models"
	"scene-render-service/internal/narration"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/worker"
)

type fakeRenderer struct {
	got []compositor.Description
}

func (f *fakeRenderer) Render(_ context.Context, d compositor.Description) error {
	f.got = append(f.got, d)
	return os.WriteFile(d.Output, []byte("mp4"), 0o644)
}

type fakeSynth struct {
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voice string) (narration.Speech, error) {
	f.calls++
	if f.err != nil {
		return narration.Speech{}, f.err
	}
	// Two seconds of 24 kHz mono silence.
	pcm := make([]byte, 24000*2*2)
	return narration.Speech{Audio: narration.WrapPCM(pcm, 24000, 1, 16), MIMEType: "audio/wav", Duration: 2}, nil
}

func pngBytes(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, imaging.New(40, 40, c)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func inlinePNG(t *testing.T, c color.NRGBA) models.AssetRef {
	return models.AssetRef{Data: base64.StdEncoding.EncodeToString(pngBytes(t, c))}
}

func newPipeline(t *testing.T, synth narration.Synthesizer, probe narration.DurationFunc) (*Pipeline, *fakeRenderer) {
	t.Helper()
	r := &fakeRenderer{}
	return New(Deps{
		Resolver:   assets.NewResolver(2*time.Second, 1<<20),
		Narrator:   narration.NewNarrator(synth, nil, 3),
		Compositor: compositor.New(r, "", nil),
		Probe:      probe,
		Defaults:   models.RenderOptions{Width: 108, Height: 192, FPS: 30, ShowSubtitles: true, FontFamily: "Sarabun", FontSize: 60},
		Voice:      "Zephyr",
		OutputDir:  t.TempDir(),
	}), r
}

func task(t *testing.T, kind models.JobKind, payload any) worker.Task {
	return worker.Task{
		Job:      models.Job{ID: "job-" + strings.ReplaceAll(t.Name(), "/", "-"), Kind: kind, Payload: payload},
		Dir:      t.TempDir(),
		Progress: func(string) {},
	}
}

// inputs returns the -i values of an ffmpeg argument list.
func inputs(args []string) []string {
	var out []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-i" {
			out = append(out, args[i+1])
		}
	}
	return out
}

func TestManifestSkipsThumbnailAndSplitsAudio(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	green := color.NRGBA{G: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	nineSeconds := func(context.Context, string) (float64, error) { return 9, nil }
	p, r := newPipeline(t, nil, nineSeconds)

	m := models.Manifest{
		Title:  "demo",
		Scenes: []models.SceneHint{{Text: "first"}, {Text: "second"}},
		Images: []models.AssetRef{inlinePNG(t, red), inlinePNG(t, green), inlinePNG(t, blue)},
		Audio:  &models.AssetRef{Data: base64.StdEncoding.EncodeToString([]byte("not really audio")), Kind: models.AssetAudio},
	}
	if err := ValidateManifest(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	out, err := p.RenderManifest(context.Background(), task(t, models.KindManifestRender, m))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0].Title != "demo" || out.Artifacts[0].Size == 0 {
		t.Fatalf("unexpected artifacts %+v", out.Artifacts)
	}

	d := r.got[0]
	args := strings.Join(d.Args, " ")
	if strings.Count(args, "-loop 1 -t 4.500 -i") != 2 || !strings.Contains(args, "-t 9.000") {
		t.Fatalf("expected two 4.5s scenes over 9s: %q", args)
	}
	in := inputs(d.Args)
	if len(in) != 3 {
		t.Fatalf("expected 2 frames and 1 audio input, got %v", in)
	}
	for i, want := range []color.NRGBA{green, blue} {
		img, err := imaging.Open(in[i])
		if err != nil {
			t.Fatalf("open frame: %v", err)
		}
		if got := color.NRGBAModel.Convert(img.At(5, 5)).(color.NRGBA); !near(got, want) {
			t.Fatalf("scene %d uses %v, want %v (thumbnail must be skipped)", i, got, want)
		}
	}
}

func TestManifestNarrationFallsBackToSilence(t *testing.T) {
	synth := &fakeSynth{err: errors.New(errors.CodeTTS, "GEMINI_API_KEY not set")}
	p, r := newPipeline(t, synth, nil)
	m := models.Manifest{
		Scenes:    []models.SceneHint{{Text: "Hello"}, {Text: "World"}},
		Images:    []models.AssetRef{inlinePNG(t, color.NRGBA{R: 9, A: 255})},
		Narration: &models.NarrationSpec{Text: "Hello World"},
	}
	out, err := p.RenderManifest(context.Background(), task(t, models.KindManifestRender, m))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(out.Outcomes) != 1 || !strings.Contains(out.Outcomes[0].Warning, "GEMINI_API_KEY") {
		t.Fatalf("fallback should be recorded: %+v", out.Outcomes)
	}
	args := strings.Join(r.got[0].Args, " ")
	if !strings.Contains(args, "-an") || !strings.Contains(args, "-t 6.000") {
		t.Fatalf("expected silent 2x3s render: %q", args)
	}
}

func TestManifestNarrationDrivesTiming(t *testing.T) {
	p, r := newPipeline(t, &fakeSynth{}, nil)
	m := models.Manifest{
		Scenes:    []models.SceneHint{{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"}},
		Images:    []models.AssetRef{inlinePNG(t, color.NRGBA{G: 9, A: 255})},
		Narration: &models.NarrationSpec{Text: "a b c d"},
	}
	if _, err := p.RenderManifest(context.Background(), task(t, models.KindManifestRender, m)); err != nil {
		t.Fatalf("render: %v", err)
	}
	d := r.got[0]
	if strings.Count(strings.Join(d.Args, " "), "-t 0.500 -i") != 4 || d.Duration != 2 {
		t.Fatalf("expected 4 half-second scenes: %v", d.Args)
	}
	if !strings.Contains(d.Filter, "apad") {
		t.Fatalf("narration audio not mapped: %q", d.Filter)
	}
}

func TestManifestErrors(t *testing.T) {
	p, _ := newPipeline(t, nil, nil)
	img := inlinePNG(t, color.NRGBA{A: 255})

	cases := map[string]struct {
		m    models.Manifest
		code errors.Code
	}{
		"too few images": {
			m:    models.Manifest{Scenes: []models.SceneHint{{}, {}, {}}, Images: []models.AssetRef{img, img}},
			code: errors.CodeInvalidAssetCount,
		},
		"bad inline image": {
			m:    models.Manifest{Scenes: []models.SceneHint{{}}, Images: []models.AssetRef{{Data: "!!!"}}},
			code: errors.CodeAssetDecode,
		},
		"inverted timing": {
			m: models.Manifest{
				Scenes: []models.SceneHint{{Start: ptr(2), End: ptr(1)}},
				Images: []models.AssetRef{img},
			},
			code: errors.CodeInvalidTiming,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.RenderManifest(context.Background(), task(t, models.KindManifestRender, tc.m))
			if !errors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	if err := ValidateManifest(models.Manifest{}); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("empty manifest must fail validation, got %v", err)
	}
	if err := ValidateManifest("nope"); err == nil {
		t.Fatalf("wrong payload type must fail validation")
	}
}

func ptr(v float64) *float64 { return &v }

func near(a, b color.NRGBA) bool {
	d := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return d(a.R, b.R) < 8 && d(a.G, b.G) < 8 && d(a.B, b.B) < 8
}

func catalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := pngBytes(t, color.NRGBA{R: 100, G: 50, B: 25, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(img)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.csv")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestCSVBatchIsolatesFailingRows(t *testing.T) {
	srv := catalogServer(t)
	csv := "Product Title,Brand,Current Price,Currency,Main Image URL,Additional Image 1\n" +
		fmt.Sprintf("Lamp,Lumo,19.99,USD,%s/ok.png,%s/missing.png\n", srv.URL, srv.URL) +
		fmt.Sprintf("Chair,Sitwell,49.00,USD,%s/missing.png,\n", srv.URL) +
		",,,,,\n"
	synth := &fakeSynth{}
	p, r := newPipeline(t, synth, nil)

	payload := models.CSVPayload{CSVPath: writeCSV(t, csv)}
	if err := ValidateCSV(payload); err != nil {
		t.Fatalf("validate: %v", err)
	}
	out, err := p.CSVBatch(context.Background(), task(t, models.KindCSVProductItem, payload))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if out.Message != "created 1 of 2 product videos" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0].Title != "Lamp" || !strings.HasSuffix(out.Artifacts[0].Path, "Lamp.mp4") {
		t.Fatalf("unexpected artifacts %+v", out.Artifacts)
	}
	if len(out.Outcomes) != 2 {
		t.Fatalf("expected an outcome per qualifying row, got %+v", out.Outcomes)
	}
	lamp, chair := out.Outcomes[0], out.Outcomes[1]
	if lamp.ArtifactID != out.Artifacts[0].ID || lamp.Error != "" || !strings.Contains(lamp.Warning, "image 1 skipped") {
		t.Fatalf("unexpected lamp outcome %+v", lamp)
	}
	if chair.Error == "" || chair.ArtifactID != "" {
		t.Fatalf("chair row should fail: %+v", chair)
	}
	if len(r.got) != 1 || synth.calls != 1 {
		t.Fatalf("only the lamp should be narrated and rendered: renders=%d tts=%d", len(r.got), synth.calls)
	}

	// Intro, brand, price: one scene per script part over the 2s narration.
	filter := r.got[0].Filter
	if strings.Count(filter, "drawtext") != 3 {
		t.Fatalf("expected 3 captioned scenes: %q", filter)
	}
	if _, err := os.Stat(payload.CSVPath); !os.IsNotExist(err) {
		t.Fatalf("uploaded csv should be removed")
	}
}

func TestCSVBatchFailsWhenNothingRenders(t *testing.T) {
	srv := catalogServer(t)
	csv := "Product Title,Main Image URL\n" + fmt.Sprintf("Ghost,%s/missing.png\n", srv.URL)
	p, _ := newPipeline(t, &fakeSynth{}, nil)
	out, err := p.CSVBatch(context.Background(), task(t, models.KindCSVProductItem, models.CSVPayload{CSVPath: writeCSV(t, csv)}))
	if !errors.IsCode(err, errors.CodeAssetFetch) {
		t.Fatalf("expected ASSET_FETCH_ERROR, got %v", err)
	}
	if len(out.Outcomes) != 1 || out.Outcomes[0].Error == "" {
		t.Fatalf("row failure should still be reported: %+v", out.Outcomes)
	}
}

func TestCSVBatchNarrationFallback(t *testing.T) {
	srv := catalogServer(t)
	csv := "Product Title,Main Image URL\n" + fmt.Sprintf("Solo,%s/ok.png\n", srv.URL)
	p, r := newPipeline(t, &fakeSynth{err: fmt.Errorf("quota exceeded")}, nil)
	out, err := p.CSVBatch(context.Background(), task(t, models.KindCSVProductItem, models.CSVPayload{CSVPath: writeCSV(t, csv)}))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !strings.Contains(out.Outcomes[0].Warning, "quota exceeded") {
		t.Fatalf("fallback not recorded: %+v", out.Outcomes)
	}
	if args := strings.Join(r.got[0].Args, " "); !strings.Contains(args, "-an") || !strings.Contains(args, "-t 3.000") {
		t.Fatalf("expected one silent 3s scene: %q", args)
	}
}

type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	if name == "ffprobe" {
		return []byte(`{"streams":[{"codec_type":"video","codec_name":"vp9"}],"format":{"format_name":"matroska,webm","duration":"1.5"}}`), nil, nil
	}
	return nil, nil, os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
}

func TestConvert(t *testing.T) {
	p, _ := newPipeline(t, nil, nil)
	p.d.Converter = media.NewConverter("ffmpeg", fakeRunner{}, media.NewProber("ffprobe", fakeRunner{}))

	upload := filepath.Join(t.TempDir(), "upload.webm")
	_ = os.WriteFile(upload, []byte("webm"), 0o644)
	payload := models.ConvertPayload{InputPath: upload, OriginalName: "My Clip.webm"}
	if err := ValidateConvert(payload); err != nil {
		t.Fatalf("validate: %v", err)
	}
	tk := task(t, models.KindSingleConvert, payload)
	out, err := p.Convert(context.Background(), tk)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := filepath.Join(p.d.OutputDir, tk.Job.ID, "My_Clip.mp4")
	if len(out.Artifacts) != 1 || out.Artifacts[0].Path != want {
		t.Fatalf("unexpected artifacts %+v", out.Artifacts)
	}
	if _, err := os.Stat(upload); !os.IsNotExist(err) {
		t.Fatalf("upload should be removed after conversion")
	}

	if err := ValidateConvert(models.ConvertPayload{InputPath: upload, OriginalName: "x.mp4"}); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("non-webm must be rejected, got %v", err)
	}
}

func TestCSVBatchRendersDiscountedRow(t *testing.T) {
	srv := catalogServer(t)
	csv := "Product Title,Current Price,Currency,Discount Percentage,Main Image URL\n" +
		fmt.Sprintf("TARA Pants,330.00,THB,65,%s/ok.png\n", srv.URL)
	p, r := newPipeline(t, &fakeSynth{}, nil)

	out, err := p.CSVBatch(context.Background(), task(t, models.KindCSVProductItem, models.CSVPayload{CSVPath: writeCSV(t, csv)}))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if out.Message != "created 1 of 1 product videos" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	filter := r.got[0].Filter
	if n := strings.Count(filter, "drawtext="); n == 0 || strings.Count(filter, ":expansion=none") != n {
		t.Fatalf("captions must be drawn without text expansion: %q", filter)
	}
	var found bool
	for _, m := range regexp.MustCompile(`textfile=([^:]+):`).FindAllStringSubmatch(filter, -1) {
		text, err := os.ReadFile(m[1])
		if err != nil {
			t.Fatalf("caption file: %v", err)
		}
		if strings.Contains(string(text), "Discount: 65% off") {
			found = true
		}
	}
	if !found {
		t.Fatalf("discount caption missing from %q", filter)
	}
}
