package models

import (
	"fmt"
	"strings"
	"time"
)

// Scene is one timed visual and caption unit of a composed video.
type Scene struct {
	Index    int     `json:"index"`
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	ImageRef string  `json:"image_ref"`
}

// Duration is the length of the scene's visual segment.
func (s Scene) Duration() float64 {
	return s.End - s.Start
}

// SceneHint is a caller-supplied scene whose timing may be absent.
type SceneHint struct {
	Text  string   `json:"text" yaml:"text"`
	Start *float64 `json:"start,omitempty" yaml:"start,omitempty"`
	End   *float64 `json:"end,omitempty" yaml:"end,omitempty"`
}

// Timed reports whether the hint carries both bounds.
func (h SceneHint) Timed() bool {
	return h.Start != nil && h.End != nil
}

// RenderOptions controls the encoded output and its overlays.
type RenderOptions struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	FPS           int    `json:"fps"`
	ShowSubtitles bool   `json:"show_subtitles"`
	FontFamily    string `json:"font_family"`
	FontSize      int    `json:"font_size"`
	Watermark     string `json:"watermark"`
}

// RenderRequest is consumed by exactly one composition.
type RenderRequest struct {
	Scenes []Scene       `json:"scenes"`
	Audio  string        `json:"audio,omitempty"`
	Opts   RenderOptions `json:"options"`
}

// AssetKind classifies a resolved input file.
type AssetKind string

const (
	AssetImage AssetKind = "image"
	AssetAudio AssetKind = "audio"
	AssetVideo AssetKind = "video"
)

// AssetRef points at an input either by URL or by inline base64 data.
type AssetRef struct {
	URL  string    `json:"url,omitempty" yaml:"url,omitempty"`
	Data string    `json:"data,omitempty" yaml:"data,omitempty"`
	Kind AssetKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

func (a AssetRef) Empty() bool {
	return strings.TrimSpace(a.URL) == "" && strings.TrimSpace(a.Data) == ""
}

// NarrationSpec asks for text to be synthesized into the audio track.
type NarrationSpec struct {
	Text  string `json:"text" yaml:"text"`
	Voice string `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// ManifestOptions are the optional render options of a manifest. Zero values
// fall back to service defaults.
type ManifestOptions struct {
	Width         int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height        int    `json:"height,omitempty" yaml:"height,omitempty"`
	FPS           int    `json:"fps,omitempty" yaml:"fps,omitempty"`
	ShowSubtitles *bool  `json:"show_subtitles,omitempty" yaml:"show_subtitles,omitempty"`
	FontFamily    string `json:"font_family,omitempty" yaml:"font_family,omitempty"`
	FontSize      int    `json:"font_size,omitempty" yaml:"font_size,omitempty"`
	Watermark     string `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	// SceneSeconds overrides the per-scene duration used when timing is unknown.
	SceneSeconds float64 `json:"scene_seconds,omitempty" yaml:"scene_seconds,omitempty"`
}

// Apply overlays the manifest options on defaults.
func (o ManifestOptions) Apply(def RenderOptions) RenderOptions {
	out := def
	if o.Width > 0 {
		out.Width = o.Width
	}
	if o.Height > 0 {
		out.Height = o.Height
	}
	if o.FPS > 0 {
		out.FPS = o.FPS
	}
	if o.ShowSubtitles != nil {
		out.ShowSubtitles = *o.ShowSubtitles
	}
	if o.FontFamily != "" {
		out.FontFamily = o.FontFamily
	}
	if o.FontSize > 0 {
		out.FontSize = o.FontSize
	}
	if o.Watermark != "" {
		out.Watermark = o.Watermark
	}
	return out
}

// Manifest is a caller-supplied description of one render.
type Manifest struct {
	Title     string          `json:"title,omitempty" yaml:"title,omitempty"`
	Scenes    []SceneHint     `json:"scenes" yaml:"scenes"`
	Images    []AssetRef      `json:"images" yaml:"images"`
	Audio     *AssetRef       `json:"audio,omitempty" yaml:"audio,omitempty"`
	Narration *NarrationSpec  `json:"narration,omitempty" yaml:"narration,omitempty"`
	Options   ManifestOptions `json:"options" yaml:"options"`
}

// Validate rejects manifests that can never render. It runs before a manifest
// is queued so bulk submissions can report per-item reasons up front.
func (m Manifest) Validate() error {
	if len(m.Scenes) == 0 {
		return fmt.Errorf("manifest has no scenes")
	}
	// A single image is held behind every scene.
	if len(m.Images) != 1 && len(m.Images) < len(m.Scenes) {
		return fmt.Errorf("manifest has %d images for %d scenes", len(m.Images), len(m.Scenes))
	}
	for i, img := range m.Images {
		if img.Empty() {
			return fmt.Errorf("image %d has neither url nor data", i)
		}
	}
	if m.Audio != nil && m.Audio.Empty() {
		return fmt.Errorf("audio has neither url nor data")
	}
	if m.Audio != nil && m.Narration != nil {
		return fmt.Errorf("audio and narration are mutually exclusive")
	}
	if m.Narration != nil && strings.TrimSpace(m.Narration.Text) == "" {
		return fmt.Errorf("narration text is empty")
	}
	return nil
}

// Artifact is a finished output file.
type Artifact struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Path         string    `json:"path"`
	Title        string    `json:"title,omitempty"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	PublishedURL string    `json:"published_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
