// Package timeline turns loosely timed scene hints into the authoritative
// per-scene intervals of a render.
package timeline

import (
	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
)

// DefaultSceneSeconds is used when the audio duration is unknown and the
// caller configured no other default.
const DefaultSceneSeconds = 3.0

// Input is everything Build needs.
type Input struct {
	Scenes []models.SceneHint
	// Images are resolved image handles in caller order.
	Images []string
	// AudioDuration is the narration or audio length; zero means unknown.
	AudioDuration float64
	// SceneSeconds is the fallback per-scene duration.
	SceneSeconds float64
}

// Build produces a fully timed scene sequence.
//
// Explicit timing on every scene is used verbatim and only end > start is
// checked. Otherwise scenes are laid out back to back, either dividing a known
// audio duration evenly or using the fallback duration per scene.
func Build(in Input) ([]models.Scene, error) {
	const op = "timeline.build"
	n := len(in.Scenes)
	if n == 0 {
		return nil, &errors.Error{Code: errors.CodeInvalidTiming, Op: op, Message: "no scenes"}
	}

	images, err := alignImages(in.Images, n)
	if err != nil {
		return nil, err
	}

	out := make([]models.Scene, n)
	for i, h := range in.Scenes {
		out[i] = models.Scene{Index: i, Text: h.Text, ImageRef: images[i]}
	}

	if allTimed(in.Scenes) {
		for i, h := range in.Scenes {
			if *h.End <= *h.Start {
				return nil, errors.Newf(errors.CodeInvalidTiming, "scene %d ends at %.3fs, not after its start %.3fs", i, *h.End, *h.Start).
					WithField("scene", i)
			}
			out[i].Start = *h.Start
			out[i].End = *h.End
		}
		return out, nil
	}

	if d := in.AudioDuration; d > 0 {
		fn := float64(n)
		for i := range out {
			out[i].Start = float64(i) * d / fn
			out[i].End = float64(i+1) * d / fn
		}
		out[n-1].End = d
		return out, nil
	}

	per := in.SceneSeconds
	if per <= 0 {
		per = DefaultSceneSeconds
	}
	for i := range out {
		out[i].Start = float64(i) * per
		out[i].End = float64(i+1) * per
	}
	return out, nil
}

// alignImages maps images onto n scenes. One extra leading image is a
// thumbnail and is dropped. A lone image is held behind every scene.
func alignImages(images []string, n int) ([]string, error) {
	switch {
	case len(images) == n+1:
		return images[1:], nil
	case len(images) == 1:
		out := make([]string, n)
		for i := range out {
			out[i] = images[0]
		}
		return out, nil
	case len(images) < n:
		return nil, errors.Newf(errors.CodeInvalidAssetCount, "%d images for %d scenes", len(images), n).
			WithField("images", len(images)).
			WithField("scenes", n)
	}
	return images[:n], nil
}

func allTimed(hints []models.SceneHint) bool {
	for _, h := range hints {
		if !h.Timed() {
			return false
		}
	}
	return true
}

// Total is the length of the concatenated visual stream.
func Total(scenes []models.Scene) float64 {
	var sum float64
	for _, s := range scenes {
		sum += s.Duration()
	}
	return sum
}
