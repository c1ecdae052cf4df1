package narration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// FallbackSeconds is the duration assumed for a narration unit whose
// synthesis failed.
const FallbackSeconds = 3.0

// charsPerSecond estimates speech length when the audio cannot be probed.
const charsPerSecond = 15.0

// DurationFunc measures an audio file, typically with ffprobe.
type DurationFunc func(ctx context.Context, path string) (float64, error)

// Narration is the outcome of one narration unit. On failure AudioPath is
// empty, Duration is the fallback and Err records why.
type Narration struct {
	AudioPath string
	Duration  float64
	Fallback  bool
	Err       error
}

// Narrator synthesizes one unit of text into a file inside a job directory.
type Narrator struct {
	synth    Synthesizer
	probe    DurationFunc
	fallback float64
}

func NewNarrator(s Synthesizer, probe DurationFunc, fallback float64) *Narrator {
	if fallback <= 0 {
		fallback = FallbackSeconds
	}
	return &Narrator{synth: s, probe: probe, fallback: fallback}
}

// Narrate never fails the caller: errors degrade to a silent fallback.
func (n *Narrator) Narrate(ctx context.Context, text, voice, dir string) Narration {
	if n.synth == nil {
		return n.degrade(fmt.Errorf("no speech synthesizer configured"))
	}
	speech, err := n.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return n.degrade(err)
	}

	path := filepath.Join(dir, "narration"+extension(speech.MIMEType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return n.degrade(fmt.Errorf("create narration dir: %w", err))
	}
	if err := os.WriteFile(path, speech.Audio, 0o644); err != nil {
		return n.degrade(fmt.Errorf("write narration: %w", err))
	}

	d := speech.Duration
	if d <= 0 && n.probe != nil {
		if probed, perr := n.probe(ctx, path); perr == nil {
			d = probed
		}
	}
	if d <= 0 {
		d = float64(utf8.RuneCountInString(text)) / charsPerSecond
	}
	if d <= 0 {
		return n.degrade(fmt.Errorf("narration has no measurable duration"))
	}
	return Narration{AudioPath: path, Duration: d}
}

func (n *Narrator) degrade(err error) Narration {
	return Narration{Duration: n.fallback, Fallback: true, Err: err}
}

func extension(mime string) string {
	switch mime {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	}
	return ".audio"
}
