// Package narration turns text into a voice-over track through an external
// speech synthesis service.
package narration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scene-render-service/internal/pkg/errors"
)

// Speech is synthesized audio. Duration is zero when the service did not
// make it computable.
type Speech struct {
	Audio    []byte
	MIMEType string
	Duration float64
}

// Synthesizer converts text to speech with the given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
}

// GeminiClient calls the Gemini streamGenerateContent endpoint with audio output.
type GeminiClient struct {
	apiKey   string
	model    string
	endpoint string
	voice    string
	client   *http.Client
}

type GeminiConfig struct {
	APIKey   string
	Model    string
	Endpoint string
	Voice    string
	Timeout  time.Duration
}

func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Voice == "" {
		cfg.Voice = "Zephyr"
	}
	return &GeminiClient{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		voice:    cfg.Voice,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GeminiClient) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	const op = "narration.gemini"
	if c.apiKey == "" {
		return Speech{}, errors.New(errors.CodeTTS, "GEMINI_API_KEY not set")
	}
	if strings.TrimSpace(text) == "" {
		return Speech{}, errors.New(errors.CodeTTS, "empty narration text")
	}
	if voice == "" {
		voice = c.voice
	}

	var body geminiRequest
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}}
	body.GenerationConfig.ResponseModalities = []string{"audio"}
	body.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
	raw, err := json.Marshal(body)
	if err != nil {
		return Speech{}, fmt.Errorf("marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s", c.endpoint, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Speech{}, errors.WrapWithCode(err, errors.CodeTTS, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Speech{}, errors.Timeout("tts")
		}
		return Speech{}, errors.WrapWithCode(err, errors.CodeTTS, op, "request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Speech{}, errors.WrapWithCode(err, errors.CodeTTS, op, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		var ge geminiError
		msg := "unknown error"
		if json.Unmarshal(payload, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
		}
		return Speech{}, errors.Newf(errors.CodeTTS, "gemini tts api error: %d - %s", resp.StatusCode, msg).
			WithField("status", resp.StatusCode)
	}

	part, err := firstAudioPart(payload)
	if err != nil {
		return Speech{}, err
	}
	audio, err := base64.StdEncoding.DecodeString(part.Data)
	if err != nil {
		return Speech{}, errors.WrapWithCode(err, errors.CodeTTS, op, "decode audio payload")
	}

	if rate, ok := pcmRate(part.MIMEType); ok {
		return Speech{
			Audio:    WrapPCM(audio, rate, 1, 16),
			MIMEType: "audio/wav",
			Duration: PCMDuration(len(audio), rate, 1, 16),
		}, nil
	}
	return Speech{Audio: audio, MIMEType: part.MIMEType}, nil
}

// firstAudioPart accepts both the streamed array form and a single object.
func firstAudioPart(payload []byte) (*inlineData, error) {
	var chunks []geminiChunk
	if err := json.Unmarshal(payload, &chunks); err != nil {
		var single geminiChunk
		if err2 := json.Unmarshal(payload, &single); err2 != nil {
			return nil, errors.WrapWithCode(err, errors.CodeTTS, "narration.gemini", "parse response")
		}
		chunks = []geminiChunk{single}
	}
	for _, ch := range chunks {
		if len(ch.Candidates) == 0 {
			continue
		}
		for _, p := range ch.Candidates[0].Content.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				return p.InlineData, nil
			}
		}
	}
	return nil, errors.New(errors.CodeTTS, "no audio data found in response")
}

// pcmRate extracts the sample rate from mime types like audio/L16;codec=pcm;rate=24000.
func pcmRate(mime string) (int, bool) {
	parts := strings.Split(strings.ToLower(mime), ";")
	if len(parts) == 0 || (strings.TrimSpace(parts[0]) != "audio/l16" && strings.TrimSpace(parts[0]) != "audio/pcm") {
		return 0, false
	}
	rate := 24000
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && k == "rate" {
			if _, err := fmt.Sscanf(v, "%d", &rate); err != nil || rate <= 0 {
				return 0, false
			}
		}
	}
	return rate, true
}
