// Package assets turns asset references (inline payloads or remote URLs) into
// local files with known kind and dimensions.
package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
)

// Resolved describes a materialized asset.
type Resolved struct {
	Path        string
	Kind        models.AssetKind
	ContentType string
	Size        int64
	Width       int
	Height      int
	// Decoded is true when an image asset parsed successfully.
	Decoded bool
}

// Resolver fetches and decodes assets. It holds no per-call state, so one
// Resolver is shared by all workers.
type Resolver struct {
	client   *http.Client
	maxBytes int64
}

// NewResolver builds a resolver whose fetches are bounded by timeout and maxBytes.
func NewResolver(timeout time.Duration, maxBytes int64) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Resolver{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Resolve writes ref into dir as name plus an extension derived from its content.
func (r *Resolver) Resolve(ctx context.Context, ref models.AssetRef, dir, name string) (Resolved, error) {
	var (
		data        []byte
		contentType string
		err         error
	)
	switch {
	case strings.TrimSpace(ref.Data) != "":
		data, contentType, err = decodeInline(ref.Data)
	case strings.TrimSpace(ref.URL) != "":
		data, contentType, err = r.Fetch(ctx, ref.URL)
	default:
		return Resolved{}, errors.Validation("asset has neither url nor data")
	}
	if err != nil {
		return Resolved{}, err
	}
	return r.materialize(data, contentType, ref.Kind, dir, name)
}

// ResolveAll resolves refs concurrently, at most limit at a time. The result
// order matches refs; the first failure cancels the rest.
func (r *Resolver) ResolveAll(ctx context.Context, refs []models.AssetRef, dir, prefix string, limit int) ([]Resolved, error) {
	out := make([]Resolved, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			res, err := r.Resolve(gctx, ref, dir, fmt.Sprintf("%s_%03d", prefix, i))
			if err != nil {
				return errors.Wrap(err, "assets.resolve_all", fmt.Sprintf("asset %d", i)).WithField("index", i)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch downloads url, rejecting non-2xx responses and bodies over the limit.
func (r *Resolver) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	const op = "assets.fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.CodeAssetFetch, op, "build request").WithField("url", url)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, "", errors.WrapWithCode(err, errors.CodeAssetFetch, op, "fetch timed out").
				WithField("url", url).
				WithField("timeout", true)
		}
		return nil, "", errors.WrapWithCode(err, errors.CodeAssetFetch, op, "fetch failed").WithField("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", errors.Newf(errors.CodeAssetFetch, "fetch %s: status %d", url, resp.StatusCode).
			WithField("url", url).
			WithField("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, "", errors.WrapWithCode(err, errors.CodeAssetFetch, op, "read body").WithField("url", url)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, "", errors.Newf(errors.CodeAssetFetch, "asset too large (>%d bytes)", r.maxBytes).WithField("url", url)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (r *Resolver) materialize(data []byte, contentType string, hint models.AssetKind, dir, name string) (Resolved, error) {
	const op = "assets.materialize"
	if len(data) == 0 {
		return Resolved{}, &errors.Error{Code: errors.CodeAssetDecode, Op: op, Message: "empty payload"}
	}
	if ct := baseType(contentType); ct == "" || ct == "application/octet-stream" || ct == "text/plain" {
		contentType = http.DetectContentType(data)
	}
	contentType = baseType(contentType)

	res := Resolved{
		Kind:        kindOf(hint, contentType),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	if res.Kind == models.AssetImage {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return Resolved{}, errors.WrapWithCode(err, errors.CodeAssetDecode, op, "decode image")
		}
		res.Width, res.Height, res.Decoded = cfg.Width, cfg.Height, true
		contentType = "image/" + format
		res.ContentType = contentType
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Resolved{}, fmt.Errorf("create asset dir: %w", err)
	}
	res.Path = filepath.Join(dir, sanitizeName(name)+extensionFor(contentType))
	if err := os.WriteFile(res.Path, data, 0o644); err != nil {
		return Resolved{}, fmt.Errorf("write asset: %w", err)
	}
	return res, nil
}

// decodeInline accepts bare base64 (standard or URL alphabet, padded or not)
// and data URIs of the form data:<mime>;base64,<payload>.
func decodeInline(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	contentType := ""
	if strings.HasPrefix(payload, "data:") {
		meta, body, ok := strings.Cut(payload[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New(errors.CodeAssetDecode, "data uri is not base64 encoded")
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		payload = body
	}
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, payload)

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(payload); err == nil {
			return data, contentType, nil
		}
	}
	return nil, "", errors.New(errors.CodeAssetDecode, "malformed base64 payload")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func baseType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

func kindOf(hint models.AssetKind, contentType string) models.AssetKind {
	if hint != "" {
		return hint
	}
	switch {
	case strings.HasPrefix(contentType, "audio/"), contentType == "application/ogg":
		return models.AssetAudio
	case strings.HasPrefix(contentType, "video/"):
		return models.AssetVideo
	}
	return models.AssetImage
}

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/wav":       ".wav",
	"audio/wave":      ".wav",
	"audio/x-wav":     ".wav",
	"audio/mpeg":      ".mp3",
	"audio/aac":       ".aac",
	"application/ogg": ".ogg",
	"audio/ogg":       ".ogg",
	"video/webm":      ".webm",
	"video/mp4":       ".mp4",
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return ".bin"
}

func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "asset"
	}
	return name
}
