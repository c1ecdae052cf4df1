package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestResolveRemoteImage(t *testing.T) {
	body := pngBytes(t, 12, 7)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := NewResolver(2*time.Second, 1<<20).Resolve(context.Background(), models.AssetRef{URL: srv.URL}, dir, "img")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Kind != models.AssetImage || !res.Decoded {
		t.Fatalf("expected decoded image, got %+v", res)
	}
	if res.Width != 12 || res.Height != 7 {
		t.Fatalf("unexpected dimensions %dx%d", res.Width, res.Height)
	}
	if res.Path != filepath.Join(dir, "img.png") {
		t.Fatalf("unexpected path %s", res.Path)
	}
	if res.Size != int64(len(body)) {
		t.Fatalf("expected size %d, got %d", len(body), res.Size)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("file not written: %v", err)
	}
}

func TestResolveNon2xxIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewResolver(time.Second, 0).Resolve(context.Background(), models.AssetRef{URL: srv.URL}, t.TempDir(), "x")
	if !errors.IsCode(err, errors.CodeAssetFetch) {
		t.Fatalf("expected ASSET_FETCH_ERROR, got %v", err)
	}
}

func TestResolveTimeoutIsFetchError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewResolver(50*time.Millisecond, 0).Resolve(context.Background(), models.AssetRef{URL: srv.URL}, t.TempDir(), "x")
	if !errors.IsCode(err, errors.CodeAssetFetch) {
		t.Fatalf("expected ASSET_FETCH_ERROR, got %v", err)
	}
	if errors.GetFields(err)["timeout"] != true {
		t.Fatalf("expected timeout field, got %v", errors.GetFields(err))
	}
}

func TestResolveOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	_, err := NewResolver(time.Second, 16).Resolve(context.Background(), models.AssetRef{URL: srv.URL}, t.TempDir(), "x")
	if !errors.IsCode(err, errors.CodeAssetFetch) {
		t.Fatalf("expected ASSET_FETCH_ERROR for oversized body, got %v", err)
	}
}

func TestResolveInline(t *testing.T) {
	raw := pngBytes(t, 4, 4)
	r := NewResolver(time.Second, 0)

	t.Run("data uri", func(t *testing.T) {
		ref := models.AssetRef{Data: "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)}
		res, err := r.Resolve(context.Background(), ref, t.TempDir(), "inline")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !res.Decoded || res.Width != 4 {
			t.Fatalf("unexpected result %+v", res)
		}
	})
	t.Run("raw url alphabet", func(t *testing.T) {
		ref := models.AssetRef{Data: base64.RawURLEncoding.EncodeToString(raw)}
		if _, err := r.Resolve(context.Background(), ref, t.TempDir(), "inline"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	})
	t.Run("malformed", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), models.AssetRef{Data: "***not base64***"}, t.TempDir(), "bad")
		if !errors.IsCode(err, errors.CodeAssetDecode) {
			t.Fatalf("expected ASSET_DECODE_ERROR, got %v", err)
		}
	})
	t.Run("not an image", func(t *testing.T) {
		ref := models.AssetRef{Data: base64.StdEncoding.EncodeToString([]byte("plain words")), Kind: models.AssetImage}
		_, err := r.Resolve(context.Background(), ref, t.TempDir(), "bad")
		if !errors.IsCode(err, errors.CodeAssetDecode) {
			t.Fatalf("expected ASSET_DECODE_ERROR, got %v", err)
		}
	})
	t.Run("audio is kept undecoded", func(t *testing.T) {
		ref := models.AssetRef{Data: base64.StdEncoding.EncodeToString([]byte("RIFF....WAVEfmt ")), Kind: models.AssetAudio}
		res, err := r.Resolve(context.Background(), ref, t.TempDir(), "voice")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.Kind != models.AssetAudio || res.Decoded {
			t.Fatalf("unexpected audio result %+v", res)
		}
	})
}

func TestResolveAllKeepsOrder(t *testing.T) {
	small := pngBytes(t, 2, 2)
	large := pngBytes(t, 9, 9)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(30 * time.Millisecond)
			_, _ = w.Write(large)
			return
		}
		_, _ = w.Write(small)
	}))
	defer srv.Close()

	refs := []models.AssetRef{{URL: srv.URL + "/slow"}, {URL: srv.URL + "/fast"}}
	got, err := NewResolver(time.Second, 0).ResolveAll(context.Background(), refs, t.TempDir(), "scene", 2)
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	if got[0].Width != 9 || got[1].Width != 2 {
		t.Fatalf("order not preserved: %+v", got)
	}
	if filepath.Base(got[0].Path) != "scene_000.png" {
		t.Fatalf("unexpected name %s", got[0].Path)
	}
}

func TestResolveAllFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewResolver(time.Second, 0).ResolveAll(context.Background(), []models.AssetRef{{URL: srv.URL}}, t.TempDir(), "scene", 1)
	if !errors.IsCode(err, errors.CodeAssetFetch) {
		t.Fatalf("expected code to survive wrapping, got %v", err)
	}
}
