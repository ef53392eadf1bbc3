package media_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hibiki/internal/hibiki/media"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestPrepareImage_ResizesAndReencodes(t *testing.T) {
	img, err := media.PrepareImage(pngBytes(t, 2000, 1000), 0, 1024)
	if err != nil {
		t.Fatalf("PrepareImage: %v", err)
	}
	if img.Width != 1024 || img.Height != 512 {
		t.Errorf("size = %dx%d, want 1024x512", img.Width, img.Height)
	}
	if img.Source != "png" {
		t.Errorf("Source = %q", img.Source)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		t.Fatalf("output is not JPEG: %v", err)
	}
	if cfg.Width != 1024 || cfg.Height != 512 {
		t.Errorf("jpeg size = %dx%d", cfg.Width, cfg.Height)
	}
	if !strings.HasPrefix(img.DataURL(), "data:image/jpeg;base64,") {
		t.Errorf("DataURL prefix: %.30s", img.DataURL())
	}
}

func TestPrepareImage_PortraitAndSmall(t *testing.T) {
	img, err := media.PrepareImage(pngBytes(t, 300, 900), 0, 600)
	if err != nil {
		t.Fatalf("PrepareImage: %v", err)
	}
	if img.Width != 200 || img.Height != 600 {
		t.Errorf("portrait size = %dx%d", img.Width, img.Height)
	}

	img, err = media.PrepareImage(pngBytes(t, 40, 30), 0, 600)
	if err != nil {
		t.Fatalf("PrepareImage: %v", err)
	}
	if img.Width != 40 || img.Height != 30 {
		t.Errorf("small image was resized to %dx%d", img.Width, img.Height)
	}
}

func TestPrepareImage_Rejects(t *testing.T) {
	if _, err := media.PrepareImage(pngBytes(t, 10, 10), 16, 100); !errors.Is(err, media.ErrInvalid) {
		t.Errorf("oversized: %v", err)
	}
	if _, err := media.PrepareImage([]byte("definitely not an image"), 0, 0); !errors.Is(err, media.ErrInvalid) {
		t.Errorf("garbage: %v", err)
	}
	if _, err := media.PrepareImage(nil, 0, 0); !errors.Is(err, media.ErrInvalid) {
		t.Errorf("empty: %v", err)
	}
}

func TestValidateAudio(t *testing.T) {
	ogg := append([]byte("OggS"), make([]byte, 240_000)...)

	a, err := media.ValidateAudio(ogg, "application/octet-stream", 0, 0)
	if err != nil {
		t.Fatalf("ValidateAudio: %v", err)
	}
	if a.MimeType != "audio/ogg" {
		t.Errorf("MimeType = %q, want sniffed audio/ogg", a.MimeType)
	}
	// 240 004 bytes at the assumed bitrate is just over two minutes.
	if a.Minutes() != 3 {
		t.Errorf("Minutes = %d", a.Minutes())
	}

	a, err = media.ValidateAudio(ogg, "audio/ogg", 20*time.Second, 0)
	if err != nil {
		t.Fatalf("ValidateAudio: %v", err)
	}
	if a.Minutes() != 1 || a.Duration != 20*time.Second {
		t.Errorf("reported duration ignored: %v / %d", a.Duration, a.Minutes())
	}

	if _, err := media.ValidateAudio(ogg, "audio/ogg", 0, 1000); !errors.Is(err, media.ErrInvalid) {
		t.Errorf("oversized: %v", err)
	}
	if _, err := media.ValidateAudio([]byte("plain text"), "text/plain", 0, 0); !errors.Is(err, media.ErrInvalid) {
		t.Errorf("non-audio: %v", err)
	}
	// Unknown container but a declared audio type is accepted.
	if a, err := media.ValidateAudio([]byte{1, 2, 3}, "audio/amr", 0, 0); err != nil || a.MimeType != "audio/amr" {
		t.Errorf("declared audio: %+v, %v", a, err)
	}
}

func TestFingerprint(t *testing.T) {
	a := media.Fingerprint([]byte("voice note"))
	if len(a) != 64 {
		t.Fatalf("len = %d", len(a))
	}
	if a != media.Fingerprint([]byte("voice note")) {
		t.Error("fingerprint not deterministic")
	}
	if a == media.Fingerprint([]byte("voice note!")) {
		t.Error("different inputs collided")
	}
}
