// Package media validates inbound audio and prepares inbound images before
// they reach the AI provider.
package media

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"mime"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrInvalid is wrapped by every validation failure: too large, empty, or
// in a format that is not supported.
var ErrInvalid = errors.New("media: invalid")

// Defaults for zero limits.
const (
	DefaultMaxAudioBytes = 16 << 20
	DefaultMaxImageBytes = 10 << 20
	DefaultImageMaxDim   = 1024

	jpegQuality = 85

	// assumedAudioBytesPerSec approximates voice notes (Opus around 16 kbit/s)
	// when the sender did not report a duration.
	assumedAudioBytesPerSec = 2000
)

// Fingerprint returns the hex BLAKE3 digest of data. Redelivered media
// hashes the same, which lets results be cached.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DataURL encodes data as a base64 data: URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ---------------------------------------------------------------------------
// Audio
// ---------------------------------------------------------------------------

// Audio is a validated audio clip.
type Audio struct {
	Data     []byte
	MimeType string
	Duration time.Duration // reported or estimated
}

// Minutes returns the clip length rounded up to whole minutes, at least 1.
// Transcription quotas are metered in these units.
func (a Audio) Minutes() int64 {
	m := int64(math.Ceil(a.Duration.Minutes()))
	if m < 1 {
		m = 1
	}
	return m
}

// ValidateAudio checks size and container format. declaredMime is what the
// sender claimed; the sniffed type wins when they disagree. reported is the
// duration the sender attached, or zero.
func ValidateAudio(data []byte, declaredMime string, reported time.Duration, maxBytes int64) (Audio, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAudioBytes
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("%w: empty audio", ErrInvalid)
	}
	if int64(len(data)) > maxBytes {
		return Audio{}, fmt.Errorf("%w: audio is %d bytes, limit %d", ErrInvalid, len(data), maxBytes)
	}

	mt := sniffAudio(data)
	if mt == "" {
		base, _, _ := mime.ParseMediaType(declaredMime)
		if !strings.HasPrefix(base, "audio/") {
			return Audio{}, fmt.Errorf("%w: unrecognised audio format %q", ErrInvalid, declaredMime)
		}
		mt = base
	}

	d := reported
	if d <= 0 {
		d = time.Duration(float64(len(data)) / assumedAudioBytesPerSec * float64(time.Second))
	}
	return Audio{Data: data, MimeType: mt, Duration: d}, nil
}

func sniffAudio(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(b, []byte("fLaC")):
		return "audio/flac"
	case bytes.HasPrefix(b, []byte("ID3")),
		len(b) > 1 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return "audio/wav"
	case len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")):
		return "audio/mp4"
	case bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "audio/webm"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

// Image is a decoded, resized and re-encoded JPEG.
type Image struct {
	Data   []byte
	Width  int
	Height int
	Source string // decoder name: jpeg, png, gif, webp
}

// MimeType is always image/jpeg after PrepareImage.
func (Image) MimeType() string { return "image/jpeg" }

// DataURL returns the image as a data: URL.
func (i Image) DataURL() string { return DataURL(i.MimeType(), i.Data) }

// PrepareImage decodes data, scales it so neither side exceeds maxDim and
// re-encodes it as JPEG. Re-encoding strips metadata and normalises the
// format the vision model receives.
func PrepareImage(data []byte, maxBytes int64, maxDim int) (Image, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	if maxDim <= 0 {
		maxDim = DefaultImageMaxDim
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty image", ErrInvalid)
	}
	if int64(len(data)) > maxBytes {
		return Image{}, fmt.Errorf("%w: image is %d bytes, limit %d", ErrInvalid, len(data), maxBytes)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: decode image: %v", ErrInvalid, err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; paint transparent areas white.
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return Image{}, fmt.Errorf("media: encode jpeg: %w", err)
	}
	return Image{Data: out.Bytes(), Width: w, Height: h, Source: format}, nil
}

// fit scales w×h down to fit within maxDim, keeping the aspect ratio.
func fit(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
