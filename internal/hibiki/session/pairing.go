package session

import (
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Format selects how RenderQR draws a pairing artifact.
type Format string

const (
	// FormatASCII is a block-character grid for terminals.
	FormatASCII Format = "ascii"
	// FormatPNG is a PNG image.
	FormatPNG Format = "png"
	// FormatRaw is the artifact itself.
	FormatRaw Format = "raw"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 320

// ErrNoArtifact is returned when there is nothing to render.
var ErrNoArtifact = errors.New("session: no pairing artifact")

// RenderQR turns a pairing artifact into something an operator can scan.
func RenderQR(artifact string, format Format) ([]byte, error) {
	if artifact == "" {
		return nil, ErrNoArtifact
	}
	if format == FormatRaw {
		return []byte(artifact), nil
	}

	q, err := qrcode.New(artifact, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("session: encode qr: %w", err)
	}
	switch format {
	case FormatASCII, "":
		return []byte(q.ToSmallString(false)), nil
	case FormatPNG:
		png, err := q.PNG(DefaultQRSize)
		if err != nil {
			return nil, fmt.Errorf("session: render qr png: %w", err)
		}
		return png, nil
	default:
		return nil, fmt.Errorf("session: unknown qr format %q", format)
	}
}
