package cache

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Stored values carry a one-byte envelope so that large entries (memory
// layers, conversation buffers) can be compressed transparently.
const (
	envelopeCBOR     byte = 0x00
	envelopeCBORZstd byte = 0x01
)

// CompressThreshold is the encoded size above which values are zstd
// compressed. Smaller values are stored as plain CBOR.
const CompressThreshold = 1024

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serialises v as deterministic CBOR inside the cache envelope,
// compressing it when that makes the value smaller.
func Encode(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	if len(raw) > CompressThreshold {
		compressed := zstdEncoder.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
		if len(compressed) < len(raw)+1 {
			compressed[0] = envelopeCBORZstd
			return compressed, nil
		}
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, envelopeCBOR)
	return append(out, raw...), nil
}

// Decode reverses Encode. Any malformed input is reported as ErrCorrupt.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrCorrupt)
	}
	payload := data[1:]
	switch data[0] {
	case envelopeCBOR:
	case envelopeCBORZstd:
		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		payload = raw
	default:
		return fmt.Errorf("%w: unknown envelope 0x%02x", ErrCorrupt, data[0])
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: cbor: %v", ErrCorrupt, err)
	}
	return nil
}

// IsCorrupt reports whether err came from decoding a malformed value.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }
