// Package imagecodec unwraps base64 image payloads and decodes them into a
// single pixel format.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	// Registered formats beyond the standard library's.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// ErrDecodeFailure marks payloads that are not a decodable image.
var ErrDecodeFailure = errors.New("invalid image payload")

// DecodeError keeps the underlying cause for logs while matching ErrDecodeFailure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecodeFailure, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecodeFailure }

// StripDataURI removes a "data:<mime>;base64," prefix if present.
func StripDataURI(payload string) string {
	if strings.HasPrefix(payload, "data:") {
		if _, rest, ok := strings.Cut(payload, ","); ok {
			return rest
		}
	}
	return payload
}

// DecodeBase64 unwraps a base64 or data-URI payload into raw bytes. Whitespace
// is ignored and missing padding is tolerated.
func DecodeBase64(payload string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, StripDataURI(strings.TrimSpace(payload)))
	if cleaned == "" {
		return nil, &DecodeError{Err: errors.New("empty payload")}
	}

	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
	}
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return raw, nil
}

// Decode reads an encoded image, applies EXIF orientation and converts it to NRGBA.
func Decode(r io.Reader) (*image.NRGBA, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, &DecodeError{Err: errors.New("empty image")}
	}
	return imaging.Clone(img), nil
}

// DecodePayload combines DecodeBase64 and Decode.
func DecodePayload(payload string) (*image.NRGBA, error) {
	raw, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(raw))
}

// EncodeJPEG re-encodes img for transport to remote engines.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
