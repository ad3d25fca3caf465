package qr

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	qrcode "github.com/skip2/go-qrcode"

	"go-healthscan/models"
)

var ErrEmptySubject = errors.New("identity payload has an empty subject id")

// Code is a rendered identity code. Rendering it to a display surface or a
// file is the caller's responsibility.
type Code struct {
	inner *qrcode.QRCode
}

// Encode serializes the identity payload as compact JSON and renders it as a
// QR symbol at medium error correction. Encoding the same payload twice
// yields the same bitmap, so generated codes can be round-trip tested.
func Encode(p models.IdentityPayload) (*Code, error) {
	if p.SubjectID == "" {
		return nil, ErrEmptySubject
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity payload: %w", err)
	}

	code, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity payload: %w", err)
	}

	return &Code{inner: code}, nil
}

// Bitmap returns the module matrix including the quiet zone.
func (c *Code) Bitmap() [][]bool {
	return c.inner.Bitmap()
}

// Image renders the code as a square image of the given pixel size.
func (c *Code) Image(size int) image.Image {
	return c.inner.Image(size)
}

// PNG renders the code as a PNG of the given pixel size.
func (c *Code) PNG(size int) ([]byte, error) {
	return c.inner.PNG(size)
}
