package qr

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	gzqr "github.com/makiuchi-d/gozxing/qrcode"

	"go-healthscan/models"
)

// ErrNoCode means the frame held no locatable QR symbol. For live capture
// the caller keeps looping; for a still image it is a terminal outcome.
var ErrNoCode = errors.New("no qr code found")

// Decoder locates and decodes QR symbols in raster frames.
type Decoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

func NewDecoder() *Decoder {
	return &Decoder{
		reader: gzqr.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Ready reports whether the decode capability is available. Scan sessions
// check this before sampling frames and surface "scanner not ready" instead
// of silently skipping decode attempts.
func (d *Decoder) Ready() bool {
	return d != nil && d.reader != nil
}

// Decode samples one frame. Oversized frames are downscaled first so camera
// stills do not blow up decode time. Returns ErrNoCode when no symbol is
// located.
func (d *Decoder) Decode(img image.Image) (*models.ScannedCode, error) {
	img = clampForDecode(img)

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("failed to binarize frame: %w", err)
	}

	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		return nil, ErrNoCode
	}

	code := &models.ScannedCode{RawText: result.GetText()}
	for _, rp := range result.GetResultPoints() {
		code.Region = append(code.Region, models.Point{X: float64(rp.GetX()), Y: float64(rp.GetY())})
	}
	return code, nil
}
