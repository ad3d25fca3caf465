package qr

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Frames larger than this on either axis are downscaled before decoding.
// Phone camera stills commonly arrive at 4000px+ and the locator gains
// nothing from that resolution.
const maxDecodeDim = 1600

func clampForDecode(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDecodeDim && h <= maxDecodeDim {
		return img
	}

	longest := w
	if h > longest {
		longest = h
	}
	scale := float64(maxDecodeDim) / float64(longest)

	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
