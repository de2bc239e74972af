package model

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
)

const (
	blurSigma   = 12.0
	jpegQuality = 90
)

// blurRegions decodes img, gaussian-blurs each box and encodes back in
// the source container format. An empty box list still round-trips the
// image through decode/encode, which keeps the output deterministic for
// a given input.
func blurRegions(img []byte, boxes []Box) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	canvas := imaging.Clone(src)
	bounds := canvas.Bounds()
	for _, b := range boxes {
		r := clampRect(image.Rect(b.X1, b.Y1, b.X2, b.Y2), bounds)
		if r.Empty() {
			continue
		}
		region := imaging.Crop(canvas, r)
		blurred := imaging.Blur(region, blurSigma)
		canvas = imaging.Paste(canvas, blurred, r.Min)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, canvas)
	case "gif":
		err = gif.Encode(&buf, canvas, nil)
	case "bmp":
		err = imaging.Encode(&buf, canvas, imaging.BMP)
	case "tiff":
		err = imaging.Encode(&buf, canvas, imaging.TIFF)
	default:
		err = jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func clampRect(r, bounds image.Rectangle) image.Rectangle {
	return r.Intersect(bounds)
}
