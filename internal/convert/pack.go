// Package convert turns arbitrary images into the two-plane frames the
// 5.83" B panel expects.
package convert

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"

	"epd5in83b/internal/epd"
)

// Options controls how a source image is mapped onto the panel.
type Options struct {
	// Rotate turns the source clockwise by 0, 90, 180 or 270 degrees before
	// it is fitted to the panel.
	Rotate int
	// Dither renders the non-red part of the image with Floyd-Steinberg
	// error diffusion instead of a hard luma threshold. Useful for photos.
	Dither bool
}

// Load opens an image file (PNG, JPEG, GIF, BMP, TIFF), honouring the EXIF
// orientation tag.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("convert: open %s: %w", path, err)
	}
	return img, nil
}

// Pack converts img into a panel frame.
//
//   - The image is rotated per opts.Rotate, then scaled and centre-cropped
//     to exactly epd.Width x epd.Height.
//   - Transparent pixels (alpha < 128) are white.
//   - Dark pixels are black, clearly red pixels are red, the rest white
//     (see classifyPixel).
func Pack(img image.Image, opts Options) (epd.Frame, error) {
	src, err := rotate(img, opts.Rotate)
	if err != nil {
		return epd.Frame{}, err
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return epd.Frame{}, fmt.Errorf("convert: empty image %v", b)
	}

	var fitted *image.NRGBA
	if b := src.Bounds(); b.Dx() == epd.Width && b.Dy() == epd.Height {
		fitted = imaging.Clone(src)
	} else {
		fitted = imaging.Fill(src, epd.Width, epd.Height, imaging.Center, imaging.Lanczos)
	}

	inks := make([]inkColor, epd.Width*epd.Height)
	for y := 0; y < epd.Height; y++ {
		row := fitted.Pix[y*fitted.Stride:]
		for x := 0; x < epd.Width; x++ {
			p := row[x*4 : x*4+4]
			if p[3] < 128 {
				continue
			}
			inks[y*epd.Width+x] = classifyPixel(color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]})
		}
	}

	if opts.Dither {
		ditherBlack(fitted, inks)
	}

	frame := epd.NewFrame()
	for y := 0; y < epd.Height; y++ {
		for x := 0; x < epd.Width; x++ {
			switch inks[y*epd.Width+x] {
			case inkBlack:
				frame.Set(x, y, epd.Black)
			case inkRed:
				frame.Set(x, y, epd.Red)
			}
		}
	}
	return frame, nil
}

func rotate(img image.Image, deg int) (image.Image, error) {
	switch deg {
	case 0:
		return img, nil
	case 90:
		// imaging rotates counter-clockwise.
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	default:
		return nil, fmt.Errorf("convert: unsupported rotation %d", deg)
	}
}

// ditherBlack replaces the threshold decision for every non-red opaque
// pixel with a Floyd-Steinberg pass over its luma.
func ditherBlack(img *image.NRGBA, inks []inkColor) {
	gray := image.NewGray(image.Rect(0, 0, epd.Width, epd.Height))
	draw.Draw(gray, gray.Bounds(), img, image.Point{}, draw.Src)
	for i, ink := range inks {
		if ink == inkRed || img.Pix[i*4+3] < 128 {
			gray.Pix[i] = 0xFF
		}
	}

	dithered := halfgone.FloydSteinbergDitherer{}.Apply(gray)
	for y := 0; y < epd.Height; y++ {
		for x := 0; x < epd.Width; x++ {
			i := y*epd.Width + x
			if inks[i] == inkRed {
				continue
			}
			if dithered.GrayAt(x, y).Y < 128 {
				inks[i] = inkBlack
			} else {
				inks[i] = inkWhite
			}
		}
	}
}

// inkColor indicates which plane a pixel should be drawn to.
type inkColor uint8

const (
	inkWhite inkColor = iota
	inkBlack
	inkRed
)

// classifyPixel decides whether a pixel is black, red or white.
//
//   - luma Y = 0.299R + 0.587G + 0.114B
//   - redness = R - max(G, B)
//   - Y < 64 → black
//   - R > 128 and redness > 32 → red
//   - otherwise white
func classifyPixel(c color.NRGBA) inkColor {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)

	y := 0.299*r + 0.587*g + 0.114*b
	if y < 64 {
		return inkBlack
	}
	if r > 128 && r-max(g, b) > 32 {
		return inkRed
	}
	return inkWhite
}
