package convert

import (
	"image"
	"image/color"

	"epd5in83b/internal/epd"
)

// Palette is the panel's three inks, indexed by epd.Color.
var Palette = color.Palette{
	epd.White: color.RGBA{0xFF, 0xFF, 0xFF, 0xFF},
	epd.Black: color.RGBA{0x00, 0x00, 0x00, 0xFF},
	epd.Red:   color.RGBA{0xD0, 0x10, 0x10, 0xFF},
}

// Preview renders a frame as it would appear on the glass.
func Preview(f epd.Frame) *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, epd.Width, epd.Height), Palette)
	for y := 0; y < epd.Height; y++ {
		for x := 0; x < epd.Width; x++ {
			img.SetColorIndex(x, y, uint8(f.At(x, y)))
		}
	}
	return img
}
