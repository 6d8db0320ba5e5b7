package convert

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"epd5in83b/internal/epd"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestClassifyPixel(t *testing.T) {
	for _, tc := range []struct {
		name string
		c    color.NRGBA
		want inkColor
	}{
		{"black", color.NRGBA{0, 0, 0, 255}, inkBlack},
		{"dark gray", color.NRGBA{50, 50, 50, 255}, inkBlack},
		{"white", color.NRGBA{255, 255, 255, 255}, inkWhite},
		{"light gray", color.NRGBA{180, 180, 180, 255}, inkWhite},
		{"red", color.NRGBA{255, 0, 0, 255}, inkRed},
		{"orange-ish red", color.NRGBA{220, 90, 60, 255}, inkRed},
		{"pink", color.NRGBA{255, 230, 230, 255}, inkWhite},
	} {
		if got := classifyPixel(tc.c); got != tc.want {
			t.Errorf("%s: classifyPixel(%v) = %d, want %d", tc.name, tc.c, got, tc.want)
		}
	}
}

func TestPackExactSize(t *testing.T) {
	img := solid(epd.Width, epd.Height, color.White)
	img.Set(0, 0, color.Black)
	img.Set(9, 0, color.NRGBA{255, 0, 0, 255})
	img.Set(3, 3, color.NRGBA{0, 0, 0, 0}) // transparent black is white

	f, err := Pack(img, Options{})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(f.Black) != epd.PlaneSize || len(f.Red) != epd.PlaneSize {
		t.Fatalf("plane sizes %d/%d", len(f.Black), len(f.Red))
	}
	for _, tc := range []struct {
		x, y int
		want epd.Color
	}{
		{0, 0, epd.Black},
		{9, 0, epd.Red},
		{3, 3, epd.White},
		{1, 0, epd.White},
	} {
		if got := f.At(tc.x, tc.y); got != tc.want {
			t.Errorf("At(%d,%d) = %v, want %v", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestPackFitsOtherSizes(t *testing.T) {
	f, err := Pack(solid(100, 50, color.Black), Options{})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	for _, b := range f.Black {
		if b != 0x00 {
			t.Fatal("a solid black source should give an all-black plane")
		}
	}
}

func TestPackRotate(t *testing.T) {
	// Portrait source with its top half black; rotated 90° clockwise the
	// black half ends up on the right.
	img := solid(epd.Height, epd.Width, color.White)
	for y := 0; y < epd.Width/2; y++ {
		for x := 0; x < epd.Height; x++ {
			img.Set(x, y, color.Black)
		}
	}

	f, err := Pack(img, Options{Rotate: 90})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if got := f.At(epd.Width-1, epd.Height/2); got != epd.Black {
		t.Fatalf("right edge = %v, want black", got)
	}
	if got := f.At(0, epd.Height/2); got != epd.White {
		t.Fatalf("left edge = %v, want white", got)
	}

	if _, err := Pack(img, Options{Rotate: 45}); err == nil {
		t.Fatal("expected an error for 45° rotation")
	}
}

func TestPackDitherKeepsRed(t *testing.T) {
	img := solid(epd.Width, epd.Height, color.Gray{Y: 128})
	for x := 0; x < epd.Width; x++ {
		img.Set(x, 0, color.NRGBA{255, 0, 0, 255})
	}

	f, err := Pack(img, Options{Dither: true})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	for x := 0; x < epd.Width; x++ {
		if got := f.At(x, 0); got != epd.Red {
			t.Fatalf("At(%d,0) = %v, want red", x, got)
		}
	}

	// Mid gray dithers to a mix of black and white.
	var black, white int
	for x := 0; x < epd.Width; x++ {
		switch f.At(x, epd.Height/2) {
		case epd.Black:
			black++
		case epd.White:
			white++
		}
	}
	if black == 0 || white == 0 {
		t.Fatalf("dithered row black=%d white=%d, want both", black, white)
	}
}

func TestPreviewRoundTrip(t *testing.T) {
	f := epd.NewFrame()
	f.Set(1, 2, epd.Black)
	f.Set(3, 4, epd.Red)

	img := Preview(f)
	back, err := Pack(img, Options{})
	if err != nil {
		t.Fatalf("Pack(Preview): %v", err)
	}
	for _, p := range []image.Point{{1, 2}, {3, 4}, {5, 6}} {
		if back.At(p.X, p.Y) != f.At(p.X, p.Y) {
			t.Errorf("pixel %v: %v after round trip, want %v", p, back.At(p.X, p.Y), f.At(p.X, p.Y))
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.png")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(out, solid(8, 4, color.Black)); err != nil {
		t.Fatal(err)
	}
	out.Close()

	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Fatalf("bounds = %v", b)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
