package epd

import (
	"bytes"
	"fmt"
)

// Panel geometry (5.83" B V2, 648x480, black/white/red).
const (
	Width         = 648
	Height        = 480
	Stride        = Width / 8 // 81 bytes per row
	PlaneSize     = Stride * Height
	HalfHeight    = Height / 2
	HalfPlaneSize = Stride * HalfHeight
)

// Color is one of the three inks the panel can show.
type Color uint8

const (
	White Color = iota
	Black
	Red
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	case Red:
		return "red"
	default:
		return fmt.Sprintf("color(%d)", uint8(c))
	}
}

// Frame is a two-plane bitmap in the controller's native layout: rows are
// Stride bytes, MSB first.
//
//   - Black: bit set = white, bit clear = black ink.
//   - Red:   bit set = red ink, bit clear = no red.
//
// A pixel with both black ink and red ink shows red.
type Frame struct {
	Black []byte
	Red   []byte
}

// NewFrame returns an all-white full-panel frame.
func NewFrame() Frame {
	return Frame{
		Black: bytes.Repeat([]byte{0xFF}, PlaneSize),
		Red:   make([]byte, PlaneSize),
	}
}

// Set paints pixel (x, y). Out-of-range coordinates are ignored, as are
// writes into a frame whose planes are not PlaneSize bytes.
func (f Frame) Set(x, y int, c Color) {
	i, ok := f.index(x, y)
	if !ok {
		return
	}
	mask := byte(0x80 >> (x & 7))
	switch c {
	case Black:
		f.Black[i] &^= mask
		f.Red[i] &^= mask
	case Red:
		f.Black[i] |= mask
		f.Red[i] |= mask
	default:
		f.Black[i] |= mask
		f.Red[i] &^= mask
	}
}

// At reports the ink of pixel (x, y). Pixels outside the panel, or of a
// frame with short planes, read as white.
func (f Frame) At(x, y int) Color {
	i, ok := f.index(x, y)
	if !ok {
		return White
	}
	mask := byte(0x80 >> (x & 7))
	switch {
	case f.Red[i]&mask != 0:
		return Red
	case f.Black[i]&mask == 0:
		return Black
	default:
		return White
	}
}

func (f Frame) index(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= Width || y >= Height {
		return 0, false
	}
	if len(f.Black) != PlaneSize || len(f.Red) != PlaneSize {
		return 0, false
	}
	return y*Stride + x>>3, true
}

// Halves splits a full frame into its upper and lower half-panel frames.
// The returned frames share memory with f.
func (f Frame) Halves() (upper, lower Frame, err error) {
	if err := f.check(PlaneSize); err != nil {
		return Frame{}, Frame{}, err
	}
	upper = Frame{Black: f.Black[:HalfPlaneSize], Red: f.Red[:HalfPlaneSize]}
	lower = Frame{Black: f.Black[HalfPlaneSize:], Red: f.Red[HalfPlaneSize:]}
	return upper, lower, nil
}

func (f Frame) check(size int) error {
	if len(f.Black) != size || len(f.Red) != size {
		return fmt.Errorf("%w: black=%d red=%d, want %d bytes per plane",
			ErrFrameSize, len(f.Black), len(f.Red), size)
	}
	return nil
}
