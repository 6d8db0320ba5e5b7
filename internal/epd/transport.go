package epd

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Pin names the role a GPIO line plays for the panel controller.
type Pin uint8

const (
	// PinReset is the active-low hardware reset line (RST).
	PinReset Pin = iota
	// PinDC selects command (low) or data (high) for the next transfer.
	PinDC
	// PinCS is the active-low chip select framing every transfer.
	PinCS
	// PinBusy is driven low by the panel while it is refreshing.
	PinBusy
)

func (p Pin) String() string {
	switch p {
	case PinReset:
		return "RST"
	case PinDC:
		return "DC"
	case PinCS:
		return "CS"
	case PinBusy:
		return "BUSY"
	default:
		return "pin(?)"
	}
}

// Transport is the hardware capability the driver is written against.
//
// Implementations own the physical wiring: how a Pin role maps to a GPIO
// line, how bytes reach the controller over SPI and how chip select frames
// them. The driver only sequences the protocol on top.
type Transport interface {
	// WritePin drives an output line (PinReset, PinDC).
	WritePin(p Pin, l gpio.Level) error
	// ReadPin samples an input line (PinBusy).
	ReadPin(p Pin) (gpio.Level, error)
	// Write sends p over SPI inside a chip select frame.
	Write(p []byte) error
	// Delay blocks for d. It returns ctx.Err() as soon as ctx is done.
	Delay(ctx context.Context, d time.Duration) error
}
