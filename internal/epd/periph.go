package epd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Pins holds the GPIO names (as understood by gpioreg.ByName) wired to the
// panel. An empty CS leaves chip select to the SPI port itself.
type Pins struct {
	Reset string
	DC    string
	CS    string
	Busy  string
}

// DefaultPins is the Waveshare e-Paper HAT wiring on a Raspberry Pi:
//
//	RST  - Pin 11 (GPIO 17)
//	DC   - Pin 22 (GPIO 25)
//	CS   - Pin 24 (GPIO 8, SPI0 CE0, driven by spidev)
//	BUSY - Pin 18 (GPIO 24)
var DefaultPins = Pins{
	Reset: "GPIO17",
	DC:    "GPIO25",
	Busy:  "GPIO24",
}

// PeriphConfig selects the SPI port and pins for OpenPeriph.
type PeriphConfig struct {
	// SPIPort is the spireg name; empty picks the first port (/dev/spidev0.0).
	SPIPort      string
	SPIFrequency physic.Frequency
	Pins         Pins
}

// DefaultPeriphConfig returns the HAT wiring at 4MHz.
func DefaultPeriphConfig() PeriphConfig {
	return PeriphConfig{
		SPIFrequency: 4 * physic.MegaHertz,
		Pins:         DefaultPins,
	}
}

// txer is the part of spi.Conn the transport needs.
type txer interface {
	Tx(w, r []byte) error
}

// PeriphTransport implements Transport on top of periph.io.
type PeriphTransport struct {
	port  spi.PortCloser
	conn  txer
	maxTx int

	rst  gpio.PinOut
	dc   gpio.PinOut
	cs   gpio.PinOut // nil: hardware chip select
	busy gpio.PinIn
}

// OpenPeriph initializes the host drivers, opens the SPI port and claims
// the panel pins.
func OpenPeriph(cfg PeriphConfig) (*PeriphTransport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port %q: %w", cfg.SPIPort, err)
	}
	c, err := port.Connect(cfg.SPIFrequency, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	pins := map[Pin]gpio.PinIO{}
	for role, name := range map[Pin]string{
		PinReset: cfg.Pins.Reset,
		PinDC:    cfg.Pins.DC,
		PinCS:    cfg.Pins.CS,
		PinBusy:  cfg.Pins.Busy,
	} {
		if name == "" {
			continue
		}
		p := gpioreg.ByName(name)
		if p == nil {
			_ = port.Close()
			return nil, fmt.Errorf("epd: gpio %s (%s) not found", name, role)
		}
		pins[role] = p
	}

	t, err := newPeriphTransport(c, pins)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	t.port = port
	return t, nil
}

// newPeriphTransport configures already resolved pins. Reset, DC and Busy
// are mandatory.
func newPeriphTransport(c txer, pins map[Pin]gpio.PinIO) (*PeriphTransport, error) {
	for _, role := range []Pin{PinReset, PinDC, PinBusy} {
		if pins[role] == nil {
			return nil, fmt.Errorf("epd: no gpio assigned to %s", role)
		}
	}

	t := &PeriphTransport{
		conn: c,
		rst:  pins[PinReset],
		dc:   pins[PinDC],
		busy: pins[PinBusy],
	}
	if l, ok := c.(conn.Limits); ok {
		t.maxTx = l.MaxTxSize()
	}

	if err := t.rst.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("epd: gpio %s Out failed: %w", PinReset, err)
	}
	if err := t.dc.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("epd: gpio %s Out failed: %w", PinDC, err)
	}
	if cs := pins[PinCS]; cs != nil {
		if err := cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("epd: gpio %s Out failed: %w", PinCS, err)
		}
		t.cs = cs
	}
	if err := pins[PinBusy].In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: gpio %s In failed: %w", PinBusy, err)
	}
	return t, nil
}

// WritePin implements Transport.
func (t *PeriphTransport) WritePin(p Pin, l gpio.Level) error {
	var out gpio.PinOut
	switch p {
	case PinReset:
		out = t.rst
	case PinDC:
		out = t.dc
	case PinCS:
		out = t.cs
	}
	if out == nil {
		return fmt.Errorf("epd: %s is not an output", p)
	}
	return out.Out(l)
}

// ReadPin implements Transport.
func (t *PeriphTransport) ReadPin(p Pin) (gpio.Level, error) {
	if p != PinBusy {
		return gpio.Low, fmt.Errorf("epd: %s is not an input", p)
	}
	return t.busy.Read(), nil
}

// Write implements Transport. Buffers above the port's maximum transfer
// size are sent in several transactions within the same CS frame.
func (t *PeriphTransport) Write(p []byte) error {
	if t.cs != nil {
		if err := t.cs.Out(gpio.Low); err != nil {
			return err
		}
	}
	err := t.tx(p)
	if t.cs != nil {
		err = errors.Join(err, t.cs.Out(gpio.High))
	}
	return err
}

func (t *PeriphTransport) tx(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if t.maxTx > 0 && n > t.maxTx {
			n = t.maxTx
		}
		if err := t.conn.Tx(p[:n], nil); err != nil {
			return fmt.Errorf("spi tx: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Delay implements Transport.
func (t *PeriphTransport) Delay(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close releases the SPI port. Pins are left as they are; the panel keeps
// its picture without power.
func (t *PeriphTransport) Close() error {
	if t.port == nil {
		return nil
	}
	return t.port.Close()
}
