// Package epd drives the Waveshare 5.83" B V2 (648x480, black/white/red)
// e-paper panel.
//
// The driver is a sequencer over the controller's command/data byte
// interface: a fixed register handshake at Init, a two-plane framebuffer
// transfer split into upper and lower half panels, and a busy-line poll
// that holds every operation until the panel finishes its internal refresh.
// GPIO and SPI access go through a Transport; PeriphTransport is the
// periph.io implementation used on a Raspberry Pi.
package epd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Controller commands.
const (
	cmdPanelSetting        byte = 0x00
	cmdPowerSetting        byte = 0x01
	cmdPowerOff            byte = 0x02
	cmdPowerOn             byte = 0x04
	cmdDeepSleep           byte = 0x07
	cmdDataStartTransmit1  byte = 0x10 // black/white plane
	cmdDisplayRefresh      byte = 0x12
	cmdDataStartTransmit2  byte = 0x13 // red plane
	cmdDualSPI             byte = 0x15
	cmdVCOMAndDataInterval byte = 0x50
	cmdTCONSetting         byte = 0x60
	cmdResolutionSetting   byte = 0x61
	cmdGetStatus           byte = 0x71

	deepSleepCheckCode byte = 0xA5
)

const (
	powerOnSettleTime = 100 * time.Millisecond
	resetPulseTime    = 1 * time.Millisecond
	resetRecoveryTime = 200 * time.Millisecond
)

var (
	// ErrNotInitialized is returned by operations issued before Init.
	ErrNotInitialized = errors.New("epd: panel not initialized")
	// ErrAsleep is returned after Sleep until Init wakes the panel again.
	ErrAsleep = errors.New("epd: panel is in deep sleep")
	// ErrBusyTimeout is returned when the busy line stays asserted longer
	// than Options.BusyTimeout.
	ErrBusyTimeout = errors.New("epd: timeout waiting for panel to become idle")
	// ErrFrameSize is returned for planes of the wrong length.
	ErrFrameSize = errors.New("epd: invalid frame size")
)

// State is the driver's view of the panel lifecycle.
type State uint8

const (
	StateUninitialized State = iota
	StateReady
	StateAsleep
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateAsleep:
		return "asleep"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Options tunes the busy-line synchronization.
type Options struct {
	// BusyPollInterval is the pause between two busy-line samples.
	BusyPollInterval time.Duration
	// BusyTimeout bounds a single busy wait. Zero waits forever.
	BusyTimeout time.Duration
	// OnBusy, if set, is called with true before waiting on the busy line
	// and with false once the wait is over.
	OnBusy func(busy bool)
}

// DefaultOptions returns the polling parameters used in production. A full
// black/red refresh takes around 15s on this panel.
func DefaultOptions() Options {
	return Options{
		BusyPollInterval: 10 * time.Millisecond,
		BusyTimeout:      40 * time.Second,
	}
}

// Driver sequences the panel protocol over a Transport. All methods are
// safe for concurrent use; operations are serialized so that bytes of two
// callers never interleave on the wire.
type Driver struct {
	mu   sync.Mutex
	t    Transport
	opts Options

	// state is read without mu so that status queries do not wait for a
	// refresh to finish.
	state atomic.Uint32
}

// New returns a driver for the panel behind t. The panel is not touched
// until Init.
func New(t Transport, opts Options) *Driver {
	return &Driver{t: t, opts: opts}
}

// State reports the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	d.state.Store(uint32(s))
}

// Init resets the panel and writes the power, panel, resolution and timing
// registers. It is also the only way out of deep sleep.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setState(StateUninitialized)
	if err := d.reset(ctx); err != nil {
		return err
	}

	if err := d.command(cmdPowerSetting, 0x07, 0x07, 0x3F, 0x3F); err != nil { // VGH=20V VGL=-20V VDH=15V VDL=-15V
		return err
	}
	if err := d.command(cmdPowerOn); err != nil {
		return err
	}
	if err := d.t.Delay(ctx, powerOnSettleTime); err != nil {
		return err
	}
	if err := d.waitUntilIdle(ctx); err != nil {
		return err
	}

	seq := []struct {
		cmd  byte
		data []byte
	}{
		// Vendor Arduino code sends this payload to 0x50 and overwrites it
		// below; the datasheet places it in the panel setting register.
		{cmdPanelSetting, []byte{0x0F}}, // KW-3f KWR-2F BWROTP-0f BWOTP-1f
		{cmdResolutionSetting, []byte{Width >> 8, Width & 0xFF, Height >> 8, Height & 0xFF}},
		{cmdDualSPI, []byte{0x00}},
		{cmdVCOMAndDataInterval, []byte{0x11, 0x07}},
		{cmdTCONSetting, []byte{0x22}},
	}
	for _, s := range seq {
		if err := d.command(s.cmd, s.data...); err != nil {
			return err
		}
	}

	d.setState(StateReady)
	return nil
}

// Display shows a full-panel frame. Both planes must be PlaneSize bytes.
func (d *Driver) Display(ctx context.Context, f Frame) error {
	upper, lower, err := f.Halves()
	if err != nil {
		return err
	}
	return d.DisplayHalves(ctx, upper, lower)
}

// DisplayHalves shows a frame handed over as two half panels, each holding
// HalfPlaneSize bytes per plane. The black plane of both halves is sent
// first, then the red plane, then the panel refreshes.
func (d *Driver) DisplayHalves(ctx context.Context, upper, lower Frame) error {
	if err := upper.check(HalfPlaneSize); err != nil {
		return fmt.Errorf("upper half: %w", err)
	}
	if err := lower.check(HalfPlaneSize); err != nil {
		return fmt.Errorf("lower half: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return err
	}

	if err := d.command(cmdDataStartTransmit1); err != nil {
		return err
	}
	if err := d.data(upper.Black, lower.Black); err != nil {
		return err
	}
	if err := d.command(cmdDataStartTransmit2); err != nil {
		return err
	}
	if err := d.data(upper.Red, lower.Red); err != nil {
		return err
	}
	return d.refresh(ctx)
}

// Clear paints the whole panel white.
func (d *Driver) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return err
	}

	if err := d.command(cmdDataStartTransmit1); err != nil {
		return err
	}
	if err := d.data(bytes.Repeat([]byte{0xFF}, PlaneSize)); err != nil {
		return err
	}
	if err := d.command(cmdDataStartTransmit2); err != nil {
		return err
	}
	if err := d.data(make([]byte, PlaneSize)); err != nil {
		return err
	}
	return d.refresh(ctx)
}

// Sleep powers the panel off and puts the controller into deep sleep. The
// picture stays on the glass. Calling Sleep on a sleeping panel is a no-op.
func (d *Driver) Sleep(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State() {
	case StateAsleep:
		return nil
	case StateUninitialized:
		return ErrNotInitialized
	}

	if err := d.command(cmdPowerOff); err != nil {
		return err
	}
	if err := d.waitUntilIdle(ctx); err != nil {
		return err
	}
	if err := d.command(cmdDeepSleep, deepSleepCheckCode); err != nil {
		return err
	}
	d.setState(StateAsleep)
	return nil
}

func (d *Driver) ready() error {
	switch d.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateAsleep:
		return ErrAsleep
	}
	return nil
}

func (d *Driver) refresh(ctx context.Context) error {
	if err := d.command(cmdDisplayRefresh); err != nil {
		return err
	}
	return d.waitUntilIdle(ctx)
}

func (d *Driver) reset(ctx context.Context) error {
	if err := d.t.WritePin(PinReset, gpio.Low); err != nil {
		return fmt.Errorf("epd: reset: %w", err)
	}
	if err := d.t.Delay(ctx, resetPulseTime); err != nil {
		return err
	}
	if err := d.t.WritePin(PinReset, gpio.High); err != nil {
		return fmt.Errorf("epd: reset: %w", err)
	}
	return d.t.Delay(ctx, resetRecoveryTime)
}

// command writes a register address followed by its payload, if any.
func (d *Driver) command(cmd byte, data ...byte) error {
	if err := d.t.WritePin(PinDC, gpio.Low); err != nil {
		return fmt.Errorf("epd: command %#04x: %w", cmd, err)
	}
	if err := d.t.Write([]byte{cmd}); err != nil {
		return fmt.Errorf("epd: command %#04x: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.data(data); err != nil {
		return fmt.Errorf("epd: command %#04x: %w", cmd, err)
	}
	return nil
}

func (d *Driver) data(chunks ...[]byte) error {
	if err := d.t.WritePin(PinDC, gpio.High); err != nil {
		return fmt.Errorf("epd: data: %w", err)
	}
	for _, c := range chunks {
		if err := d.t.Write(c); err != nil {
			return fmt.Errorf("epd: data: %w", err)
		}
	}
	return nil
}

// waitUntilIdle polls the status register until the busy line is released
// (low = busy, high = idle).
func (d *Driver) waitUntilIdle(ctx context.Context) error {
	if d.opts.OnBusy != nil {
		d.opts.OnBusy(true)
		defer d.opts.OnBusy(false)
	}

	parent := ctx
	if d.opts.BusyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.BusyTimeout)
		defer cancel()
	}

	for {
		if err := d.command(cmdGetStatus); err != nil {
			return err
		}
		level, err := d.t.ReadPin(PinBusy)
		if err != nil {
			return fmt.Errorf("epd: read busy: %w", err)
		}
		if level == gpio.High {
			return nil
		}
		if err := d.t.Delay(ctx, d.opts.BusyPollInterval); err != nil {
			if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return ErrBusyTimeout
			}
			return err
		}
	}
}
