// Package pipeline runs complete refresh cycles: fetch a picture, convert
// it into a panel frame, wake the panel, show the frame and put the panel
// back to sleep.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"epd5in83b/internal/capture"
	"epd5in83b/internal/convert"
	"epd5in83b/internal/epd"
	appLog "epd5in83b/internal/log"
)

var (
	// ErrBusy is returned when a cycle is requested while another one is
	// still running. Cycles are never queued.
	ErrBusy = errors.New("pipeline: refresh already in progress")
	// ErrNoSource is returned by Refresh when no picture source is set.
	ErrNoSource = errors.New("pipeline: no picture source configured")
)

const shutdownPoll = 20 * time.Millisecond

// Panel is the subset of *epd.Driver a cycle uses.
type Panel interface {
	Init(ctx context.Context) error
	Display(ctx context.Context, f epd.Frame) error
	Clear(ctx context.Context) error
	Sleep(ctx context.Context) error
	State() epd.State
}

// Source produces the picture for a refresh cycle.
type Source interface {
	Image(ctx context.Context) (image.Image, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (image.Image, error)

func (f SourceFunc) Image(ctx context.Context) (image.Image, error) { return f(ctx) }

// FileSource reads the picture from disk on every cycle, so the file can be
// replaced between refreshes.
type FileSource struct {
	Path string
}

func (s FileSource) Image(context.Context) (image.Image, error) {
	return convert.Load(s.Path)
}

// URLSource screenshots a web page on every cycle.
type URLSource struct {
	Options capture.Options
}

func (s URLSource) Image(ctx context.Context) (image.Image, error) {
	return capture.Screenshot(ctx, s.Options)
}

// Status is a snapshot of the refresher for the HTTP API.
type Status struct {
	State       string    `json:"state"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Running     bool      `json:"running"`
	LastRefresh time.Time `json:"last_refresh,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Refresher owns the panel for whole cycles.
type Refresher struct {
	panel  Panel
	source Source
	opts   convert.Options

	// cycle is held for the duration of one cycle.
	cycle sync.Mutex

	mu          sync.RWMutex
	running     bool
	last        *epd.Frame
	lastRefresh time.Time
	lastErr     error
}

// New returns a Refresher. source may be nil when pictures only arrive
// through Show.
func New(panel Panel, source Source, opts convert.Options) *Refresher {
	return &Refresher{panel: panel, source: source, opts: opts}
}

// Refresh runs one cycle with a picture from the configured source.
func (r *Refresher) Refresh(ctx context.Context) error {
	if r.source == nil {
		return ErrNoSource
	}
	return r.run(ctx, "refresh", func(ctx context.Context) (*epd.Frame, error) {
		img, err := r.source.Image(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: source: %w", err)
		}
		return r.show(ctx, img)
	})
}

// Show runs one cycle with img.
func (r *Refresher) Show(ctx context.Context, img image.Image) error {
	return r.run(ctx, "show", func(ctx context.Context) (*epd.Frame, error) {
		return r.show(ctx, img)
	})
}

// Clear wakes the panel, paints it white and puts it back to sleep.
func (r *Refresher) Clear(ctx context.Context) error {
	return r.run(ctx, "clear", func(ctx context.Context) (*epd.Frame, error) {
		if err := r.panel.Init(ctx); err != nil {
			return nil, err
		}
		if err := r.panel.Clear(ctx); err != nil {
			return nil, err
		}
		if err := r.panel.Sleep(ctx); err != nil {
			return nil, err
		}
		f := epd.NewFrame()
		return &f, nil
	})
}

// Sleep puts the panel into deep sleep if it is awake. A panel that was
// never initialized or is already asleep is left alone.
func (r *Refresher) Sleep(ctx context.Context) error {
	if !r.cycle.TryLock() {
		return ErrBusy
	}
	defer r.cycle.Unlock()
	return r.sleep(ctx)
}

// Shutdown waits for a running cycle to finish and then puts the panel into
// deep sleep. The cycle lock stays held afterwards, so no new cycle can
// start. It returns ctx.Err() if the running cycle outlasts ctx.
func (r *Refresher) Shutdown(ctx context.Context) error {
	tick := time.NewTicker(shutdownPoll)
	defer tick.Stop()
	for !r.cycle.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return r.sleep(ctx)
}

func (r *Refresher) sleep(ctx context.Context) error {
	if r.panel.State() != epd.StateReady {
		return nil
	}
	return r.panel.Sleep(ctx)
}

// LastFrame returns the frame most recently put on the glass.
func (r *Refresher) LastFrame() (epd.Frame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return epd.Frame{}, false
	}
	return *r.last, true
}

// Status reports the panel state and the outcome of the last cycle.
func (r *Refresher) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{
		State:       r.panel.State().String(),
		Width:       epd.Width,
		Height:      epd.Height,
		Running:     r.running,
		LastRefresh: r.lastRefresh,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

func (r *Refresher) show(ctx context.Context, img image.Image) (*epd.Frame, error) {
	frame, err := convert.Pack(img, r.opts)
	if err != nil {
		return nil, err
	}
	if err := r.panel.Init(ctx); err != nil {
		return nil, err
	}
	if err := r.panel.Display(ctx, frame); err != nil {
		return nil, err
	}
	if err := r.panel.Sleep(ctx); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (r *Refresher) run(ctx context.Context, name string, cycle func(context.Context) (*epd.Frame, error)) error {
	if !r.cycle.TryLock() {
		return ErrBusy
	}
	defer r.cycle.Unlock()

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	start := time.Now()
	appLog.Info("panel cycle start", "op", name)
	frame, err := cycle(ctx)

	r.mu.Lock()
	r.running = false
	r.lastErr = err
	if err == nil {
		r.last = frame
		r.lastRefresh = time.Now()
	}
	r.mu.Unlock()

	if err != nil {
		appLog.Error("panel cycle failed", err, "op", name, "took", time.Since(start).Round(time.Millisecond))
		return err
	}
	appLog.Info("panel cycle done", "op", name, "took", time.Since(start).Round(time.Millisecond))
	return nil
}
