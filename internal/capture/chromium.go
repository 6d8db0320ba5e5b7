// Package capture renders web pages into images for the panel using a
// headless Chromium driven by chromedp.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/chromedp/chromedp"

	"epd5in83b/internal/epd"
)

// DefaultTimeout bounds a capture when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero the
	// panel resolution is used.
	Width  int
	Height int

	// WaitSelector, if set, is a CSS selector that must be visible before
	// the screenshot is taken (e.g. `[data-ready="true"]`).
	WaitSelector string

	// Settle is an extra pause after the page is ready to let final
	// paints land.
	Settle time.Duration

	// Timeout bounds the entire capture operation.
	Timeout time.Duration
}

func (o Options) withDefaults() (Options, error) {
	if o.URL == "" {
		return o, errors.New("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = epd.Width
	}
	if o.Height <= 0 {
		o.Height = epd.Height
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o, nil
}

// tasks is the chromedp action list for a capture into buf.
func (o Options) tasks(buf *[]byte) chromedp.Tasks {
	t := chromedp.Tasks{
		chromedp.EmulateViewport(int64(o.Width), int64(o.Height)),
		chromedp.Navigate(o.URL),
	}
	if o.WaitSelector != "" {
		t = append(t, chromedp.WaitVisible(o.WaitSelector, chromedp.ByQuery))
	}
	if o.Settle > 0 {
		t = append(t, chromedp.Sleep(o.Settle))
	}
	return append(t, chromedp.CaptureScreenshot(buf))
}

// Screenshot launches a headless Chromium, loads opts.URL in a viewport of
// the requested size and returns the rendered page.
func Screenshot(parent context.Context, opts Options) (image.Image, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(parent)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var buf []byte
	if err := chromedp.Run(ctx, opts.tasks(&buf)); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("capture: decode screenshot: %w", err)
	}
	return img, nil
}
