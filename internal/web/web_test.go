package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/image/bmp"

	"epd5in83b/internal/config"
	"epd5in83b/internal/convert"
	"epd5in83b/internal/epd"
	"epd5in83b/internal/pipeline"
)

type fakePanel struct {
	mu    sync.Mutex
	state epd.State
	calls []string

	// fail makes the named call return its error.
	fail map[string]error
	// block, if set, holds Display until it is closed.
	block chan struct{}
}

func (p *fakePanel) do(name string, s epd.State) error {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	err := p.fail[name]
	if err == nil && s != 0 {
		p.state = s
	}
	block := p.block
	p.mu.Unlock()

	if block != nil && name == "display" {
		<-block
	}
	return err
}

func (p *fakePanel) Init(context.Context) error { return p.do("init", epd.StateReady) }
func (p *fakePanel) Display(context.Context, epd.Frame) error {
	return p.do("display", 0)
}
func (p *fakePanel) Clear(context.Context) error { return p.do("clear", 0) }
func (p *fakePanel) Sleep(context.Context) error { return p.do("sleep", epd.StateAsleep) }
func (p *fakePanel) State() epd.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePanel) history() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.calls, ",")
}

func newTestServer(t *testing.T, cfg *config.Config, src pipeline.Source) (*fakePanel, http.Handler) {
	t.Helper()
	p := &fakePanel{}
	return p, newPanelServer(t, cfg, p, src)
}

func newPanelServer(t *testing.T, cfg *config.Config, p *fakePanel, src pipeline.Source) http.Handler {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ref := pipeline.New(p, src, convert.Options{})
	return NewServer(cfg, ref).Handler()
}

func pngBody(t *testing.T, c color.Color) *bytes.Buffer {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func serve(h http.Handler, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, nil, nil)
	rec := serve(h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	_, h := newTestServer(t, nil, nil)
	rec := serve(h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st pipeline.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "uninitialized" || st.Width != epd.Width || st.Height != epd.Height {
		t.Fatalf("status = %+v", st)
	}
}

func TestDisplayAndPreview(t *testing.T) {
	p, h := newTestServer(t, nil, nil)

	if rec := serve(h, http.MethodGet, "/preview.png", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("preview before any frame = %d, want 404", rec.Code)
	}

	rec := serve(h, http.MethodPost, "/api/display", pngBody(t, color.Black))
	if rec.Code != http.StatusOK {
		t.Fatalf("display = %d %s", rec.Code, rec.Body.String())
	}
	if got := p.history(); got != "init,display,sleep" {
		t.Fatalf("calls = %s", got)
	}

	rec = serve(h, http.MethodGet, "/preview.png", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("preview = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != epd.Width || b.Dy() != epd.Height {
		t.Fatalf("preview bounds = %v", b)
	}
	if r, g, b, _ := img.At(10, 10).RGBA(); r != 0 || g != 0 || b != 0 {
		t.Fatal("preview pixel is not black")
	}
}

func TestDisplayRejectsGarbage(t *testing.T) {
	p, h := newTestServer(t, nil, nil)
	rec := serve(h, http.MethodPost, "/api/display", bytes.NewBufferString("not an image"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("display = %d, want 400", rec.Code)
	}
	if got := p.history(); got != "" {
		t.Fatalf("panel touched: %s", got)
	}
}

func TestClearAndSleep(t *testing.T) {
	p, h := newTestServer(t, nil, nil)

	if rec := serve(h, http.MethodPost, "/api/clear", nil); rec.Code != http.StatusOK {
		t.Fatalf("clear = %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(h, http.MethodPost, "/api/sleep", nil); rec.Code != http.StatusOK {
		t.Fatalf("sleep = %d %s", rec.Code, rec.Body.String())
	}
	if got := p.history(); got != "init,clear,sleep" {
		t.Fatalf("calls = %s", got)
	}
}

func TestRefresh(t *testing.T) {
	_, h := newTestServer(t, nil, nil)
	if rec := serve(h, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("refresh without source = %d, want 412", rec.Code)
	}

	src := pipeline.SourceFunc(func(context.Context) (image.Image, error) {
		return image.NewGray(image.Rect(0, 0, 2, 2)), nil
	})
	p, h := newTestServer(t, nil, src)
	if rec := serve(h, http.MethodPost, "/api/refresh", nil); rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body.String())
	}
	if got := p.history(); got != "init,display,sleep" {
		t.Fatalf("calls = %s", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t, nil, nil)
	if rec := serve(h, http.MethodGet, "/api/clear", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/clear = %d, want 405", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	_, h := newTestServer(t, cfg, nil)

	if rec := serve(h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health behind auth = %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/api/status", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid credentials = %d", rec.Code)
	}
}

func TestCycleErrorStatus(t *testing.T) {
	src := pipeline.SourceFunc(func(context.Context) (image.Image, error) {
		return image.NewGray(image.Rect(0, 0, 2, 2)), nil
	})

	for _, tc := range []struct {
		name string
		src  pipeline.Source
		fail map[string]error
		path string
		want int
	}{
		{"no source", nil, nil, "/api/refresh", http.StatusPreconditionFailed},
		{"busy timeout", src, map[string]error{"init": fmt.Errorf("epd: init: %w", epd.ErrBusyTimeout)}, "/api/refresh", http.StatusGatewayTimeout},
		{"deadline", nil, map[string]error{"clear": context.DeadlineExceeded}, "/api/clear", http.StatusGatewayTimeout},
		{"panel failure", nil, map[string]error{"clear": errors.New("spi write failed")}, "/api/clear", http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newPanelServer(t, nil, &fakePanel{fail: tc.fail}, tc.src)
			rec := serve(h, http.MethodPost, tc.path, nil)
			if rec.Code != tc.want {
				t.Fatalf("%s = %d %s, want %d", tc.path, rec.Code, rec.Body.String(), tc.want)
			}
			var resp struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Fatalf("error body = %q (%v)", resp.Error, err)
			}
		})
	}
}

func TestCycleWhileBusy(t *testing.T) {
	p := &fakePanel{block: make(chan struct{})}
	h := newPanelServer(t, nil, p, nil)

	first := pngBody(t, color.White)
	done := make(chan int, 1)
	go func() {
		done <- serve(h, http.MethodPost, "/api/display", first).Code
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(p.history(), "display") {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never reached Display")
		}
		time.Sleep(time.Millisecond)
	}

	for _, path := range []string{"/api/clear", "/api/sleep", "/api/display"} {
		var body *bytes.Buffer
		if path == "/api/display" {
			body = pngBody(t, color.Black)
		}
		if rec := serve(h, http.MethodPost, path, body); rec.Code != http.StatusConflict {
			t.Errorf("%s during a cycle = %d, want 409", path, rec.Code)
		}
	}

	close(p.block)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first cycle = %d", code)
	}
}

func TestDisplayTooLarge(t *testing.T) {
	p, h := newTestServer(t, nil, nil)
	body := bytes.NewBuffer(make([]byte, maxUploadBytes+1))
	if rec := serve(h, http.MethodPost, "/api/display", body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("display = %d, want 413", rec.Code)
	}
	if got := p.history(); got != "" {
		t.Fatalf("panel touched: %s", got)
	}
}

func TestDisplayAcceptsBMP(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	p, h := newTestServer(t, nil, nil)
	if rec := serve(h, http.MethodPost, "/api/display", &buf); rec.Code != http.StatusOK {
		t.Fatalf("display = %d %s", rec.Code, rec.Body.String())
	}
	if got := p.history(); got != "init,display,sleep" {
		t.Fatalf("calls = %s", got)
	}
}

func TestListenAndServeDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = ""
	srv := NewServer(cfg, pipeline.New(&fakePanel{}, nil, convert.Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("returned before cancel: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("did not return after cancel")
	}
}
