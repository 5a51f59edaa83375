package thumbgen

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/hazyhaar/thumbgen/internal/render"
)

// fakeBackend records what each session loaded and returns white PNGs of
// the viewport size.
type fakeBackend struct {
	mu      sync.Mutex
	openErr error
	height  int
	delay   time.Duration
	loads   []fakeLoad
	open    int
	maxOpen int
}

type fakeLoad struct {
	html    string
	baseDir string
}

func (b *fakeBackend) OpenSession(ctx context.Context) (render.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	return &fakeSession{b: b}, nil
}

func (b *fakeBackend) loaded() []fakeLoad {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeLoad(nil), b.loads...)
}

type fakeSession struct {
	b  *fakeBackend
	vp render.Viewport
}

func (s *fakeSession) SetViewport(ctx context.Context, vp render.Viewport) error {
	s.vp = vp
	return nil
}

func (s *fakeSession) Load(ctx context.Context, html, baseDir string, settle render.Settle) error {
	if s.b.delay > 0 {
		time.Sleep(s.b.delay)
	}
	s.b.mu.Lock()
	s.b.loads = append(s.b.loads, fakeLoad{html: html, baseDir: baseDir})
	s.b.mu.Unlock()
	return nil
}

func (s *fakeSession) ContentHeight(ctx context.Context) (int, error) { return s.b.height, nil }

func (s *fakeSession) InjectStyle(ctx context.Context, css string) error { return nil }

func (s *fakeSession) Screenshot(ctx context.Context, format render.Format, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.vp.Width, s.vp.Height))
	for y := 0; y < s.vp.Height; y++ {
		for x := 0; x < s.vp.Width; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *fakeSession) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.open--
	return nil
}
