package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
)

// fakeBackend renders nothing; screenshots are blank PNGs of the current
// viewport size.
type fakeBackend struct {
	mu       sync.Mutex
	openErr  error
	height   int
	loadErr  error
	shotErr  error
	closeErr error
	shot     []byte // overrides the generated screenshot
	sessions []*fakeSession
	open     int
	maxOpen  int
}

func (b *fakeBackend) OpenSession(ctx context.Context) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeSession{backend: b}
	b.sessions = append(b.sessions, s)
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	return s, nil
}

type fakeSession struct {
	backend   *fakeBackend
	viewports []Viewport
	loaded    string
	baseDir   string
	styles    []string
	closed    bool
}

func (s *fakeSession) SetViewport(ctx context.Context, vp Viewport) error {
	s.viewports = append(s.viewports, vp)
	return nil
}

func (s *fakeSession) Load(ctx context.Context, html, baseDir string, settle Settle) error {
	s.loaded = html
	s.baseDir = baseDir
	return s.backend.loadErr
}

func (s *fakeSession) ContentHeight(ctx context.Context) (int, error) {
	return s.backend.height, nil
}

func (s *fakeSession) InjectStyle(ctx context.Context, css string) error {
	s.styles = append(s.styles, css)
	return nil
}

func (s *fakeSession) Screenshot(ctx context.Context, format Format, quality int) ([]byte, error) {
	if s.backend.shotErr != nil {
		return nil, s.backend.shotErr
	}
	if s.backend.shot != nil {
		return s.backend.shot, nil
	}
	vp := s.viewports[len(s.viewports)-1]
	return blankPNG(vp.Width, vp.Height), nil
}

func (s *fakeSession) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.closed = true
	s.backend.open--
	return s.backend.closeErr
}

func blankPNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var errBoom = errors.New("boom")
