package render

import (
	"context"
	"time"
)

// Backend is the shared rendering engine. Sessions are opened against it
// concurrently, up to whatever bound the caller enforces.
type Backend interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Session is one browser tab used for exactly one job. It is not safe for
// concurrent use.
type Session interface {
	SetViewport(ctx context.Context, vp Viewport) error
	// Load renders html and waits for load, DOM ready and network
	// quiescence. It returns an error wrapping ErrTimeoutDegraded when the
	// wait hits settle.Timeout; the page is still usable in that case.
	Load(ctx context.Context, html, baseDir string, settle Settle) error
	ContentHeight(ctx context.Context) (int, error)
	InjectStyle(ctx context.Context, css string) error
	// Screenshot captures the visible viewport only.
	Screenshot(ctx context.Context, format Format, quality int) ([]byte, error)
	Close() error
}

// Settle bounds the post-load wait.
type Settle struct {
	// Timeout caps the whole load + quiescence wait. Default: 5s.
	Timeout time.Duration
	// IdleWindow is how long the network must stay quiet. Default: 500ms.
	IdleWindow time.Duration
}

func (s *Settle) defaults() {
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	if s.IdleWindow <= 0 {
		s.IdleWindow = 500 * time.Millisecond
	}
}
