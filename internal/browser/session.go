package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/thumbgen/internal/render"
)

// measureJS returns the largest height any engine metric reports for the
// document, so one under-reporting metric cannot clip the thumbnail.
const measureJS = `() => {
	const d = document.documentElement;
	const b = document.body;
	return Math.max(
		d ? d.scrollHeight : 0, d ? d.offsetHeight : 0, d ? d.clientHeight : 0,
		b ? b.scrollHeight : 0, b ? b.offsetHeight : 0, b ? b.clientHeight : 0
	);
}`

// Session wraps one Rod page. It implements render.Session.
type Session struct {
	page   *rod.Page
	router *rod.HijackRouter
	staged string // temp file loaded via file:// when a base dir is set
	mgr    *Manager
}

var _ render.Session = (*Session)(nil)

// OpenSession creates a new tab on the shared browser.
func (m *Manager) OpenSession(ctx context.Context) (render.Session, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser: %w", render.ErrBackendLaunch)
	}

	var page *rod.Page
	var err error
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	s := &Session{page: page, mgr: m}

	if len(m.block) > 0 {
		router, err := m.block.hijack(page, &m.blocked)
		if err != nil {
			m.log.Warn("browser: resource blocking failed", "error", err)
		}
		s.router = router
	}

	m.open.Add(1)
	m.opened.Add(1)
	return s, nil
}

// SetViewport applies the emulated device metrics.
func (s *Session) SetViewport(ctx context.Context, vp render.Viewport) error {
	err := s.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: vp.DeviceScaleFactor,
	})
	if err != nil {
		return fmt.Errorf("browser: set viewport %dx%d: %w", vp.Width, vp.Height, err)
	}
	return nil
}

// Load puts html into the page and waits for load and network quiescence.
// With a base dir the document is staged next to the source, or in the temp
// dir when the source tree is read-only, and opened via file:// so relative
// references resolve as they would on disk.
func (s *Session) Load(ctx context.Context, html, baseDir string, settle render.Settle) error {
	sctx, cancel := context.WithTimeout(ctx, settle.Timeout)
	defer cancel()

	p := s.page.Context(sctx)

	// Armed before loading so requests started by the load are counted.
	waitIdle := p.WaitRequestIdle(settle.IdleWindow, nil, nil, nil)

	var err error
	if baseDir == "" {
		err = p.SetDocumentContent(html)
	} else {
		var u string
		if u, err = s.stage(html, baseDir); err == nil {
			err = p.Navigate(u)
		}
	}
	if err != nil {
		if sctx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("browser: load: %w", render.ErrTimeoutDegraded)
		}
		return fmt.Errorf("browser: load: %w", err)
	}

	if err := p.WaitLoad(); err != nil && sctx.Err() == nil {
		return fmt.Errorf("browser: wait load: %w", err)
	}
	if sctx.Err() == nil {
		waitIdle()
	}

	if ctx.Err() != nil {
		return fmt.Errorf("browser: load: %w", ctx.Err())
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("browser: settle after %s: %w", settle.Timeout, render.ErrTimeoutDegraded)
	}
	return nil
}

// ContentHeight measures the rendered document height in CSS pixels.
func (s *Session) ContentHeight(ctx context.Context) (int, error) {
	res, err := s.page.Context(ctx).Eval(measureJS)
	if err != nil {
		return 0, fmt.Errorf("browser: measure: %w", err)
	}
	return res.Value.Int(), nil
}

// InjectStyle appends a <style> element with css.
func (s *Session) InjectStyle(ctx context.Context, css string) error {
	if err := s.page.Context(ctx).AddStyleTag("", css); err != nil {
		return fmt.Errorf("browser: inject style: %w", err)
	}
	return nil
}

// Screenshot captures the viewport. Quality is only sent for lossy formats.
func (s *Session) Screenshot(ctx context.Context, format render.Format, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if format == render.FormatWebP {
		req.Format = proto.PageCaptureScreenshotFormatWebp
		q := quality
		req.Quality = &q
	}
	data, err := s.page.Context(ctx).Screenshot(false, req)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

// Close closes the tab and removes any staged file.
func (s *Session) Close() error {
	if s.router != nil {
		_ = s.router.Stop()
	}
	if s.staged != "" {
		os.Remove(s.staged)
		s.staged = ""
	}
	var err error
	if s.page != nil {
		err = s.page.Close()
		s.page = nil
		s.mgr.open.Add(-1)
	}
	return err
}

// stage writes the document next to the source so relative references
// resolve on disk. When baseDir is not writable it goes to the system temp
// dir instead, with a <base> element pointing back at baseDir.
func (s *Session) stage(doc, baseDir string) (string, error) {
	f, err := os.CreateTemp(baseDir, render.StagePrefix+"*.html")
	if err != nil {
		var terr error
		if f, terr = os.CreateTemp("", render.StagePrefix+"*.html"); terr != nil {
			return "", fmt.Errorf("browser: stage: %w", errors.Join(err, terr))
		}
		if doc, err = withBase(doc, baseDir); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("browser: stage: %w", err)
		}
	}
	s.staged = f.Name()
	if _, err := f.WriteString(doc); err != nil {
		f.Close()
		return "", fmt.Errorf("browser: stage: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("browser: stage: %w", err)
	}
	return fileURL(s.staged)
}

func fileURL(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("browser: stage: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// withBase puts a <base> element for dir at the start of doc, after the
// doctype so the page keeps its rendering mode.
func withBase(doc, dir string) (string, error) {
	u, err := fileURL(dir)
	if err != nil {
		return "", err
	}
	base := `<base href="` + strings.ReplaceAll(u, "&", "&amp;") + `/">`

	trimmed := strings.TrimLeft(doc, " \t\r\n")
	if len(trimmed) >= 9 && strings.EqualFold(trimmed[:9], "<!doctype") {
		if end := strings.IndexByte(trimmed, '>'); end >= 0 {
			return trimmed[:end+1] + base + trimmed[end+1:], nil
		}
	}
	return base + doc, nil
}
