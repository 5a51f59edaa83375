// Package browser is the headless Chrome backend for render: one Chrome per
// run, launched locally or reached over a remote DevTools URL, and one tab
// per capture job.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/thumbgen/internal/render"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local one.
	RemoteURL string

	// Bin is the Chrome binary. Empty lets the launcher find or fetch one.
	Bin string

	// NoSandbox is required when running as root in a container.
	NoSandbox bool

	// Stealth opens tabs through go-rod/stealth.
	Stealth bool

	// ResourceBlocking lists request groups every tab fails, see
	// ParseResourceBlocking.
	ResourceBlocking []string

	Logger *slog.Logger
}

// Manager owns the Chrome process. It implements render.Backend.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	block BlockSet

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	started time.Time
	closed  bool

	open    atomic.Int64
	opened  atomic.Int64
	blocked atomic.Int64
}

var _ render.Backend = (*Manager)(nil)

// NewManager creates a Manager. Chrome is not launched until Start.
func NewManager(cfg Config) *Manager {
	m := &Manager{cfg: cfg, log: cfg.Logger}
	if m.log == nil {
		m.log = slog.Default()
	}
	block, err := ParseResourceBlocking(cfg.ResourceBlocking)
	if err != nil {
		m.log.Warn("browser: resource blocking disabled", "error", err)
	}
	m.block = block
	return m
}

// Start launches or connects to Chrome. It is a no-op once started.
// Errors wrap render.ErrBackendLaunch.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return fmt.Errorf("browser: manager is closed: %w", render.ErrBackendLaunch)
	case m.browser != nil:
		return nil
	}

	u, err := m.controlURL(ctx)
	if err == nil {
		err = m.connect(u)
	}
	if err != nil {
		m.cleanup()
		return fmt.Errorf("%w: %w", render.ErrBackendLaunch, err)
	}
	m.started = time.Now()
	return nil
}

// Browser returns the Rod browser handle, or nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// OpenSessions reports how many tabs are open right now.
func (m *Manager) OpenSessions() int64 { return m.open.Load() }

// Blocked reports how many requests resource blocking has failed.
func (m *Manager) Blocked() int64 { return m.blocked.Load() }

// Close shuts Chrome down. Sessions still open stop working.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.browser != nil {
		m.log.Info("browser: shutting down",
			"uptime", time.Since(m.started),
			"sessions", m.opened.Load(),
			"blocked_requests", m.blocked.Load())
	}
	return m.cleanup()
}

// controlURL returns the DevTools URL, launching Chrome when no remote
// instance is configured.
func (m *Manager) controlURL(ctx context.Context) (string, error) {
	if m.cfg.RemoteURL != "" {
		m.log.Info("browser: using remote chrome", "url", m.cfg.RemoteURL)
		return m.cfg.RemoteURL, nil
	}

	l := launcher.New().Context(ctx).Headless(true).
		NoSandbox(m.cfg.NoSandbox).
		// Scrollbars would eat into the probe viewport width.
		Set("hide-scrollbars")
	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}
	if m.cfg.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch: %w", err)
	}
	m.lnch = l
	m.log.Info("browser: launched local chrome", "url", u)
	return u, nil
}

func (m *Manager) connect(u string) error {
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	// Local asset servers often run on self-signed certificates.
	if err := b.IgnoreCertErrors(true); err != nil {
		m.log.Warn("browser: ignore cert errors failed", "error", err)
	}
	m.browser = b
	return nil
}

func (m *Manager) cleanup() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}
