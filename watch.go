package thumbgen

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/thumbgen/internal/render"
	"github.com/hazyhaar/thumbgen/internal/walker"
)

// DefaultDebounce is how long a file must stay quiet before it re-renders.
const DefaultDebounce = 300 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	Mode walker.Mode
	// Debounce collapses bursts of writes to one file. Default: DefaultDebounce.
	Debounce time.Duration
	// Initial runs a full pass before watching.
	Initial bool
	// OnRender, when set, is called after every re-render.
	OnRender func(path string, res render.Result, err error)
}

// Watch re-renders an HTML file under Config.InputDir whenever it changes,
// until ctx is done. New directories are watched as they appear.
func (g *Generator) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.Initial {
		sum, err := g.Run(ctx, opts.Mode)
		if err != nil {
			return err
		}
		g.log.Info("thumbgen: initial pass done", "summary", sum.String())
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("thumbgen: watcher: %w", err)
	}
	defer w.Close()

	if err := g.watchTree(w, g.cfg.InputDir); err != nil {
		return err
	}

	runID := g.startRun(ctx, opts.Mode)
	d := newDebouncer(opts.Debounce)
	defer d.stop()

	var (
		wg      sync.WaitGroup
		tally   walker.Tally
		tallyMu sync.Mutex
	)
	renderOne := func(path string) {
		defer wg.Done()
		res, err := g.RenderFile(ctx, runID, path, opts.Mode)

		tallyMu.Lock()
		switch {
		case errors.Is(err, walker.ErrUnclassified), errors.Is(err, walker.ErrFiltered),
			errors.Is(err, walker.ErrPruned), errors.Is(err, walker.ErrNotHTML):
			tally.Skipped++
		case err != nil:
			tally.Failed++
		default:
			tally.Generated++
			if res.Degraded {
				tally.Degraded++
			}
		}
		tallyMu.Unlock()

		if err != nil {
			g.log.Warn("thumbgen: re-render failed", "source", path, "error", err)
		}
		if opts.OnRender != nil {
			opts.OnRender(path, res, err)
		}
	}

	g.log.Info("thumbgen: watching", "root", g.cfg.InputDir, "mode", opts.Mode)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			g.finishRun(ctx, runID, tally)
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				wg.Wait()
				return errors.New("thumbgen: watcher closed")
			}
			g.handleEvent(w, ev, d)

		case path := <-d.ready:
			wg.Add(1)
			go renderOne(path)

		case err, ok := <-w.Errors:
			if !ok {
				wg.Wait()
				return errors.New("thumbgen: watcher closed")
			}
			g.log.Warn("thumbgen: watcher error", "error", err)
		}
	}
}

func (g *Generator) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, d *debouncer) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := g.watchTree(w, ev.Name); err != nil {
			g.log.Warn("thumbgen: watch new directory failed", "dir", ev.Name, "error", err)
		}
		return
	}
	name := filepath.Base(ev.Name)
	if !walker.IsHTML(name) || strings.HasPrefix(name, render.StagePrefix) {
		return
	}
	d.touch(ev.Name)
}

// watchTree adds root and every non-pruned directory below it.
func (g *Generator) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("thumbgen: watch %s: %w", root, err)
			}
			g.log.Warn("thumbgen: skip unreadable directory", "dir", path, "error", err)
			return nil
		}
		if !e.IsDir() {
			return nil
		}
		if path != root && walker.Pruned(filepath.Dir(path), e.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("thumbgen: watch %s: %w", path, err)
		}
		return nil
	})
}

// debouncer emits a path on ready once it has not been touched for delay.
type debouncer struct {
	delay time.Duration
	ready chan string

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   chan struct{}
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:  delay,
		ready:  make(chan string),
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
}

func (d *debouncer) touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Reset(d.delay)
		return
	}
	d.timers[path] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		select {
		case d.ready <- path:
		case <-d.done:
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, t := range d.timers {
		t.Stop()
		delete(d.timers, p)
	}
	close(d.done)
}
