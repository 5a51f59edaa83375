package walker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/thumbgen/internal/limiter"
)

// Handler pre-processes and renders one task. degraded reports a capture
// that completed without the page settling.
type Handler func(ctx context.Context, t Task) (degraded bool, err error)

// Config configures a Walker.
type Config struct {
	Layout
	Limiter *limiter.Limiter
	Handle  Handler
	// Fatal, when it returns true for a handler error, cancels the rest of
	// the walk. Default: nothing is fatal.
	Fatal  func(error) bool
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Limiter == nil {
		c.Limiter = limiter.New(nil)
	}
	if c.Fatal == nil {
		c.Fatal = func(error) bool { return false }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Tally counts the outcome of one walk.
type Tally struct {
	Generated int64
	Failed    int64
	Skipped   int64
	Degraded  int64
}

// Walker walks an input tree. A Walker can run any number of walks; each
// walk owns its own counters.
type Walker struct {
	cfg Config
}

// New validates cfg and returns a Walker.
func New(cfg Config) (*Walker, error) {
	if cfg.Root == "" {
		return nil, errors.New("walker: empty root")
	}
	if cfg.Handle == nil {
		return nil, errors.New("walker: nil handler")
	}
	cfg.defaults()
	return &Walker{cfg: cfg}, nil
}

// walk is the state of one Walk call.
type walk struct {
	*Walker
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	claimed map[string]string // output path -> source rel

	generated atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	degraded  atomic.Int64
}

// Walk traverses the tree depth-first and returns once every dispatched job
// has finished. Per-file and per-directory failures are logged and counted;
// the returned error is set only when the root is unreadable or a fatal
// handler error cut the walk short.
func (w *Walker) Walk(ctx context.Context) (Tally, error) {
	root := filepath.Clean(w.cfg.Root)
	info, err := os.Stat(root)
	if err != nil {
		return Tally{}, fmt.Errorf("walker: stat root: %w", err)
	}
	if !info.IsDir() {
		return Tally{}, fmt.Errorf("walker: root %s is not a directory", root)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	run := &walk{Walker: w, cancel: cancel, claimed: make(map[string]string)}
	class := w.cfg.RootClass()
	w.cfg.Logger.Info("walker: starting",
		"root", root, "class", class, "mode", w.cfg.Mode)

	run.dir(ctx, root, class)

	t := Tally{
		Generated: run.generated.Load(),
		Failed:    run.failed.Load(),
		Skipped:   run.skipped.Load(),
		Degraded:  run.degraded.Load(),
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return t, cause
	}
	return t, ctx.Err()
}

// dir processes one directory: subdirectories recurse concurrently, files go
// through the limiter, and dir returns only after both are done.
func (r *walk) dir(ctx context.Context, dir string, class Class) {
	log := r.cfg.Logger

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error("walker: read directory failed", "dir", dir, "error", err)
		r.failed.Add(1)
		return
	}

	g := r.cfg.Limiter.Group(ctx)
	var wg sync.WaitGroup

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		if e.IsDir() {
			if Pruned(dir, name) {
				log.Debug("walker: pruned", "dir", path)
				continue
			}
			child := Descend(class, name)
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.dir(ctx, path, child)
			}()
			continue
		}

		if !e.Type().IsRegular() || !IsHTML(name) {
			continue
		}

		task, ok := r.plan(dir, name, class)
		if !ok {
			continue
		}
		g.Go(task.Kind.LimiterClass(), func(ctx context.Context) error {
			r.run(ctx, task)
			return nil
		})
	}

	wg.Wait()
	if err := g.Wait(); err != nil {
		log.Debug("walker: jobs not started", "dir", dir, "error", err)
	}
	log.Debug("walker: directory done", "dir", dir)
}

func (r *walk) plan(dir, name string, class Class) (Task, bool) {
	log := r.cfg.Logger

	task, err := r.cfg.taskFor(dir, name, class)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotHTML):
		return Task{}, false
	case errors.Is(err, ErrFiltered):
		log.Debug("walker: skipped", "reason", err)
		r.skipped.Add(1)
		return Task{}, false
	case errors.Is(err, ErrUnclassified):
		log.Info("walker: skipped unclassified file", "source", filepath.Join(dir, name))
		r.skipped.Add(1)
		return Task{}, false
	default:
		log.Error("walker: plan failed", "source", filepath.Join(dir, name), "error", err)
		r.failed.Add(1)
		return Task{}, false
	}

	r.mu.Lock()
	owner, taken := r.claimed[task.OutputPath]
	if !taken {
		r.claimed[task.OutputPath] = task.Rel
	}
	r.mu.Unlock()
	if taken {
		log.Error("walker: duplicate output path",
			"source", task.Rel, "output", task.OutputPath, "owner", owner,
			"error", ErrDuplicateOutput)
		r.failed.Add(1)
		return Task{}, false
	}
	return task, true
}

func (r *walk) run(ctx context.Context, t Task) {
	degraded, err := r.cfg.Handle(ctx, t)
	if err != nil {
		r.failed.Add(1)
		r.cfg.Logger.Error("walker: job failed",
			"source", t.Rel, "class", t.Class, "kind", t.Kind, "error", err)
		if r.cfg.Fatal(err) {
			r.cancel(err)
		}
		return
	}
	r.generated.Add(1)
	if degraded {
		r.degraded.Add(1)
	}
}
