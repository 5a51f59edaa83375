// Package thumbgen renders thumbnails for a tree of email templates and
// briefs: it walks the tree, prepares each HTML file for its class, and
// captures a content-sized image through a shared headless browser.
package thumbgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/thumbgen/internal/browser"
	"github.com/hazyhaar/thumbgen/internal/ledger"
	"github.com/hazyhaar/thumbgen/internal/limiter"
	"github.com/hazyhaar/thumbgen/internal/prep"
	"github.com/hazyhaar/thumbgen/internal/render"
	"github.com/hazyhaar/thumbgen/internal/walker"
)

// ErrPrepare wraps failures of the merge and rewrite steps.
var ErrPrepare = errors.New("thumbgen: prepare failed")

// Generator runs thumbnail passes. Start it once, run any number of passes,
// then Close it.
type Generator struct {
	cfg    Config
	format render.Format
	log    *slog.Logger

	backend render.Backend
	manager *browser.Manager // nil when the backend was injected

	limiter  *limiter.Limiter
	merger   *prep.Merger
	rewriter *prep.Rewriter

	ledger    *ledger.Ledger
	ownLedger bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithBackend replaces the headless Chrome backend.
func WithBackend(b render.Backend) Option {
	return func(g *Generator) { g.backend = b }
}

// WithLedger records runs in l instead of opening Config.Ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(g *Generator) { g.ledger = l }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// New validates cfg and wires the pipeline. Chrome is not launched until
// Start.
func New(cfg Config, opts ...Option) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{cfg: cfg, format: cfg.format(), log: slog.Default()}
	for _, o := range opts {
		o(g)
	}

	var mopts []prep.MergerOption
	if cfg.Sanitize {
		mopts = append(mopts, prep.WithSanitizer(prep.NewSanitizer()))
	}
	merger, err := prep.LoadMerger(cfg.Template, mopts...)
	if err != nil {
		return nil, err
	}
	g.merger = merger

	rewriter, err := prep.NewRewriter(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	g.rewriter = rewriter
	g.limiter = limiter.New(cfg.limits())

	if g.backend == nil {
		g.manager = browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.RemoteURL,
			Bin:              cfg.Browser.Bin,
			NoSandbox:        cfg.Browser.NoSandbox,
			Stealth:          cfg.Browser.Stealth,
			ResourceBlocking: cfg.Browser.BlockResources,
			Logger:           g.log,
		})
		g.backend = g.manager
	}

	if g.ledger == nil && cfg.Ledger != "" {
		l, err := ledger.Open(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		g.ledger = l
		g.ownLedger = true
	}
	return g, nil
}

// Start launches Chrome. With an injected backend it does nothing.
// Errors wrap render.ErrBackendLaunch.
func (g *Generator) Start(ctx context.Context) error {
	if g.manager == nil {
		return nil
	}
	return g.manager.Start(ctx)
}

// Close shuts down Chrome and the ledger the Generator opened.
func (g *Generator) Close() error {
	var errs []error
	if g.manager != nil {
		errs = append(errs, g.manager.Close())
	}
	if g.ownLedger {
		errs = append(errs, g.ledger.Close())
	}
	return errors.Join(errs...)
}

// Limiter exposes the concurrency limiter, for instrumentation.
func (g *Generator) Limiter() *limiter.Limiter { return g.limiter }

// Summary is the outcome of one pass.
type Summary struct {
	RunID string
	walker.Tally
	Duration time.Duration
}

// String is the line printed at the end of every CLI run.
func (s Summary) String() string {
	return fmt.Sprintf("thumbnails generated=%d failed=%d skipped=%d",
		s.Generated, s.Failed, s.Skipped)
}

func (g *Generator) layout(mode walker.Mode) walker.Layout {
	return walker.Layout{
		Root:   g.cfg.InputDir,
		OutDir: g.cfg.OutputDir,
		Format: g.format,
		Mode:   mode,
	}
}

// Run walks Config.InputDir once and renders every file mode accepts. The
// summary is valid even when err is set; err is set only when the tree is
// unreadable or the backend failed.
func (g *Generator) Run(ctx context.Context, mode walker.Mode) (Summary, error) {
	start := time.Now()
	runID := g.startRun(ctx, mode)

	w, err := walker.New(walker.Config{
		Layout:  g.layout(mode),
		Limiter: g.limiter,
		Handle:  g.handler(runID),
		Fatal:   render.Fatal,
		Logger:  g.log,
	})
	if err != nil {
		return Summary{RunID: runID}, err
	}

	tally, err := w.Walk(ctx)
	sum := Summary{RunID: runID, Tally: tally, Duration: time.Since(start)}
	g.finishRun(ctx, runID, tally)

	g.log.Info("thumbgen: run finished",
		"root", g.cfg.InputDir, "mode", mode,
		"generated", tally.Generated, "failed", tally.Failed,
		"skipped", tally.Skipped, "degraded", tally.Degraded,
		"duration", sum.Duration)
	return sum, err
}

// RenderFile renders one file under Config.InputDir, classified as a full
// walk would classify it. runID may be empty.
func (g *Generator) RenderFile(ctx context.Context, runID, path string, mode walker.Mode) (render.Result, error) {
	task, err := g.layout(mode).Plan(path)
	if err != nil {
		return render.Result{}, err
	}
	release, err := g.limiter.Acquire(ctx, task.Kind.LimiterClass())
	if err != nil {
		return render.Result{}, err
	}
	defer release()

	res, err := g.render(ctx, task)
	g.record(ctx, runID, task, res, err)
	return res, err
}

func (g *Generator) handler(runID string) walker.Handler {
	return func(ctx context.Context, t walker.Task) (bool, error) {
		res, err := g.render(ctx, t)
		g.record(ctx, runID, t, res, err)
		return res.Degraded, err
	}
}

// render reads, prepares and captures one task.
func (g *Generator) render(ctx context.Context, t walker.Task) (render.Result, error) {
	raw, err := os.ReadFile(t.Source)
	if err != nil {
		return render.Result{}, &render.Error{Kind: render.ErrFileSystem, Source: t.Rel, Err: err}
	}

	// Blank sources skip preparation so Capture rejects them as empty.
	html, baseDir := raw, ""
	if len(bytes.TrimSpace(raw)) > 0 {
		html, baseDir, err = g.prepare(t, raw)
		if err != nil {
			return render.Result{}, fmt.Errorf("%w: %s: %w", ErrPrepare, t.Rel, err)
		}
	}

	job := render.Job{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Source:        t.Rel,
		SourceHTML:    string(html),
		BaseDir:       baseDir,
		OutputPath:    t.OutputPath,
		ViewportWidth: g.cfg.Width,
		MinHeight:     g.cfg.MinHeight,
		Format:        g.format,
		Quality:       g.cfg.Quality,
	}
	return render.Capture(ctx, g.backend, job, render.Options{
		Settle: g.cfg.settle(),
		Logger: g.log.With("class", t.Class, "kind", t.Kind, "job", job.ID),
	})
}

// prepare returns the document to load and the directory its relative
// references resolve against.
func (g *Generator) prepare(t walker.Task, raw []byte) ([]byte, string, error) {
	switch t.Kind {
	case walker.KindTemplate:
		// The merged document is loaded as content, like the wrapper it
		// came from; it has no directory of its own.
		out, err := g.merger.Merge(raw)
		return out, "", err
	case walker.KindBrief:
		out, err := g.rewriter.Rewrite(raw)
		return out, filepath.Dir(t.Source), err
	default:
		return raw, filepath.Dir(t.Source), nil
	}
}

func (g *Generator) startRun(ctx context.Context, mode walker.Mode) string {
	if g.ledger == nil {
		return ""
	}
	id, err := g.ledger.StartRun(ctx, mode.String(), g.cfg.InputDir)
	if err != nil {
		g.log.Warn("thumbgen: ledger start run failed", "error", err)
		return ""
	}
	return id
}

func (g *Generator) finishRun(ctx context.Context, runID string, t walker.Tally) {
	if g.ledger == nil || runID == "" {
		return
	}
	totals := ledger.Totals{Generated: t.Generated, Failed: t.Failed, Skipped: t.Skipped, Degraded: t.Degraded}
	if err := g.ledger.FinishRun(context.WithoutCancel(ctx), runID, totals); err != nil {
		g.log.Warn("thumbgen: ledger finish run failed", "run", runID, "error", err)
	}
}

func (g *Generator) record(ctx context.Context, runID string, t walker.Task, res render.Result, err error) {
	if g.ledger == nil || runID == "" {
		return
	}
	j := &ledger.Job{
		RunID:    runID,
		Source:   t.Rel,
		Output:   t.OutputPath,
		Class:    t.Class.String(),
		Kind:     t.Kind.String(),
		Status:   ledger.StatusOK,
		Width:    res.Width,
		Height:   res.Height,
		Bytes:    int64(res.Bytes),
		Duration: res.Duration,
	}
	switch {
	case err != nil:
		j.Status = ledger.StatusFailed
		j.Error = err.Error()
	case res.Degraded:
		j.Status = ledger.StatusDegraded
	}
	if lerr := g.ledger.RecordJob(context.WithoutCancel(ctx), j); lerr != nil {
		g.log.Warn("thumbgen: ledger record failed", "source", t.Rel, "error", lerr)
	}
}
