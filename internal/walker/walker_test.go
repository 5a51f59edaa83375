package walker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/thumbgen/internal/limiter"
	"github.com/hazyhaar/thumbgen/internal/render"
)

// mkTree creates files (and directories for names ending in "/") under root.
func mkTree(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		if p[len(p)-1] == '/' {
			if err := os.MkdirAll(full, 0o755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("<html><body>x</body></html>"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

type recorder struct {
	mu    sync.Mutex
	tasks []Task
}

func (r *recorder) handle(ctx context.Context, t Task) (bool, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return false, nil
}

func (r *recorder) byRel() map[string]Task {
	out := make(map[string]Task, len(r.tasks))
	for _, t := range r.tasks {
		out[filepath.ToSlash(t.Rel)] = t
	}
	return out
}

func newWalker(t *testing.T, layout Layout, h Handler) *Walker {
	t.Helper()
	if layout.Format == "" {
		layout.Format = render.FormatWebP
	}
	w, err := New(Config{Layout: layout, Handle: h})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWalk_ClassifiesAndDispatches(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root,
		"email/email.html",
		"email/thumbnails/",
		"email/other.html",
		"brief/index.html",
		"templates/_blank/foo.html",
		"templates/_blank/sub/bar.html",
		"templates/email/email.html",
		"misc/page.html",
		"layouts/base.HTML",
		"email/brief/page.html",
		"notes.txt",
		"brief/"+render.StagePrefix+"123.html",
	)

	rec := &recorder{}
	tally, err := newWalker(t, Layout{Root: root}, rec.handle).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got := rec.byRel()
	want := map[string]struct {
		class Class
		kind  Kind
		out   string
	}{
		"email/email.html":           {Email, KindTemplate, "email/thumbnails/thumb.webp"},
		"email/other.html":           {Email, KindDirect, "email/thumb.webp"},
		"brief/index.html":           {Brief, KindBrief, "brief/thumb.webp"},
		"templates/email/email.html": {Email, KindTemplate, "templates/email/thumbnails/thumb.webp"},
		"layouts/base.HTML":          {Email, KindDirect, "layouts/thumb.webp"},
		"email/brief/page.html":      {Email, KindDirect, "email/brief/thumb.webp"},
	}
	if len(got) != len(want) {
		var keys []string
		for k := range got {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t.Fatalf("dispatched %v, want %d files", keys, len(want))
	}
	for rel, w := range want {
		task, ok := got[rel]
		if !ok {
			t.Errorf("%s not dispatched", rel)
			continue
		}
		if task.Class != w.class || task.Kind != w.kind {
			t.Errorf("%s: class=%s kind=%s, want %s/%s", rel, task.Class, task.Kind, w.class, w.kind)
		}
		if task.OutputPath != filepath.Join(root, filepath.FromSlash(w.out)) {
			t.Errorf("%s: output %s, want %s", rel, task.OutputPath, w.out)
		}
	}

	if tally.Generated != 6 || tally.Skipped != 1 || tally.Failed != 0 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestWalk_EndToEndCount(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "email/email.html", "email/thumbnails/", "brief/index.html")

	rec := &recorder{}
	tally, err := newWalker(t, Layout{Root: root}, rec.handle).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Generated != 2 {
		t.Fatalf("generated = %d, want 2", tally.Generated)
	}
	got := rec.byRel()
	if got["email/email.html"].OutputPath != filepath.Join(root, "email", "thumbnails", "thumb.webp") {
		t.Errorf("email output = %s", got["email/email.html"].OutputPath)
	}
	if got["brief/index.html"].OutputPath != filepath.Join(root, "brief", "thumb.webp") {
		t.Errorf("brief output = %s", got["brief/index.html"].OutputPath)
	}
}

func TestWalk_ModeFilter(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "email/email.html", "brief/index.html")

	rec := &recorder{}
	tally, err := newWalker(t, Layout{Root: root, Mode: ModeEmail}, rec.handle).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Generated != 1 || tally.Skipped != 1 {
		t.Errorf("tally = %+v", tally)
	}
	if _, ok := rec.byRel()["email/email.html"]; !ok {
		t.Error("email sentinel not dispatched in email mode")
	}
}

func TestWalk_ModeHintClassifiesBareRoot(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "welcome/email.html", "welcome/footer.html")

	rec := &recorder{}
	tally, err := newWalker(t, Layout{Root: root, Mode: ModeEmail}, rec.handle).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Generated != 2 {
		t.Fatalf("tally = %+v", tally)
	}
	if rec.byRel()["welcome/email.html"].Kind != KindTemplate {
		t.Error("sentinel not treated as template under email hint")
	}
}

func TestWalk_OutDirMirrors(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	mkTree(t, root, "brief/q3/index.html")

	rec := &recorder{}
	if _, err := newWalker(t, Layout{Root: root, OutDir: out}, rec.handle).Walk(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(out, "brief", "q3", "thumb.webp")
	if got := rec.byRel()["brief/q3/index.html"].OutputPath; got != want {
		t.Errorf("output = %s, want %s", got, want)
	}
}

func TestWalk_DuplicateOutputRejected(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "layouts/a.html", "layouts/b.html")

	rec := &recorder{}
	tally, err := newWalker(t, Layout{Root: root}, rec.handle).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Generated != 1 || tally.Failed != 1 {
		t.Errorf("tally = %+v, want 1 generated 1 failed", tally)
	}
	if len(rec.tasks) != 1 {
		t.Errorf("handler called %d times, want 1", len(rec.tasks))
	}
}

func TestWalk_JobErrorsDoNotStopSiblings(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "email/email.html", "email/a/x.html", "email/b/y.html", "brief/index.html")

	var calls atomic.Int64
	h := func(ctx context.Context, task Task) (bool, error) {
		calls.Add(1)
		if task.Kind == KindTemplate {
			return false, errors.New("merge failed")
		}
		return task.Kind == KindBrief, nil
	}
	tally, err := newWalker(t, Layout{Root: root}, h).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 4 {
		t.Errorf("handler calls = %d, want 4", calls.Load())
	}
	if tally.Generated != 3 || tally.Failed != 1 || tally.Degraded != 1 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestWalk_FatalErrorCancels(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "email/email.html")

	fatal := errors.New("browser gone")
	h := func(ctx context.Context, task Task) (bool, error) { return false, fatal }

	w, err := New(Config{
		Layout: Layout{Root: root, Format: render.FormatPNG},
		Handle: h,
		Fatal:  func(err error) bool { return errors.Is(err, fatal) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Walk(context.Background()); !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the fatal cause", err)
	}
}

func TestWalk_RootErrors(t *testing.T) {
	rec := &recorder{}
	missing := filepath.Join(t.TempDir(), "nope")
	if _, err := newWalker(t, Layout{Root: missing}, rec.handle).Walk(context.Background()); err == nil {
		t.Error("missing root accepted")
	}

	if _, err := New(Config{Layout: Layout{Root: "x"}}); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestWalk_RespectsClassLimits(t *testing.T) {
	root := t.TempDir()
	var files []string
	for _, d := range []string{"a", "b", "c", "d", "e", "f"} {
		files = append(files, "email/"+d+"/email.html", "email/"+d+"/page.html")
	}
	mkTree(t, root, files...)

	var cur [3]atomic.Int64
	var peak [3]atomic.Int64
	h := func(ctx context.Context, task Task) (bool, error) {
		n := cur[task.Kind].Add(1)
		for {
			p := peak[task.Kind].Load()
			if n <= p || peak[task.Kind].CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur[task.Kind].Add(-1)
		return false, nil
	}

	lim := limiter.New(map[limiter.Class]int{limiter.Template: 1, limiter.File: 2})
	w, err := New(Config{Layout: Layout{Root: root, Format: render.FormatWebP}, Limiter: lim, Handle: h})
	if err != nil {
		t.Fatal(err)
	}
	tally, err := w.Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Generated != 12 {
		t.Fatalf("generated = %d, want 12", tally.Generated)
	}
	if p := peak[KindTemplate].Load(); p > 1 {
		t.Errorf("template peak = %d, limit 1", p)
	}
	if p := peak[KindDirect].Load(); p > 2 {
		t.Errorf("file peak = %d, limit 2", p)
	}
	if lim.Peak(limiter.Template) > 1 || lim.Peak(limiter.File) > 2 {
		t.Errorf("limiter peaks %d/%d", lim.Peak(limiter.Template), lim.Peak(limiter.File))
	}
}

func TestPlan_SingleFile(t *testing.T) {
	root := t.TempDir()
	l := Layout{Root: root, Format: render.FormatPNG}

	task, err := l.Plan(filepath.Join(root, "shared", "brief", "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if task.Class != Brief || task.OutputPath != filepath.Join(root, "shared", "brief", "thumb.png") {
		t.Errorf("task = %+v", task)
	}

	if _, err := l.Plan(filepath.Join(root, "templates", "_blank", "email.html")); !errors.Is(err, ErrPruned) {
		t.Errorf("_blank err = %v, want ErrPruned", err)
	}
	if _, err := l.Plan(filepath.Join(root, "..", "elsewhere.html")); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("outside err = %v, want ErrOutsideRoot", err)
	}
	if _, err := l.Plan(filepath.Join(root, "misc", "page.html")); !errors.Is(err, ErrUnclassified) {
		t.Errorf("unknown err = %v, want ErrUnclassified", err)
	}
	if _, err := l.Plan(filepath.Join(root, "email", "logo.png")); !errors.Is(err, ErrNotHTML) {
		t.Errorf("png err = %v, want ErrNotHTML", err)
	}
}

func TestPlan_KeywordBeatsModeHint(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		mode    Mode
		rel     string
		wantErr error
		class   Class
		kind    Kind
	}{
		{mode: ModeEmail, rel: "brief/index.html", wantErr: ErrFiltered},
		{mode: ModeBrief, rel: "email/email.html", wantErr: ErrFiltered},
		{mode: ModeBrief, rel: "layouts/base.html", wantErr: ErrFiltered},
		{mode: ModeEmail, rel: "welcome/email.html", class: Email, kind: KindTemplate},
		{mode: ModeEmail, rel: "welcome/promo-brief.html", class: Email, kind: KindDirect},
		{mode: ModeBrief, rel: "q3/index.html", class: Brief, kind: KindBrief},
		{mode: ModeAll, rel: "email/email.html", class: Email, kind: KindTemplate},
		{mode: ModeAll, rel: "welcome/promo-brief.html", class: Brief, kind: KindBrief},
	}
	for _, tt := range tests {
		l := Layout{Root: root, Format: render.FormatPNG, Mode: tt.mode}
		task, err := l.Plan(filepath.Join(root, filepath.FromSlash(tt.rel)))
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s %s: err = %v, want %v", tt.mode, tt.rel, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s %s: %v", tt.mode, tt.rel, err)
			continue
		}
		if task.Class != tt.class || task.Kind != tt.kind {
			t.Errorf("%s %s: got %s/%s, want %s/%s", tt.mode, tt.rel, task.Class, task.Kind, tt.class, tt.kind)
		}
	}
}

func TestWalk_BriefModeSkipsEmailTree(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "email/email.html", "email/thumbnails/", "brief/index.html")

	rec := &recorder{}
	tally, err := newWalker(t, Layout{Root: root, Mode: ModeBrief}, rec.handle).Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Generated != 1 || tally.Skipped != 1 {
		t.Errorf("tally = %+v", tally)
	}
	got := rec.byRel()
	if _, ok := got["email/email.html"]; ok {
		t.Error("email sentinel dispatched in brief mode")
	}
	if task := got["brief/index.html"]; task.Kind != KindBrief {
		t.Errorf("brief kind = %s", task.Kind)
	}
}

func TestLayout_RootClassIgnoresAncestors(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "brief")
	mkTree(t, parent, "site/page.html")
	t.Chdir(parent)

	l := Layout{Root: "site", Format: render.FormatPNG}
	if c := l.RootClass(); c != Unknown {
		t.Fatalf("RootClass = %s, want unknown", c)
	}
	if _, err := l.Plan(filepath.Join("site", "page.html")); !errors.Is(err, ErrUnclassified) {
		t.Errorf("err = %v, want ErrUnclassified", err)
	}

	if c := (Layout{Root: filepath.Join("shared", "brief")}).RootClass(); c != Brief {
		t.Errorf("shared/brief RootClass = %s, want brief", c)
	}
}

func TestSafeJoin(t *testing.T) {
	base := filepath.FromSlash("/out")
	if _, err := SafeJoin(base, filepath.FromSlash("a/b")); err != nil {
		t.Error(err)
	}
	if _, err := SafeJoin(base, "."); err != nil {
		t.Error(err)
	}
	if _, err := SafeJoin(base, filepath.FromSlash("../etc")); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("err = %v, want ErrOutsideRoot", err)
	}
}
