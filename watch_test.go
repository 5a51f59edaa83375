package thumbgen

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/thumbgen/internal/render"
)

// touchUntil rewrites path every 50ms until a render of it is reported or
// the deadline passes. Writes made before the watch is registered go unseen.
func touchUntil(t *testing.T, path string, rendered <-chan string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, os.WriteFile(path, []byte("<p>changed</p>"), 0o644))
		select {
		case got := <-rendered:
			if got == path {
				return
			}
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no re-render of %s", path)
		}
	}
}

func TestWatch_RerendersChangedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"brief/index.html": "<p>v1</p>"})
	g := newTestGenerator(t, testConfig(root), &fakeBackend{height: 50})

	rendered := make(chan string, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Watch(ctx, WatchOptions{
			Debounce: 20 * time.Millisecond,
			OnRender: func(path string, res render.Result, err error) {
				if err != nil {
					return
				}
				select {
				case rendered <- path:
				default:
				}
			},
		})
	}()

	touchUntil(t, filepath.Join(root, "brief", "index.html"), rendered)
	assert.FileExists(t, filepath.Join(root, "brief", "thumb.png"))

	// A directory created after the watch started is picked up too.
	touchUntil(t, filepath.Join(root, "email", "fresh", "email.html"), rendered)
	assert.FileExists(t, filepath.Join(root, "email", "fresh", "thumbnails", "thumb.png"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_InitialPass(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"layouts/base.html": "<p>x</p>"})
	g := newTestGenerator(t, testConfig(root), &fakeBackend{height: 50})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Watch(ctx, WatchOptions{Initial: true}) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "layouts", "thumb.png"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_MissingRoot(t *testing.T) {
	g := newTestGenerator(t, testConfig(filepath.Join(t.TempDir(), "gone")), &fakeBackend{})
	err := g.Watch(context.Background(), WatchOptions{})
	assert.Error(t, err)
}

func TestDebouncer_CollapsesBursts(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	for range 10 {
		d.touch("a.html")
		time.Sleep(2 * time.Millisecond)
	}
	d.touch("b.html")

	got := map[string]int{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case p := <-d.ready:
			got[p]++
		case <-timeout:
			t.Fatalf("got %v", got)
		}
	}
	select {
	case p := <-d.ready:
		t.Errorf("extra event for %s", p)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, map[string]int{"a.html": 1, "b.html": 1}, got)
}
