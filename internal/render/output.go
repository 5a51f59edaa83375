package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	_ "golang.org/x/image/webp"
)

// Verify decodes the image header and checks it matches format.
// It returns the pixel dimensions.
func Verify(data []byte, format Format) (width, height int, err error) {
	if len(data) == 0 {
		return 0, 0, errors.New("empty image")
	}
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s header: %w", format, err)
	}
	if name != string(format) {
		return 0, 0, fmt.Errorf("image is %s, want %s", name, format)
	}
	return cfg.Width, cfg.Height, nil
}

// WriteAtomic writes data to a temp file next to path and renames it into
// place, so path is either absent or complete.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".thumb-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(name, 0o644)
	}
	if werr != nil {
		os.Remove(name)
		return fmt.Errorf("write temp: %w", werr)
	}

	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// discard removes a stale or partial output so a failed job leaves nothing
// behind.
func discard(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("render: remove stale output failed", "error", err)
	}
}
