// Package render holds the thumbnail data model and the two-pass capture
// protocol: probe viewport, settle, measure, resize, screenshot.
package render

import (
	"fmt"
	"strings"
	"time"
)

// StagePrefix marks temporary documents written next to a source file while
// it renders. Walkers must not pick them up as inputs.
const StagePrefix = ".thumbgen-"

// Format is the encoding of a captured thumbnail.
type Format string

const (
	FormatWebP Format = "webp"
	FormatPNG  Format = "png"
)

// ParseFormat maps a config string to a Format. Matching is case-insensitive.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatWebP:
		return FormatWebP, nil
	case FormatPNG:
		return FormatPNG, nil
	}
	return "", fmt.Errorf("render: unsupported image format %q", s)
}

// Ext returns the file extension without the dot.
func (f Format) Ext() string { return string(f) }

// Lossy reports whether the quality setting has any effect.
func (f Format) Lossy() bool { return f == FormatWebP }

// Job is one unit of work: one HTML document in, one image out.
// Jobs are built once by the walker and never mutated.
type Job struct {
	ID         string
	Source     string // source file, for logs and the ledger
	SourceHTML string
	// BaseDir, when set, is the directory relative references resolve
	// against. Empty means the document is loaded without a base.
	BaseDir       string
	OutputPath    string
	ViewportWidth int
	MinHeight     int
	Format        Format
	Quality       int
}

func (j Job) validate() error {
	if j.OutputPath == "" {
		return fmt.Errorf("empty output path")
	}
	if j.ViewportWidth <= 0 {
		return fmt.Errorf("viewport width %d must be positive", j.ViewportWidth)
	}
	if j.MinHeight <= 0 {
		return fmt.Errorf("min height %d must be positive", j.MinHeight)
	}
	if j.Format != FormatWebP && j.Format != FormatPNG {
		return fmt.Errorf("unsupported format %q", j.Format)
	}
	return nil
}

// ClampQuality bounds q to [0,100].
func ClampQuality(q int) int {
	switch {
	case q < 0:
		return 0
	case q > 100:
		return 100
	}
	return q
}

// Viewport is the emulated device size of a session.
type Viewport struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
}

// FinalHeight is the content-fit viewport height: never below min.
func FinalHeight(measured, min int) int {
	if measured < min {
		return min
	}
	return measured
}

// Result describes a written thumbnail.
type Result struct {
	Path           string
	Width          int
	Height         int
	MeasuredHeight int
	Bytes          int
	Degraded       bool // the page never settled within the timeout
	Duration       time.Duration
}
