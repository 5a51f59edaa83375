package render

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// StyleReset is injected after the final resize so engine default margins
// and backgrounds never reach the pixels.
const StyleReset = `html,body{margin:0 !important;padding:0 !important;background:#fff !important;}`

// Options configures Capture.
type Options struct {
	Settle Settle
	Logger *slog.Logger
}

func (o *Options) defaults() {
	o.Settle.defaults()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Capture runs the two-pass protocol for job against backend and writes the
// image to job.OutputPath. On failure no file is left at that path.
func Capture(ctx context.Context, backend Backend, job Job, opts Options) (res Result, err error) {
	opts.defaults()
	log := opts.Logger.With("source", job.Source, "output", job.OutputPath)
	start := time.Now()

	defer func() {
		if err != nil && job.OutputPath != "" {
			discard(job.OutputPath, log)
		}
	}()

	if strings.TrimSpace(job.SourceHTML) == "" {
		return Result{}, &Error{Kind: ErrEmptyContent, Source: job.Source}
	}
	if verr := job.validate(); verr != nil {
		return Result{}, &Error{Kind: ErrInvalidJob, Source: job.Source, Err: verr}
	}

	sess, err := backend.OpenSession(ctx)
	if err != nil {
		kind := ErrNavigation
		if errors.Is(err, ErrBackendLaunch) {
			kind = ErrBackendLaunch
		}
		return Result{}, &Error{Kind: kind, Source: job.Source, Err: err}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("render: session close failed", "error", cerr)
		}
	}()

	// Pass 1: a small probe viewport so the measurement reflects content,
	// not an oversized canvas.
	probe := Viewport{Width: job.ViewportWidth, Height: job.MinHeight, DeviceScaleFactor: 1}
	if err := sess.SetViewport(ctx, probe); err != nil {
		return Result{}, &Error{Kind: ErrNavigation, Source: job.Source, Err: err}
	}

	degraded := false
	if err := sess.Load(ctx, job.SourceHTML, job.BaseDir, opts.Settle); err != nil {
		if !errors.Is(err, ErrTimeoutDegraded) {
			return Result{}, &Error{Kind: ErrNavigation, Source: job.Source, Err: err}
		}
		degraded = true
		log.Warn("render: network did not settle, capturing anyway",
			"timeout", opts.Settle.Timeout)
	}

	measured, err := sess.ContentHeight(ctx)
	if err != nil {
		return Result{}, &Error{Kind: ErrNavigation, Source: job.Source, Err: err}
	}

	// Pass 2: fit the viewport to the content.
	final := Viewport{
		Width:             job.ViewportWidth,
		Height:            FinalHeight(measured, job.MinHeight),
		DeviceScaleFactor: 1,
	}
	if err := sess.SetViewport(ctx, final); err != nil {
		return Result{}, &Error{Kind: ErrNavigation, Source: job.Source, Err: err}
	}

	if err := sess.InjectStyle(ctx, StyleReset); err != nil {
		log.Warn("render: style reset failed", "error", err)
	}

	data, err := sess.Screenshot(ctx, job.Format, ClampQuality(job.Quality))
	if err != nil {
		return Result{}, &Error{Kind: ErrCaptureEncode, Source: job.Source, Err: err}
	}

	w, h, err := Verify(data, job.Format)
	if err != nil {
		return Result{}, &Error{Kind: ErrCaptureEncode, Source: job.Source, Err: err}
	}
	if w != final.Width || h != final.Height {
		log.Warn("render: image size differs from viewport",
			"image_width", w, "image_height", h,
			"viewport_width", final.Width, "viewport_height", final.Height)
	}

	if err := WriteAtomic(job.OutputPath, data); err != nil {
		return Result{}, &Error{Kind: ErrFileSystem, Source: job.Source, Err: err}
	}

	res = Result{
		Path:           job.OutputPath,
		Width:          final.Width,
		Height:         final.Height,
		MeasuredHeight: measured,
		Bytes:          len(data),
		Degraded:       degraded,
		Duration:       time.Since(start),
	}
	log.Info("render: thumbnail written",
		"bytes", res.Bytes, "width", res.Width, "height", res.Height,
		"degraded", degraded, "duration", res.Duration)
	return res, nil
}
