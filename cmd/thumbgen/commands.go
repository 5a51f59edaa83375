package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/thumbgen"
	"github.com/hazyhaar/thumbgen/internal/assets"
	"github.com/hazyhaar/thumbgen/internal/walker"
)

func (a *app) emailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Render thumbnails for an email template tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPass(cmd, walker.ModeEmail)
		},
	}
	cmd.Flags().String("dir", "email", "email template tree")
	cmd.Flags().String("template", "", "wrapper document with an <mj-body> slot (default: built-in)")
	cmd.Flags().Bool("sanitize", false, "strip scripts and event handlers from email bodies")
	return cmd
}

func (a *app) briefCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brief",
		Short: "Render thumbnails for a brief tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPass(cmd, walker.ModeBrief)
		},
	}
	cmd.Flags().String("dir", "shared/brief", "brief tree")
	cmd.Flags().String("server", "", "asset server URL (default http://localhost:5001)")
	cmd.Flags().String("shared", "", "serve this shared directory in-process instead of using --server")
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render thumbnails for every email and brief under a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := walker.ParseMode(a.v.GetString("mode"))
			if err != nil {
				return err
			}
			return a.runPass(cmd, mode)
		},
	}
	cmd.Flags().String("dir", ".", "input tree")
	cmd.Flags().String("mode", "all", "classes to render: all, email or brief")
	cmd.Flags().String("template", "", "email wrapper document (default: built-in)")
	cmd.Flags().Bool("sanitize", false, "strip scripts and event handlers from email bodies")
	cmd.Flags().String("server", "", "asset server URL (default http://localhost:5001)")
	cmd.Flags().String("shared", "", "serve this shared directory in-process instead of using --server")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the shared brief assets until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := assets.New(assets.Config{
				Shared: a.v.GetString("shared"),
				Addr:   a.v.GetString("addr"),
				Logger: a.log,
			})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().String("shared", "shared", "directory holding dist/, src/ and assets/")
	cmd.Flags().String("addr", assets.DefaultAddr, "listen address")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-render thumbnails as HTML files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := walker.ParseMode(a.v.GetString("mode"))
			if err != nil {
				return err
			}
			return a.withGenerator(cmd, func(ctx context.Context, g *thumbgen.Generator) error {
				return g.Watch(ctx, thumbgen.WatchOptions{
					Mode:     mode,
					Debounce: a.v.GetDuration("debounce"),
					Initial:  a.v.GetBool("initial"),
				})
			})
		},
	}
	cmd.Flags().String("dir", ".", "input tree")
	cmd.Flags().String("mode", "all", "classes to render: all, email or brief")
	cmd.Flags().Duration("debounce", thumbgen.DefaultDebounce, "quiet period before a changed file re-renders")
	cmd.Flags().Bool("initial", false, "render the whole tree before watching")
	cmd.Flags().String("template", "", "email wrapper document (default: built-in)")
	cmd.Flags().String("server", "", "asset server URL (default http://localhost:5001)")
	cmd.Flags().String("shared", "", "serve this shared directory in-process instead of using --server")
	return cmd
}

// runPass renders one tree and prints the summary line, even when the pass
// stopped early.
func (a *app) runPass(cmd *cobra.Command, mode walker.Mode) error {
	return a.withGenerator(cmd, func(ctx context.Context, g *thumbgen.Generator) error {
		sum, err := g.Run(ctx, mode)
		fmt.Fprintln(cmd.OutOrStdout(), sum.String())
		return err
	})
}

// withGenerator resolves the config, starts an in-process asset server when
// --shared is set, starts Chrome and runs fn.
func (a *app) withGenerator(cmd *cobra.Command, fn func(context.Context, *thumbgen.Generator) error) error {
	ctx := cmd.Context()
	cfg, err := a.config()
	if err != nil {
		return err
	}

	if shared := a.v.GetString("shared"); shared != "" && cmd.Flags().Lookup("shared") != nil {
		srv, err := assets.New(assets.Config{Shared: shared, Addr: "127.0.0.1:0", Logger: a.log})
		if err != nil {
			return err
		}
		url, err := srv.Start()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		cfg.ServerURL = url
	}

	opts := append([]thumbgen.Option{thumbgen.WithLogger(a.log)}, a.opts...)
	g, err := thumbgen.New(*cfg, opts...)
	if err != nil {
		return err
	}
	defer g.Close()

	if err := g.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, g)
}
