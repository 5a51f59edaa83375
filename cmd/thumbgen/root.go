package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hazyhaar/thumbgen"
)

// envKeys maps flag names to the environment variables that set them.
// Any other flag is also read from THUMBGEN_<FLAG>.
var envKeys = map[string]string{
	"dir":            "INPUT_DIR",
	"width":          "THUMBNAIL_WIDTH",
	"min-height":     "MIN_THUMBNAIL_HEIGHT",
	"quality":        "THUMBNAIL_QUALITY",
	"format":         "THUMBNAIL_FORMAT",
	"server":         "LOCAL_SERVER_URL",
	"log-level":      "LOG_LEVEL",
	"template-limit": "TEMPLATE_PROCESSING_LIMIT",
	"file-limit":     "FILE_PROCESSING_LIMIT",
	"chrome-remote":  "CHROME_REMOTE_URL",
}

// app carries state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	log    *slog.Logger
	closer io.Closer
	// opts are appended to every thumbgen.New call.
	opts []thumbgen.Option
}

func newRootCmd(opts ...thumbgen.Option) *cobra.Command {
	a := &app{v: viper.New(), opts: opts}

	root := &cobra.Command{
		Use:   "thumbgen",
		Short: "Render content-sized thumbnails for email templates and briefs",
		Long: `thumbgen walks a tree of email templates and briefs, prepares each HTML
file for its class, renders it in headless Chrome and writes a thumbnail
sized to the rendered content.

Configuration precedence: flags > environment (.env is loaded) > --config
file > defaults.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closer != nil {
				return a.closer.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.Int("width", 0, "viewport width in pixels (default 1024)")
	pf.Int("min-height", 0, "minimum thumbnail height (default 40)")
	pf.Int("quality", 0, "webp quality 0-100 (default 80)")
	pf.String("format", "", "image format: webp or png (default webp)")
	pf.Int("template-limit", 0, "concurrent template and brief renders (default 2)")
	pf.Int("file-limit", 0, "concurrent direct file renders (default 5)")
	pf.Duration("settle-timeout", 0, "max wait for the page to settle (default 5s)")
	pf.String("out", "", "output root mirroring the input tree (default: in place)")
	pf.String("ledger", "", "SQLite run ledger path")
	pf.String("chrome-bin", "", "Chrome binary")
	pf.String("chrome-remote", "", "WebSocket URL of a running Chrome")
	pf.Bool("no-sandbox", false, "disable the Chrome sandbox")
	pf.StringSlice("block", nil, "resource types to block, e.g. media,font")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-file", "", "also append logs to this file")

	root.AddCommand(
		a.emailCmd(),
		a.briefCmd(),
		a.runCmd(),
		a.serveCmd(),
		a.watchCmd(),
	)
	return root
}

// setup loads .env, binds flags and environment, and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	v := a.v
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	v.SetEnvPrefix("THUMBGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	log, closer, err := newLogger(cmd.ErrOrStderr(),
		v.GetString("log-level"), v.GetString("log-format"), v.GetString("log-file"))
	if err != nil {
		return err
	}
	a.log, a.closer = log, closer
	slog.SetDefault(log)
	return nil
}

// config resolves the thumbgen configuration for this invocation.
func (a *app) config() (*thumbgen.Config, error) {
	v := a.v

	cfg := thumbgen.DefaultConfig()
	if path := v.GetString("config"); path != "" {
		loaded, err := thumbgen.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	setInt("width", &cfg.Width)
	setInt("min-height", &cfg.MinHeight)
	setInt("quality", &cfg.Quality)
	setString("format", &cfg.Format)
	setInt("template-limit", &cfg.TemplateLimit)
	setInt("file-limit", &cfg.FileLimit)
	if v.IsSet("settle-timeout") {
		cfg.SettleTimeout = v.GetDuration("settle-timeout")
	}
	setString("out", &cfg.OutputDir)
	setString("ledger", &cfg.Ledger)
	setString("server", &cfg.ServerURL)
	setString("template", &cfg.Template)
	if v.IsSet("sanitize") {
		cfg.Sanitize = v.GetBool("sanitize")
	}
	setString("chrome-bin", &cfg.Browser.Bin)
	setString("chrome-remote", &cfg.Browser.RemoteURL)
	if v.IsSet("no-sandbox") {
		cfg.Browser.NoSandbox = v.GetBool("no-sandbox")
	}
	if v.IsSet("block") {
		cfg.Browser.BlockResources = v.GetStringSlice("block")
	}

	// --dir: flag or env, then the config file, then the command default.
	if v.IsSet("dir") || cfg.InputDir == "" {
		cfg.InputDir = v.GetString("dir")
	}
	if cfg.InputDir == "" {
		return nil, errors.New("no input directory")
	}
	cfg.InputDir = filepath.Clean(cfg.InputDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog logger. A non-empty file receives a copy of
// every record.
func newLogger(w io.Writer, level, format, file string) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "", "info":
		lvl = slog.LevelInfo
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", level)
	}

	var closer io.Closer
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(h), closer, nil
}
