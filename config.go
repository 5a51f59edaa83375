package thumbgen

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/thumbgen/internal/browser"
	"github.com/hazyhaar/thumbgen/internal/limiter"
	"github.com/hazyhaar/thumbgen/internal/render"
)

// Config holds the full thumbgen configuration.
type Config struct {
	// InputDir is the tree to walk.
	InputDir string `yaml:"input_dir"`
	// OutputDir mirrors InputDir. Empty writes thumbnails next to the inputs.
	OutputDir string `yaml:"output_dir"`

	Width         int           `yaml:"width"`
	MinHeight     int           `yaml:"min_height"`
	Quality       int           `yaml:"quality"`
	Format        string        `yaml:"format"` // webp | png
	TemplateLimit int           `yaml:"template_limit"`
	FileLimit     int           `yaml:"file_limit"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
	IdleWindow    time.Duration `yaml:"idle_window"`

	// Template is the email wrapper file. Empty uses the built-in wrapper.
	Template string `yaml:"template"`
	// Sanitize strips scripts and event handlers from email bodies.
	Sanitize bool `yaml:"sanitize"`
	// ServerURL is where brief assets are served from.
	ServerURL string `yaml:"server_url"`
	// Ledger is the SQLite run ledger path. Empty disables it.
	Ledger string `yaml:"ledger"`

	Browser BrowserConfig `yaml:"browser"`
}

// BrowserConfig configures the headless Chrome backend.
type BrowserConfig struct {
	RemoteURL      string   `yaml:"remote_url"`
	Bin            string   `yaml:"bin"`
	NoSandbox      bool     `yaml:"no_sandbox"`
	Stealth        bool     `yaml:"stealth"`
	BlockResources []string `yaml:"block_resources"`
}

// DefaultConfig returns the defaults every other source overrides.
func DefaultConfig() *Config {
	return &Config{
		Width:         1024,
		MinHeight:     40,
		Quality:       80,
		Format:        string(render.FormatWebP),
		TemplateLimit: limiter.DefaultTemplateLimit,
		FileLimit:     limiter.DefaultFileLimit,
		SettleTimeout: 5 * time.Second,
		IdleWindow:    500 * time.Millisecond,
		ServerURL:     "http://localhost:5001",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("thumbgen: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("thumbgen: parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Width <= 0 {
		errs = append(errs, fmt.Errorf("width must be > 0, got %d", c.Width))
	}
	if c.MinHeight <= 0 {
		errs = append(errs, fmt.Errorf("min_height must be > 0, got %d", c.MinHeight))
	}
	if c.Quality < 0 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality must be in [0,100], got %d", c.Quality))
	}
	if _, err := render.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	if c.TemplateLimit <= 0 {
		errs = append(errs, fmt.Errorf("template_limit must be > 0, got %d", c.TemplateLimit))
	}
	if c.FileLimit <= 0 {
		errs = append(errs, fmt.Errorf("file_limit must be > 0, got %d", c.FileLimit))
	}
	if c.SettleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("settle_timeout must be > 0, got %s", c.SettleTimeout))
	}
	if c.IdleWindow < 0 {
		errs = append(errs, fmt.Errorf("idle_window must be >= 0, got %s", c.IdleWindow))
	}
	if _, err := browser.ParseResourceBlocking(c.Browser.BlockResources); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("thumbgen: invalid config: %w", err)
	}
	return nil
}

// format returns the parsed image format. Call after Validate.
func (c *Config) format() render.Format {
	f, _ := render.ParseFormat(c.Format)
	return f
}

func (c *Config) limits() map[limiter.Class]int {
	return map[limiter.Class]int{
		limiter.Template: c.TemplateLimit,
		limiter.File:     c.FileLimit,
	}
}

func (c *Config) settle() render.Settle {
	return render.Settle{Timeout: c.SettleTimeout, IdleWindow: c.IdleWindow}
}
