package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix namespaces every environment variable, e.g. VISITWATCH_GALLERY_PATH.
const Prefix = "VISITWATCH"

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	// Files
	GalleryPath string `envconfig:"GALLERY_PATH" default:"encodings.gob"`
	DatasetPath string `envconfig:"DATASET_PATH" default:"dataset"`
	LogPath     string `envconfig:"LOG_PATH" default:"logs/visits.csv"`

	// Recognition
	Threshold   float64 `envconfig:"THRESHOLD" default:"0.55"`
	FrameWidth  int     `envconfig:"FRAME_WIDTH" default:"640"`
	FrameHeight int     `envconfig:"FRAME_HEIGHT" default:"480"`
	DedupScope  string  `envconfig:"DEDUP_SCOPE" default:"process"`
	DisplayTZ   string  `envconfig:"DISPLAY_TZ" default:"Asia/Singapore"`

	// Engine
	EngineCmd     string        `envconfig:"ENGINE_CMD" default:"python3 -u python/worker.py"`
	EngineTimeout time.Duration `envconfig:"ENGINE_TIMEOUT" default:"30s"`

	// Database mirror, disabled when empty
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Headshot capture
	CaptureTimeout  time.Duration `envconfig:"CAPTURE_TIMEOUT" default:"10s"`
	CaptureInterval time.Duration `envconfig:"CAPTURE_INTERVAL" default:"500ms"`
}

// Load reads an optional .env file from the working directory, then the environment.
// Variables already set in the environment win over the .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("%s_THRESHOLD must be positive, got %v", Prefix, c.Threshold)
	}
	if c.FrameWidth < 1 || c.FrameHeight < 1 {
		return fmt.Errorf("frame size must be positive, got %dx%d", c.FrameWidth, c.FrameHeight)
	}
	if c.DedupScope != "process" && c.DedupScope != "day" {
		return fmt.Errorf("%s_DEDUP_SCOPE must be process or day, got %q", Prefix, c.DedupScope)
	}
	if _, err := time.LoadLocation(c.DisplayTZ); err != nil {
		return fmt.Errorf("%s_DISPLAY_TZ: %w", Prefix, err)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasDatabase reports whether the PostgreSQL mirror is configured.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}
