package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

const (
	defaultConfigPath = "~/.config/fisheyepano/config.json"
	defaultWindow     = 30
	defaultSelect     = 6
)

// Config holds user-editable settings for the stitching pipeline.
type Config struct {
	Processing Processing `json:"processing" envPrefix:"PROCESSING_"`
	Logging    Logging    `json:"logging" envPrefix:"LOG_"`
	Paths      Paths      `json:"paths" envPrefix:"PATHS_"`
	Stitching  Stitching  `json:"stitching" envPrefix:"STITCH_"`
	FrameStore FrameStore `json:"frame_store" envPrefix:"FRAMES_"`
	Output     Output     `json:"output" envPrefix:"OUTPUT_"`
	Tools      Tools      `json:"tools" envPrefix:"TOOLS_"`
	Server     Server     `json:"server" envPrefix:"SERVER_"`
}

// Processing captures execution preferences.
type Processing struct {
	TempDir        string `json:"temp_dir" env:"TEMP_DIR"`
	ParallelStages bool   `json:"parallel_stages" env:"PARALLEL_STAGES"`
	QueueSize      int    `json:"queue_size" env:"QUEUE_SIZE"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" env:"LEVEL"`             // debug, info, warn, error
	Format     string `json:"format" env:"FORMAT"`           // text, json
	FileOutput bool   `json:"file_output" env:"FILE_OUTPUT"` // Enable file logging
	LogDir     string `json:"log_dir" env:"DIR"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" env:"INPUT"`
	DefaultOutput string `json:"default_output" env:"OUTPUT"`
	DatabasePath  string `json:"database_path" env:"DATABASE"`
}

// Stitching tunes registration reuse and composition.
type Stitching struct {
	Policy             string    `json:"policy" env:"POLICY"` // double_side, no_direction_correction, once
	WindowSize         int       `json:"window_size" env:"WINDOW_SIZE"`
	SelectCount        int       `json:"select_count" env:"SELECT_COUNT"`
	NonBlackFloor      float64   `json:"non_black_floor" env:"NON_BLACK_FLOOR"`
	FocalEpsilon       float64   `json:"focal_epsilon" env:"FOCAL_EPSILON"`
	MaxFocalDivergence float64   `json:"max_focal_divergence" env:"MAX_FOCAL_DIVERGENCE"`
	OverlapRatio       float64   `json:"overlap_ratio" env:"OVERLAP_RATIO"`
	SeamTolerance      float64   `json:"seam_tolerance" env:"SEAM_TOLERANCE"`
	FinalTolerance     float64   `json:"final_tolerance" env:"FINAL_TOLERANCE"`
	MaskHeight         float64   `json:"mask_height" env:"MASK_HEIGHT"`
	BlendStrengths     [2]int    `json:"blend_strengths"`
	ResizeWidths       [4]int    `json:"resize_widths"`
	BlackThreshold     uint8     `json:"black_threshold" env:"BLACK_THRESHOLD"`
	HeightTolerance    float64   `json:"height_tolerance" env:"HEIGHT_TOLERANCE"`
	Projection         string    `json:"projection" env:"PROJECTION"`
	Aggression         string    `json:"aggression" env:"AGGRESSION"`
	Interpolation      int       `json:"interpolation" env:"INTERPOLATION"`
	CameraFOV          []float64 `json:"camera_fov"`
}

// FrameStore bounds in-memory frame retention.
type FrameStore struct {
	MaxInMemory   int    `json:"max_in_memory" env:"MAX_IN_MEMORY"`
	EvictSlack    int    `json:"evict_slack" env:"EVICT_SLACK"`
	EvictLookback int    `json:"evict_lookback" env:"EVICT_LOOKBACK"`
	SpillDir      string `json:"spill_dir" env:"SPILL_DIR"`
}

// Output controls the refined panorama stream.
type Output struct {
	Width        int     `json:"width" env:"WIDTH"`
	Height       int     `json:"height" env:"HEIGHT"`
	JPEGQuality  uint    `json:"jpeg_quality" env:"JPEG_QUALITY"`
	UnsharpSigma float64 `json:"unsharp_sigma" env:"UNSHARP_SIGMA"`
	UnsharpGain  float64 `json:"unsharp_gain" env:"UNSHARP_GAIN"`
	BufferSize   int     `json:"buffer_size" env:"BUFFER_SIZE"`
	WriteImages  bool    `json:"write_images" env:"WRITE_IMAGES"`
	VideoPath    string  `json:"video_path" env:"VIDEO_PATH"`
	FPS          int     `json:"fps" env:"FPS"`
	Codec        string  `json:"codec" env:"CODEC"`
}

// Tools names external binaries.
type Tools struct {
	HuginPath string `json:"hugin_path" env:"HUGIN_PATH"`
	FFmpeg    string `json:"ffmpeg" env:"FFMPEG"`
}

// Server configures the status endpoints.
type Server struct {
	HTTPAddr string `json:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr string `json:"grpc_addr" env:"GRPC_ADDR"`
}

// Load reads configuration from disk, falling back to sensible defaults,
// then applies FISHEYEPANO_* environment overrides.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("FISHEYEPANO_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	if err := decodeFile(expanded, cfg); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "FISHEYEPANO_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	s := c.Stitching
	switch s.Policy {
	case "double_side", "no_direction_correction", "once":
	default:
		return fmt.Errorf("unknown stitching policy %q", s.Policy)
	}
	if s.WindowSize < 1 {
		return fmt.Errorf("window_size must be positive, got %d", s.WindowSize)
	}
	if s.SelectCount < 1 {
		return fmt.Errorf("select_count must be positive, got %d", s.SelectCount)
	}
	if s.NonBlackFloor <= 0 || s.NonBlackFloor > 1 {
		return fmt.Errorf("non_black_floor must be in (0,1], got %g", s.NonBlackFloor)
	}
	if s.OverlapRatio <= 0 || s.OverlapRatio >= 1 {
		return fmt.Errorf("overlap_ratio must be in (0,1), got %g", s.OverlapRatio)
	}
	if c.FrameStore.MaxInMemory < 1 {
		return fmt.Errorf("max_in_memory must be positive, got %d", c.FrameStore.MaxInMemory)
	}
	if c.Output.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.Output.BufferSize)
	}
	if o := c.Output; o.Width < 0 || o.Height < 0 || (o.Width == 0) != (o.Height == 0) {
		return fmt.Errorf("output width and height must both be set or both be zero, got %dx%d", o.Width, o.Height)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			TempDir:        os.TempDir(),
			ParallelStages: true,
			QueueSize:      8,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "fisheyepano.db"),
		},
		Stitching: Stitching{
			Policy:             "double_side",
			WindowSize:         defaultWindow,
			SelectCount:        defaultSelect,
			NonBlackFloor:      0.7,
			FocalEpsilon:       1e-7,
			MaxFocalDivergence: 0.1,
			OverlapRatio:       0.2,
			SeamTolerance:      0.65,
			FinalTolerance:     0.7,
			MaskHeight:         0.9,
			BlendStrengths:     [2]int{5, 1},
			ResizeWidths:       [4]int{1200, 1200, 1600, 1600},
			BlackThreshold:     8,
			HeightTolerance:    0.1,
			Projection:         "cylindrical",
			Aggression:         "moderate",
			Interpolation:      1,
			CameraFOV:          []float64{190, 190},
		},
		FrameStore: FrameStore{
			MaxInMemory:   60,
			EvictSlack:    5,
			EvictLookback: 10,
			SpillDir:      filepath.Join(os.TempDir(), "fisheyepano-frames"),
		},
		Output: Output{
			Width:        3840,
			Height:       1920,
			JPEGQuality:  92,
			UnsharpSigma: 1.0,
			UnsharpGain:  0.8,
			BufferSize:   16,
			WriteImages:  true,
			FPS:          30,
			Codec:        "libx264",
		},
		Tools: Tools{
			FFmpeg: "ffmpeg",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
