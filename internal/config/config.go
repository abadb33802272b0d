package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"timealign/internal/transform"
)

const (
	defaultConfigPath = "~/.config/timealign/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for solving and applying alignments.
type Config struct {
	Processing Processing      `json:"processing" yaml:"processing"`
	Logging    Logging         `json:"logging" yaml:"logging"`
	Paths      Paths           `json:"paths" yaml:"paths"`
	Alignment  AlignmentConfig `json:"alignment" yaml:"alignment"`
	Apply      ApplyConfig     `json:"apply" yaml:"apply"`
	Server     ServerConfig    `json:"server" yaml:"server"`
	Notify     NotifyConfig    `json:"notify" yaml:"notify"`

	// path the configuration was read from, empty for defaults
	source string
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default file locations.
type Paths struct {
	AnchorsFile   string `json:"anchors_file" yaml:"anchors_file"`
	ParamsFile    string `json:"params_file" yaml:"params_file"`
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// AlignmentConfig controls the solver and parameter export.
type AlignmentConfig struct {
	Reference int `json:"reference" yaml:"reference"`
	// DisplayFrame is the frame display parameters are exported against.
	DisplayFrame transform.FrameContext `json:"display_frame" yaml:"display_frame"`
	// ReadFrame is assumed for parameter files without a frame comment.
	ReadFrame  transform.FrameContext `json:"read_frame" yaml:"read_frame"`
	TagWeights map[string]float64     `json:"tag_weights,omitempty" yaml:"tag_weights,omitempty"`
}

// ApplyConfig controls how transforms are applied to images.
type ApplyConfig struct {
	Engine     string `json:"engine" yaml:"engine"` // go, magick
	Filter     string `json:"filter" yaml:"filter"` // lanczos, catmullrom, bilinear, nearest
	FinalSize  string `json:"final_size" yaml:"final_size"`
	Pattern    string `json:"output_pattern" yaml:"output_pattern"`
	Quality    int    `json:"jpeg_quality" yaml:"jpeg_quality"`
	MarkRadius int    `json:"mark_radius" yaml:"mark_radius"`
	Workers    int    `json:"workers" yaml:"workers"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// NotifyConfig configures result notifications.
type NotifyConfig struct {
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`
}

// MQTTConfig enables publishing job results when Broker is set.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("TIMEALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path over the defaults. A missing file
// yields the defaults. Files ending in .yaml or .yml are decoded as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	cfg.source = expanded
	return cfg, nil
}

// Source is the file the configuration came from, empty for defaults.
func (c *Config) Source() string { return c.source }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			AnchorsFile:   "anchors.txt",
			ParamsFile:    "params.txt",
			DefaultOutput: "",
			DatabasePath:  filepath.Join(os.TempDir(), "timealign.db"),
		},
		Alignment: AlignmentConfig{
			Reference:    0,
			DisplayFrame: transform.DisplayFrame(),
			ReadFrame:    transform.DefaultFrame(),
		},
		Apply: ApplyConfig{
			Engine:     "go",
			Filter:     "lanczos",
			FinalSize:  "720,1280",
			Pattern:    "img%05d.jpg",
			Quality:    95,
			MarkRadius: 8,
			Workers:    4,
		},
		Server: ServerConfig{
			Addr:     ":8080",
			GRPCAddr: "",
		},
		Notify: NotifyConfig{
			MQTT: MQTTConfig{
				ClientID:    "timealign",
				TopicPrefix: "timealign/jobs",
			},
		},
	}
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Alignment.Reference < 0 {
		errs = append(errs, fmt.Errorf("alignment.reference must not be negative"))
	}
	if f := c.Alignment.DisplayFrame; f.Width <= 0 || f.Height <= 0 {
		errs = append(errs, fmt.Errorf("alignment.display_frame needs positive width and height"))
	}
	for tag, w := range c.Alignment.TagWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("alignment.tag_weights[%s] is negative", tag))
		}
	}
	switch c.Apply.Engine {
	case "", "go", "magick", "imagemagick":
	default:
		errs = append(errs, fmt.Errorf("apply.engine %q is not go or magick", c.Apply.Engine))
	}
	switch c.Apply.Filter {
	case "", "lanczos", "catmullrom", "bicubic", "bilinear", "nearest":
	default:
		errs = append(errs, fmt.Errorf("apply.filter %q is unknown", c.Apply.Filter))
	}
	if c.Apply.Quality < 0 || c.Apply.Quality > 100 {
		errs = append(errs, fmt.Errorf("apply.jpeg_quality must be within 0..100"))
	}
	if c.Apply.Pattern != "" && !strings.Contains(c.Apply.Pattern, "%") {
		errs = append(errs, fmt.Errorf("apply.output_pattern %q has no index verb", c.Apply.Pattern))
	}
	if c.Notify.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2"))
	}
	return errors.Join(errs...)
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
