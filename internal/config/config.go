// Package config resolves facecam settings: defaults, then an optional YAML file, then
// FACECAM_* environment variables. Command-line flags are applied on top by cmd.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/facecam/internal/enroll"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "facecam.yaml"

const envPrefix = "FACECAM_"

type WorkerConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Debug   bool          `yaml:"debug"`
}

type CameraConfig struct {
	Device string `yaml:"device"`
	Format string `yaml:"format"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	// Dir replays still images instead of opening a camera.
	Dir string `yaml:"dir"`
}

type LoopConfig struct {
	Every                int           `yaml:"every"`
	Scale                int           `yaml:"scale"`
	MaxFPS               float64       `yaml:"max_fps"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	DetectTimeout        time.Duration `yaml:"detect_timeout"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

type PreviewConfig struct {
	// Addr enables the HTTP MJPEG preview, e.g. ":8080".
	Addr    string `yaml:"addr"`
	Quality int    `yaml:"quality"`
	// LiveFile writes every rendered frame to <data_dir>/live.jpg.
	LiveFile bool `yaml:"live_file"`
}

type Config struct {
	DataDir        string        `yaml:"data_dir"`
	DatabaseURL    string        `yaml:"database_url"`
	Threshold      float64       `yaml:"threshold"`
	EnrollPolicy   string        `yaml:"enroll_policy"`
	AnalyzeTimeout time.Duration `yaml:"analyze_timeout"`
	LogLevel       string        `yaml:"log_level"`

	Worker  WorkerConfig  `yaml:"worker"`
	Camera  CameraConfig  `yaml:"camera"`
	Loop    LoopConfig    `yaml:"loop"`
	Preview PreviewConfig `yaml:"preview"`
}

func Default() *Config {
	return &Config{
		DataDir:        "function_cam",
		Threshold:      0.6,
		EnrollPolicy:   string(enroll.PolicyFirst),
		AnalyzeTimeout: 20 * time.Second,
		LogLevel:       "info",
		Worker: WorkerConfig{
			Command: []string{"python3", "-u", "python/worker.py"},
			Timeout: 30 * time.Second,
		},
		Camera: CameraConfig{Device: defaultDevice()},
		Loop: LoopConfig{
			Every:                2,
			Scale:                4,
			ReadTimeout:          5 * time.Second,
			DetectTimeout:        10 * time.Second,
			MaxConsecutiveErrors: 10,
		},
		Preview: PreviewConfig{Quality: 85, LiveFile: true},
	}
}

// Load builds a Config from defaults, the YAML file at path and the environment.
// An empty path falls back to DefaultFile when it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		slog.Debug("config: loaded file", "path", path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("DATABASE_URL", &c.DatabaseURL)
	float("THRESHOLD", &c.Threshold)
	str("ENROLL_POLICY", &c.EnrollPolicy)
	duration("ANALYZE_TIMEOUT", &c.AnalyzeTimeout)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(envPrefix + "WORKER"); ok && strings.TrimSpace(v) != "" {
		c.Worker.Command = strings.Fields(v)
	}
	duration("WORKER_TIMEOUT", &c.Worker.Timeout)

	str("CAMERA", &c.Camera.Device)
	str("CAMERA_FORMAT", &c.Camera.Format)
	str("CAMERA_DIR", &c.Camera.Dir)

	integer("EVERY", &c.Loop.Every)
	integer("SCALE", &c.Loop.Scale)
	float("MAX_FPS", &c.Loop.MaxFPS)
	duration("READ_TIMEOUT", &c.Loop.ReadTimeout)
	duration("DETECT_TIMEOUT", &c.Loop.DetectTimeout)

	str("PREVIEW_ADDR", &c.Preview.Addr)

	return errors.Join(errs...)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold > 2 {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 2], got %g", c.Threshold))
	}
	if c.Loop.Every < 1 {
		errs = append(errs, fmt.Errorf("every must be >= 1, got %d", c.Loop.Every))
	}
	if c.Loop.Scale < 1 {
		errs = append(errs, fmt.Errorf("scale must be >= 1, got %d", c.Loop.Scale))
	}
	if c.Loop.MaxFPS < 0 {
		errs = append(errs, fmt.Errorf("max fps must not be negative, got %g", c.Loop.MaxFPS))
	}
	if _, err := enroll.ParsePolicy(c.EnrollPolicy); err != nil {
		errs = append(errs, err)
	}
	if len(c.Worker.Command) == 0 {
		errs = append(errs, errors.New("worker command is empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is empty"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func defaultDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "0"
	case "windows":
		return "video=Integrated Camera"
	default:
		return "/dev/video0"
	}
}
