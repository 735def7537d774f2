// Package config owns the viper singleton behind project.yml. The file
// is located by walking up from the working directory, so commands work
// from any subdirectory of a project. Environment variables with the
// LOAM_ prefix override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	v           *viper.Viper
	projectRoot string
)

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Walk up from CWD to find project.yml so commands work from
	// subdirectories of a project.
	projectRoot = ""
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			path := filepath.Join(dir, "project.yml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				projectRoot = dir
				break
			}
		}
	}

	// LOAM_WAREHOUSE_PATH maps to "warehouse.path" and so on.
	v.SetEnvPrefix("LOAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("warehouse.path", "warehouse.duckdb")
	v.SetDefault("transform.root", "transform")
	v.SetDefault("seeds.dir", "seeds")
	v.SetDefault("contracts.dir", "contracts")
	v.SetDefault("validation.mode", "report")
	v.SetDefault("workers", 0)
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")

	if projectRoot != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading project.yml: %w", err)
		}
	}
	return nil
}

// ProjectRoot returns the directory holding project.yml, or "" when no
// project file was found (defaults apply relative to the CWD).
func ProjectRoot() string { return projectRoot }

// Step is one action in a stream.
type Step struct {
	Action  string   `mapstructure:"action"`
	Targets []string `mapstructure:"targets"`
}

// Stream is an ordered step list with scheduling and retry policy.
// RetryDelay is in seconds.
type Stream struct {
	Name       string `mapstructure:"-"`
	Cron       string `mapstructure:"cron"`
	Steps      []Step `mapstructure:"steps"`
	Retries    int    `mapstructure:"retries"`
	RetryDelay int    `mapstructure:"retry_delay"`
	Webhook    string `mapstructure:"webhook"`
}

// Project is the typed view of project.yml consumed by the engine.
type Project struct {
	WarehousePath  string
	TransformRoot  string
	SeedsDir       string
	ContractsDir   string
	ValidationMode string
	Workers        int
	LogPath        string
	LogLevel       string
	Streams        map[string]Stream
	// Freshness maps full_name to max age in hours.
	Freshness map[string]float64
}

// Load materializes the Project from the singleton. Relative paths are
// resolved against the project root.
func Load() (*Project, error) {
	if v == nil {
		if err := Initialize(); err != nil {
			return nil, err
		}
	}

	p := &Project{
		WarehousePath:  resolve(v.GetString("warehouse.path")),
		TransformRoot:  resolve(v.GetString("transform.root")),
		SeedsDir:       resolve(v.GetString("seeds.dir")),
		ContractsDir:   resolve(v.GetString("contracts.dir")),
		ValidationMode: v.GetString("validation.mode"),
		Workers:        v.GetInt("workers"),
		LogPath:        v.GetString("log.path"),
		LogLevel:       v.GetString("log.level"),
		Streams:        map[string]Stream{},
		Freshness:      map[string]float64{},
	}

	if p.ValidationMode != "strict" && p.ValidationMode != "report" {
		return nil, fmt.Errorf("validation.mode must be strict or report, got %q", p.ValidationMode)
	}

	var streams map[string]Stream
	if err := v.UnmarshalKey("streams", &streams); err != nil {
		return nil, fmt.Errorf("streams: %w", err)
	}
	for name, s := range streams {
		s.Name = name
		if s.Retries < 0 {
			return nil, fmt.Errorf("stream %s: retries must be >= 0", name)
		}
		for i, step := range s.Steps {
			switch step.Action {
			case "seed", "ingest", "transform", "export":
			default:
				return nil, fmt.Errorf("stream %s step %d: unknown action %q", name, i, step.Action)
			}
		}
		p.Streams[name] = s
	}

	if err := v.UnmarshalKey("freshness", &p.Freshness); err != nil {
		return nil, fmt.Errorf("freshness: %w", err)
	}
	return p, nil
}

func resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || projectRoot == "" {
		return path
	}
	return filepath.Join(projectRoot, path)
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// Set sets a configuration value, used by tests and flag binding.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}
