package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/qodo-acp/errors"
	"gopkg.in/yaml.v3"
)

// DefaultKnownTools is the tool vocabulary the qodo CLI renders today.
var DefaultKnownTools = []string{
	"read_files",
	"list_files",
	"list_files_in_directories",
	"directory_tree",
	"write_file",
	"create_file",
	"delete_file",
	"move_file",
	"get_current_directory",
	"search_files",
	"replace_in_file",
}

type Config struct {
	QodoPath        string            `yaml:"qodo_path"`
	QodoArgs        []string          `yaml:"qodo_args"`
	Env             map[string]string `yaml:"env"`
	WorkDir         string            `yaml:"work_dir"`
	GracePeriod     time.Duration     `yaml:"grace_period"`
	KnownTools      []string          `yaml:"known_tools"`
	TrackToolStatus bool              `yaml:"track_tool_status"`
	LogLevel        string            `yaml:"log_level"`
	Debug           bool              `yaml:"debug"`
	WSAddr          string            `yaml:"ws_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		QodoPath: "qodo",
		QodoArgs: []string{"--ci", "-y"},
		Env: map[string]string{
			"CI":       "true",
			"NO_COLOR": "1",
			"TERM":     "dumb",
		},
		GracePeriod: time.Second,
		KnownTools:  append([]string(nil), DefaultKnownTools...),
		LogLevel:    "info",
		WSAddr:      ":8080",
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".qodo-acp", "config.yaml"))
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	paths = append(paths, filepath.Join(wd, ".qodo-acp", "config.yaml"))
	return LoadFrom(paths...)
}

// LoadFrom applies each existing file in order over the defaults. Missing
// files are skipped.
func LoadFrom(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace earlier values; env maps merge key by key.
	return yaml.Unmarshal(data, cfg)
}

// Validate reports settings the bridge cannot run with.
func (c *Config) Validate() error {
	if c.QodoPath == "" {
		return errors.New("qodo_path must not be empty")
	}
	if c.GracePeriod <= 0 {
		return errors.New("grace_period must be positive, got %s", c.GracePeriod)
	}
	return nil
}
