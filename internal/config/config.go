package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file looked up inside the gpufx home directory.
const ConfigFileName = "config.yaml"

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	GPU struct {
		Backend     string `yaml:"backend"`
		BlockWidth  uint32 `yaml:"blockWidth"`
		BlockHeight uint32 `yaml:"blockHeight"`
	} `yaml:"gpu"`
	Shaders struct {
		HotReload   *bool    `yaml:"hotReload"`
		Dir         string   `yaml:"dir"`
		IncludeDirs []string `yaml:"includeDirs"`
	} `yaml:"shaders"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
	Render struct {
		Width         uint32 `yaml:"width"`
		Height        uint32 `yaml:"height"`
		Frames        int    `yaml:"frames"`
		HalfPrecision bool   `yaml:"halfPrecision"`
		Kernel        string `yaml:"kernel"`
		Output        string `yaml:"output"`
	} `yaml:"render"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.GPU.Backend = "auto"
	c.GPU.BlockWidth = 16
	c.GPU.BlockHeight = 16
	c.Shaders.Dir = "internal/shaders"
	c.Metrics.ListenAddress = ":9090"
	c.Render.Width = 640
	c.Render.Height = 360
	c.Render.Frames = 24
	c.Render.Kernel = "crossfade"
	c.Render.Output = "frames"
	return &c
}

// HotReload reports whether kernel sources are re-read from disk, falling
// back to def when the file does not say.
func (c *Config) HotReload(def bool) bool {
	if c.Shaders.HotReload == nil {
		return def
	}
	return *c.Shaders.HotReload
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	switch c.GPU.Backend {
	case "auto", "cpu", "cuda", "metal", "webgpu":
	default:
		return fmt.Errorf("gpu.backend: unknown backend %q", c.GPU.Backend)
	}
	switch c.Logger.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logger.encoding: must be json or console, got %q", c.Logger.Encoding)
	}
	if c.GPU.BlockWidth == 0 || c.GPU.BlockHeight == 0 {
		return fmt.Errorf("gpu.blockWidth and gpu.blockHeight must be positive")
	}
	if c.Render.Frames < 1 {
		return fmt.Errorf("render.frames must be at least 1")
	}
	return nil
}

// LoadConfig reads path over the defaults. A directory is taken to be the
// gpufx home and config.yaml is read from it.
func LoadConfig(path string) (*Config, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ConfigFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return config, nil
}

// GetDefaultConfigHome returns $GPUFX_HOME or ~/.gpufx.
func GetDefaultConfigHome() string {
	if home := os.Getenv("GPUFX_HOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".gpufx"
	}
	return filepath.Join(dir, ".gpufx")
}
