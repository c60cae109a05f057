package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/gpufx/fixtures"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, `
logger:
  verbosity: debug
  encoding: console
gpu:
  backend: cpu
  blockWidth: 32
  blockHeight: 8
shaders:
  hotReload: true
  dir: /src/shaders
  includeDirs: [extra]
metrics:
  listenAddress: 127.0.0.1:9100
render:
  width: 1920
  height: 1080
  frames: 48
  halfPrecision: true
  kernel: wipe
  output: out
`)
		config, err := LoadConfig(path)
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Equal(t, "cpu", config.GPU.Backend)
		assert.Equal(t, uint32(32), config.GPU.BlockWidth)
		assert.Equal(t, uint32(8), config.GPU.BlockHeight)
		assert.True(t, config.HotReload(false))
		assert.Equal(t, "/src/shaders", config.Shaders.Dir)
		assert.Equal(t, []string{"extra"}, config.Shaders.IncludeDirs)
		assert.Equal(t, "127.0.0.1:9100", config.Metrics.ListenAddress)
		assert.Equal(t, uint32(1920), config.Render.Width)
		assert.Equal(t, 48, config.Render.Frames)
		assert.True(t, config.Render.HalfPrecision)
		assert.Equal(t, "wipe", config.Render.Kernel)
	})

	t.Run("missing fields keep defaults", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, "gpu:\n  backend: cpu\n"))
		require.NoError(t, err)
		assert.Equal(t, "info", config.Logger.Verbosity)
		assert.Equal(t, uint32(16), config.GPU.BlockWidth)
		assert.Equal(t, 24, config.Render.Frames)
		assert.False(t, config.HotReload(false))
		assert.True(t, config.HotReload(true), "unset hotReload follows the build default")
	})

	t.Run("home directory", func(t *testing.T) {
		path := writeConfig(t, "logger:\n  verbosity: warn\n")
		config, err := LoadConfig(filepath.Dir(path))
		require.NoError(t, err)
		assert.Equal(t, "warn", config.Logger.Verbosity)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "gpu: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		for _, body := range []string{
			"gpu:\n  backend: vulkan\n",
			"logger:\n  encoding: xml\n",
			"gpu:\n  blockWidth: 0\n",
			"render:\n  frames: 0\n",
		} {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err, body)
		}
	})

	t.Run("embedded template", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, string(fixtures.ConfigTemplate)))
		require.NoError(t, err)
		assert.Equal(t, Default().GPU, config.GPU)
	})
}

func TestGetDefaultConfigHome(t *testing.T) {
	t.Setenv("GPUFX_HOME", "/tmp/gpufx-home")
	assert.Equal(t, "/tmp/gpufx-home", GetDefaultConfigHome())

	t.Setenv("GPUFX_HOME", "")
	assert.Equal(t, ".gpufx", filepath.Base(GetDefaultConfigHome()))
}
