package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/fixtures"
	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/metrics"
)

func run(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Writer = &out
	err := a.Run(append([]string{"gpufx", "--home", home}, args...))
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")

	_, err := run(t, home, "init")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	_, err = run(t, home, "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, home, "init", "--force")
	assert.NoError(t, err)
}

func TestKernelsCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "kernels")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "crossfade")
	assert.Contains(t, lines[1], "CrossfadeParams")
}

func TestFlattenCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "flatten", "--dialect", "wgsl", "wipe")
	require.NoError(t, err)
	assert.Contains(t, out, "fn wipe")
	assert.NotContains(t, out, "#include")

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "include"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "include", "a.h"), []byte("int a;\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "k.cu"), []byte("#include \"a.h\"\nint k;\n"), 0o644))
	out, err = run(t, t.TempDir(), "flatten", "--dir", dir, "k")
	require.NoError(t, err)
	assert.Contains(t, out, "int a;")
	assert.Contains(t, out, "int k;")

	_, err = run(t, t.TempDir(), "flatten", "--dialect", "glsl", "wipe")
	assert.ErrorContains(t, err, "unknown dialect")
}

func TestFlattenCommand_ListsSources(t *testing.T) {
	out, err := run(t, t.TempDir(), "flatten", "--dialect", "metal")
	require.NoError(t, err)
	assert.Equal(t, []string{"crossfade", "dip_to_color", "push", "wipe"}, strings.Fields(out))
}

func TestRenderCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	_, err := run(t, t.TempDir(), "render", "--kernel", "wipe", "--width", "16", "--height", "8", "--frames", "3", "--output", out)
	require.NoError(t, err)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestBenchCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "bench", "--kernel", "push", "--width", "8", "--height", "8", "--iterations", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "iterations  10")
	assert.Contains(t, out, "3 buffers, 1 kernel pairs")
}

func TestServeMux(t *testing.T) {
	gm, err := gpu.NewManager(zap.NewNop(), gpu.PreferCPU)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := cache.NewRegistry(gm.GetBackend(), zap.NewNop(), m)
	t.Cleanup(func() {
		_ = registry.Shutdown()
		_ = gm.Cleanup()
	})

	srv := httptest.NewServer(newServeMux(reg, gm, registry, m, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var st status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cpu", st.Backend)
	assert.Equal(t, "cpu", st.BackendType)
	assert.False(t, st.GPU)
	assert.NotEmpty(t, st.Device.Name)

	resp, err = http.Get(srv.URL + "/reload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointResponses.WithLabelValues("/reload", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointResponses.WithLabelValues("/reload", "405")))
}
