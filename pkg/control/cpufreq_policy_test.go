package control

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/errdefs"
)

func copySys(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.CopyFS(dir, os.DirFS("testdata/sys")))
	return dir
}

func governor(t *testing.T, root string, cpu int) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, "devices", "system", "cpu", "cpu"+strconv.Itoa(cpu), "cpufreq", "scaling_governor"))
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func TestCPUFreqPolicySwitchAndRestore(t *testing.T) {
	root := copySys(t)
	// cpu1 starts on a different governor than cpu0
	require.NoError(t, os.WriteFile(filepath.Join(root, "devices/system/cpu/cpu1/cpufreq/scaling_governor"), []byte("performance\n"), 0o644))

	p, err := NewCPUFreqPolicy(root)
	require.NoError(t, err)
	assert.Equal(t, PolicyDefault, p.Value())

	require.NoError(t, p.Set(PolicyPerformance))
	assert.Equal(t, PolicyPerformance, p.Value())
	assert.Equal(t, "performance", governor(t, root, 0))
	assert.Equal(t, "performance", governor(t, root, 1))

	require.NoError(t, p.Set(PolicyPowersave))
	assert.Equal(t, "powersave", governor(t, root, 1))

	require.NoError(t, p.Set(PolicyDefault))
	assert.Equal(t, "powersave", governor(t, root, 0))
	assert.Equal(t, "performance", governor(t, root, 1))
}

func TestCPUFreqPolicyCloseRestores(t *testing.T) {
	root := copySys(t)
	p, err := NewCPUFreqPolicy(root)
	require.NoError(t, err)

	require.NoError(t, p.Set(PolicyPerformance))
	require.NoError(t, p.Close())
	assert.Equal(t, "powersave", governor(t, root, 0))
	assert.Equal(t, PolicyDefault, p.Value())

	// nothing saved, nothing to restore
	require.NoError(t, p.Close())
}

func TestCPUFreqPolicyRejects(t *testing.T) {
	root := copySys(t)
	p, err := NewCPUFreqPolicy(root)
	require.NoError(t, err)

	assert.True(t, errdefs.IsInvalidArgument(p.Set("turbo")))

	require.NoError(t, os.WriteFile(filepath.Join(root, "devices/system/cpu/cpu0/cpufreq/scaling_available_governors"), []byte("performance\n"), 0o644))
	assert.True(t, errdefs.IsInvalidArgument(p.Set(PolicyPowersave)))
	assert.Equal(t, "powersave", governor(t, root, 0))
	assert.Equal(t, PolicyDefault, p.Value())
}

func TestCPUFreqPolicyWithoutCpufreq(t *testing.T) {
	_, err := NewCPUFreqPolicy(t.TempDir())
	assert.True(t, errdefs.IsUnavailable(err))

	// cores present but none exposes cpufreq
	root := t.TempDir()
	cpuDir := filepath.Join(root, "devices", "system", "cpu")
	require.NoError(t, os.MkdirAll(filepath.Join(cpuDir, "cpu0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cpuDir, "offline"), []byte("\n"), 0o644))
	_, err = NewCPUFreqPolicy(root)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestRouterCloseRestoresPolicy(t *testing.T) {
	root := copySys(t)
	p, err := NewCPUFreqPolicy(root)
	require.NoError(t, err)
	r, err := NewRouter(append(NewExperiments().Controls(), p)...)
	require.NoError(t, err)

	require.NoError(t, r.Set(KeyCPUPolicy, "performance"))
	assert.Equal(t, "performance", governor(t, root, 1))
	require.NoError(t, r.Close())
	assert.Equal(t, "powersave", governor(t, root, 1))
}
