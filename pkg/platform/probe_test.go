// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package platform_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/antimetal/lpmd/pkg/platform"
	"github.com/antimetal/lpmd/pkg/sysfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreType_String(t *testing.T) {
	assert.Equal(t, "P", platform.CoreP.String())
	assert.Equal(t, "E", platform.CoreE.String())
	assert.Equal(t, "L", platform.CoreL.String())
	assert.Equal(t, "unknown", platform.CoreUnknown.String())
}

func TestDetectPlatform_RejectsNonMobilePMProfile(t *testing.T) {
	hostSys := t.TempDir()
	acpiDir := filepath.Join(hostSys, "firmware", "acpi")
	require.NoError(t, os.MkdirAll(acpiDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(acpiDir, "pm_profile"), []byte("1"), 0o644))

	_, err := platform.DetectPlatform(platform.Config{}, hostSys)
	assert.Error(t, err, "pm_profile=1 (desktop) must be rejected regardless of CPUID result")
}

func TestDetectPlatform_MissingPMProfileFile(t *testing.T) {
	hostSys := t.TempDir()
	_, err := platform.DetectPlatform(platform.Config{}, hostSys)
	assert.Error(t, err)
}

func writeCPUDir(t *testing.T, hostSys string, cpu int, online string, hasL3 bool, maxFreqKHz int) {
	t.Helper()
	dir := filepath.Join(hostSys, "devices", "system", "cpu", "cpu"+strconv.Itoa(cpu))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cpufreq"), 0o755))
	if cpu != 0 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte(online), 0o644))
	}
	if hasL3 {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "cache", "index3"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cache", "index3", "level"), []byte("3"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpufreq", "cpuinfo_max_freq"), []byte(strconv.Itoa(maxFreqKHz)), 0o644))
}

func TestDetectCPUTopology_ClassifiesPELAndBuildsFreqMap(t *testing.T) {
	hostSys := t.TempDir()

	// 0-1 P-cores (not atom), 2-3 E-cores (atom with L3), 4 L-core (atom,
	// no L3, offline-capable but online).
	writeCPUDir(t, hostSys, 0, "1", true, 5000000)
	writeCPUDir(t, hostSys, 1, "1", true, 5000000)
	writeCPUDir(t, hostSys, 2, "1", true, 3800000)
	writeCPUDir(t, hostSys, 3, "1", true, 3800000)
	writeCPUDir(t, hostSys, 4, "1", false, 2500000)

	pmuDir := filepath.Join(hostSys, "devices", "cpu_atom")
	require.NoError(t, os.MkdirAll(pmuDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pmuDir, "cpus"), []byte("2-4"), 0o644))

	info := &platform.Info{}
	require.NoError(t, platform.DetectCPUTopology(info, hostSys))

	assert.Equal(t, 5, info.MaxCPUs)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, info.OnlineCPUs)
	assert.Equal(t, platform.CoreP, info.CoreTypes[0])
	assert.Equal(t, platform.CoreP, info.CoreTypes[1])
	assert.Equal(t, platform.CoreE, info.CoreTypes[2])
	assert.Equal(t, platform.CoreE, info.CoreTypes[3])
	assert.Equal(t, platform.CoreL, info.CoreTypes[4])

	require.Len(t, info.FreqMap, 3)
	assert.Equal(t, platform.FreqMapEntry{StartCPU: 0, EndCPU: 1, TurboKHz: 5000000}, info.FreqMap[0])
	assert.Equal(t, platform.FreqMapEntry{StartCPU: 2, EndCPU: 3, TurboKHz: 3800000}, info.FreqMap[1])
	assert.Equal(t, platform.FreqMapEntry{StartCPU: 4, EndCPU: 4, TurboKHz: 2500000}, info.FreqMap[2])
}

func TestDetectCPUTopology_OfflineCPUIsSkipped(t *testing.T) {
	hostSys := t.TempDir()
	writeCPUDir(t, hostSys, 0, "1", true, 4000000)
	writeCPUDir(t, hostSys, 1, "0", true, 4000000)

	info := &platform.Info{}
	require.NoError(t, platform.DetectCPUTopology(info, hostSys))

	assert.Equal(t, 2, info.MaxCPUs)
	assert.Equal(t, []int{0}, info.OnlineCPUs)

	// With no cpu_atom PMU everything online classifies as a P-core.
	assert.Equal(t, platform.CoreP, info.CoreTypes[0])
}

// TestRAPLPackagePower_SysfsLayout exercises the same sysfs layout
// DetectCPUTopology relies on for TDP discovery, via the shared sysfs
// package so the two stay in lockstep.
func TestRAPLPackagePower_SysfsLayout(t *testing.T) {
	hostSys := t.TempDir()
	domain := filepath.Join(hostSys, "class", "powercap", "intel-rapl:0")
	require.NoError(t, os.MkdirAll(domain, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(domain, "name"), []byte("package-0"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(domain, "constraint_0_max_power_uw"), []byte(strconv.Itoa(15_000_000)), 0o644))

	watts, err := sysfs.RAPLPackagePower(hostSys)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), watts)
}
