// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package platform probes the running machine for hybrid-x86 support
// (vendor, family/model allow-list, per-CPU P/E/L core classification) and
// discovers package TDP, following the detect_platform/detect_cpu_topology
// contract of spec.md §4.2.
package platform

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/antimetal/lpmd/pkg/lpmderrors"
	"github.com/antimetal/lpmd/pkg/sysfs"
)

// CoreType classifies a CPU on a hybrid part (spec.md §3: "L-cores are
// atom cores with no L3; E-cores are atom cores with L3; P-cores are
// non-atom").
type CoreType int

const (
	CoreUnknown CoreType = iota
	CoreP
	CoreE
	CoreL
)

func (t CoreType) String() string {
	switch t {
	case CoreP:
		return "P"
	case CoreE:
		return "E"
	case CoreL:
		return "L"
	default:
		return "unknown"
	}
}

// Allow-listed (family, model) pairs: Alderlake, Raptorlake, Meteorlake,
// Lunarlake, Pantherlake client hybrid platforms.
var supportedFamilyModels = map[[2]int]bool{
	{6, 0x97}: true, // Alderlake
	{6, 0x9A}: true, // Alderlake
	{6, 0xBE}: true, // Alderlake-N
	{6, 0xB7}: true, // Raptorlake
	{6, 0xBA}: true, // Raptorlake
	{6, 0xBF}: true, // Raptorlake-S
	{6, 0xAA}: true, // Meteorlake
	{6, 0xAC}: true, // Meteorlake
	{6, 0xBD}: true, // Lunarlake
	{6, 0xCC}: true, // Pantherlake
}

// Config is the subset of detection-relevant knobs a caller can set before
// probing (the debug flag disables the family/model allow-list check).
type Config struct {
	DebugMode bool
}

// Info is the result of a successful platform probe.
type Info struct {
	VendorID   string
	Family     int
	Model      int
	Hybrid     bool
	MobilePM   bool
	MaxCPUs    int
	OnlineCPUs []int
	CoreTypes  map[int]CoreType
	TDPWatts   uint32
	FreqMap    []FreqMapEntry
}

// FreqMapEntry is an ordered partition of online CPUs sharing an identical
// cpuinfo_max_freq (spec.md §3 FreqMap[]).
type FreqMapEntry struct {
	StartCPU int
	EndCPU   int
	TurboKHz uint64
}

// DetectPlatform verifies the running machine is an Intel hybrid mobile
// platform in the (family, model) allow-list, per spec.md §4.2. It does not
// itself discover topology; call DetectCPUTopology afterward.
func DetectPlatform(cfg Config, hostSysPath string) (*Info, error) {
	if cpuid.CPU.VendorID != cpuid.Intel {
		return nil, fmt.Errorf("%w: vendor is not Intel", lpmderrors.ErrUnsupportedPlatform)
	}

	if !cpuid.CPU.Supports(cpuid.HYBRID_CPU) {
		return nil, fmt.Errorf("%w: not a hybrid part", lpmderrors.ErrUnsupportedPlatform)
	}

	pmProfile, err := sysfs.ReadInt(filepath.Join(hostSysPath, "firmware", "acpi", "pm_profile"))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pm_profile: %v", lpmderrors.ErrUnsupportedPlatform, err)
	}
	if pmProfile != 2 {
		return nil, fmt.Errorf("%w: pm_profile %d is not mobile (2)", lpmderrors.ErrUnsupportedPlatform, pmProfile)
	}

	family, model := cpuid.CPU.Family, cpuid.CPU.Model
	if !cfg.DebugMode {
		if !supportedFamilyModels[[2]int{family, model}] {
			return nil, fmt.Errorf("%w: family=%d model=0x%x not in allow-list", lpmderrors.ErrUnsupportedPlatform, family, model)
		}
	}

	return &Info{
		VendorID: cpuid.CPU.VendorString,
		Family:   family,
		Model:    model,
		Hybrid:   true,
		MobilePM: true,
	}, nil
}

// DetectCPUTopology scans /sys/devices/system/cpu/cpuN/online, classifies
// every online CPU as P/E/L from the hybrid PMU membership lists
// (/sys/devices/cpu_atom/cpus vs cpu_core/cpus) and L3-cache presence
// (cache/index3), and computes TDPWatts and FreqMap.
// info.MaxCPUs/OnlineCPUs/CoreTypes/TDPWatts are filled in place.
func DetectCPUTopology(info *Info, hostSysPath string) error {
	cpuRoot := filepath.Join(hostSysPath, "devices", "system", "cpu")
	entries, err := listCPUDirs(cpuRoot)
	if err != nil {
		return err
	}

	info.MaxCPUs = len(entries)
	info.CoreTypes = make(map[int]CoreType, len(entries))
	info.OnlineCPUs = info.OnlineCPUs[:0]

	// On a non-hybrid kernel view (no cpu_atom PMU) the set stays empty and
	// every CPU classifies as a P-core.
	atomCPUs := pmuCPUSet(hostSysPath, "cpu_atom")

	for _, cpu := range entries {
		online, err := isOnline(cpuRoot, cpu)
		if err != nil {
			return err
		}
		if !online {
			continue
		}
		info.OnlineCPUs = append(info.OnlineCPUs, cpu)
		info.CoreTypes[cpu] = classifyCPU(cpuRoot, cpu, atomCPUs)
	}

	tdp, err := sysfs.RAPLPackagePower(hostSysPath)
	if err == nil {
		info.TDPWatts = tdp
	}

	fm, err := buildFreqMap(cpuRoot, info.OnlineCPUs)
	if err == nil {
		info.FreqMap = fm
	}

	return nil
}

func listCPUDirs(cpuRoot string) ([]int, error) {
	var cpus []int
	for n := 0; ; n++ {
		dir := filepath.Join(cpuRoot, fmt.Sprintf("cpu%d", n))
		if !sysfs.Exists(dir) {
			break
		}
		cpus = append(cpus, n)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("platform: no cpuN directories found under %s", cpuRoot)
	}
	return cpus, nil
}

func isOnline(cpuRoot string, cpu int) (bool, error) {
	if cpu == 0 {
		// cpu0's "online" file is frequently absent (cannot be offlined).
		onlinePath := filepath.Join(cpuRoot, "cpu0", "online")
		if !sysfs.Exists(onlinePath) {
			return true, nil
		}
	}
	v, err := sysfs.ReadInt(filepath.Join(cpuRoot, fmt.Sprintf("cpu%d", cpu), "online"))
	if err != nil {
		return false, nil
	}
	return v == 1, nil
}

// pmuCPUSet reads the membership list of a hybrid per-type PMU
// (/sys/devices/cpu_atom/cpus or cpu_core/cpus), a CSV of CPUs and a-b
// ranges. Absence of the PMU yields an empty set.
func pmuCPUSet(hostSysPath, pmu string) map[int]bool {
	out := make(map[int]bool)
	s, err := sysfs.ReadString(filepath.Join(hostSysPath, "devices", pmu, "cpus"))
	if err != nil {
		return out
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if start, end, ok := strings.Cut(tok, "-"); ok {
			a, err1 := strconv.Atoi(start)
			b, err2 := strconv.Atoi(end)
			if err1 != nil || err2 != nil || b < a {
				continue
			}
			for cpu := a; cpu <= b; cpu++ {
				out[cpu] = true
			}
			continue
		}
		if cpu, err := strconv.Atoi(tok); err == nil {
			out[cpu] = true
		}
	}
	return out
}

// classifyCPU implements spec.md §3's CoreType rule: non-atom CPUs are
// P-cores; atom CPUs split on L3 presence (cache/index3 exists for E-cores,
// is absent for the low-power L-cores).
func classifyCPU(cpuRoot string, cpu int, atomCPUs map[int]bool) CoreType {
	if !atomCPUs[cpu] {
		return CoreP
	}
	l3Level := filepath.Join(cpuRoot, fmt.Sprintf("cpu%d", cpu), "cache", "index3", "level")
	if v, err := sysfs.ReadInt(l3Level); err == nil && v == 3 {
		return CoreE
	}
	return CoreL
}

func buildFreqMap(cpuRoot string, online []int) ([]FreqMapEntry, error) {
	var entries []FreqMapEntry
	var curStart, curEnd int
	var curFreq uint64
	have := false

	for _, cpu := range online {
		maxFreq, err := sysfs.ReadUint64(filepath.Join(cpuRoot, fmt.Sprintf("cpu%d", cpu), "cpufreq", "cpuinfo_max_freq"))
		if err != nil {
			continue
		}
		if have && maxFreq == curFreq {
			curEnd = cpu
			continue
		}
		if have {
			entries = append(entries, FreqMapEntry{StartCPU: curStart, EndCPU: curEnd, TurboKHz: curFreq})
		}
		curStart, curEnd, curFreq, have = cpu, cpu, maxFreq, true
	}
	if have {
		entries = append(entries, FreqMapEntry{StartCPU: curStart, EndCPU: curEnd, TurboKHz: curFreq})
	}
	return entries, nil
}
