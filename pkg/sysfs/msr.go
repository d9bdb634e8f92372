// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sysfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// MSRReader reads model-specific registers through /dev/cpu/N/msr, the
// fallback backend spec.md §6 names alongside the msr PMU perf_event_open
// path (pkg/perfsample uses the PMU path for aperf/mperf/pperf/tsc; MSRReader
// exists for knobs that need a one-shot MSR value, e.g. package power
// limits not exposed over RAPL sysfs on some platforms).
type MSRReader struct {
	devPath string
	files   map[int]*os.File
}

// NewMSRReader creates a reader rooted at hostDevPath (normally "/dev").
func NewMSRReader(hostDevPath string) *MSRReader {
	return &MSRReader{
		devPath: hostDevPath,
		files:   make(map[int]*os.File),
	}
}

func (r *MSRReader) fileFor(cpu int) (*os.File, error) {
	if f, ok := r.files[cpu]; ok {
		return f, nil
	}
	path := filepath.Join(r.devPath, "cpu", fmt.Sprintf("%d", cpu), "msr")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sysfs: failed to open %s: %w", path, err)
	}
	r.files[cpu] = f
	return f, nil
}

// Read64 reads the 8-byte little-endian MSR value at offset reg on cpu.
func (r *MSRReader) Read64(cpu int, reg int64) (uint64, error) {
	f, err := r.fileFor(cpu)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], reg); err != nil {
		return 0, fmt.Errorf("sysfs: pread msr 0x%x on cpu %d: %w", reg, cpu, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases every per-CPU file descriptor opened by Read64.
func (r *MSRReader) Close() error {
	var firstErr error
	for cpu, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, cpu)
	}
	return firstErr
}

// RAPLPackagePower discovers the package-domain RAPL power cap in watts by
// scanning hostSysPath/class/powercap/intel-rapl* for a "name" file equal to
// "package*", matching spec.md §4.2's tdp_watts() algorithm.
func RAPLPackagePower(hostSysPath string) (uint32, error) {
	root := filepath.Join(hostSysPath, "class", "powercap")
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("sysfs: failed to read %s: %w", root, err)
	}
	for _, e := range entries {
		if !hasPrefix(e.Name(), "intel-rapl") {
			continue
		}
		namePath := filepath.Join(root, e.Name(), "name")
		name, err := ReadString(namePath)
		if err != nil {
			continue
		}
		if !hasPrefix(name, "package") {
			continue
		}
		uw, err := ReadUint64(filepath.Join(root, e.Name(), "constraint_0_max_power_uw"))
		if err != nil {
			continue
		}
		return uint32(uw / 1_000_000), nil
	}
	return 0, fmt.Errorf("sysfs: no package RAPL domain found under %s", root)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
