// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package knobs applies the per-state power-management settings a chosen
// engine.ConfigState carries: EPP/EPB, ITMT, cpuset partitioning, and IRQ
// affinity. Every apply is independent and best-effort, matching
// original_source/src/lpmd_misc.c / lpmd_cgroup.c / lpmd_irq.c: a failure
// on one CPU or one systemd unit is logged and does not abort the rest.
package knobs

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/antimetal/lpmd/pkg/sysfs"
)

// Sentinel values a per-state EPP/EPB knob can carry, matching
// original_source/src/include/lpmd.h's SETTING_IGNORE/SETTING_RESTORE.
const (
	SettingRestore = -2
	SettingIgnore  = -1
)

// EPPApplier writes energy_performance_preference and energy_perf_bias for
// a set of online CPUs, caching each CPU's pre-LPM value the first time it
// is observed so SettingRestore can put it back (lpmd_misc.c's
// epp_epb_init()/saved_cpu_info).
type EPPApplier struct {
	hostSysPath string
	saved       map[int]savedEPPEPB
}

type savedEPPEPB struct {
	epp    int
	eppStr string
	epb    int
}

// NewEPPApplier creates an applier rooted at hostSysPath (normally "/sys").
func NewEPPApplier(hostSysPath string) *EPPApplier {
	return &EPPApplier{hostSysPath: hostSysPath, saved: make(map[int]savedEPPEPB)}
}

func (a *EPPApplier) eppPath(cpu int) string {
	return filepath.Join(a.hostSysPath, "devices", "system", "cpu", fmt.Sprintf("cpu%d", cpu),
		"cpufreq", "energy_performance_preference")
}

func (a *EPPApplier) epbPath(cpu int) string {
	return filepath.Join(a.hostSysPath, "devices", "system", "cpu", fmt.Sprintf("cpu%d", cpu),
		"power", "energy_perf_bias")
}

func (a *EPPApplier) cacheBaseline(cpu int) savedEPPEPB {
	if s, ok := a.saved[cpu]; ok {
		return s
	}
	var s savedEPPEPB
	s.epp = -1
	if raw, err := sysfs.ReadString(a.eppPath(cpu)); err == nil {
		if v, err := strconv.Atoi(raw); err == nil {
			s.epp = v
		} else {
			s.eppStr = raw
		}
	}
	s.epb = -1
	if v, err := sysfs.ReadInt(a.epbPath(cpu)); err == nil {
		s.epb = v
	}
	a.saved[cpu] = s
	return s
}

// Apply writes epp/epb to every cpu in cpus. epp may be a raw EPP integer
// (0-255), one of the Setting sentinels, or any other negative value, in
// which case the governor string eppStr is written instead.
func (a *EPPApplier) Apply(cpus []int, epp int, eppStr string, epb int) error {
	if epp == SettingIgnore && epb == SettingIgnore {
		return nil
	}

	var firstErr error
	for _, cpu := range cpus {
		baseline := a.cacheBaseline(cpu)

		if epp != SettingIgnore {
			val, str := epp, eppStr
			if epp == SettingRestore {
				val, str = baseline.epp, baseline.eppStr
			}
			if err := a.writeEPP(cpu, val, str); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if epb != SettingIgnore {
			val := epb
			if epb == SettingRestore {
				val = baseline.epb
			}
			if err := sysfs.WriteInt(a.epbPath(cpu), val); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *EPPApplier) writeEPP(cpu int, val int, str string) error {
	if val >= 0 {
		return sysfs.WriteInt(a.eppPath(cpu), val)
	}
	if str != "" {
		return sysfs.WriteString(a.eppPath(cpu), str)
	}
	return fmt.Errorf("knobs: no EPP value or string to write for cpu%d", cpu)
}
