// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package knobs

import (
	"path/filepath"

	"github.com/antimetal/lpmd/pkg/sysfs"
)

// SUVClamp drives the intel_powerclamp module for survivability mode:
// firmware has flagged thermal or power distress, so idle time is injected
// on the SUV CPU set until the platform recovers. Matches
// original_source/src/lpmd_hfi.c's process_suv_mode(): the pre-SUV
// injection duration is captured once so Exit can put it back, and exit
// zeroes max_idle rather than removing the cpumask.
type SUVClamp struct {
	hostSysPath string

	durationMS int
	maxIdlePct int

	savedDuration int
	haveSaved     bool
	engaged       bool
}

// NewSUVClamp creates a clamp rooted at hostSysPath (normally "/sys")
// injecting maxIdlePct idle time with durationMS injection periods.
func NewSUVClamp(hostSysPath string, durationMS, maxIdlePct int) *SUVClamp {
	return &SUVClamp{hostSysPath: hostSysPath, durationMS: durationMS, maxIdlePct: maxIdlePct}
}

func (c *SUVClamp) paramPath(name string) string {
	return filepath.Join(c.hostSysPath, "module", "intel_powerclamp", "parameters", name)
}

// Engaged reports whether the clamp is currently injecting idle time.
func (c *SUVClamp) Engaged() bool { return c.engaged }

// Enter starts idle injection on the CPUs in cpuMaskHex (a big-endian hex
// mask, cpumask.Store.ToHexBE's output).
func (c *SUVClamp) Enter(cpuMaskHex string) error {
	if !c.haveSaved {
		if v, err := sysfs.ReadInt(c.paramPath("duration")); err == nil {
			c.savedDuration = v
			c.haveSaved = true
		}
	}

	if err := sysfs.WriteString(c.paramPath("cpumask"), cpuMaskHex); err != nil {
		return err
	}
	if err := sysfs.WriteInt(c.paramPath("duration"), c.durationMS); err != nil {
		return err
	}
	if err := sysfs.WriteInt(c.paramPath("max_idle"), c.maxIdlePct); err != nil {
		return err
	}
	c.engaged = true
	return nil
}

// Exit stops idle injection, re-writing the initial duration and zeroing
// max_idle.
func (c *SUVClamp) Exit() error {
	if !c.engaged {
		return nil
	}
	c.engaged = false
	if c.haveSaved {
		if err := sysfs.WriteInt(c.paramPath("duration"), c.savedDuration); err != nil {
			return err
		}
	}
	return sysfs.WriteInt(c.paramPath("max_idle"), 0)
}
