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

// ITMTApplier toggles the kernel's Intel Turbo Boost Max Technology 3.0
// scheduler hint, matching original_source/src/lpmd_misc.c's
// itmt_init()/process_itmt() pair: the pre-LPM value is cached once, at
// construction, so SettingRestore can put it back.
type ITMTApplier struct {
	path     string
	detected bool
	saved    int
}

// NewITMTApplier creates an applier rooted at hostProcPath (normally
// "/proc"); it silently becomes a no-op if the control file is absent
// (kernels without ITMT support, or non-hybrid platforms).
func NewITMTApplier(hostProcPath string) *ITMTApplier {
	a := &ITMTApplier{path: filepath.Join(hostProcPath, "sys", "kernel", "sched_itmt_enabled"), saved: -1}
	if v, err := sysfs.ReadInt(a.path); err == nil {
		a.detected = true
		a.saved = v
	}
	return a
}

// Apply sets the ITMT toggle to state, which is SettingIgnore,
// SettingRestore, or a 0/1 enable value.
func (a *ITMTApplier) Apply(state int) error {
	if !a.detected {
		return nil
	}
	switch state {
	case SettingIgnore:
		return nil
	case SettingRestore:
		return sysfs.WriteInt(a.path, a.saved)
	default:
		return sysfs.WriteInt(a.path, state)
	}
}
