// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package knobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antimetal/lpmd/pkg/sysfs"
)

// CPUSetMode selects how a ConfigState's low-power CPU set is enforced,
// matching original_source/src/include/lpmd.h's lpm_cpu_process_mode.
type CPUSetMode int

const (
	CPUSetCgroupV2 CPUSetMode = iota
	CPUSetIsolate
	CPUSetPowerclamp
	CPUSetOffline
)

// CPUSetRequest carries the target low-power CPU set in every encoding the
// backends consume: systemd's AllowedCPUs wants the little-endian byte
// array, cgroup cpuset files want CPU lists, powerclamp wants a hex mask,
// and the isolate backend wants the reversed list (the CPUs to remove).
type CPUSetRequest struct {
	ActiveLE     []byte
	ActiveCSV    string
	ActiveRevCSV string
	ActiveHexBE  string

	OnlineLE  []byte
	OnlineCSV string

	// FullOnline is true when the active set equals the full online set
	// (the "no restriction, restore defaults" case).
	FullOnline bool
}

// CPUSetBackend narrows (or restores) the set of CPUs available for
// general scheduling to the active low-power set.
type CPUSetBackend interface {
	Apply(ctx context.Context, req CPUSetRequest) error
}

var systemdSlices = []string{"system.slice", "user.slice", "machine.slice"}

// Cgroupv2Backend narrows scheduling via cgroup v2's cpuset controller
// plus systemd's AllowedCPUs property on the top-level slices, matching
// original_source/src/lpmd_cgroup.c's process_cpu_cgroupv2()/
// update_systemd_cgroup()/restore_systemd_cgroup().
type Cgroupv2Backend struct {
	hostSysPath string
	dbus        *SystemdCPUSetClient
}

// NewCgroupv2Backend creates a backend rooted at hostSysPath (normally
// "/sys") using an already-connected D-Bus client.
func NewCgroupv2Backend(hostSysPath string, client *SystemdCPUSetClient) *Cgroupv2Backend {
	return &Cgroupv2Backend{hostSysPath: hostSysPath, dbus: client}
}

func (b *Cgroupv2Backend) subtreeControlPath() string {
	return filepath.Join(b.hostSysPath, "fs", "cgroup", "cgroup.subtree_control")
}

// Init enables the cpuset controller at the cgroup v2 root, matching
// cgroup_init()'s unconditional "+cpuset" write.
func (b *Cgroupv2Backend) Init() error {
	return sysfs.AppendString(b.subtreeControlPath(), "+cpuset")
}

func (b *Cgroupv2Backend) Apply(ctx context.Context, req CPUSetRequest) error {
	if req.FullOnline {
		b.updateSlices(ctx, req.OnlineLE)
		return sysfs.AppendString(b.subtreeControlPath(), "-cpuset")
	}
	if err := sysfs.AppendString(b.subtreeControlPath(), "+cpuset"); err != nil {
		return err
	}
	if err := b.updateSlices(ctx, req.ActiveLE); err != nil {
		// Matches update_systemd_cgroup()'s "restore" goto: undo a partial
		// application rather than leave some slices narrowed.
		b.updateSlices(ctx, req.OnlineLE)
		return err
	}
	return nil
}

func (b *Cgroupv2Backend) updateSlices(ctx context.Context, cpusLE []byte) error {
	if b.dbus == nil {
		return nil
	}
	var firstErr error
	for _, unit := range systemdSlices {
		if err := b.dbus.SetAllowedCPUs(ctx, unit, cpusLE); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsolateBackend narrows scheduling via a dedicated "lpm" cgroup v2
// partition, matching process_cpu_isolate().
type IsolateBackend struct {
	hostSysPath string
}

// NewIsolateBackend creates a backend rooted at hostSysPath.
func NewIsolateBackend(hostSysPath string) *IsolateBackend {
	return &IsolateBackend{hostSysPath: hostSysPath}
}

func (b *IsolateBackend) root() string {
	return filepath.Join(b.hostSysPath, "fs", "cgroup", "lpm")
}

// Init creates the lpm cgroup, matching cgroup_init()'s LPM_CPU_ISOLATE
// branch.
func (b *IsolateBackend) Init() error {
	if _, err := os.Stat(b.root()); err == nil {
		return nil
	}
	return os.Mkdir(b.root(), 0o744)
}

// Exit removes the lpm cgroup if present, matching cgroup_exit().
func (b *IsolateBackend) Exit() error {
	if _, err := os.Stat(b.root()); err != nil {
		return nil
	}
	return os.Remove(b.root())
}

// Apply isolates the CPUs the low-power state removes from scheduling: the
// lpm cgroup's cpuset.cpus takes the reverse of the active mask (the CPUs
// to pull out of the system partition), then flips the partition to
// "isolated". Restoring widens cpuset.cpus back to the full online set as a
// plain member.
func (b *IsolateBackend) Apply(_ context.Context, req CPUSetRequest) error {
	partitionPath := filepath.Join(b.root(), "cpuset.cpus.partition")
	cpusPath := filepath.Join(b.root(), "cpuset.cpus")

	if err := sysfs.WriteString(partitionPath, "member"); err != nil {
		return err
	}
	if req.FullOnline {
		return sysfs.WriteString(cpusPath, req.OnlineCSV)
	}
	if err := sysfs.WriteString(cpusPath, req.ActiveRevCSV); err != nil {
		return err
	}
	return sysfs.WriteString(partitionPath, "isolated")
}

// PowerclampBackend drives the intel_powerclamp idle-injection cooling
// device. Not ported from a literal branch of process_cgroup() —
// lpm_cpu_process_mode names LPM_CPU_POWERCLAMP but lpmd_cgroup.c's
// process_cgroup() only switches on CGROUPV2/ISOLATE, falling through to a
// no-op for the rest — so this backend extrapolates from the driver's
// documented sysfs contract instead of a C reference implementation.
type PowerclampBackend struct {
	hostSysPath  string
	clampPercent int
}

// NewPowerclampBackend creates a backend that clamps to clampPercent idle
// time when narrowed, 0% (disabled) when restored to the full online set.
func NewPowerclampBackend(hostSysPath string, clampPercent int) *PowerclampBackend {
	return &PowerclampBackend{hostSysPath: hostSysPath, clampPercent: clampPercent}
}

func (b *PowerclampBackend) coolingDevicePath() (string, error) {
	root := filepath.Join(b.hostSysPath, "class", "thermal")
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("knobs: failed to read %s: %w", root, err)
	}
	for _, e := range entries {
		typePath := filepath.Join(root, e.Name(), "type")
		t, err := sysfs.ReadString(typePath)
		if err == nil && t == "intel_powerclamp" {
			return filepath.Join(root, e.Name(), "cur_state"), nil
		}
	}
	return "", fmt.Errorf("knobs: no intel_powerclamp cooling device found under %s", root)
}

func (b *PowerclampBackend) cpumaskParamPath() string {
	return filepath.Join(b.hostSysPath, "module", "intel_powerclamp", "parameters", "cpumask")
}

// Apply points the module's cpumask parameter at the active set's hex mask
// and raises the cooling device's cur_state; restoring drops cur_state to 0.
func (b *PowerclampBackend) Apply(_ context.Context, req CPUSetRequest) error {
	path, err := b.coolingDevicePath()
	if err != nil {
		return err
	}
	if req.FullOnline {
		return sysfs.WriteInt(path, 0)
	}
	if err := sysfs.WriteString(b.cpumaskParamPath(), req.ActiveHexBE); err != nil {
		return err
	}
	return sysfs.WriteInt(path, b.clampPercent)
}

// OfflineBackend narrows the runtime's CPU set by offlining CPUs outside
// the active set through /sys/devices/system/cpu/cpuN/online. Like
// PowerclampBackend, this is an extrapolation from the
// lpm_cpu_process_mode enum's LPM_CPU_OFFLINE value rather than a ported
// branch of process_cgroup().
type OfflineBackend struct {
	hostSysPath string
	allCPUs     []int
}

// NewOfflineBackend creates a backend over allCPUs (normally every CPU
// 0..maxCPUs-1; CPU0 is skipped since it cannot be offlined).
func NewOfflineBackend(hostSysPath string, allCPUs []int) *OfflineBackend {
	return &OfflineBackend{hostSysPath: hostSysPath, allCPUs: allCPUs}
}

func (b *OfflineBackend) onlinePath(cpu int) string {
	return filepath.Join(b.hostSysPath, "devices", "system", "cpu", fmt.Sprintf("cpu%d", cpu), "online")
}

func (b *OfflineBackend) Apply(_ context.Context, req CPUSetRequest) error {
	active := make(map[int]bool, len(b.allCPUs))
	if req.FullOnline {
		for _, cpu := range b.allCPUs {
			active[cpu] = true
		}
	} else {
		for _, field := range strings.Split(req.ActiveCSV, ",") {
			if field == "" {
				continue
			}
			cpu, err := strconv.Atoi(field)
			if err != nil {
				return fmt.Errorf("knobs: malformed active cpu list %q: %w", req.ActiveCSV, err)
			}
			active[cpu] = true
		}
	}

	var firstErr error
	for _, cpu := range b.allCPUs {
		if cpu == 0 {
			continue
		}
		want := 1
		if !active[cpu] {
			want = 0
		}
		if err := sysfs.WriteInt(b.onlinePath(cpu), want); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
