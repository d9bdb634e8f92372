// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package eventloop_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/antimetal/lpmd/pkg/cpumask"
	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/antimetal/lpmd/pkg/eventloop"
	"github.com/antimetal/lpmd/pkg/knobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCPUSet struct {
	calls int
	req   knobs.CPUSetRequest
}

func (f *fakeCPUSet) Apply(_ context.Context, req knobs.CPUSetRequest) error {
	f.calls++
	f.req = req
	return nil
}

type fakeIRQ struct {
	activeHex string
	bannedHex string
	restored  bool
}

func (f *fakeIRQ) Migrate(activeHexBE, bannedHexBE string) error {
	f.activeHex = activeHexBE
	f.bannedHex = bannedHexBE
	return nil
}

func (f *fakeIRQ) Restore() error {
	f.restored = true
	return nil
}

func newMasks(t *testing.T) (*cpumask.Store, cpumask.ID) {
	t.Helper()
	s, err := cpumask.NewStore(4)
	require.NoError(t, err)
	require.NoError(t, s.Parse("0-3", cpumask.Online))
	slot := s.NewUserSlot()
	require.NoError(t, s.Parse("0,1", slot))
	return s, slot
}

func TestKnobApplier_FullOnlineRestoresBaseline(t *testing.T) {
	root := t.TempDir()
	for _, cpu := range []string{"cpu0", "cpu1", "cpu2", "cpu3"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "system", "cpu", cpu, "cpufreq"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "system", "cpu", cpu, "power"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "devices", "system", "cpu", cpu, "cpufreq", "energy_performance_preference"), []byte("128"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "devices", "system", "cpu", cpu, "power", "energy_perf_bias"), []byte("6"), 0o644))
	}

	masks, _ := newMasks(t)
	cpuset := &fakeCPUSet{}
	irq := &fakeIRQ{}
	a := &eventloop.KnobApplier{
		Masks:  masks,
		EPP:    knobs.NewEPPApplier(root),
		CPUSet: cpuset,
		IRQ:    irq,
	}

	state := engine.ConfigState{Name: "DEFAULT_ON", ActiveCPUSlot: engine.NoActiveCPUSlot, IRQMigrate: engine.IRQRestore}
	require.NoError(t, a.Apply(engine.IdxDefaultOn, state))

	assert.True(t, cpuset.req.FullOnline)
	assert.Equal(t, "0,1,2,3", cpuset.req.ActiveCSV)
	assert.True(t, irq.restored)
}

func TestKnobApplier_NarrowedStateAppliesEPPAndMigratesIRQ(t *testing.T) {
	root := t.TempDir()
	for _, cpu := range []string{"cpu0", "cpu1"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "system", "cpu", cpu, "cpufreq"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "system", "cpu", cpu, "power"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "devices", "system", "cpu", cpu, "cpufreq", "energy_performance_preference"), []byte("128"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "devices", "system", "cpu", cpu, "power", "energy_perf_bias"), []byte("6"), 0o644))
	}

	masks, slot := newMasks(t)
	cpuset := &fakeCPUSet{}
	irq := &fakeIRQ{}
	a := &eventloop.KnobApplier{
		Masks:  masks,
		EPP:    knobs.NewEPPApplier(root),
		CPUSet: cpuset,
		IRQ:    irq,
	}

	state := engine.ConfigState{
		Name:          "LOW_POWER",
		ActiveCPUSlot: int(slot),
		EPP:           "192",
		EPB:           15,
		IRQMigrate:    engine.IRQMigrate,
	}
	require.NoError(t, a.Apply(engine.ConfigStateBase, state))

	assert.False(t, cpuset.req.FullOnline)
	assert.Equal(t, "0,1", cpuset.req.ActiveCSV)
	assert.Equal(t, "2,3", cpuset.req.ActiveRevCSV)
	assert.Equal(t, "3", cpuset.req.ActiveHexBE, "active CPUs {0,1} encode as hex 0x3")
	assert.Equal(t, "3", irq.activeHex)
	assert.Equal(t, "c", irq.bannedHex, "banned CPUs {2,3} encode as hex 0xc")

	b, err := os.ReadFile(filepath.Join(root, "devices", "system", "cpu", "cpu0", "cpufreq", "energy_performance_preference"))
	require.NoError(t, err)
	assert.Equal(t, "192", string(b))
}

func TestKnobApplier_IgnoredKnobsAreSkippedWhenAppliersNil(t *testing.T) {
	masks, slot := newMasks(t)
	a := &eventloop.KnobApplier{Masks: masks}

	state := engine.ConfigState{ActiveCPUSlot: int(slot), IRQMigrate: engine.IRQIgnore}
	assert.NoError(t, a.Apply(engine.ConfigStateBase, state))
}
