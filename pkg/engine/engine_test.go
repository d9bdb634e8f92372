// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine_test

import (
	"testing"

	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	calls   int
	last    engine.ConfigState
	lastIdx int
}

func (r *recordingApplier) Apply(idx int, s engine.ConfigState) error {
	r.calls++
	r.lastIdx = idx
	r.last = s
	return nil
}

func TestEngine_ModeOn_ChoosesDefaultOn(t *testing.T) {
	e := engine.New(true, false)
	e.SetMode(engine.ModeOn)

	a := &recordingApplier{}
	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, a))

	assert.Equal(t, engine.IdxDefaultOn, e.CurrentIndex())
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, -1, e.PollingInterval())
}

func TestEngine_ModeOff_ChoosesDefaultOff(t *testing.T) {
	e := engine.New(true, false)
	e.SetMode(engine.ModeOff)

	a := &recordingApplier{}
	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, a))

	assert.Equal(t, engine.IdxDefaultOff, e.CurrentIndex())
	assert.Equal(t, -1, e.PollingInterval())
}

func TestEngine_ModeTerminate_ChoosesDefaultOff(t *testing.T) {
	e := engine.New(true, false)
	e.SetMode(engine.ModeTerminate)

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	assert.Equal(t, engine.IdxDefaultOff, e.CurrentIndex())
}

func TestEngine_Freeze_SuspendsPollingAndSkipsApply(t *testing.T) {
	e := engine.New(true, false)
	e.SetMode(engine.ModeAuto)
	e.AddConfigState(engine.ConfigState{
		Name: "balanced", Valid: true, WltType: engine.AnyWLT,
		ActiveCPUSlot: engine.NoActiveCPUSlot, MinPollIntervalMS: 500, MaxPollIntervalMS: 2000,
	})

	a := &recordingApplier{}
	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, a))
	require.Equal(t, 1, a.calls)

	e.SetMode(engine.ModeFreeze)
	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, a))
	assert.Equal(t, 1, a.calls, "apply must not run while frozen")
	assert.Equal(t, -1, e.PollingInterval())

	e.Restore()
	assert.Equal(t, engine.ModeAuto, e.Mode())
}

func TestEngine_HFI_TakesPriorityOverConfigStates(t *testing.T) {
	e := engine.New(true, false)
	e.AddConfigState(engine.ConfigState{
		Name: "balanced", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
	})
	e.EnableDefaultHFI(engine.ConfigState{Name: "hfi", ActiveCPUSlot: engine.NoActiveCPUSlot})

	a := &recordingApplier{}

	// No HFI update pending: DEFAULT_HFI is valid, so config states are
	// skipped entirely and the tick is a no-op (STATE_NONE).
	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, a))
	assert.Equal(t, 0, a.calls)
	assert.Equal(t, engine.IdxNone, e.CurrentIndex())

	require.NoError(t, e.EnterNextState(engine.RuntimeData{HasHFIUpdate: true}, a))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, engine.IdxDefaultHFI, e.CurrentIndex())
}

func TestEngine_ConfigStateMatch_WltTypeGate(t *testing.T) {
	e := engine.New(true, false)
	idx := e.AddConfigState(engine.ConfigState{
		Name: "bursty-only", Valid: true, WltType: 1, ActiveCPUSlot: engine.NoActiveCPUSlot,
	})

	a := &recordingApplier{}
	require.NoError(t, e.EnterNextState(engine.RuntimeData{WltHint: 2}, a))
	assert.Equal(t, 0, a.calls, "wlt hint mismatch must not match")

	require.NoError(t, e.EnterNextState(engine.RuntimeData{WltHint: 1}, a))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, idx, e.CurrentIndex())
}

func TestEngine_ConfigStateMatch_CPUAndGfxLoadThresholds(t *testing.T) {
	e := engine.New(true, false)
	e.AddConfigState(engine.ConfigState{
		Name: "low-load", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		EnterCPULoadThres: 3000, EnterGfxLoadThres: 2000,
	})

	a := &recordingApplier{}
	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilCPU: 3500, UtilGfx: 0}, a))
	assert.Equal(t, 0, a.calls, "cpu load above threshold must not match")

	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilCPU: 2000, UtilGfx: 2500}, a))
	assert.Equal(t, 0, a.calls, "gfx load above threshold must not match")

	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilCPU: 2000, UtilGfx: 1000}, a))
	assert.Equal(t, 1, a.calls)
}

// TestEngine_SystemLoadHysteresis exercises spec.md §4.5's hysteresis
// predicate: once entered, a state tolerates system load rising up to
// entry_load + hyst (and threshold + hyst) before it stops matching.
func TestEngine_SystemLoadHysteresis(t *testing.T) {
	e := engine.New(true, false)
	idx := e.AddConfigState(engine.ConfigState{
		Name: "hyst", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		EntrySystemLoadThres: 5000, ExitSystemLoadHyst: 2000,
	})

	a := &recordingApplier{}

	// Entry: sys load under threshold.
	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilSys: 4000}, a))
	require.Equal(t, idx, e.CurrentIndex())
	require.Equal(t, 1, a.calls)

	// Load rises above threshold but within entry_load(4000)+hyst(2000)=6000
	// and threshold(5000)+hyst(2000)=7000: stays matched.
	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilSys: 5500}, a))
	assert.Equal(t, idx, e.CurrentIndex())
	assert.Equal(t, 2, a.calls)

	// Load rises past both hysteresis ceilings: no longer matches, no other
	// state or built-in is eligible, so the tick is a no-op and the
	// previous target/apply count are left untouched.
	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilSys: 8000}, a))
	assert.Equal(t, idx, e.CurrentIndex())
	assert.Equal(t, 2, a.calls, "apply must not run again once the state stops matching")
}

func TestEngine_SystemLoadThreshold_ZeroDisables(t *testing.T) {
	e := engine.New(true, false)
	idx := e.AddConfigState(engine.ConfigState{
		Name: "always", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
	})

	a := &recordingApplier{}
	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilSys: 9999}, a))
	assert.Equal(t, idx, e.CurrentIndex())
}

func TestEngine_PollingInterval_MinOnEntry(t *testing.T) {
	e := engine.New(true, false)
	e.AddConfigState(engine.ConfigState{
		Name: "s", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		MinPollIntervalMS: 500, MaxPollIntervalMS: 3000,
	})

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	assert.Equal(t, 500, e.PollingInterval())
}

func TestEngine_PollingInterval_AdaptiveDecreasesWithUtil(t *testing.T) {
	e := engine.New(true, false)
	e.AddConfigState(engine.ConfigState{
		Name: "s", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		MinPollIntervalMS: 100, MaxPollIntervalMS: 1000, PollIntervalIncrement: -1,
	})

	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilCPU: 0}, nil))
	require.Equal(t, 100, e.PollingInterval())

	// Second tick on the same (already current) state recomputes adaptively:
	// max(1000) * (10000-5000)/10000 = 500, floored to the nearest 100.
	require.NoError(t, e.EnterNextState(engine.RuntimeData{UtilCPU: 5000}, nil))
	assert.Equal(t, 500, e.PollingInterval())
}

func TestEngine_PollingInterval_LazyGrowthClampsToMax(t *testing.T) {
	e := engine.New(true, false)
	e.AddConfigState(engine.ConfigState{
		Name: "s", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		MinPollIntervalMS: 100, MaxPollIntervalMS: 250, PollIntervalIncrement: 100,
	})

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	require.Equal(t, 100, e.PollingInterval())

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	require.Equal(t, 200, e.PollingInterval())

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	assert.Equal(t, 250, e.PollingInterval(), "increment must clamp at max_poll_interval")
}

func TestEngine_PollingInterval_WltProxyOwnsPolling(t *testing.T) {
	e := engine.New(true, true)
	e.AddConfigState(engine.ConfigState{
		Name: "s", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		MinPollIntervalMS: 500, MaxPollIntervalMS: 3000,
	})

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	assert.Equal(t, -1, e.PollingInterval(), "when the proxy owns polling the engine leaves the interval untouched")
}

func TestEngine_PollingDisabled_AlwaysEventDriven(t *testing.T) {
	e := engine.New(false, false)
	e.AddConfigState(engine.ConfigState{
		Name: "s", Valid: true, WltType: engine.AnyWLT, ActiveCPUSlot: engine.NoActiveCPUSlot,
		MinPollIntervalMS: 500, MaxPollIntervalMS: 3000,
	})

	require.NoError(t, e.EnterNextState(engine.RuntimeData{}, nil))
	assert.Equal(t, -1, e.PollingInterval())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "On", engine.ModeOn.String())
	assert.Equal(t, "Freeze", engine.ModeFreeze.String())
	assert.Equal(t, "Terminate", engine.ModeTerminate.String())
}
