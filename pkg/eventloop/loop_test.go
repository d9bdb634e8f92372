// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package eventloop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/antimetal/lpmd/pkg/cpumask"
	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/antimetal/lpmd/pkg/eventloop"
	"github.com/antimetal/lpmd/pkg/msgpipe"
	"github.com/antimetal/lpmd/pkg/perfsample"
	"github.com/antimetal/lpmd/pkg/wltproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct{}

func (fakeSampler) Sample(cpus []int) perfsample.Aggregate { return perfsample.Aggregate{} }
func (fakeSampler) SystemLoad() (int64, int64, bool)       { return 0, 0, true }
func (fakeSampler) GfxLoad() (int64, bool)                 { return 0, false }

type recordingApplier struct {
	mu      sync.Mutex
	applied []int
}

func (r *recordingApplier) Apply(idx int, state engine.ConfigState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, idx)
	return nil
}

func (r *recordingApplier) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return engine.IdxNone
	}
	return r.applied[len(r.applied)-1]
}

func newTestMasks(t *testing.T) *cpumask.Store {
	t.Helper()
	s, err := cpumask.NewStore(4)
	require.NoError(t, err)
	require.NoError(t, s.Parse("0-3", cpumask.Online))
	return s
}

func TestLoop_ForceOnThenTerminate(t *testing.T) {
	eng := engine.New(false, false)
	pipe, err := msgpipe.New()
	require.NoError(t, err)
	defer pipe.Close()

	applier := &recordingApplier{}
	loop := eventloop.New(eventloop.Config{
		Engine:     eng,
		Sampler:    fakeSampler{},
		Masks:      newTestMasks(t),
		Applier:    applier,
		Pipe:       pipe,
		IdlePollMS: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.NoError(t, pipe.Send(msgpipe.ForceOn, nil))
	require.Eventually(t, func() bool {
		return applier.last() == engine.IdxDefaultOn
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pipe.Send(msgpipe.Terminate, nil))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after Terminate")
	}
	assert.Equal(t, engine.ModeTerminate, eng.Mode())
}

func TestLoop_IdleTickRunsWithoutAnyEvent(t *testing.T) {
	eng := engine.New(false, false)
	applier := &recordingApplier{}
	loop := eventloop.New(eventloop.Config{
		Engine:     eng,
		Sampler:    fakeSampler{},
		Masks:      newTestMasks(t),
		Applier:    applier,
		IdlePollMS: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	// ModeAuto with no declared states never matches a target, so the
	// initial tick plus any idle re-ticks all resolve to IdxNone without
	// ever invoking the applier.
	assert.Empty(t, applier.applied)
}

type fakeProxy struct {
	hint wltproxy.Hint
}

func (f fakeProxy) Tick(s wltproxy.Sample) (int, wltproxy.Hint) { return 100, f.hint }
func (f fakeProxy) CurrentState() wltproxy.State                { return wltproxy.Norm }

func TestLoop_WLTHintFeedsRuntimeData(t *testing.T) {
	eng := engine.New(false, true)
	idx := eng.AddConfigState(engine.ConfigState{
		Name: "BATTERY", Valid: true, WltType: int(wltproxy.HintBatteryLife), ActiveCPUSlot: engine.NoActiveCPUSlot,
	})

	applier := &recordingApplier{}
	loop := eventloop.New(eventloop.Config{
		Engine:     eng,
		Sampler:    fakeSampler{},
		Proxy:      fakeProxy{hint: wltproxy.HintBatteryLife},
		Masks:      newTestMasks(t),
		Applier:    applier,
		IdlePollMS: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	assert.Equal(t, idx, applier.last())
}
