// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package eventloop

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/lpmd/internal/hfi"
	"github.com/antimetal/lpmd/internal/uevent"
	"github.com/antimetal/lpmd/internal/wlthint"
	"github.com/antimetal/lpmd/pkg/cpumask"
	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/antimetal/lpmd/pkg/knobs"
	"github.com/antimetal/lpmd/pkg/msgpipe"
	"github.com/antimetal/lpmd/pkg/perfsample"
	"github.com/antimetal/lpmd/pkg/wltproxy"
)

// Sampler is the subset of *perfsample.Sampler the loop drives; satisfied
// by the real sampler and by fakes in tests.
type Sampler interface {
	Sample(cpus []int) perfsample.Aggregate
	SystemLoad() (sysBP, cpuMaxBP int64, ok bool)
	GfxLoad() (gfxBP int64, ok bool)
}

// WLTProxy is the subset of *wltproxy.Proxy the loop drives.
type WLTProxy interface {
	Tick(s wltproxy.Sample) (nextPollMS int, hint wltproxy.Hint)
	CurrentState() wltproxy.State
}

// Config wires every collaborator the reactor consumes. Engine, Sampler,
// Masks, and Applier are required; Proxy, Pipe, Uevent, HFI/HFIClassifier
// are optional — a nil value disables that event source, matching spec.md
// §4.1's "each monitor independently enabled" model.
type Config struct {
	Log     logr.Logger
	Engine  *engine.Engine
	Sampler Sampler
	Proxy   WLTProxy
	Masks   *cpumask.Store
	Applier engine.Applier

	Pipe *msgpipe.Pipe

	Uevent        *uevent.Listener
	HFI           *hfi.Listener
	HFIClassifier *hfi.Classifier

	// WLTHint, when non-nil, is the hardware workload-hint fd; its
	// re-read values land in RuntimeData.WltHint. When both WLTHint and
	// Proxy are wired, the hardware hint wins and the proxy only drives
	// its own polling cadence, matching the original daemon's preference
	// for the firmware classifier.
	WLTHint *wlthint.Watcher

	// SUV, when non-nil, injects idle time via intel_powerclamp while
	// survivability mode is engaged (an HFI SUV classification or an
	// explicit SuvEnter command).
	SUV *knobs.SUVClamp

	// IdlePollMS bounds how long the reactor waits between ticks when the
	// engine reports no active polling interval (PollingInterval() == -1)
	// and no event arrives in the meantime, so a Freeze/Restore or a
	// config-file reload still gets picked up promptly.
	IdlePollMS int

	// ProcStatPath is rescanned for the online-CPU set after a hotplug
	// uevent (normally "/proc/stat").
	ProcStatPath string
}

// Loop is the daemon's single reactor goroutine: the only caller of
// Engine.EnterNextState, matching spec.md §4.7/§5 ("only one goroutine
// mutates engine state"). Every event source feeds it through a
// Watch(ctx) <-chan T channel rather than a shared poll(2) fd set — the
// idiomatic-Go translation of original_source/src/lpmd_main.c's dispatch
// loop.
type Loop struct {
	cfg Config
	log logr.Logger

	hasHFIUpdate bool
	hwWltHint    int
	gfxBP        int64 // last good gfx busy reading
}

// New creates a Loop from cfg.
func New(cfg Config) *Loop {
	if cfg.IdlePollMS <= 0 {
		cfg.IdlePollMS = 1000
	}
	return &Loop{cfg: cfg, log: cfg.Log, hwWltHint: engine.AnyWLT}
}

// Run drives the reactor until ctx is canceled or a Terminate command is
// drained from the pipe. It performs one initial tick before waiting on any
// event source, matching the original daemon's "apply current state once
// at startup" behavior.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pipeCh <-chan msgpipe.Message
	if l.cfg.Pipe != nil {
		pipeCh = l.cfg.Pipe.Watch(ctx)
	}
	var uevCh <-chan []byte
	if l.cfg.Uevent != nil {
		uevCh = l.cfg.Uevent.Watch(ctx)
	}
	var hfiCh <-chan []hfi.Capability
	if l.cfg.HFI != nil {
		hfiCh = l.cfg.HFI.Watch(ctx)
	}
	var wltCh <-chan int
	if l.cfg.WLTHint != nil {
		wltCh = l.cfg.WLTHint.Watch(ctx)
	}

	l.tick()
	timer := time.NewTimer(l.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-pipeCh:
			if !ok {
				pipeCh = nil
				continue
			}
			if l.handleMessage(msg) {
				return nil
			}
			l.tick()
			l.rearm(timer)

		case payload, ok := <-uevCh:
			if !ok {
				uevCh = nil
				continue
			}
			l.handleUevent(payload)
			l.tick()
			l.rearm(timer)

		case caps, ok := <-hfiCh:
			if !ok {
				hfiCh = nil
				continue
			}
			l.handleHFI(caps)
			l.tick()
			l.rearm(timer)

		case hint, ok := <-wltCh:
			if !ok {
				wltCh = nil
				continue
			}
			l.hwWltHint = hint
			l.tick()
			l.rearm(timer)

		case <-timer.C:
			l.tick()
			l.rearm(timer)
		}
	}
}

// handleMessage applies one drained command. It returns true when the
// reactor should stop (Terminate).
func (l *Loop) handleMessage(msg msgpipe.Message) bool {
	l.log.V(1).Info("command received", "id", msg.ID.String())
	switch msg.ID {
	case msgpipe.Terminate:
		l.cfg.Engine.SetMode(engine.ModeTerminate)
		l.tick()
		return true
	case msgpipe.ForceOn:
		l.cfg.Engine.SetMode(engine.ModeOn)
	case msgpipe.ForceOff:
		l.cfg.Engine.SetMode(engine.ModeOff)
	case msgpipe.Auto:
		l.cfg.Engine.SetMode(engine.ModeAuto)
	case msgpipe.SuvEnter:
		l.enterSUV()
	case msgpipe.SuvExit:
		l.exitSUV()
	case msgpipe.HfiEvent:
		l.hasHFIUpdate = true
	}
	return false
}

// handleUevent compares the online-CPU set rebuilt from /proc/stat against
// the cached Online mask after a hotplug event, matching
// check_cpu_hotplug(): a mismatch freezes the engine until the set settles
// back to the topology detected at start-up, at which point the saved mode
// is restored.
func (l *Loop) handleUevent(payload []byte) {
	if !uevent.IsCPUEvent(payload) {
		return
	}
	cpus, err := uevent.OnlineCPUs(l.cfg.ProcStatPath)
	if err != nil {
		l.log.Error(err, "failed to rescan online CPUs after hotplug uevent")
		return
	}

	if l.matchesOnline(cpus) {
		l.cfg.Engine.Restore()
		return
	}
	l.log.Info("online CPU set changed, freezing until it stabilizes", "observed", len(cpus))
	l.cfg.Engine.SetMode(engine.ModeFreeze)
}

func (l *Loop) matchesOnline(cpus []int) bool {
	if len(cpus) != l.cfg.Masks.Count(cpumask.Online) {
		return false
	}
	for _, cpu := range cpus {
		if !l.cfg.Masks.Has(cpumask.Online, cpu) {
			return false
		}
	}
	return true
}

// enterSUV engages idle injection on the HFI SUV CPU set and freezes normal
// state selection until SuvExit, matching process_suv_mode(enter).
func (l *Loop) enterSUV() {
	if l.cfg.SUV != nil {
		if err := l.cfg.SUV.Enter(l.cfg.Masks.ToHexBE(cpumask.HfiSuv)); err != nil {
			l.log.Error(err, "failed to engage powerclamp for SUV mode")
		}
	}
	l.cfg.Engine.SetMode(engine.ModeFreeze)
}

func (l *Loop) exitSUV() {
	if l.cfg.SUV != nil {
		if err := l.cfg.SUV.Exit(); err != nil {
			l.log.Error(err, "failed to disengage powerclamp after SUV mode")
		}
	}
	l.cfg.Engine.Restore()
}

// handleHFI classifies one CAPACITY_CHANGE batch and folds the resulting
// Outcome into the HasHFIUpdate flag the next tick's RuntimeData carries,
// matching process_one_event()'s DEFAULT_HFI gating.
func (l *Loop) handleHFI(caps []hfi.Capability) {
	maxOnline := 0
	for _, cpu := range l.cfg.Masks.CPUList(cpumask.Online) {
		if cpu > maxOnline {
			maxOnline = cpu
		}
	}

	_, outcome := l.cfg.HFIClassifier.ProcessBatch(caps, maxOnline)
	switch outcome {
	case hfi.OutcomeEnter:
		l.hasHFIUpdate = true
	case hfi.OutcomeSuvEnter:
		l.enterSUV()
	case hfi.OutcomeExit:
		l.hasHFIUpdate = false
		if l.cfg.SUV != nil && l.cfg.SUV.Engaged() {
			l.exitSUV()
		}
	}
}

// tick runs exactly one reconciliation cycle: sample utilization, feed the
// WLT proxy if enabled, and call Engine.EnterNextState.
func (l *Loop) tick() {
	online := l.cfg.Masks.CPUList(cpumask.Online)
	agg := l.cfg.Sampler.Sample(online)

	sysBP, cpuBP, ok := l.cfg.Sampler.SystemLoad()
	if !ok {
		sysBP, cpuBP = agg.MaxLoadBP, agg.MaxLoadBP
	}
	if gfxBP, ok := l.cfg.Sampler.GfxLoad(); ok {
		l.gfxBP = gfxBP
	}

	wltHint := engine.AnyWLT
	if l.cfg.Proxy != nil {
		sample := wltproxy.Sample{
			MaxLoadBP:    agg.MaxLoadBP,
			SecondLoadBP: agg.SecondLoadBP,
			ThirdLoadBP:  agg.ThirdLoadBP,
			MinLoadBP:    agg.MinLoadBP,
			SMA1:         agg.SMA1,
			SMA2:         agg.SMA2,
			SMA3:         agg.SMA3,
			WorstStall:   agg.WorstStall,
		}
		_, hint := l.cfg.Proxy.Tick(sample)
		wltHint = int(hint)
	}
	if l.cfg.WLTHint != nil && l.hwWltHint != engine.AnyWLT {
		wltHint = l.hwWltHint
	}

	rt := engine.RuntimeData{
		UtilSys:      sysBP,
		UtilCPU:      cpuBP,
		UtilGfx:      l.gfxBP,
		WltHint:      wltHint,
		HasHFIUpdate: l.hasHFIUpdate,
	}

	if err := l.cfg.Engine.EnterNextState(rt, l.cfg.Applier); err != nil {
		l.log.Error(err, "knob apply failed")
	}

	// HasHFIUpdate is a one-shot: once DEFAULT_HFI consumes it, the flag
	// drops until the next capacity-change event (spec.md §4.5 step 5).
	if l.hasHFIUpdate && l.cfg.Engine.CurrentIndex() == engine.IdxDefaultHFI {
		l.hasHFIUpdate = false
	}
}

// nextDelay reports how long to wait before the next unconditional tick.
func (l *Loop) nextDelay() time.Duration {
	if p := l.cfg.Engine.PollingInterval(); p > 0 {
		return time.Duration(p) * time.Millisecond
	}
	return time.Duration(l.cfg.IdlePollMS) * time.Millisecond
}

// rearm resets timer to fire after nextDelay, draining a pending tick if
// one raced the reset (the documented Timer.Reset pattern).
func (l *Loop) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(l.nextDelay())
}
