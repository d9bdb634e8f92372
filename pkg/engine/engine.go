// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package engine implements the daemon's single-tick state reconciliation:
// target selection among built-in and user-declared config states, the
// system-load hysteresis predicate, polling-interval selection, and knob
// application ordering (spec.md §4.5), grounded on the original daemon's
// lpmd_state_machine.c.
package engine

import "sync"

// Mode is the coarse daemon mode a command or the event loop can set,
// corresponding to original_source/src/lpmd.h's LPMD_* constants.
type Mode int

const (
	ModeOff Mode = iota
	ModeOn
	ModeAuto
	ModeFreeze
	ModeTerminate
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "Off"
	case ModeOn:
		return "On"
	case ModeAuto:
		return "Auto"
	case ModeFreeze:
		return "Freeze"
	case ModeTerminate:
		return "Terminate"
	default:
		return "unknown"
	}
}

// IRQSetting is the tri-state IRQ-migration knob a config state can carry,
// matching original_source/src/lpmd_irq.c's process_irq() switch: Ignore
// leaves affinity untouched, Restore reverts to the cached pre-LPM
// affinity, Migrate bans the state's low-power CPUs from interrupt
// delivery.
type IRQSetting int

const (
	IRQIgnore IRQSetting = iota
	IRQRestore
	IRQMigrate
)

// Built-in target indices, matching DEFAULT_ON/DEFAULT_OFF/DEFAULT_HFI's
// fixed slots ahead of CONFIG_STATE_BASE in the original.
const (
	IdxDefaultOn = iota
	IdxDefaultOff
	IdxDefaultHFI
	ConfigStateBase
)

// IdxNone is STATE_NONE: no target selected this tick.
const IdxNone = -1

// NoThreshold disables a threshold predicate (spec.md §4.5: "== 0 disables").
const NoThreshold = 0

// AnyWLT means a state does not gate on the WLT proxy hint.
const AnyWLT = -1

// ConfigState is one matchable target: a built-in (DefaultOn/Off/HFI, whose
// threshold/knob fields are ignored by matching) or a user-declared state
// from the config file.
type ConfigState struct {
	Name  string
	Valid bool

	WltType              int // AnyWLT or a specific wltproxy.Hint-compatible index
	EnterCPULoadThres    int // bp, 0 = NoThreshold
	EnterGfxLoadThres    int
	EntrySystemLoadThres int
	ExitSystemLoadHyst   int

	// entryLoadSys/entryLoadCPU cache the rt values observed when this
	// state was last entered, used by the hysteresis predicate.
	entryLoadSys int
	entryLoadCPU int

	EPP        string
	EPB        int
	ITMTEnable bool

	ActiveCPUSlot int // a cpumask.ID, or -1 for "no active-cpu narrowing"
	IRQMigrate    IRQSetting

	MinPollIntervalMS     int
	MaxPollIntervalMS     int
	PollIntervalIncrement int // -1 adaptive, 0 none, >0 lazy growth
}

// NoActiveCPUSlot marks a ConfigState that does not narrow the active-CPU
// set (original: state->active_cpus[0] == '\0').
const NoActiveCPUSlot = -1

// RuntimeData is the sampler's live output, the subset enter_next_state
// reads (spec.md §3 RuntimeData).
type RuntimeData struct {
	UtilSys      int64 // bp
	UtilCPU      int64 // bp, max over online CPUs
	UtilGfx      int64 // bp
	WltHint      int   // AnyWLT (-1) when no hint
	HasHFIUpdate bool
}

// Applier receives the resolved target once enter_next_state selects one
// and is responsible for writing EPP/EPB/ITMT/cpuset/IRQ knobs.
type Applier interface {
	Apply(idx int, state ConfigState) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(idx int, state ConfigState) error

func (f ApplierFunc) Apply(idx int, state ConfigState) error { return f(idx, state) }

// Engine owns the mutable reconciliation state: mode, declared states, the
// currently active target, and the polling interval. All of
// enter_next_state runs under Engine's own mutex (spec.md §4.5: "runs under
// a single mutex, once per tick").
type Engine struct {
	mu sync.Mutex

	mode       Mode
	savedMode  Mode          // mode to restore after Freeze
	states     []ConfigState // index 0..2 built-ins, 3.. user states
	currentIdx int

	pollingEnabled  bool
	wltProxyEnabled bool

	polling int // current polling_interval, -1 = no wakeup
}

// New creates an engine with the three built-in states pre-registered.
// AddConfigState appends user states starting at ConfigStateBase.
func New(pollingEnabled, wltProxyEnabled bool) *Engine {
	e := &Engine{
		mode:            ModeAuto,
		currentIdx:      IdxNone,
		pollingEnabled:  pollingEnabled,
		wltProxyEnabled: wltProxyEnabled,
		polling:         -1,
		states:          make([]ConfigState, ConfigStateBase),
	}
	e.states[IdxDefaultOn] = ConfigState{Name: "DEFAULT_ON", Valid: true, WltType: AnyWLT, ActiveCPUSlot: NoActiveCPUSlot}
	e.states[IdxDefaultOff] = ConfigState{Name: "DEFAULT_OFF", Valid: true, WltType: AnyWLT, ActiveCPUSlot: NoActiveCPUSlot}
	e.states[IdxDefaultHFI] = ConfigState{Name: "DEFAULT_HFI", Valid: false, WltType: AnyWLT, ActiveCPUSlot: NoActiveCPUSlot}
	return e
}

// EnableDefaultHFI marks DEFAULT_HFI valid, matching the original's rule
// that it only participates when the HFI monitor is configured.
func (e *Engine) EnableDefaultHFI(state ConfigState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state.Valid = true
	state.WltType = AnyWLT
	e.states[IdxDefaultHFI] = state
}

// AddConfigState appends a user-declared state and returns its index.
func (e *Engine) AddConfigState(s ConfigState) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, s)
	return len(e.states) - 1
}

// SetMode updates the coarse mode. Entering Freeze stashes the previous
// mode; a subsequent SetMode(ModeAuto) after a freeze-triggered restore is
// the caller's responsibility — the event loop calls Restore() instead.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == ModeFreeze {
		if e.mode == ModeFreeze {
			return
		}
		e.savedMode = e.mode
		e.mode = ModeFreeze
		return
	}
	e.mode = m
}

// Restore returns from Freeze to the mode saved at Freeze entry. A no-op
// when not currently frozen.
func (e *Engine) Restore() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeFreeze {
		return
	}
	e.mode = e.savedMode
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// PollingInterval returns the last computed polling interval in
// milliseconds, or -1 meaning event-driven only (no sampling wake-up).
func (e *Engine) PollingInterval() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polling
}

// EnterNextState runs one reconciliation tick (spec.md §4.5). apply is
// invoked only when a real target is chosen (not on Freeze, not on
// no-match); its error is returned but does not prevent currentIdx
// bookkeeping — the caller is expected to retry knob writes
// on the next tick (spec.md §7: they are idempotent).
func (e *Engine) EnterNextState(rt RuntimeData, apply Applier) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == ModeFreeze {
		e.polling = -1
		return nil
	}

	idx := e.chooseTarget(rt)
	if idx == IdxNone {
		return nil
	}

	e.updatePollingInterval(idx, rt)

	state := e.states[idx]
	state.entryLoadSys = int(rt.UtilSys)
	state.entryLoadCPU = int(rt.UtilCPU)
	e.states[idx] = state

	var applyErr error
	if apply != nil {
		applyErr = apply.Apply(idx, e.states[idx])
	}

	e.currentIdx = idx
	return applyErr
}

func (e *Engine) chooseTarget(rt RuntimeData) int {
	switch e.mode {
	case ModeOn:
		return IdxDefaultOn
	case ModeOff, ModeTerminate:
		return IdxDefaultOff
	}

	if e.states[IdxDefaultHFI].Valid {
		if rt.HasHFIUpdate {
			return IdxDefaultHFI
		}
		return IdxNone
	}

	for i := ConfigStateBase; i < len(e.states); i++ {
		if e.configStateMatch(i, rt) {
			return i
		}
	}
	return IdxNone
}

// configStateMatch mirrors config_state_match() in lpmd_state_machine.c,
// folding in the system-load hysteresis predicate inline.
func (e *Engine) configStateMatch(idx int, rt RuntimeData) bool {
	s := e.states[idx]
	if !s.Valid {
		return false
	}
	if s.WltType != AnyWLT && s.WltType != rt.WltHint {
		return false
	}
	if s.EnterCPULoadThres != NoThreshold && rt.UtilCPU > int64(s.EnterCPULoadThres) {
		return false
	}
	if s.EnterGfxLoadThres != NoThreshold && rt.UtilGfx > int64(s.EnterGfxLoadThres) {
		return false
	}
	return systemLoadPredicate(s, rt.UtilSys)
}

// systemLoadPredicate implements spec.md §4.5's hysteresis predicate.
func systemLoadPredicate(s ConfigState, sysBP int64) bool {
	if s.EntrySystemLoadThres == NoThreshold {
		return true
	}
	if sysBP <= int64(s.EntrySystemLoadThres) {
		return true
	}
	if s.ExitSystemLoadHyst == NoThreshold {
		return false
	}
	return sysBP <= int64(s.entryLoadSys+s.ExitSystemLoadHyst) &&
		sysBP <= int64(s.EntrySystemLoadThres+s.ExitSystemLoadHyst)
}

// updatePollingInterval implements spec.md §4.5.1.
func (e *Engine) updatePollingInterval(idx int, rt RuntimeData) {
	switch idx {
	case IdxDefaultOn, IdxDefaultOff, IdxDefaultHFI:
		e.polling = -1
		return
	}

	if !e.pollingEnabled {
		e.polling = -1
		return
	}
	if e.wltProxyEnabled {
		return
	}

	state := e.states[idx]

	if idx != e.currentIdx {
		e.polling = state.MinPollIntervalMS
	} else if state.PollIntervalIncrement == -1 {
		p := state.MaxPollIntervalMS * int(10000-rt.UtilCPU) / 10000
		p = (p / 100) * 100
		e.polling = p
	} else if state.PollIntervalIncrement > 0 {
		e.polling += state.PollIntervalIncrement
	}

	if state.MinPollIntervalMS != 0 && e.polling < state.MinPollIntervalMS {
		e.polling = state.MinPollIntervalMS
	}
	if state.MaxPollIntervalMS != 0 && e.polling > state.MaxPollIntervalMS {
		e.polling = state.MaxPollIntervalMS
	}
}

// CurrentIndex returns the currently applied target index, or IdxNone.
func (e *Engine) CurrentIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentIdx
}

// State returns a copy of the state at idx for inspection (e.g. tests or
// diagnostics); mutating the copy has no effect on the engine.
func (e *Engine) State(idx int) ConfigState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[idx]
}
