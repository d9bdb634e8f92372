// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine

import "time"

// Config is the bounded, already-parsed configuration an external
// collaborator (internal/xmlconfig) produces from the XML config file
// (spec.md §6): the global knobs plus up to 10 declared ConfigStates.
// engine has no parsing concern of its own — NewFromConfig below is the
// only consumer — following pkg/performance/types.go's
// CollectionConfig/ApplyDefaults pattern.
type Config struct {
	// Mode is the daemon's initial coarse mode (spec.md §6 "Mode (0..3)").
	Mode Mode

	HfiLpmEnable bool
	HfiSuvEnable bool

	EntryDelay time.Duration
	ExitDelay  time.Duration

	UtilEntryThresholdPct int // 0..100
	UtilExitThresholdPct  int

	EntryHyst time.Duration
	ExitHyst  time.Duration

	// LPModeEPP is DEFAULT_HFI's EPP setting: "" (ignore), "restore", a
	// decimal string (0..255), or a named governor string, matching
	// ConfigState.EPP's convention (spec.md §6 "lp_mode_epp", −1..255).
	LPModeEPP  string
	IgnoreITMT bool

	// HFIActiveCPUSlot is the cpumask.ID (carried as a plain int — engine
	// does not import pkg/cpumask) DEFAULT_HFI narrows scheduling to once
	// an HFI classification is applied. The caller wiring engine and
	// cpumask together (cmd/lpmd) is responsible for passing the right
	// slot; engine only stores it on the built-in state.
	HFIActiveCPUSlot int

	// PerformanceDef/BalancedDef/PowersaverDef translate PPD profile names
	// to a Mode (spec.md §6: −1→Off, 0→Auto, 1→On).
	PerformanceDef Mode
	BalancedDef    Mode
	PowersaverDef  Mode

	States []ConfigState // up to MaxDeclaredStates, per spec.md §6
}

// MaxDeclaredStates is the XML schema's bound on user-declared States
// (spec.md §6).
const MaxDeclaredStates = 10

// DefaultConfig returns the daemon's built-in defaults. ApplyDefaults copies
// the delay, threshold, hysteresis, LPModeEPP and HFIActiveCPUSlot defaults
// into a parsed config wherever it leaves those fields at their zero value.
func DefaultConfig() Config {
	return Config{
		Mode:                  ModeAuto,
		EntryDelay:            200 * time.Millisecond,
		ExitDelay:             200 * time.Millisecond,
		UtilEntryThresholdPct: 15,
		UtilExitThresholdPct:  25,
		EntryHyst:             1000 * time.Millisecond,
		ExitHyst:              1000 * time.Millisecond,
		LPModeEPP:             "restore",
		HFIActiveCPUSlot:      NoActiveCPUSlot,
		PerformanceDef:        ModeOff,
		BalancedDef:           ModeAuto,
		PowersaverDef:         ModeOn,
	}
}

// ApplyDefaults fills zero-valued delay, threshold, hysteresis, LPModeEPP and
// HFIActiveCPUSlot fields of c with DefaultConfig's values, matching
// pkg/performance/types.go's CollectionConfig.ApplyDefaults. Mode and the
// PPD dispositions are left as parsed: their zero value, ModeOff, is a valid
// setting.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.EntryDelay == 0 {
		c.EntryDelay = d.EntryDelay
	}
	if c.ExitDelay == 0 {
		c.ExitDelay = d.ExitDelay
	}
	if c.UtilEntryThresholdPct == 0 {
		c.UtilEntryThresholdPct = d.UtilEntryThresholdPct
	}
	if c.UtilExitThresholdPct == 0 {
		c.UtilExitThresholdPct = d.UtilExitThresholdPct
	}
	if c.EntryHyst == 0 {
		c.EntryHyst = d.EntryHyst
	}
	if c.ExitHyst == 0 {
		c.ExitHyst = d.ExitHyst
	}
	if c.LPModeEPP == "" {
		c.LPModeEPP = d.LPModeEPP
	}
	if c.HFIActiveCPUSlot == 0 {
		c.HFIActiveCPUSlot = d.HFIActiveCPUSlot
	}
}

// NewFromConfig builds an Engine from a parsed Config, registering every
// declared ConfigState (capped at MaxDeclaredStates) and, when
// cfg.HfiLpmEnable is set, enabling DEFAULT_HFI with the config's
// lp_mode_epp/HFIActiveCPUSlot knobs.
func NewFromConfig(cfg Config, pollingEnabled, wltProxyEnabled bool) *Engine {
	e := New(pollingEnabled, wltProxyEnabled)
	e.SetMode(cfg.Mode)

	states := cfg.States
	if len(states) > MaxDeclaredStates {
		states = states[:MaxDeclaredStates]
	}
	for _, s := range states {
		e.AddConfigState(s)
	}

	if cfg.HfiLpmEnable {
		e.EnableDefaultHFI(ConfigState{
			EPP:           cfg.LPModeEPP,
			ITMTEnable:    !cfg.IgnoreITMT,
			ActiveCPUSlot: cfg.HFIActiveCPUSlot,
			IRQMigrate:    IRQMigrate,
		})
	}

	return e
}
