// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package xmlconfig loads the daemon's XML configuration file into an
// engine.Config, matching original_source/src/lpmd_config.c's libxml2
// parse and the schema spec.md §6 documents. It is a thin, separately
// testable adapter: engine itself has no parsing concern and only consumes
// the populated Config/ConfigState values (spec.md §1 Non-goals list the
// XML parser as an external collaborator).
package xmlconfig

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/antimetal/lpmd/pkg/lpmderrors"
)

// Result is what Parse/Load returns: the populated Config plus each
// declared state's literal ActiveCPUs CPU list (and DEFAULT_HFI's
// lp_mode_cpus), carried in parallel since engine.ConfigState.ActiveCPUSlot
// is a cpumask.ID slot index, not a CPU list — xmlconfig does not import
// pkg/cpumask to keep config parsing decoupled from the mask store. The
// caller that owns the cpumask.Store parses these CSV strings into
// allocated slots and patches them onto Config.States[i].ActiveCPUSlot (and
// Config.HFIActiveCPUSlot) before building the engine.
type Result struct {
	Config engine.Config

	// ActiveCPUs is parallel to Config.States: ActiveCPUs[i] is state i's
	// XML "ActiveCPUs" literal CPU list, or "-1" for "no narrowing".
	ActiveCPUs []string

	// LPModeCPUs is the top-level "lp_mode_cpus" DEFAULT_HFI uses.
	LPModeCPUs string
}

type rawConfig struct {
	XMLName xml.Name `xml:"LPMD"`

	Mode         int `xml:"Mode"`
	HfiLpmEnable int `xml:"HfiLpmEnable"`
	HfiSuvEnable int `xml:"HfiSuvEnable"`

	EntryDelayMS int `xml:"EntryDelayMS"`
	ExitDelayMS  int `xml:"ExitDelayMS"`

	UtilEntryThreshold int `xml:"util_entry_threshold"`
	UtilExitThreshold  int `xml:"util_exit_threshold"`

	EntryHystMS int `xml:"EntryHystMS"`
	ExitHystMS  int `xml:"ExitHystMS"`

	LPModeEPP  string `xml:"lp_mode_epp"`
	IgnoreITMT int    `xml:"IgnoreITMT"`
	LPModeCPUs string `xml:"lp_mode_cpus"`

	PerformanceDef int `xml:"PerformanceDef"`
	BalancedDef    int `xml:"BalancedDef"`
	PowersaverDef  int `xml:"PowersaverDef"`

	States []rawState `xml:"States>State"`
}

type rawState struct {
	ID   int    `xml:"ID"`
	Name string `xml:"Name"`

	EntrySystemLoadThres     int `xml:"EntrySystemLoadThres"`
	ExitSystemLoadThres      int `xml:"ExitSystemLoadThres"`
	ExitSystemLoadHysteresis int `xml:"ExitSystemLoadhysteresis"`
	EnterCPULoadThres        int `xml:"EnterCPULoadThres"`
	ExitCPULoadThres         int `xml:"ExitCPULoadThres"`

	MinPollInterval       int `xml:"MinPollInterval"`
	MaxPollInterval       int `xml:"MaxPollInterval"`
	PollIntervalIncrement int `xml:"PollIntervalIncrement"`

	EPP        string `xml:"EPP"`
	EPB        int    `xml:"EPB"`
	ITMTState  int    `xml:"ITMTState"`
	IRQMigrate int    `xml:"IRQMigrate"`

	ActiveCPUs string `xml:"ActiveCPUs"`
}

// Load reads and parses the config file at path.
func Load(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("xmlconfig: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data (the XML document described in spec.md §6) into a
// Result, rejecting any value the schema bounds as ErrMalformedConfig.
func Parse(data []byte) (Result, error) {
	var raw rawConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", lpmderrors.ErrMalformedConfig, err)
	}

	if err := validate(raw); err != nil {
		return Result{}, err
	}

	cfg := engine.Config{
		Mode:                  engine.Mode(raw.Mode),
		HfiLpmEnable:          raw.HfiLpmEnable != 0,
		HfiSuvEnable:          raw.HfiSuvEnable != 0,
		EntryDelay:            time.Duration(raw.EntryDelayMS) * time.Millisecond,
		ExitDelay:             time.Duration(raw.ExitDelayMS) * time.Millisecond,
		UtilEntryThresholdPct: raw.UtilEntryThreshold,
		UtilExitThresholdPct:  raw.UtilExitThreshold,
		EntryHyst:             time.Duration(raw.EntryHystMS) * time.Millisecond,
		ExitHyst:              time.Duration(raw.ExitHystMS) * time.Millisecond,
		LPModeEPP:             raw.LPModeEPP,
		IgnoreITMT:            raw.IgnoreITMT != 0,
		HFIActiveCPUSlot:      engine.NoActiveCPUSlot,
		PerformanceDef:        ppdMode(raw.PerformanceDef),
		BalancedDef:           ppdMode(raw.BalancedDef),
		PowersaverDef:         ppdMode(raw.PowersaverDef),
	}

	res := Result{LPModeCPUs: defaultCPUs(raw.LPModeCPUs)}
	for _, rs := range raw.States {
		cfg.States = append(cfg.States, engine.ConfigState{
			Name:                  rs.Name,
			Valid:                 true,
			WltType:               engine.AnyWLT,
			// engine.ConfigState's load/hysteresis fields are basis points
			// (spec.md §4.5: "rt.util_cpu ≤ enter_cpu_load_thres·100");
			// the XML schema carries these as raw 0..100 percentages
			// (spec.md §6), so scale by 100 here, once, at the parse
			// boundary.
			EnterCPULoadThres:     rs.EnterCPULoadThres * 100,
			EntrySystemLoadThres:  rs.EntrySystemLoadThres * 100,
			ExitSystemLoadHyst:    rs.ExitSystemLoadHysteresis * 100,
			EPP:                   rs.EPP,
			EPB:                   rs.EPB,
			ITMTEnable:            rs.ITMTState != 0,
			ActiveCPUSlot:         engine.NoActiveCPUSlot,
			IRQMigrate:            irqSetting(rs.IRQMigrate),
			MinPollIntervalMS:     rs.MinPollInterval,
			MaxPollIntervalMS:     rs.MaxPollInterval,
			PollIntervalIncrement: rs.PollIntervalIncrement,
		})
		res.ActiveCPUs = append(res.ActiveCPUs, defaultCPUs(rs.ActiveCPUs))
	}
	res.Config = cfg

	return res, nil
}

// validate enforces the bounds spec.md §6 documents for the fields that
// carry one (Mode, delays, thresholds, hysteresis, lp_mode_epp).
func validate(raw rawConfig) error {
	switch {
	case raw.Mode < 0 || raw.Mode > 3:
		return fmt.Errorf("%w: Mode %d out of range 0..3", lpmderrors.ErrMalformedConfig, raw.Mode)
	case raw.EntryDelayMS < 0 || raw.EntryDelayMS > 5000:
		return fmt.Errorf("%w: EntryDelayMS %d out of range 0..5000", lpmderrors.ErrMalformedConfig, raw.EntryDelayMS)
	case raw.UtilEntryThreshold < 0 || raw.UtilEntryThreshold > 100:
		return fmt.Errorf("%w: util_entry_threshold %d out of range 0..100", lpmderrors.ErrMalformedConfig, raw.UtilEntryThreshold)
	case raw.UtilExitThreshold < 0 || raw.UtilExitThreshold > 100:
		return fmt.Errorf("%w: util_exit_threshold %d out of range 0..100", lpmderrors.ErrMalformedConfig, raw.UtilExitThreshold)
	case raw.EntryHystMS < 0 || raw.EntryHystMS > 10000:
		return fmt.Errorf("%w: EntryHystMS %d out of range 0..10000", lpmderrors.ErrMalformedConfig, raw.EntryHystMS)
	case len(raw.States) > engine.MaxDeclaredStates:
		return fmt.Errorf("%w: %d States exceeds max of %d", lpmderrors.ErrMalformedConfig, len(raw.States), engine.MaxDeclaredStates)
	}

	if n, ok := parseDecimal(raw.LPModeEPP); ok && (n < -1 || n > 255) {
		return fmt.Errorf("%w: lp_mode_epp %d out of range -1..255", lpmderrors.ErrMalformedConfig, n)
	}

	for _, rs := range raw.States {
		if rs.MinPollInterval < 0 || rs.MaxPollInterval < 0 {
			return fmt.Errorf("%w: state %q has a negative poll interval", lpmderrors.ErrMalformedConfig, rs.Name)
		}
		// A zero MaxPollInterval means "unset" (the engine falls back to
		// its 1000ms default), so only a declared max can be violated.
		if rs.MaxPollInterval > 0 && rs.MinPollInterval > rs.MaxPollInterval {
			return fmt.Errorf("%w: state %q has MinPollInterval %d above MaxPollInterval %d",
				lpmderrors.ErrMalformedConfig, rs.Name, rs.MinPollInterval, rs.MaxPollInterval)
		}
	}

	return nil
}

func parseDecimal(s string) (int, bool) {
	n := 0
	neg := false
	if s == "" {
		return 0, false
	}
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

// ppdMode translates a PerformanceDef/BalancedDef/PowersaverDef value
// (spec.md §6: −1→Off, 0→Auto, 1→On) into a Mode; any other value defaults
// to Auto.
func ppdMode(n int) engine.Mode {
	switch n {
	case -1:
		return engine.ModeOff
	case 1:
		return engine.ModeOn
	default:
		return engine.ModeAuto
	}
}

// irqSetting maps the XML IRQMigrate field's 0/1/2 encoding onto
// engine.IRQSetting's Ignore/Restore/Migrate values.
func irqSetting(n int) engine.IRQSetting {
	switch n {
	case 1:
		return engine.IRQRestore
	case 2:
		return engine.IRQMigrate
	default:
		return engine.IRQIgnore
	}
}

func defaultCPUs(s string) string {
	if s == "" {
		return "-1"
	}
	return s
}
