// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package eventloop implements the daemon's central reactor: it owns the
// perf sampler, the WLT proxy, the engine, and every event source (command
// pipe, hotplug uevents, HFI capacity-change events), consuming each
// source's Watch(ctx) <-chan T on one goroutine so engine.Engine ticks are
// never concurrent, matching spec.md §4.7's single-reactor invariant and
// original_source/src/lpmd_main.c's poll(2) dispatch loop.
package eventloop

import (
	"context"
	"strconv"

	"github.com/antimetal/lpmd/pkg/cpumask"
	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/antimetal/lpmd/pkg/knobs"
)

// eppRawString is a sentinel distinct from knobs.SettingIgnore/SettingRestore
// telling EPPApplier.Apply's internal writeEPP to use the accompanying
// governor string instead of a raw integer.
const eppRawString = -100

// KnobApplier adapts the individual pkg/knobs appliers into a single
// engine.Applier, resolving a ConfigState's ActiveCPUSlot into the encoded
// forms (CPU list, CSV, little-endian bytes) each backend expects. Every
// field is optional: a nil applier/backend is simply skipped, matching
// spec.md §4.1's "each knob independently configured" model.
type KnobApplier struct {
	Masks  *cpumask.Store
	EPP    *knobs.EPPApplier
	ITMT   *knobs.ITMTApplier
	CPUSet knobs.CPUSetBackend
	IRQ    knobs.IRQBackend

	// Ctx scopes the D-Bus calls CPUSet backends may make. Defaults to
	// context.Background() when nil: a knob apply is not itself part of a
	// caller's request and outlives any single tick.
	Ctx context.Context
}

// Apply implements engine.Applier. Every knob is applied independently and
// best-effort (matching original_source/src/lpmd_misc.c/lpmd_cgroup.c/
// lpmd_irq.c): a failure on one does not prevent the others from running.
// The first error encountered is returned after every knob has been tried.
func (k *KnobApplier) Apply(idx int, state engine.ConfigState) error {
	isFullOnline := state.ActiveCPUSlot == engine.NoActiveCPUSlot
	activeID := cpumask.ID(state.ActiveCPUSlot)
	if isFullOnline {
		activeID = cpumask.Online
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if k.EPP != nil {
		eppVal, eppStr := parseEPP(state.EPP)
		record(k.EPP.Apply(k.Masks.CPUList(activeID), eppVal, eppStr, state.EPB))
	}

	if k.ITMT != nil {
		itmtState := knobs.SettingRestore
		if !isFullOnline {
			itmtState = 0
			if state.ITMTEnable {
				itmtState = 1
			}
		}
		record(k.ITMT.Apply(itmtState))
	}

	if k.CPUSet != nil {
		ctx := k.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		record(k.CPUSet.Apply(ctx, knobs.CPUSetRequest{
			ActiveLE:     k.Masks.ToBytesLE(activeID),
			ActiveCSV:    k.Masks.ToCSV(activeID),
			ActiveRevCSV: k.Masks.ToCSVReversed(activeID),
			ActiveHexBE:  k.Masks.ToHexBE(activeID),
			OnlineLE:     k.Masks.ToBytesLE(cpumask.Online),
			OnlineCSV:    k.Masks.ToCSV(cpumask.Online),
			FullOnline:   isFullOnline,
		}))
	}

	if k.IRQ != nil {
		switch state.IRQMigrate {
		case engine.IRQRestore:
			record(k.IRQ.Restore())
		case engine.IRQMigrate:
			record(k.IRQ.Migrate(k.Masks.ToHexBE(activeID), k.Masks.ToHexBEReversed(activeID)))
		}
	}

	return firstErr
}

// parseEPP resolves a ConfigState's EPP field into the (val, str) pair
// EPPApplier.Apply expects: "" or "ignore" maps to SettingIgnore, "restore"
// to SettingRestore, a decimal string to the raw EPP integer, and anything
// else to a named governor string (e.g. "balance_performance").
func parseEPP(s string) (int, string) {
	switch s {
	case "", "ignore":
		return knobs.SettingIgnore, ""
	case "restore":
		return knobs.SettingRestore, ""
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, ""
	}
	return eppRawString, s
}
