// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package hfi processes Hardware Feedback Interface capacity-change events
// delivered over the kernel's generic-netlink "thermal" family, classifying
// each reporting CPU into the Hfi/HfiBanned/HfiSuv cpumask slots and
// deciding whether the daemon should enter or exit HFI-driven low-power
// mode, matching original_source/src/lpmd_hfi.c
// (update_one_cpu/process_one_event) and spec.md §4.7.1.
package hfi

import "github.com/antimetal/lpmd/pkg/cpumask"

// Capability is one CPU's reported (perf, eff) pair from a CAPACITY_CHANGE
// event, matching lpmd_hfi.c's struct perf_cap.
type Capability struct {
	CPU  int
	Perf int
	Eff  int
}

// Tag is the per-CPU classification a Capability resolves to, matching
// update_one_cpu()'s returned string.
type Tag string

const (
	TagLPM    Tag = "LPM"
	TagSUV    Tag = "SUV"
	TagBanned Tag = "BAN"
	TagNormal Tag = "NOR"
)

// Outcome is the decision process_one_event() reaches once a batch of
// Capability reports has been classified.
type Outcome int

const (
	// OutcomeNone means the batch is incomplete (a 16-entry chunk that
	// hasn't reached the highest online CPU yet) or nothing changed.
	OutcomeNone Outcome = iota
	// OutcomeEnter means the daemon should drive toward DEFAULT_HFI.
	OutcomeEnter
	// OutcomeSuvEnter means survivability mode should engage.
	OutcomeSuvEnter
	// OutcomeExit means HFI LPM/SUV has recovered; fall back to auto mode.
	OutcomeExit
)

// Classifier owns the Hfi/HfiBanned/HfiSuv/HfiLast cpumask slots and the
// policy flags that gate LPM/SUV classification, matching the daemon-wide
// globals update_one_cpu() and process_one_event() read.
type Classifier struct {
	masks *cpumask.Store

	hfiLpmEnabled bool
	hfiSuvEnabled bool
	suvBitSet     func() bool // matches suv_bit_set(): always false until the kernel exports the knob

	inHfiLpm bool
	inSuvLpm bool
}

// New creates a Classifier over masks. suvBitSet may be nil, matching the
// original's permanently-false stub (no kernel interface exports the bit
// yet).
func New(masks *cpumask.Store, hfiLpmEnabled, hfiSuvEnabled bool, suvBitSet func() bool) *Classifier {
	if suvBitSet == nil {
		suvBitSet = func() bool { return false }
	}
	return &Classifier{masks: masks, hfiLpmEnabled: hfiLpmEnabled, hfiSuvEnabled: hfiSuvEnabled, suvBitSet: suvBitSet}
}

// classifyOne implements update_one_cpu(): resets Hfi/HfiBanned on seeing
// cpu 0 (the start of a fresh batch), then classifies cap.
func (c *Classifier) classifyOne(cap Capability) Tag {
	if cap.CPU == 0 {
		c.masks.Reset(cpumask.Hfi)
		c.masks.Reset(cpumask.HfiBanned)
	}

	switch {
	case cap.Eff == 255*4 && c.hfiLpmEnabled:
		_ = c.masks.Add(cpumask.Hfi, cap.CPU)
		return TagLPM
	case cap.Perf == 0 && cap.Eff == 0 && c.hfiSuvEnabled && c.suvBitSet():
		_ = c.masks.Add(cpumask.HfiSuv, cap.CPU)
		return TagSUV
	case cap.Perf == 0 && cap.Eff == 0:
		_ = c.masks.Add(cpumask.HfiBanned, cap.CPU)
		return TagBanned
	default:
		return TagNormal
	}
}

// ProcessBatch classifies every Capability in caps (the decoded contents of
// one CAPACITY_CHANGE message) and returns the resulting Outcome, matching
// process_one_event(). maxOnlineCPU is the highest online CPU number,
// needed for the original's 16-entry chunking gate: a message reporting
// exactly 16 CPUs that doesn't reach maxOnlineCPU is a partial batch and is
// held for the next message.
func (c *Classifier) ProcessBatch(caps []Capability, maxOnlineCPU int) ([]Tag, Outcome) {
	tags := make([]Tag, len(caps))
	for i, cap := range caps {
		tags[i] = c.classifyOne(cap)
	}

	if len(caps) == 16 && caps[len(caps)-1].CPU != maxOnlineCPU {
		return tags, OutcomeNone
	}

	return tags, c.finalize()
}

// finalize implements process_one_event()'s else-if chain once a batch is
// complete.
func (c *Classifier) finalize() Outcome {
	switch {
	case c.masks.HasAny(cpumask.Hfi):
		if c.masks.Equal(cpumask.HfiLast, cpumask.Hfi) {
			return OutcomeNone // duplicate event, suppressed
		}
		c.masks.Reset(cpumask.HfiLast)
		c.masks.Copy(cpumask.Hfi, cpumask.HfiLast)
		c.inHfiLpm = true
		return OutcomeEnter

	case c.masks.HasAny(cpumask.HfiSuv):
		c.inSuvLpm = true
		return OutcomeSuvEnter

	case c.masks.HasAny(cpumask.HfiBanned):
		c.masks.CopyExcluding(cpumask.Online, cpumask.Hfi, cpumask.HfiBanned)
		if c.masks.Equal(cpumask.HfiLast, cpumask.Hfi) {
			return OutcomeNone
		}
		c.masks.Reset(cpumask.HfiLast)
		c.masks.Copy(cpumask.Hfi, cpumask.HfiLast)
		c.inHfiLpm = true
		return OutcomeEnter

	case c.inHfiLpm:
		c.masks.Reset(cpumask.HfiLast)
		c.inHfiLpm = false
		return OutcomeExit

	case c.inSuvLpm:
		c.inSuvLpm = false
		return OutcomeExit

	default:
		return OutcomeNone
	}
}
