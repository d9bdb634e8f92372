// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package wltproxy implements the software workload-type-detection state
// machine that substitutes for a hardware workload-hint source: an 8-state
// machine driven by instantaneous and SMA-smoothed CPU load plus a
// stall-scalability signal, emitting a coarse workload hint and the next
// polling interval (spec.md §4.4).
package wltproxy

import "math"

// State is one of the 8 WLT proxy states, ordered high-to-low cpu usage
// the way original_source/src/wlt_proxy/include/state_common.h enumerates
// them.
type State int

const (
	Init State = iota
	Perf
	Mdrt4E
	Mdrt3E
	Mdrt2E
	Resp
	Norm
	Deep
	numStates
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Perf:
		return "Perf"
	case Mdrt4E:
		return "Mdrt4E"
	case Mdrt3E:
		return "Mdrt3E"
	case Mdrt2E:
		return "Mdrt2E"
	case Resp:
		return "Resp"
	case Norm:
		return "Norm"
	case Deep:
		return "Deep"
	default:
		return "unknown"
	}
}

// Hint is the workload-type classification the proxy emits for the target
// state (spec.md §4.4).
type Hint int

const (
	HintSustained Hint = iota
	HintBursty
	HintBatteryLife
	HintIdle
)

func (h Hint) String() string {
	switch h {
	case HintBursty:
		return "Bursty"
	case HintBatteryLife:
		return "BatteryLife"
	case HintIdle:
		return "Idle"
	default:
		return "Sustained"
	}
}

func hintFor(s State) Hint {
	switch s {
	case Perf:
		return HintBursty
	case Resp, Norm:
		return HintBatteryLife
	case Deep:
		return HintIdle
	default:
		return HintSustained
	}
}

// pollOrder is the elastic-poll cadence class (spec.md §4.4).
type pollOrder int

const (
	orderZeroth pollOrder = iota
	orderLinear
	orderQuadratic
	orderCubic
)

const (
	minPollMS = 100

	stallScaleLowerMark = 40 // percent, *100-scaled comparison against worst_stall

	strikeoutN = 10

	susLower         = 2
	susLowRangeStart = 4
	susLowRangeEnd   = 25

	utilLowest    = 1
	utilLow       = 10
	utilFillStart = 35
	utilBelowHalf = 40
	utilHalf      = 50
	utilAboveHalf = 70
	utilNearFull  = 90

	mdrtModeStayMS = 4000
	perfModeStayMS = 10000
)

var basePoll = [numStates]int{
	Init:   100,
	Perf:   280,
	Mdrt4E: 600,
	Mdrt3E: 800,
	Mdrt2E: 1000,
	Resp:   96,
	Norm:   1200,
	Deep:   1800,
}

var stateOrder = [numStates]pollOrder{
	Init:   orderZeroth,
	Perf:   orderZeroth,
	Mdrt4E: orderLinear,
	Mdrt3E: orderLinear,
	Mdrt2E: orderLinear,
	Resp:   orderCubic,
	Norm:   orderQuadratic,
	Deep:   orderCubic,
}

// Sample is one tick's sampler output, the subset of perfsample.Aggregate
// the proxy's transition table reads.
type Sample struct {
	MaxLoadBP, SecondLoadBP, ThirdLoadBP, MinLoadBP int64
	SMA1, SMA2, SMA3                                float64
	WorstStall                                      float64
}

// highMT reports whether every applicable CPU is loaded past the low-util
// mark — the least-loaded CPU is the witness — gating the Init/Perf
// transitions.
func (s Sample) highMT() bool { return s.MinLoadBP > utilLow*100 }

// Proxy is the stateful WLT detection engine. Not safe for concurrent use;
// the event loop calls Tick only from its single reactor goroutine.
type Proxy struct {
	state     State
	stayCount [numStates]int

	spike spikeTracker

	strikeCount int
	lastPollMS  int
}

func New() *Proxy {
	return &Proxy{state: Norm, lastPollMS: basePoll[Norm], spike: newSpikeTracker()}
}

// CurrentState returns the proxy's current state.
func (p *Proxy) CurrentState() State { return p.state }

// Tick advances the state machine by one sample and returns the next
// polling interval (ms) and the workload hint for the (possibly new)
// current state.
func (p *Proxy) Tick(s Sample) (nextPollMS int, hint Hint) {
	maxUtil := int(s.MaxLoadBP / 100)
	sumC0 := s.MaxLoadBP + s.SecondLoadBP + s.ThirdLoadBP

	initialBurstRate := p.spike.burstRatePerMin
	if maxUtil <= utilNearFull {
		p.spike.addNonSpikeTime(p.lastPollMS)
	} else {
		p.spike.addSpikeTime(p.lastPollMS)
	}

	if p.spike.freshBurstResponse(initialBurstRate) {
		p.stayCount[Perf] = staytimeToStayCount(Perf)
		p.stayCount[Mdrt3E] = 0
	}
	if p.stayCount[Perf] == 0 && p.stayCount[Mdrt3E] == 0 {
		p.stayCount[Mdrt3E] = staytimeToStayCount(Mdrt3E)
	}

	from := p.state
	to := p.transition(s, sumC0)

	if to != from {
		p.state = to
		p.lastPollMS = p.statePoll(maxUtil, to)
	}

	return p.lastPollMS, hintFor(p.state)
}

func (p *Proxy) transition(s Sample, sumC0 int64) State {
	switch p.state {
	case Init:
		if !s.highMT() {
			return Perf
		}
		return Init

	case Perf:
		if s.highMT() {
			return Init
		}
		if p.spike.burstCount > 0 && !p.countdown(Perf) {
			return Perf
		}
		if sumC0 <= 2*utilLow*100 && s.SMA1 <= utilAboveHalf {
			return Resp
		}
		if !p.spike.burstRateBreach() && s.MaxLoadBP <= utilLow*100 {
			p.stayCount[Mdrt3E] = 0
			return Mdrt3E
		}
		return Perf

	case Resp:
		if s.MaxLoadBP > utilAboveHalf*100 && s.SMA1 > utilBelowHalf {
			return Perf
		}
		if p.stayCount[Perf] > 0 && p.spike.burstRateBreach() {
			return Resp
		}
		if s.WorstStall*100 <= stallScaleLowerMark {
			return Resp
		}
		return Mdrt3E

	case Mdrt4E:
		if s.WorstStall*100 <= stallScaleLowerMark {
			return Resp
		}
		if s.MaxLoadBP > utilNearFull*100 {
			if !p.spike.burstRateBreach() && p.strikeout() {
				return Mdrt4E
			}
			return Perf
		}
		if s.SMA1 <= susLowRangeEnd && s.SMA2 <= susLowRangeEnd && sumC0 <= utilHalf*100 {
			if !p.countdown(Mdrt4E) {
				return Mdrt4E
			}
			return Norm
		}
		return Mdrt4E

	case Mdrt3E:
		if s.WorstStall*100 <= stallScaleLowerMark {
			return Resp
		}
		if s.MaxLoadBP > utilNearFull*100 {
			if !p.spike.burstRateBreach() && p.strikeout() {
				return Mdrt3E
			}
			return Perf
		}
		if s.SMA1 >= susLowRangeEnd && s.SMA2 >= susLowRangeEnd-5 {
			return Mdrt4E
		}
		if s.SMA1 > susLowRangeStart && s.SMA1 <= susLowRangeEnd &&
			s.SMA2 > susLowRangeStart && s.SMA2 <= susLowRangeEnd {
			if !p.countdown(Mdrt3E) {
				return Mdrt3E
			}
			return Mdrt2E
		}
		if s.SMA1 <= susLowRangeEnd && s.SMA2 <= susLower && s.SMA3 <= susLower {
			if !p.countdown(Mdrt3E) {
				return Mdrt3E
			}
			return Norm
		}
		return Mdrt3E

	case Mdrt2E:
		if s.WorstStall*100 <= stallScaleLowerMark {
			return Resp
		}
		if s.MaxLoadBP > utilNearFull*100 || (s.SMA1 >= susLowRangeEnd && s.SMA2 >= susLowRangeEnd-10) {
			if !p.spike.burstRateBreach() && p.strikeout() {
				return Mdrt2E
			}
			return Mdrt3E
		}
		if s.SMA1 > susLowRangeStart && s.SMA1 <= susLowRangeEnd && s.SMA2 <= susLowRangeEnd {
			if !p.countdown(Mdrt2E) {
				return Mdrt2E
			}
			return Norm
		}
		return Mdrt2E

	case Norm:
		if s.WorstStall*100 <= stallScaleLowerMark {
			return Resp
		}
		if s.MaxLoadBP > utilHalf*100 || s.SMA1 > utilBelowHalf {
			if !p.spike.burstRateBreach() && p.strikeout() {
				return Norm
			}
			return Mdrt2E
		}
		if (s.MaxLoadBP <= utilLow*100 && s.SecondLoadBP <= utilLowest*100) || s.SMA1 <= susLower {
			if !p.countdown(Norm) {
				return Norm
			}
			return Deep
		}
		return Norm

	case Deep:
		if s.WorstStall*100 <= stallScaleLowerMark {
			return Resp
		}
		if s.MaxLoadBP > utilFillStart*100 {
			return Norm
		}
		return Deep
	}
	return p.state
}

// countdown decrements state's stay count and reports whether it reached
// zero (spec.md §4.4 "Countdown"). Resets to a fresh stay_count on the
// state's first call after entry via staytimeToStayCount.
func (p *Proxy) countdown(s State) bool {
	if p.stayCount[s] <= 0 {
		p.stayCount[s] = staytimeToStayCount(s)
	}
	p.stayCount[s]--
	if p.stayCount[s] <= 0 {
		p.stayCount[s] = 0
		return true
	}
	return false
}

// strikeout is the N=10 down-counter gating a demotion transition; it must
// reach zero before the gated transition fires, then resets.
func (p *Proxy) strikeout() bool {
	if p.strikeCount <= 0 {
		p.strikeCount = strikeoutN
	} else {
		p.strikeCount--
	}
	if p.strikeCount < 0 {
		p.strikeCount = 0
	}
	return p.strikeCount > 0
}

func staytimeToStayCount(s State) int {
	switch s {
	case Mdrt2E, Mdrt3E, Mdrt4E:
		return mdrtModeStayMS / basePoll[Mdrt3E]
	case Perf:
		return perfModeStayMS / basePoll[Perf]
	default:
		return 0
	}
}

// statePoll computes state.base_poll_ms * ((100-u)/100)^order, clamped to
// [100ms, state's own base as an implicit max via the cadence class].
func (p *Proxy) statePoll(util int, s State) int {
	scale := float64(100 - util)
	var scaled float64
	switch stateOrder[s] {
	case orderZeroth:
		scaled = 1
	case orderLinear:
		scaled = scale / 100
	case orderQuadratic:
		scaled = (scale * scale) / 10000
	case orderCubic:
		scaled = (scale * scale * scale) / 1_000_000
	}
	poll := int(math.Floor(float64(basePoll[s]) * scaled))
	poll = (poll / 100) * 100
	if poll < minPollMS {
		return minPollMS
	}
	return poll
}

// spikeTracker implements the spike/burst accounting of spec.md §4.4,
// grounded on original_source/src/wlt_proxy/spike_mgmt.c. Elapsed time is
// accumulated from the poll durations fed through addSpikeTime/
// addNonSpikeTime rather than wall-clock reads, so the tracker stays
// deterministic under test.
type spikeTracker struct {
	totalSpikeTime int

	burstFlag       bool
	burstCount      int
	burstRatePerMin int

	spikeRateTotal   int
	spikeRateSamples int

	bcResetMin float64

	elapsedMS    int
	msSinceBurst int

	onceFlag bool
}

const maxTrackedSpikeTime = 1000

func newSpikeTracker() spikeTracker {
	return spikeTracker{bcResetMin: 90.0}
}

func (t *spikeTracker) spikeRate() int {
	pct := t.totalSpikeTime * 100 / maxTrackedSpikeTime
	if pct > 100 {
		return 100
	}
	return pct
}

func (t *spikeTracker) addSpikeTime(durationMS int) {
	t.elapsedMS += durationMS
	if t.totalSpikeTime < maxTrackedSpikeTime {
		t.totalSpikeTime += durationMS
	}
	if !t.burstFlag {
		t.burstFlag = true
	}
	rate := t.spikeRate()
	t.spikeRateTotal += rate
	t.spikeRateSamples++
	t.updateBurstRate()
}

func (t *spikeTracker) addNonSpikeTime(durationMS int) {
	t.elapsedMS += durationMS
	t.msSinceBurst += durationMS
	if t.totalSpikeTime > 0 {
		t.totalSpikeTime -= durationMS
	}
	if t.totalSpikeTime < 0 {
		t.totalSpikeTime = 0
	}
	sr := t.spikeRate()
	if sr == 0 && t.burstFlag {
		t.burstFlag = false
		var avg float64
		if t.spikeRateSamples > 0 {
			avg = float64(t.spikeRateTotal) / float64(t.spikeRateSamples)
		}
		if !t.onceFlag {
			t.burstCount++
			t.msSinceBurst = 0
		}
		t.bcResetMin = 60.0 - math.Floor((100-avg)*t.bcResetMin/200)
		t.spikeRateTotal, t.spikeRateSamples = 0, 0
		t.onceFlag = false
	} else {
		t.onceFlag = false
	}
	t.decayBurstCount()
	t.updateBurstRate()
}

// decayBurstCount ages the burst counter down once bcResetMin seconds pass
// with no burst closing, keeping it monotone-non-increasing across quiet
// stretches (spec.md §8).
func (t *spikeTracker) decayBurstCount() {
	if t.burstCount == 0 {
		return
	}
	if t.msSinceBurst >= int(t.bcResetMin*1000) {
		t.burstCount--
		t.msSinceBurst = 0
	}
}

// updateBurstRate recomputes burst_count / elapsed_minutes, flooring the
// elapsed time at one minute so a lone early burst doesn't read as a
// sustained high rate.
func (t *spikeTracker) updateBurstRate() {
	mins := t.elapsedMS / 60_000
	if mins < 1 {
		mins = 1
	}
	t.burstRatePerMin = t.burstCount / mins
}

const burstCountThreshold = 3

func (t *spikeTracker) freshBurstResponse(initial int) bool {
	if initial == 0 {
		return false
	}
	return initial >= burstCountThreshold || t.burstRatePerMin > initial
}

func (t *spikeTracker) burstRateBreach() bool {
	return t.burstRatePerMin >= burstCountThreshold
}
