// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package perfsample computes per-CPU and system-wide utilization each
// tick: aperf/mperf/pperf/tsc diffs via the msr perf PMU (grouped leader
// read), and an independent /proc/stat-derived system load, following the
// aperf/mperf delta math of the original daemon's wlt_proxy/perf_msr.c and
// the busy-percent math of lpmd_util.c.
package perfsample

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/antimetal/lpmd/pkg/sysfs"
)

const (
	smaRingLen         = 25
	scalabilityEpsilon = 1e-4
)

// PerCpuPerf holds the cached raw deltas and derived metrics for one CPU
// (spec.md §3 PerCpuPerf). FDs are opened lazily on first Sample call and
// released by Close.
type PerCpuPerf struct {
	CPU int

	group *perfGroup

	lastAperf, lastMperf, lastPperf, lastTSC uint64
	haveLast                                 bool

	LoadBP      int64
	Scalability float64
	SavedEPP    string
	SavedEPB    int
}

// Aggregate is the cross-CPU summary of one sampling tick (spec.md §4.3).
type Aggregate struct {
	MaxLoadBP     int64
	SecondLoadBP  int64
	ThirdLoadBP   int64
	MinLoadBP     int64
	WorstStall    float64
	WorstStallCPU int

	SMA1, SMA2, SMA3 float64
}

// smaWindow is the fixed 3-channel/25-sample ring spec.md §4.3 describes
// ("sma[3][25] ring buffer and sums"): channel i holds the last
// smaRingLen basis-point samples of the (i+1)-th loaded CPU. Pushes write
// sequentially from index 0 so the unwritten tail of a not-yet-full
// channel is still zero and excluded from averages() by summing only
// the first count entries.
type smaWindow struct {
	data  [3][smaRingLen]int64
	head  int
	count int
}

func (w *smaWindow) push(top3 [3]int64) {
	for i := 0; i < 3; i++ {
		w.data[i][w.head] = top3[i]
	}
	w.head = (w.head + 1) % smaRingLen
	if w.count < smaRingLen {
		w.count++
	}
}

// averages returns sma_avgN = sma_sum[N-1] / (25*100), the percentage
// form of the basis-point average (spec.md §4.3).
func (w *smaWindow) averages() (float64, float64, float64) {
	if w.count == 0 {
		return 0, 0, 0
	}
	var sums [3]int64
	for i := 0; i < 3; i++ {
		for j := 0; j < w.count; j++ {
			sums[i] += w.data[i][j]
		}
	}
	return float64(sums[0]) / (smaRingLen * 100),
		float64(sums[1]) / (smaRingLen * 100),
		float64(sums[2]) / (smaRingLen * 100)
}

// Sampler owns the per-CPU perf-event groups and the SMA window.
type Sampler struct {
	hostSysPath  string
	procStatPath string
	gfxRC6Path   string
	perCPU       map[int]*PerCpuPerf

	sma smaWindow

	prevStat  map[int]procStatLine
	prevRC6MS uint64
	prevRC6At time.Time
	haveRC6   bool
}

func New(hostSysPath string) *Sampler {
	return &Sampler{
		hostSysPath:  hostSysPath,
		procStatPath: "/proc/stat",
		gfxRC6Path:   filepath.Join(hostSysPath, "class", "drm", "card0", "power", "rc6_residency_ms"),
		perCPU:       make(map[int]*PerCpuPerf),
		prevStat:     make(map[int]procStatLine),
	}
}

// WithProcStatPath overrides the /proc/stat path (used by tests).
func (s *Sampler) WithProcStatPath(path string) *Sampler {
	s.procStatPath = path
	return s
}

// WithGfxRC6Path overrides the i915 RC6 residency path (used by tests).
func (s *Sampler) WithGfxRC6Path(path string) *Sampler {
	s.gfxRC6Path = path
	return s
}

// Close releases every perf-event group opened for a CPU.
func (s *Sampler) Close() error {
	var firstErr error
	for _, p := range s.perCPU {
		if p.group != nil {
			if err := p.group.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sample updates per-CPU load/scalability for every cpu in cpus and returns
// the cross-CPU aggregate. A failure to open or read a CPU's perf group
// skips that CPU for this tick; Sample itself never returns an error for
// per-CPU failures (spec.md §4.3: "A sampler never aborts the loop").
func (s *Sampler) Sample(cpus []int) Aggregate {
	loads := make([]int64, 0, len(cpus))
	worstStall := 1.0
	worstStallCPU := -1

	for _, cpu := range cpus {
		p := s.perCPUFor(cpu)
		if err := s.sampleOne(p); err != nil {
			continue
		}
		loads = append(loads, p.LoadBP)
		if p.Scalability < worstStall {
			worstStall = p.Scalability
			worstStallCPU = cpu
		}
	}

	agg := Aggregate{WorstStall: worstStall, WorstStallCPU: worstStallCPU}
	top3 := top3Of(loads)
	agg.MaxLoadBP, agg.SecondLoadBP, agg.ThirdLoadBP = top3[0], top3[1], top3[2]
	agg.MinLoadBP = minOf(loads)

	s.sma.push(top3)
	agg.SMA1, agg.SMA2, agg.SMA3 = s.sma.averages()

	return agg
}

func (s *Sampler) perCPUFor(cpu int) *PerCpuPerf {
	p, ok := s.perCPU[cpu]
	if !ok {
		p = &PerCpuPerf{CPU: cpu}
		s.perCPU[cpu] = p
	}
	return p
}

func (s *Sampler) sampleOne(p *PerCpuPerf) error {
	if p.group == nil {
		g, err := openPerfGroup(s.hostSysPath, p.CPU)
		if err != nil {
			return err
		}
		p.group = g
	}

	aperf, mperf, pperf, tsc, err := p.group.Read()
	if err != nil {
		return err
	}

	if !p.haveLast {
		p.lastAperf, p.lastMperf, p.lastPperf, p.lastTSC = aperf, mperf, pperf, tsc
		p.haveLast = true
		return nil
	}

	aperfDiff := diff64(aperf, p.lastAperf)
	mperfDiff := diff64(mperf, p.lastMperf)
	pperfDiff := pperfDiffADL(pperf, p.lastPperf)
	tscDiff := diff64(tsc, p.lastTSC)

	p.lastAperf, p.lastMperf, p.lastPperf, p.lastTSC = aperf, mperf, pperf, tsc

	if tscDiff == 0 {
		return nil
	}
	p.LoadBP = int64(100 * 100 * mperfDiff / tscDiff)

	if aperfDiff == 0 {
		p.Scalability = 0
	} else {
		scal := float64(pperfDiff) / float64(aperfDiff)
		if scal < 0 {
			scal = 0
		}
		if scal > 1-scalabilityEpsilon {
			scal = 1 - scalabilityEpsilon
		}
		p.Scalability = scal
	}
	return nil
}

// diff64 is an unsigned subtraction clamped at zero; cur is expected monotonic.
func diff64(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// pperfDiffADL implements the Alderlake pperf errata workaround: when the
// raw 64-bit subtraction would underflow, treat both values as 32-bit
// counters and let the subtraction wrap (spec.md §4.3,
// original_source/src/wlt_proxy/perf_msr.c u64diff).
func pperfDiffADL(cur, prev uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return uint64(uint32(cur) - uint32(prev))
}

func top3Of(vals []int64) [3]int64 {
	var m1, m2, m3 int64 = -1, -1, -1
	for _, v := range vals {
		switch {
		case v > m1:
			m1, m2, m3 = v, m1, m2
		case v > m2:
			m2, m3 = v, m2
		case v > m3:
			m3 = v
		}
	}
	if m1 < 0 {
		m1 = 0
	}
	if m2 < 0 {
		m2 = 0
	}
	if m3 < 0 {
		m3 = 0
	}
	return [3]int64{m1, m2, m3}
}

func minOf(vals []int64) int64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// perfGroup is a grouped perf_event_open leader (aperf) with mperf, pperf,
// and tsc as group members, read in one PERF_FORMAT_GROUP read(2) call.
type perfGroup struct {
	leaderFd   int
	numMembers int
}

func openPerfGroup(sysRoot string, cpu int) (*perfGroup, error) {
	perfType, err := msrPMUType(sysRoot)
	if err != nil {
		return nil, err
	}
	configs, err := msrPMUEventConfigs(sysRoot)
	if err != nil {
		return nil, err
	}

	leaderFd, err := openMSREvent(perfType, configs["aperf"], cpu, -1)
	if err != nil {
		return nil, err
	}
	members := make([]int, 0, 3)
	for _, name := range []string{"mperf", "pperf", "tsc"} {
		fd, err := openMSREvent(perfType, configs[name], cpu, leaderFd)
		if err != nil {
			unix.Close(leaderFd)
			for _, m := range members {
				unix.Close(m)
			}
			return nil, err
		}
		members = append(members, fd)
	}

	// Every event is opened disabled; PERF_IOC_FLAG_GROUP enables the leader
	// and all of its members together.
	if err := unix.IoctlSetInt(leaderFd, unix.PERF_EVENT_IOC_ENABLE, unix.PERF_IOC_FLAG_GROUP); err != nil {
		unix.Close(leaderFd)
		for _, m := range members {
			unix.Close(m)
		}
		return nil, fmt.Errorf("perfsample: enable perf group (cpu=%d): %w", cpu, err)
	}

	return &perfGroup{leaderFd: leaderFd, numMembers: len(members)}, nil
}

func openMSREvent(perfType uint32, config uint64, cpu, groupFd int) (int, error) {
	attr := unix.PerfEventAttr{
		Type:        perfType,
		Size:        uint32(unsafeSizeofPerfEventAttr),
		Config:      config,
		Read_format: unix.PERF_FORMAT_GROUP,
		Bits:        unix.PerfBitDisabled | unix.PerfBitInherit,
	}
	fd, err := unix.PerfEventOpen(&attr, -1, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("perfsample: perf_event_open(cpu=%d): %w", cpu, err)
	}
	return fd, nil
}

const unsafeSizeofPerfEventAttr = 120

// Read performs one grouped read and returns aperf, mperf, pperf, tsc in
// that fixed group order.
func (g *perfGroup) Read() (aperf, mperf, pperf, tsc uint64, err error) {
	buf := make([]byte, 8*(1+4))
	n, err := unix.Read(g.leaderFd, buf)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("perfsample: read leader fd: %w", err)
	}
	if n < len(buf) {
		return 0, 0, 0, 0, fmt.Errorf("perfsample: short read: got %d want %d", n, len(buf))
	}
	nr := binary.LittleEndian.Uint64(buf[0:8])
	if nr < 4 {
		return 0, 0, 0, 0, fmt.Errorf("perfsample: group read returned %d counters, want 4", nr)
	}
	aperf = binary.LittleEndian.Uint64(buf[8:16])
	mperf = binary.LittleEndian.Uint64(buf[16:24])
	pperf = binary.LittleEndian.Uint64(buf[24:32])
	tsc = binary.LittleEndian.Uint64(buf[32:40])
	return aperf, mperf, pperf, tsc, nil
}

func (g *perfGroup) Close() error {
	return unix.Close(g.leaderFd)
}

func msrPMUType(sysRoot string) (uint32, error) {
	v, err := sysfs.ReadInt(filepath.Join(sysRoot, "bus", "event_source", "devices", "msr", "type"))
	if err != nil {
		return 0, fmt.Errorf("perfsample: msr PMU not available: %w", err)
	}
	return uint32(v), nil
}

// msrPMUEventConfigs reads <sysRoot>/bus/event_source/devices/msr/events/{name}
// files of the form "event=0x01" for each of aperf, mperf, pperf, tsc.
func msrPMUEventConfigs(sysRoot string) (map[string]uint64, error) {
	out := make(map[string]uint64, 4)
	for _, name := range []string{"aperf", "mperf", "pperf", "tsc"} {
		path := filepath.Join(sysRoot, "bus", "event_source", "devices", "msr", "events", name)
		s, err := sysfs.ReadString(path)
		if err != nil {
			return nil, fmt.Errorf("perfsample: missing msr event %q: %w", name, err)
		}
		cfg, err := parseEventConfig(s)
		if err != nil {
			return nil, fmt.Errorf("perfsample: malformed msr event %q (%q): %w", name, s, err)
		}
		out[name] = cfg
	}
	return out, nil
}

func parseEventConfig(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	const prefix = "event="
	if !strings.HasPrefix(s, prefix) {
		return 0, fmt.Errorf("expected %q prefix", prefix)
	}
	hex := strings.TrimPrefix(s, prefix)
	hex = strings.TrimPrefix(hex, "0x")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// procStatLine is one parsed "cpuN ..." (or summary "cpu ...") row of
// /proc/stat, matching lpmd_util.c's proc_stat_info.
type procStatLine struct {
	valid bool
	stat  [10]uint64 // user,nice,system,idle,iowait,irq,softirq,steal,guest,guest_nice
}

// SystemLoad computes system-wide and per-CPU busy basis-points from
// /proc/stat, against the previous call's snapshot (spec.md §4.3). Returns
// sysBP (the "cpu" summary line) and cpuMaxBP (max over per-CPU lines).
// A read failure returns ok=false and leaves the previous snapshot intact.
func (s *Sampler) SystemLoad() (sysBP int64, cpuMaxBP int64, ok bool) {
	f, err := os.Open(s.procStatPath)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	cur := make(map[int]procStatLine)
	const summaryKey = -1

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		key := summaryKey
		if fields[0] != "cpu" {
			n, err := strconv.Atoi(strings.TrimPrefix(fields[0], "cpu"))
			if err != nil {
				continue
			}
			key = n
		}
		var row procStatLine
		row.valid = true
		for i := 1; i < len(fields) && i-1 < len(row.stat); i++ {
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				break
			}
			row.stat[i-1] = v
		}
		cur[key] = row
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, false
	}

	sysBP = busyBP(cur[summaryKey], s.prevStat[summaryKey])

	cpuMaxBP = 0
	for cpu, row := range cur {
		if cpu == summaryKey || !row.valid {
			continue
		}
		v := busyBP(row, s.prevStat[cpu])
		if v > cpuMaxBP {
			cpuMaxBP = v
		}
	}

	s.prevStat = cur
	return sysBP, cpuMaxBP, true
}

// GfxLoad computes the graphics busy fraction in basis points from the
// i915 RC6 residency counter: over the wall-clock interval since the
// previous call, the milliseconds *not* spent in the RC6 sleep state are
// busy time. The first call (and a failed read) returns ok=false and the
// caller keeps its last good value, same contract as SystemLoad.
func (s *Sampler) GfxLoad() (gfxBP int64, ok bool) {
	v, err := sysfs.ReadUint64(s.gfxRC6Path)
	if err != nil {
		return 0, false
	}
	now := time.Now()

	if !s.haveRC6 {
		s.prevRC6MS, s.prevRC6At, s.haveRC6 = v, now, true
		return 0, false
	}

	elapsedMS := now.Sub(s.prevRC6At).Milliseconds()
	idleMS := diff64(v, s.prevRC6MS)
	s.prevRC6MS, s.prevRC6At = v, now

	if elapsedMS <= 0 {
		return 0, false
	}
	busy := 10000 - int64(idleMS)*10000/elapsedMS
	if busy < 0 {
		busy = 0
	}
	if busy > 10000 {
		busy = 10000
	}
	return busy, true
}

// busyBP implements calculate_busypct(): busy = total - (idle+iowait),
// expressed in basis points (lpmd_util.c uses 1/10000ths; we keep the same
// scale so thresholds carry over unchanged).
func busyBP(cur, prev procStatLine) int64 {
	if !cur.valid || !prev.valid {
		return 0
	}
	const idleIdx, iowaitIdx = 3, 4
	var total, idle uint64
	for i := 0; i < len(cur.stat); i++ {
		d := cur.stat[i] - prev.stat[i]
		total += d
		if i == idleIdx || i == iowaitIdx {
			idle += d
		}
	}
	if total == 0 {
		return 0
	}
	return int64((total - idle) * 10000 / total)
}
