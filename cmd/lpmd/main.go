// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command lpmd is the low-power-mode daemon: it probes the platform, loads
// the XML configuration, wires the sampler/WLT-proxy/knob appliers into the
// state engine, and runs the single-reactor event loop (spec.md §4.7) until
// signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/lpmd/internal/hfi"
	"github.com/antimetal/lpmd/internal/uevent"
	"github.com/antimetal/lpmd/internal/wlthint"
	"github.com/antimetal/lpmd/internal/xmlconfig"
	"github.com/antimetal/lpmd/pkg/cpumask"
	"github.com/antimetal/lpmd/pkg/engine"
	"github.com/antimetal/lpmd/pkg/eventloop"
	"github.com/antimetal/lpmd/pkg/knobs"
	"github.com/antimetal/lpmd/pkg/lpmderrors"
	"github.com/antimetal/lpmd/pkg/msgpipe"
	"github.com/antimetal/lpmd/pkg/perfsample"
	"github.com/antimetal/lpmd/pkg/platform"
	"github.com/antimetal/lpmd/pkg/wltproxy"
)

var (
	configPath    string
	hostPath      string
	debugPlatform bool
	noDaemon      bool
	disablePoll   bool
	disableWLT    bool
	cpusetMode    string
	devMode       bool
)

// Powerclamp settings for survivability mode: a short injection period at
// half idle, matching the original daemon's SUV defaults.
const (
	suvClampDurationMS = 100
	suvClampMaxIdlePct = 50
)

// wltNotificationDelayMS throttles firmware workload-hint notifications.
const wltNotificationDelayMS = 100

func init() {
	flag.StringVar(&configPath, "config", "/etc/intel_lpmd/intel_lpmd_config.xml",
		"Path to the daemon's XML configuration file")
	flag.StringVar(&hostPath, "host-root", "/",
		"Root prefix prepended to every sysfs/procfs path (for testing under a fake rootfs)")
	flag.BoolVar(&debugPlatform, "debug-platform", false,
		"Disable the (family,model) allow-list check in platform detection")
	flag.BoolVar(&noDaemon, "no-daemon", false,
		"Run in the foreground instead of daemonizing (daemonization itself is an external collaborator; this flag only skips it)")
	flag.BoolVar(&disablePoll, "disable-poll", false,
		"Disable periodic polling; the engine only reacts to commands/uevents/HFI events")
	flag.BoolVar(&disableWLT, "disable-wlt-proxy", false,
		"Disable the WLT proxy; ConfigState.WltType predicates never match")
	flag.StringVar(&cpusetMode, "cpuset-mode", "cgroupv2",
		"CPU-set isolation backend: cgroupv2, isolate, powerclamp, or offline")
	flag.BoolVar(&devMode, "dev", false, "Use a development zap logger (human-readable, debug level)")
}

func main() {
	flag.Parse()

	var zapLog *zap.Logger
	var err error
	if devMode {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpmd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync()
	log := zapr.NewLogger(zapLog).WithName("lpmd")

	if err := run(log); err != nil {
		log.Error(err, "lpmd exited with error")
		if lpmderrors.Is(err, lpmderrors.ErrUnsupportedPlatform) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(log logr.Logger) error {
	sysPath := joinHost("sys")
	runPath := joinHost("run")

	info, err := platform.DetectPlatform(platform.Config{DebugMode: debugPlatform}, sysPath)
	if err != nil {
		return fmt.Errorf("platform detection failed: %w", err)
	}
	if err := platform.DetectCPUTopology(info, sysPath); err != nil {
		return fmt.Errorf("cpu topology detection failed: %w", err)
	}
	log.Info("platform detected",
		"vendor", info.VendorID, "family", info.Family, "model", info.Model,
		"maxCPUs", info.MaxCPUs, "online", len(info.OnlineCPUs), "tdpWatts", info.TDPWatts)

	masks, err := cpumask.NewStore(info.MaxCPUs)
	if err != nil {
		return fmt.Errorf("%w: %v", lpmderrors.ErrSizeMismatch, err)
	}
	for _, cpu := range info.OnlineCPUs {
		_ = masks.Add(cpumask.Online, cpu)
	}

	result, err := xmlconfig.Load(configPath)
	if err != nil {
		log.Info("falling back to built-in defaults", "reason", err.Error())
		result = xmlconfig.Result{Config: engine.DefaultConfig()}
	}
	cfg := result.Config
	cfg.ApplyDefaults()

	for i, raw := range result.ActiveCPUs {
		if raw == "" || raw == "-1" || i >= len(cfg.States) {
			continue
		}
		slot := masks.NewUserSlot()
		if err := masks.Parse(raw, slot); err != nil {
			log.Error(err, "malformed ActiveCPUs list, ignoring", "state", cfg.States[i].Name)
			continue
		}
		cfg.States[i].ActiveCPUSlot = int(slot)
	}
	if result.LPModeCPUs != "" && result.LPModeCPUs != "-1" {
		slot := masks.NewUserSlot()
		if err := masks.Parse(result.LPModeCPUs, slot); err != nil {
			log.Error(err, "malformed lp_mode_cpus list, ignoring")
		} else {
			cfg.HFIActiveCPUSlot = int(slot)
		}
	}

	eng := engine.NewFromConfig(cfg, !disablePoll, !disableWLT)

	applier, closers, err := buildApplier(log, masks, runPath)
	if err != nil {
		return fmt.Errorf("failed to build knob appliers: %w", err)
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	sampler := perfsample.New(sysPath).WithProcStatPath(joinHost("proc", "stat"))
	defer sampler.Close()

	var proxy eventloop.WLTProxy
	if !disableWLT {
		proxy = wltproxy.New()
	}

	pipe, err := msgpipe.New()
	if err != nil {
		return fmt.Errorf("failed to create command pipe: %w", err)
	}
	defer pipe.Close()

	uev, err := uevent.Listen()
	if err != nil {
		log.Error(err, "failed to bind uevent netlink socket, hotplug detection disabled")
		uev = nil
	} else {
		defer uev.Close()
	}

	var hfiListener *hfi.Listener
	var hfiClassifier *hfi.Classifier
	if cfg.HfiLpmEnable || cfg.HfiSuvEnable {
		hfiListener, err = hfi.Listen()
		if err != nil {
			log.Error(err, "failed to join HFI thermal netlink group, HFI events disabled")
			hfiListener = nil
		} else {
			defer hfiListener.Close()
			hfiClassifier = hfi.New(masks, cfg.HfiLpmEnable, cfg.HfiSuvEnable, nil)
		}
	}

	var suv *knobs.SUVClamp
	if cfg.HfiSuvEnable {
		suv = knobs.NewSUVClamp(joinHost("sys"), suvClampDurationMS, suvClampMaxIdlePct)
		defer suv.Exit()
	}

	wltWatcher, err := wlthint.Open(sysPath)
	if err != nil {
		log.V(1).Info("no hardware workload-hint interface, using WLT proxy only", "reason", err.Error())
		wltWatcher = nil
	} else {
		defer wltWatcher.Close()
		if err := wltWatcher.Enable(wltNotificationDelayMS); err != nil {
			log.Error(err, "failed to enable hardware workload hints")
		} else {
			defer wltWatcher.Disable()
		}
	}

	loop := eventloop.New(eventloop.Config{
		Log:           log,
		Engine:        eng,
		Sampler:       sampler,
		Proxy:         proxy,
		Masks:         masks,
		Applier:       applier,
		Pipe:          pipe,
		Uevent:        uev,
		HFI:           hfiListener,
		HFIClassifier: hfiClassifier,
		WLTHint:       wltWatcher,
		SUV:           suv,
		ProcStatPath:  joinHost("proc", "stat"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("lpmd stopped")
	return nil
}

// buildApplier wires the individual pkg/knobs appliers into one
// eventloop.KnobApplier, matching the cpuset-mode selected on the command
// line. It returns cleanup funcs for anything holding an open resource
// (the systemd D-Bus connection).
func buildApplier(log logr.Logger, masks *cpumask.Store, runPath string) (*eventloop.KnobApplier, []func() error, error) {
	applier := &eventloop.KnobApplier{
		Masks: masks,
		EPP:   knobs.NewEPPApplier(joinHost("sys")),
		ITMT:  knobs.NewITMTApplier(joinHost("proc")),
	}

	var closers []func() error

	switch cpusetMode {
	case "cgroupv2":
		client, err := knobs.NewSystemdCPUSetClient()
		if err != nil {
			log.Error(err, "systemd D-Bus unavailable, AllowedCPUs updates disabled")
		} else {
			closers = append(closers, client.Close)
		}
		applier.CPUSet = knobs.NewCgroupv2Backend(joinHost("sys"), client)
	case "isolate":
		applier.CPUSet = knobs.NewIsolateBackend(joinHost("sys"))
	case "powerclamp":
		applier.CPUSet = knobs.NewPowerclampBackend(joinHost("sys"), 50)
	case "offline":
		applier.CPUSet = knobs.NewOfflineBackend(joinHost("sys"), masks.CPUList(cpumask.Online))
	default:
		return nil, nil, fmt.Errorf("unknown -cpuset-mode %q", cpusetMode)
	}

	sock, err := knobs.DiscoverIrqbalanceSocket(runPath)
	if err != nil {
		log.Error(err, "failed to probe for a running irqbalance daemon, using native IRQ backend")
	}
	if sock != "" {
		applier.IRQ = knobs.NewIrqbalanceBackend(sock)
	} else {
		applier.IRQ = knobs.NewNativeIRQBackend(joinHost("proc"))
	}

	return applier, closers, nil
}

func joinHost(elems ...string) string {
	return filepath.Join(append([]string{hostPath}, elems...)...)
}
