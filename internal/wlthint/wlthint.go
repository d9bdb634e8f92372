// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package wlthint reads the platform's hardware workload-type hint from the
// PCI workload_hint sysfs interface, matching original_source/src/
// lpmd_wlt.c and spec.md §4.7's "WLT readable" poll source: the kernel
// raises POLLPRI on the index file when firmware reclassifies the
// workload, and the reader seeks to zero and re-reads one small integer.
package wlthint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/antimetal/lpmd/pkg/sysfs"
)

// DefaultDevice is the workload_hint directory on the supported client
// platforms (spec.md §6).
const DefaultDevice = "bus/pci/devices/0000:00:04.0/workload_hint"

// Watcher owns the open workload_type_index fd and the sibling control
// files.
type Watcher struct {
	dir string
	f   *os.File
}

// Open opens hostSysPath/DefaultDevice's workload_type_index for POLLPRI
// watching. It fails when the platform exposes no workload-hint interface;
// the caller then falls back to the software WLT proxy.
func Open(hostSysPath string) (*Watcher, error) {
	dir := filepath.Join(hostSysPath, DefaultDevice)
	f, err := os.Open(filepath.Join(dir, "workload_type_index"))
	if err != nil {
		return nil, fmt.Errorf("wlthint: no workload hint interface: %w", err)
	}
	return &Watcher{dir: dir, f: f}, nil
}

// Enable turns firmware hinting on with the given notification delay.
func (w *Watcher) Enable(delayMS int) error {
	if err := sysfs.WriteInt(filepath.Join(w.dir, "notification_delay_ms"), delayMS); err != nil {
		return err
	}
	return sysfs.WriteInt(filepath.Join(w.dir, "workload_hint_enable"), 1)
}

// Disable turns firmware hinting off.
func (w *Watcher) Disable() error {
	return sysfs.WriteInt(filepath.Join(w.dir, "workload_hint_enable"), 0)
}

// Read seeks the index file to zero and parses the current hint.
func (w *Watcher) Read() (int, error) {
	if _, err := w.f.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("wlthint: seek failed: %w", err)
	}
	buf := make([]byte, 16)
	n, err := w.f.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("wlthint: read failed: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0, fmt.Errorf("wlthint: malformed hint %q: %w", string(buf[:n]), err)
	}
	return v, nil
}

// Close releases the index fd.
func (w *Watcher) Close() error {
	return w.f.Close()
}

// Watch starts a goroutine that waits for POLLPRI on the index file and
// forwards each re-read hint on the returned channel until ctx is
// canceled, the same Watch(ctx) shape the other event sources expose.
func (w *Watcher) Watch(ctx context.Context) <-chan int {
	out := make(chan int)
	go func() {
		defer close(out)
		fds := []unix.PollFd{{Fd: int32(w.f.Fd()), Events: unix.POLLPRI}}
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := unix.Poll(fds, 1000)
			if err != nil || n == 0 {
				continue
			}
			hint, err := w.Read()
			if err != nil {
				continue
			}
			select {
			case out <- hint:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
