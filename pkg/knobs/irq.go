// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package knobs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/antimetal/lpmd/pkg/sysfs"
)

// IRQBackend migrates interrupt affinity onto the active low-power CPU
// set, or restores it, matching original_source/src/lpmd_irq.c's
// process_irq(). Migrate receives the active set's big-endian hex mask
// (what smp_affinity takes) and the banned set's hex mask (the complement,
// what irqbalance's settings command takes); each backend uses the form
// its interface wants.
type IRQBackend interface {
	Migrate(activeHexBE, bannedHexBE string) error
	Restore() error
}

// NativeIRQBackend writes /proc/irq/N/smp_affinity directly, caching each
// IRQ's pre-migration affinity string the first time it is touched so
// Restore can put it back. Matches native_update_irqs()/native_restore_irqs().
type NativeIRQBackend struct {
	hostProcPath string
	cached       map[int]string
	discovered   bool
}

// NewNativeIRQBackend creates a backend rooted at hostProcPath (normally
// "/proc").
func NewNativeIRQBackend(hostProcPath string) *NativeIRQBackend {
	return &NativeIRQBackend{hostProcPath: hostProcPath, cached: make(map[int]string)}
}

func (b *NativeIRQBackend) affinityPath(irq int) string {
	return filepath.Join(b.hostProcPath, "irq", strconv.Itoa(irq), "smp_affinity")
}

// Migrate sets smp_affinity to the active set's hex mask for every IRQ
// listed in /proc/interrupts, caching the prior value on first sight.
func (b *NativeIRQBackend) Migrate(activeHexBE, _ string) error {
	irqs, err := b.listIRQs()
	if err != nil {
		return err
	}

	var firstErr error
	for _, irq := range irqs {
		if !b.discovered {
			if cur, err := sysfs.ReadString(b.affinityPath(irq)); err == nil {
				b.cached[irq] = cur
			}
		}
		if err := sysfs.WriteString(b.affinityPath(irq), activeHexBE); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.discovered = true
	return firstErr
}

// Restore writes back every cached IRQ's pre-migration affinity.
func (b *NativeIRQBackend) Restore() error {
	var firstErr error
	for irq, affinity := range b.cached {
		if err := sysfs.WriteString(b.affinityPath(irq), affinity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.cached = make(map[int]string)
	b.discovered = false
	return firstErr
}

func (b *NativeIRQBackend) listIRQs() ([]int, error) {
	f, err := os.Open(filepath.Join(b.hostProcPath, "interrupts"))
	if err != nil {
		return nil, fmt.Errorf("knobs: failed to open /proc/interrupts: %w", err)
	}
	defer f.Close()

	var irqs []int
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || !isDigit(trimmed[0]) {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(line[:idx]))
		if err != nil {
			continue
		}
		irqs = append(irqs, n)
	}
	return irqs, scanner.Err()
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// IrqbalanceBackend drives a running irqbalance daemon over its Unix
// control socket, matching irqbalance_ban_cpus()/socket_send_cmd(): a
// SOCK_STREAM connection, an SCM_CREDENTIALS ancillary message, a single
// "settings cpus <hex mask>" command.
type IrqbalanceBackend struct {
	socketPath string
}

// NewIrqbalanceBackend creates a backend targeting the irqbalance control
// socket at socketPath (the /run/irqbalance/irqbalance<pid>.sock that
// DiscoverIrqbalanceSocket finds, matching irq_init()'s discovery).
func NewIrqbalanceBackend(socketPath string) *IrqbalanceBackend {
	return &IrqbalanceBackend{socketPath: socketPath}
}

// DiscoverIrqbalanceSocket scans hostRunPath/irqbalance for a running
// daemon's control socket, returning "" if none is found (native mode).
func DiscoverIrqbalanceSocket(hostRunPath string) (string, error) {
	dir := filepath.Join(hostRunPath, "irqbalance")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("knobs: failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "irqbalance") && strings.HasSuffix(e.Name(), ".sock") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

// Migrate bans the complement of the active set (bannedHexBE, e.g.
// cpumask.Store.ToHexBEReversed's output) from interrupt delivery.
func (b *IrqbalanceBackend) Migrate(_, bannedHexBE string) error {
	return b.sendCmd(fmt.Sprintf("settings cpus %s", bannedHexBE))
}

// Restore clears the ban list, matching process_irq()'s SETTING_RESTORE
// case for the irqbalance path.
func (b *IrqbalanceBackend) Restore() error {
	return b.sendCmd("settings cpus NULL")
}

// sendCmd connects to the irqbalance socket and sends cmd, retrying the
// connect-and-send with exponential backoff the way
// SystemdCPUSetClient.SetAllowedCPUs retries transient D-Bus failures
// (pkg/knobs/systemd.go): irqbalance may not have re-created its socket
// yet immediately after a restart, so a bare single-shot connect would
// spuriously fail the migrate/restore call.
func (b *IrqbalanceBackend) sendCmd(cmd string) error {
	op := func() (struct{}, error) {
		if err := b.connectAndSend(cmd); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(context.Background(), op, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

func (b *IrqbalanceBackend) connectAndSend(cmd string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("knobs: failed to open irqbalance socket: %w", err)
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrUnix{Name: b.socketPath}
	if err := unix.Connect(fd, addr); err != nil {
		return fmt.Errorf("knobs: failed to connect to %s: %w", b.socketPath, err)
	}

	cred := &unix.Ucred{Pid: int32(os.Getpid()), Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	oob := unix.UnixCredentials(cred)
	if err := unix.Sendmsg(fd, []byte(cmd), oob, nil, 0); err != nil {
		return fmt.Errorf("knobs: sendmsg to irqbalance failed: %w", err)
	}

	buf := make([]byte, 512)
	_, _ = unix.Read(fd, buf)
	return nil
}
