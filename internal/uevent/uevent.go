// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package uevent listens for kernel hotplug uevents over
// NETLINK_KOBJECT_UEVENT and reconstructs the current online-CPU set from
// /proc/stat, matching original_source/src/lpmd_uevent.c's
// uevent_init()/has_cpu_uevent()/check_cpu_hotplug() and spec.md §4.7's
// "Uevent readable" branch.
package uevent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const devPathPrefix = "DEVPATH="
const cpuDevPath = "/devices/system/cpu/cpu"

// Listener is a bound, unconnected NETLINK_KOBJECT_UEVENT socket.
type Listener struct {
	fd int
}

// Listen opens and binds the kobject-uevent multicast socket, matching
// uevent_init(): nl_pid = getpid(), nl_groups = -1 (all groups).
func Listen() (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent: socket failed: %w", err)
	}

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
		Groups: 0xffffffff,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent: bind failed: %w", err)
	}

	return &Listener{fd: fd}, nil
}

// FD returns the descriptor to register with poll(2) for POLLIN.
func (l *Listener) FD() int { return l.fd }

// Close releases the socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Watch starts a goroutine that blocks in poll(2) on the socket and
// forwards every received uevent payload on the returned channel until ctx
// is canceled, matching spec.md §4.7's "Uevent readable" poll source while
// keeping the fd-level detail out of the shared event-loop select.
func (l *Listener) Watch(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := unix.Poll(fds, 1000)
			if err != nil || n == 0 {
				continue
			}
			payload, ok, err := l.Receive()
			if err != nil || !ok {
				continue
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Receive drains one pending datagram, matching has_cpu_uevent()'s
// recv(MSG_DONTWAIT). ok is false when nothing was pending.
func (l *Listener) Receive() (payload []byte, ok bool, err error) {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(l.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("uevent: recvfrom failed: %w", err)
	}
	return buf[:n], true, nil
}

// IsCPUEvent reports whether a raw uevent payload (NUL-separated
// "KEY=VALUE" records) carries a DEVPATH under /devices/system/cpu/cpuN,
// matching has_cpu_uevent()'s scan.
func IsCPUEvent(payload []byte) bool {
	for _, field := range bytes.Split(payload, []byte{0}) {
		s := string(field)
		if strings.HasPrefix(s, devPathPrefix) && strings.HasPrefix(s[len(devPathPrefix):], cpuDevPath) {
			return true
		}
	}
	return false
}

// OnlineCPUs reconstructs the current online-CPU set from procStatPath
// (normally "/proc/stat") by collecting every "cpuN" summary line, matching
// check_cpu_hotplug()'s getline loop over /proc/stat.
func OnlineCPUs(procStatPath string) ([]int, error) {
	f, err := os.Open(procStatPath)
	if err != nil {
		return nil, fmt.Errorf("uevent: failed to open %s: %w", procStatPath, err)
	}
	defer f.Close()

	var cpus []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(fields[0], "cpu"))
		if err != nil {
			continue
		}
		cpus = append(cpus, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("uevent: failed to scan %s: %w", procStatPath, err)
	}
	return cpus, nil
}
