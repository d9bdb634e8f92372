// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package knobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/godbus/dbus/v5"
)

// SystemdCPUSetClient sets the AllowedCPUs property on systemd slice units
// over the system D-Bus, matching original_source/src/lpmd_cgroup.c's
// update_allowed_cpus() (a raw sd-bus SetUnitProperties call).
type SystemdCPUSetClient struct {
	conn *dbus.Conn
}

// NewSystemdCPUSetClient connects to the system bus.
func NewSystemdCPUSetClient() (*SystemdCPUSetClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("knobs: failed to connect to system bus: %w", err)
	}
	return &SystemdCPUSetClient{conn: conn}, nil
}

// Close releases the bus connection.
func (c *SystemdCPUSetClient) Close() error {
	return c.conn.Close()
}

// SetAllowedCPUs sets unit's AllowedCPUs property to the little-endian
// cpumask bytes in cpus (pkg/cpumask.Store.ToBytesLE's output), retrying
// transient bus errors with exponential backoff.
func (c *SystemdCPUSetClient) SetAllowedCPUs(ctx context.Context, unit string, cpus []byte) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultDBusTimeout)
	defer cancel()

	obj := c.conn.Object("org.freedesktop.systemd1", dbus.ObjectPath("/org/freedesktop/systemd1"))
	props := []struct {
		Name  string
		Value dbus.Variant
	}{
		{Name: "AllowedCPUs", Value: dbus.MakeVariant(cpus)},
	}

	op := func() (struct{}, error) {
		call := obj.CallWithContext(ctx, "org.freedesktop.systemd1.Manager.SetUnitProperties", 0, unit, true, props)
		if call.Err != nil {
			return struct{}{}, fmt.Errorf("knobs: SetUnitProperties(%s): %w", unit, call.Err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

// DefaultDBusTimeout bounds a single SetAllowedCPUs attempt chain.
const DefaultDBusTimeout = 2 * time.Second
