// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package hfi

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

const (
	thermalGenlFamilyName     = "thermal"
	thermalGenlEventGroup     = "event"
	thermalGenlCapacityChange = 3 // mirrors the kernel uAPI's THERMAL_GENL_EVENT_CPU_CAPABILITY_CHANGE
	thermalGenlAttrCapacity   = 8 // mirrors THERMAL_GENL_ATTR_CPU_CAPABILITY
)

// Listener is a joined "thermal"/"event" generic-netlink multicast socket,
// matching original_source/src/lpmd_hfi.c's hfi_init(): resolve the family,
// resolve the "event" multicast group ID, join it.
type Listener struct {
	conn *genetlink.Conn
}

// Listen dials generic netlink, resolves the thermal family's "event"
// group, and joins it.
func Listen() (*Listener, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("hfi: genetlink dial failed: %w", err)
	}

	family, err := conn.GetFamily(thermalGenlFamilyName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hfi: failed to resolve %q family: %w", thermalGenlFamilyName, err)
	}

	var groupID uint32
	found := false
	for _, g := range family.Groups {
		if g.Name == thermalGenlEventGroup {
			groupID = g.ID
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("hfi: %q family has no %q multicast group", thermalGenlFamilyName, thermalGenlEventGroup)
	}

	if err := conn.JoinGroup(groupID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hfi: failed to join multicast group %d: %w", groupID, err)
	}

	return &Listener{conn: conn}, nil
}

// Close releases the netlink socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Watch starts a goroutine that blocks on genetlink Receive and forwards
// every decoded CAPACITY_CHANGE batch on the returned channel until ctx is
// canceled or the socket closes. genetlink's Conn only exposes a blocking
// Receive, not a raw pollable fd, so this is the idiomatic Go translation of
// hfi_receive()'s blocking nl_recvmsgs loop: one dedicated goroutine whose
// only job is decoding, feeding the single-consumer event loop reactor
// through a channel rather than a shared poll(2) fd set.
func (l *Listener) Watch(ctx context.Context) <-chan []Capability {
	out := make(chan []Capability)
	go func() {
		defer close(out)
		for {
			caps, matched, err := l.receive()
			if err != nil {
				return
			}
			if !matched || len(caps) == 0 {
				continue
			}
			select {
			case out <- caps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// receive reads one pending generic-netlink message batch and, if it is a
// CAPACITY_CHANGE event, decodes its nested CAPACITY attribute into a
// Capability triple list, matching handle_event()'s genlmsg_parse +
// nla_for_each_nested walk.
func (l *Listener) receive() ([]Capability, bool, error) {
	msgs, _, err := l.conn.Receive()
	if err != nil {
		return nil, false, fmt.Errorf("hfi: receive failed: %w", err)
	}

	var caps []Capability
	matched := false
	for _, m := range msgs {
		if m.Header.Command != thermalGenlCapacityChange {
			continue
		}
		matched = true
		parsed, err := decodeCapacityChange(m.Data)
		if err != nil {
			return nil, true, fmt.Errorf("hfi: failed to decode capacity-change message: %w", err)
		}
		caps = append(caps, parsed...)
	}
	return caps, matched, nil
}

// decodeCapacityChange walks the CAPACITY nested attribute, which carries a
// flat run of (cpu, perf, eff) u32 triples — nla_for_each_nested() in
// handle_event() reads them three attributes at a time.
func decodeCapacityChange(data []byte) ([]Capability, error) {
	attrs, err := netlink.UnmarshalAttributes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal top-level attributes: %w", err)
	}

	var caps []Capability
	for _, a := range attrs {
		if a.Type != thermalGenlAttrCapacity {
			continue
		}
		nested, err := netlink.UnmarshalAttributes(a.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal nested CAPACITY attribute: %w", err)
		}

		var cur Capability
		for i, n := range nested {
			v := int(binary.NativeEndian.Uint32(n.Data))
			switch i % 3 {
			case 0:
				cur = Capability{CPU: v}
			case 1:
				cur.Perf = v
			case 2:
				cur.Eff = v
				caps = append(caps, cur)
			}
		}
	}
	return caps, nil
}
