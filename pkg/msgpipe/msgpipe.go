// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package msgpipe implements the daemon's command channel: a
// single-producer/multi-consumer, non-blocking byte pipe carrying one
// message_capsul_t-equivalent per write, matching
// original_source/src/include/lpmd.h's message_name_t/message_capsul_t and
// spec.md §4.8.
package msgpipe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MsgID is the command a sender can push onto the pipe, matching
// message_name_t's TERMINATE/LPM_FORCE_ON/.../HFI_EVENT enum.
type MsgID uint32

const (
	Terminate MsgID = iota
	ForceOn
	ForceOff
	Auto
	SuvEnter
	SuvExit
	HfiEvent
)

func (m MsgID) String() string {
	switch m {
	case Terminate:
		return "TERMINATE"
	case ForceOn:
		return "FORCE_ON"
	case ForceOff:
		return "FORCE_OFF"
	case Auto:
		return "AUTO"
	case SuvEnter:
		return "SUV_ENTER"
	case SuvExit:
		return "SUV_EXIT"
	case HfiEvent:
		return "HFI_EVENT"
	default:
		return fmt.Sprintf("MsgID(%d)", uint32(m))
	}
}

// MaxMsgSize bounds a message's payload, matching lpmd.h's MAX_MSG_SIZE (512
// unsigned longs there; we bound by bytes since the payload here is an
// opaque []byte rather than a fixed C array — see SPEC_FULL.md §4).
const MaxMsgSize = 512 * 8

// headerSize is the encoded {msg_id uint32, size uint32} header, matching
// message_capsul_t's leading fields (we drop the padding a C struct layout
// would imply; the wire format is private to this package).
const headerSize = 8

// Message is one decoded command plus its payload.
type Message struct {
	ID      MsgID
	Payload []byte
}

// Pipe is a non-blocking, O_NONBLOCK-backed byte pipe used to carry
// Messages from command senders (D-Bus callbacks, signal handlers) into the
// event loop, matching spec.md §4.8 and §5 ("thread-safe in that they only
// write to the pipe; they return immediately without holding the state
// mutex").
type Pipe struct {
	r, w *os.File
}

// New creates a pipe with both ends set O_NONBLOCK, matching the original's
// pipe2(O_NONBLOCK) initialization.
func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("msgpipe: pipe2 failed: %w", err)
	}
	return &Pipe{
		r: os.NewFile(uintptr(fds[0]), "msgpipe-r"),
		w: os.NewFile(uintptr(fds[1]), "msgpipe-w"),
	}, nil
}

// ReadFD returns the file descriptor to register with poll(2) for POLLIN.
func (p *Pipe) ReadFD() uintptr { return p.r.Fd() }

// Watch starts a goroutine that blocks in poll(2) on the read end and
// forwards every Drain-ed Message on the returned channel until ctx is
// canceled, matching spec.md §4.7's "Pipe readable" poll source.
func (p *Pipe) Watch(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		fds := []unix.PollFd{{Fd: int32(p.r.Fd()), Events: unix.POLLIN}}
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := unix.Poll(fds, 1000)
			if err != nil || n == 0 {
				continue
			}
			msgs, err := p.Drain()
			if err != nil {
				continue
			}
			for _, m := range msgs {
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close closes both ends.
func (p *Pipe) Close() error {
	err1 := p.r.Close()
	err2 := p.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Send writes one message. It never blocks: on a full pipe buffer it
// returns a wrapped EAGAIN rather than stalling the caller, matching
// spec.md §5's "non-blocking" sender contract.
func (p *Pipe) Send(id MsgID, payload []byte) error {
	if len(payload) > MaxMsgSize {
		return fmt.Errorf("msgpipe: payload of %d bytes exceeds MaxMsgSize", len(payload))
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(id))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	buf := make([]byte, 0, headerSize+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)

	// Write through the raw descriptor: an os.File write on a full pollable
	// pipe waits on the runtime poller instead of returning EAGAIN.
	rc, err := p.w.SyscallConn()
	if err != nil {
		return fmt.Errorf("msgpipe: write failed: %w", err)
	}
	var werr error
	if err := rc.Write(func(fd uintptr) bool {
		_, werr = unix.Write(int(fd), buf)
		return true
	}); err != nil {
		werr = err
	}
	if werr != nil {
		return fmt.Errorf("msgpipe: write failed: %w", werr)
	}
	return nil
}

// Drain reads every complete message currently buffered, stopping at EAGAIN
// (no more data) or a short read (a torn write mid-header, whose partial
// header is dropped), matching spec.md §4.8: "readers drain to
// EAGAIN on each wake."
func (p *Pipe) Drain() ([]Message, error) {
	var msgs []Message
	var hdr [headerSize]byte

	// Read the raw descriptor: an os.File read waits on the runtime poller
	// instead of returning EAGAIN, and Fd() puts the descriptor back into
	// blocking mode, so O_NONBLOCK is set again here.
	fd := int(p.r.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("msgpipe: set O_NONBLOCK failed: %w", err)
	}

	for {
		n, err := unix.Read(fd, hdr[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return msgs, nil
			}
			return msgs, fmt.Errorf("msgpipe: header read failed: %w", err)
		}
		if n < headerSize {
			return msgs, nil
		}

		id := MsgID(binary.LittleEndian.Uint32(hdr[0:4]))
		size := binary.LittleEndian.Uint32(hdr[4:8])
		if size > MaxMsgSize {
			return msgs, fmt.Errorf("msgpipe: header claims oversized payload %d", size)
		}

		payload := make([]byte, size)
		if size > 0 {
			m, err := unix.Read(fd, payload)
			if err != nil {
				return msgs, fmt.Errorf("msgpipe: payload read failed: %w", err)
			}
			if m < int(size) {
				return msgs, fmt.Errorf("msgpipe: short payload read: %d of %d bytes", m, size)
			}
		}

		msgs = append(msgs, Message{ID: id, Payload: payload})
	}
}
