// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package lpmderrors provides the sentinel errors and retry classification
// shared across the daemon's core packages.
package lpmderrors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Init-time, fatal errors (spec.md §7).
var (
	ErrUnsupportedPlatform = New("lpmd: platform is not supported")
	ErrMalformedConfig     = New("lpmd: malformed configuration")
	ErrSizeMismatch        = New("lpmd: cpu mask size mismatch")
)

// Tick-time errors that the event loop logs and continues past.
var (
	ErrMalformedCPUList = New("lpmd: malformed cpu list")
	ErrSysfsIO          = New("lpmd: sysfs i/o error")
	ErrNetlinkInit      = New("lpmd: netlink initialization error")
	ErrDBusCall         = New("lpmd: dbus call failed")
	ErrPerfEventOpen    = New("lpmd: perf_event_open failed")
	ErrMsrIO            = New("lpmd: msr i/o error")
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or any error it wraps) is a RetryableError.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

// RetryableError marks a tick-time error as safe to retry on the next tick
// without aborting the event loop (spec.md §7: "Transient").
type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
