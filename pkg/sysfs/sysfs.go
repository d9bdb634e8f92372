// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sysfs provides typed, single-writer-per-path reads and writes
// against sysfs/procfs files, following the lpmd_write_str/lpmd_read_int
// helpers of the original daemon (see original_source/src/lpmd_helpers.c).
//
// Every write here is best-effort: the caller decides whether a failure is
// fatal (init time) or merely logged and retried next tick (spec.md §7).
package sysfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadInt reads path and parses its trimmed contents as a base-10 integer.
func ReadInt(path string) (int, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("sysfs: %s: not an integer: %q: %w", path, s, err)
	}
	return v, nil
}

// ReadUint64 reads path and parses its trimmed contents as a base-10 uint64.
func ReadUint64(path string) (uint64, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sysfs: %s: not an unsigned integer: %q: %w", path, s, err)
	}
	return v, nil
}

// ReadString reads path and returns its trimmed contents.
func ReadString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sysfs: failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteString writes str to path, truncating any existing contents.
// Matches lpmd_write_str(): a single write(2) of the given bytes.
func WriteString(path string, str string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("sysfs: failed to open %s for write: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(str); err != nil {
		return fmt.Errorf("sysfs: failed to write %s: %w", path, err)
	}
	return nil
}

// WriteInt formats val as base-10 and writes it to path.
func WriteInt(path string, val int) error {
	return WriteString(path, strconv.Itoa(val))
}

// AppendString opens path with O_APPEND and writes str, matching
// lpmd_write_str_append() (used for cgroup.subtree_control's "+cpuset" /
// "-cpuset" controller toggles, which must not truncate sibling entries).
func AppendString(path string, str string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("sysfs: failed to open %s for append: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(str); err != nil {
		return fmt.Errorf("sysfs: failed to append %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists on the filesystem.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
