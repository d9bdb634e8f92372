// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wlthint_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antimetal/lpmd/internal/wlthint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHintTree(t *testing.T, index string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, wlthint.DefaultDevice)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workload_type_index"), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workload_hint_enable"), []byte("0"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notification_delay_ms"), []byte("0"), 0o644))
	return root
}

func TestWatcher_ReadSeeksToZeroEachTime(t *testing.T) {
	root := writeHintTree(t, "2\n")

	w, err := wlthint.Open(root)
	require.NoError(t, err)
	defer w.Close()

	v, err := w.Read()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Re-reading after the file changes must observe the new value, not a
	// stale offset.
	require.NoError(t, os.WriteFile(filepath.Join(root, wlthint.DefaultDevice, "workload_type_index"), []byte("3\n"), 0o644))
	v, err = w.Read()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestWatcher_EnableWritesDelayThenEnable(t *testing.T) {
	root := writeHintTree(t, "0\n")

	w, err := wlthint.Open(root)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Enable(100))

	dir := filepath.Join(root, wlthint.DefaultDevice)
	delay, err := os.ReadFile(filepath.Join(dir, "notification_delay_ms"))
	require.NoError(t, err)
	assert.Equal(t, "100", string(delay))

	enable, err := os.ReadFile(filepath.Join(dir, "workload_hint_enable"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(enable))

	require.NoError(t, w.Disable())
	enable, err = os.ReadFile(filepath.Join(dir, "workload_hint_enable"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(enable))
}

func TestOpen_MissingInterfaceFails(t *testing.T) {
	_, err := wlthint.Open(t.TempDir())
	assert.Error(t, err)
}
