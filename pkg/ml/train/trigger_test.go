// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTrigger(t *testing.T) {
	trigger := NewFileTrigger(t.TempDir())
	pending, err := trigger.Pending()
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, os.WriteFile(trigger.Path, []byte("1"), 0o644))
	pending, err = trigger.Pending()
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, trigger.Clear())
	pending, err = trigger.Pending()
	require.NoError(t, err)
	assert.False(t, pending)

	// Clearing twice is fine.
	require.NoError(t, trigger.Clear())
}

func TestChannelTrigger(t *testing.T) {
	trigger := NewChannelTrigger()
	pending, _ := trigger.Pending()
	assert.False(t, pending)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trigger.Request()
		}()
	}
	wg.Wait()
	pending, _ = trigger.Pending()
	assert.True(t, pending)
	pending, _ = trigger.Pending()
	assert.True(t, pending, "still pending until cleared")

	require.NoError(t, trigger.Clear())
	pending, _ = trigger.Pending()
	assert.False(t, pending, "concurrent requests are merged into one")
}
