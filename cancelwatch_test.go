// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewCancelWatchFunc returns a non-nil value.
func TestNewCancelWatchFunc(t *testing.T) {
	fn := NewCancelWatchFunc()
	require.NotNil(t, fn)
}

// Cancelling the context closes the pair and unblocks a pending write.
func TestCancelWatchFuncClosesOnCancel(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	pair := Split(newTestConfig(), left, DefaultSLogger())

	ctx, cancel := context.WithCancel(context.Background())
	watched, err := NewCancelWatchFunc().Call(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, pair.ID(), watched.ID())

	// nobody reads the other end, so the write blocks
	done := make(chan error, 1)
	go func() {
		_, err := watched.Writer.Write([]byte("stuck"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("write was not unblocked")
	}

	require.Eventually(t, func() bool {
		_, err := watched.Reader.Read(make([]byte, 4))
		return err == ErrNodeClosed
	}, testTimeout, time.Millisecond)
}

// Closing the watched pair unregisters the watcher.
func TestCancelWatchFuncClose(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	pair := Split(newTestConfig(), left, DefaultSLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watched, err := NewCancelWatchFunc().Call(ctx, pair)
	require.NoError(t, err)

	require.NoError(t, watched.Close())
	assert.False(t, watched.stop())
}

// Cancelling also releases a write stuck on a full Block edge.
func TestCancelWatchFuncStalledEdge(t *testing.T) {
	_, end := newDuplex()
	cfg := newTestConfig()
	cfg.EdgeCapacity = 1
	ctx, cancel := context.WithCancel(context.Background())
	watched, err := NewCancelWatchFunc().Call(ctx, Split(cfg, end, DefaultSLogger()))
	require.NoError(t, err)
	spy := watched.Writer.SpawnReader()

	_, err = watched.Writer.Write([]byte("1"))
	require.NoError(t, err)
	writeDone := make(chan error, 1)
	go func() {
		_, err := watched.Writer.Write([]byte("2"))
		writeDone <- err
	}()
	requirePending(t, writeDone, "second write")

	cancel()
	require.NoError(t, requireDone(t, writeDone, "blocked write"))
	assert.Equal(t, "1", readString(t, spy))
}
