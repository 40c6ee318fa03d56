// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter(t *testing.T) {
	cfg := newTestConfig()
	cfg.EdgeCapacity = 8
	cfg.Policy = PolicyDropNewest
	cfg.ReadBufferSize = 128
	logger := DefaultSLogger()

	w := NewWriter(cfg, nil, logger)

	require.NotNil(t, w)
	assert.Equal(t, ID{15: 1}, w.ID())
	assert.Equal(t, 8, w.EdgeCapacity)
	assert.Equal(t, PolicyDropNewest, w.Policy)
	assert.Equal(t, 128, w.ReadBufferSize)
	assert.NotNil(t, w.ErrClassifier)
	assert.NotNil(t, w.Logger)
	assert.NotNil(t, w.NewID)
	assert.NotNil(t, w.TimeNow)
	assert.Empty(t, w.Edges())
}

// recvString dequeues one chunk from rx without blocking.
func recvString(t *testing.T, rx *EdgeReceiver) string {
	t.Helper()
	chunk, ok, err := rx.TryRecv()
	require.NoError(t, err)
	require.True(t, ok, "no chunk queued")
	return string(chunk)
}

// The downstream and every edge observe the same bytes.
func TestWriterBroadcast(t *testing.T) {
	var downstream bytes.Buffer
	w := NewWriter(newTestConfig(), &downstream, DefaultSLogger())
	rxA, _ := w.Subscribe()
	rxB, _ := w.Subscribe()

	data := []byte("hello")
	count, err := w.Write(data)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// the writer copies, so the caller may reuse its buffer
	data[0] = 'H'

	assert.Equal(t, "hello", downstream.String())
	assert.Equal(t, "hello", recvString(t, rxA))
	assert.Equal(t, "hello", recvString(t, rxB))
}

// Only the bytes downstream accepted are offered to the edges.
func TestWriterDownstreamCountIsAuthoritative(t *testing.T) {
	downstream := &shortWriter{limit: 3}
	w := NewWriter(newTestConfig(), downstream, DefaultSLogger())
	rx, _ := w.Subscribe()

	count, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, "hel", recvString(t, rx))
}

func TestWriterNilDownstream(t *testing.T) {
	w := NewWriter(newTestConfig(), nil, DefaultSLogger())
	rx, _ := w.Subscribe()

	count, err := w.Write([]byte("edges only"))
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.Equal(t, "edges only", recvString(t, rx))
}

// A downstream error fails the node for good and reaches no edge.
func TestWriterDownstreamErrorIsSticky(t *testing.T) {
	expected := errors.New("mocked error")
	calls := 0
	downstream := &funcReadWriter{
		WriteFunc: func(data []byte) (int, error) {
			calls++
			return 0, expected
		},
	}
	w := NewWriter(newTestConfig(), downstream, DefaultSLogger())
	rx, id := w.Subscribe()

	_, err := w.Write([]byte("lost"))
	assert.ErrorIs(t, err, expected)
	_, err = w.Write([]byte("lost again"))
	assert.ErrorIs(t, err, expected)
	assert.ErrorIs(t, w.Flush(), expected)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, rx.Len())
	assert.Equal(t, []ID{id}, w.Edges())
}

// Edges whose receiver is gone are pruned on the next write.
func TestWriterPrunesClosedEdges(t *testing.T) {
	logger, records := newCapturingLogger()
	w := NewWriter(newTestConfig(), nil, logger)
	rxA, _ := w.Subscribe()
	rxB, idB := w.Subscribe()
	require.NoError(t, rxA.Close())

	_, err := w.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, []ID{idB}, w.Edges())
	assert.Equal(t, "x", recvString(t, rxB))
	assert.Contains(t, messages(*records), "edgeClosed")
}

// A cancelled offer is completed exactly once by a later call.
func TestWriterCancelledOfferIsCompletedLater(t *testing.T) {
	var downstream bytes.Buffer
	cfg := newTestConfig()
	cfg.EdgeCapacity = 1
	w := NewWriter(cfg, &downstream, DefaultSLogger())
	rxA, _ := w.Subscribe()
	rxB, _ := w.Subscribe()

	_, err := w.Write([]byte("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	count, err := w.WriteContext(ctx, []byte("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, count)
	assert.Equal(t, "ab", downstream.String())

	assert.Equal(t, "a", recvString(t, rxA))
	assert.Equal(t, "a", recvString(t, rxB))
	assert.Equal(t, 0, rxA.Len())

	require.NoError(t, w.Flush())
	assert.Equal(t, "b", recvString(t, rxA))
	assert.Equal(t, "b", recvString(t, rxB))
	assert.Equal(t, 0, rxA.Len())
	assert.Equal(t, 0, rxB.Len())

	// the cancellation did not fail the node
	_, err = w.Write([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, "c", recvString(t, rxA))
}

// A full DropNewest edge never holds the writer back.
func TestWriterDropNewest(t *testing.T) {
	logger, records := newCapturingLogger()
	cfg := newTestConfig()
	cfg.EdgeCapacity = 1
	cfg.Policy = PolicyDropNewest
	w := NewWriter(cfg, nil, logger)
	rx, _ := w.Subscribe()

	for _, chunk := range []string{"first", "second", "third"} {
		count, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), count)
	}

	assert.Equal(t, "first", recvString(t, rx))
	assert.Equal(t, 0, rx.Len())
	assert.Contains(t, messages(*records), "edgeDrop")
}

func TestWriterAddEdge(t *testing.T) {
	w := NewWriter(newTestConfig(), nil, DefaultSLogger())
	tx, rx := NewEdge(4, PolicyBlock)
	id := ID{15: 0xff}

	require.NoError(t, w.AddEdge(tx, id))
	assert.ErrorIs(t, w.AddEdge(tx, id), ErrEdgeAlreadyExists)

	provenance, found := w.Provenance(id)
	require.True(t, found)
	assert.Equal(t, ProvenanceExplicit, provenance)

	_, err := w.Write([]byte("added"))
	require.NoError(t, err)
	assert.Equal(t, "added", recvString(t, rx))
}

// flushCloser records Flush, CloseWrite and Close calls.
type flushCloser struct {
	bytes.Buffer
	flushed     int
	closedWrite int
}

func (fc *flushCloser) Flush() error {
	fc.flushed++
	return nil
}

func (fc *flushCloser) CloseWrite() error {
	fc.closedWrite++
	return nil
}

func TestWriterFlush(t *testing.T) {
	downstream := &flushCloser{}
	w := NewWriter(newTestConfig(), downstream, DefaultSLogger())

	require.NoError(t, w.Flush())
	assert.Equal(t, 1, downstream.flushed)
}

// Shutdown closes the edges so readers observe end-of-data.
func TestWriterShutdown(t *testing.T) {
	downstream := &flushCloser{}
	w := NewWriter(newTestConfig(), downstream, DefaultSLogger())
	rx, _ := w.Subscribe()

	_, err := w.Write([]byte("last words"))
	require.NoError(t, err)

	require.NoError(t, w.Shutdown())
	require.NoError(t, w.Close()) // idempotent
	assert.Equal(t, 1, downstream.closedWrite)

	assert.Equal(t, "last words", recvString(t, rx))
	_, ok, err := rx.TryRecv()
	assert.False(t, ok)
	assert.ErrorIs(t, err, io.EOF)

	_, err = w.Write([]byte("too late"))
	assert.ErrorIs(t, err, ErrNodeClosed)
	assert.ErrorIs(t, w.Flush(), ErrNodeClosed)
}

// Shutdown never waits on a full Block edge: what fits is queued, the
// rest is dropped, and readers still observe end-of-data.
func TestWriterShutdownStalledEdge(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// drained tells whether the reader frees the slot before Shutdown.
		drained bool

		// want is what the reader gets after Shutdown.
		want string
	}{
		{name: "pending offer dropped", drained: false, want: "1"},
		{name: "pending offer queued", drained: true, want: "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			cfg.EdgeCapacity = 1
			w := NewWriter(cfg, nil, DefaultSLogger())
			rx, _ := w.Subscribe()

			_, err := w.Write([]byte("1"))
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = w.WriteContext(ctx, []byte("2"))
			require.ErrorIs(t, err, context.DeadlineExceeded)
			if tt.drained {
				assert.Equal(t, "1", recvString(t, rx))
			}

			done := make(chan error, 1)
			go func() {
				done <- w.Shutdown()
			}()
			require.NoError(t, requireDone(t, done, "shutdown"))

			assert.Equal(t, tt.want, recvString(t, rx))
			_, ok, err := rx.TryRecv()
			assert.False(t, ok)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

// Shutdown releases a write blocked on a full Block edge.
func TestWriterShutdownDuringBlockedWrite(t *testing.T) {
	cfg := newTestConfig()
	r := NewReader(cfg, nil, DefaultSLogger())
	w, writeDone := newStalledWriter(t, cfg, r)

	done := make(chan error, 1)
	go func() {
		done <- w.Shutdown()
	}()
	require.NoError(t, requireDone(t, done, "shutdown"))
	require.NoError(t, requireDone(t, writeDone, "blocked write"))

	assert.Equal(t, "1", readString(t, r))
	_, err := r.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF)

	_, err = w.Write([]byte("3"))
	assert.ErrorIs(t, err, ErrNodeClosed)
}

// FlushContext gives up when ctx is done, keeping offers pending.
func TestWriterFlushContext(t *testing.T) {
	cfg := newTestConfig()
	cfg.EdgeCapacity = 1
	w := NewWriter(cfg, nil, DefaultSLogger())
	rx, _ := w.Subscribe()

	_, err := w.Write([]byte("1"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.WriteContext(ctx, []byte("2"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.FlushContext(ctx), context.DeadlineExceeded)

	assert.Equal(t, "1", recvString(t, rx))
	require.NoError(t, w.FlushContext(context.Background()))
	assert.Equal(t, "2", recvString(t, rx))
}

// FlushContext does not wait for a write in flight beyond ctx.
func TestWriterFlushContextDuringBlockedWrite(t *testing.T) {
	cfg := newTestConfig()
	r := NewReader(cfg, nil, DefaultSLogger())
	w, writeDone := newStalledWriter(t, cfg, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.FlushContext(ctx), context.DeadlineExceeded)

	assert.Equal(t, "1", readString(t, r))
	require.NoError(t, requireDone(t, writeDone, "blocked write"))
	require.NoError(t, w.Flush())
	assert.Equal(t, "2", readString(t, r))
}

// Shutdown falls back to Close and aggregates errors.
func TestWriterShutdownClose(t *testing.T) {
	expected := errors.New("mocked error")
	conn := newMinimalConn()
	conn.WriteFunc = func(data []byte) (int, error) {
		return len(data), nil
	}
	conn.CloseFunc = func() error {
		return expected
	}
	w := NewWriter(newTestConfig(), conn, DefaultSLogger())

	err := w.Shutdown()
	assert.ErrorIs(t, err, expected)
}

func TestWriterLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	w := NewWriter(newTestConfig(), nil, logger)

	_, err := w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Shutdown())

	assert.Equal(t, []string{"writeDone", "writerShutdown"}, messages(*records))
}
