// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
//
// Only use it when all logging happens on the test goroutine.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// messages returns the messages of the captured records.
func messages(records []slog.Record) []string {
	var out []string
	for _, record := range records {
		out = append(out, record.Message)
	}
	return out
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network].
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newTestConfig returns a [*Config] with deterministic IDs.
func newTestConfig() *Config {
	cfg := NewConfig()
	cfg.NewID = newSequentialIDs()
	return cfg
}

// testTimeout bounds every blocking operation in tests.
const testTimeout = 5 * time.Second

// readString reads once from r, failing the test on error or timeout.
func readString(t *testing.T, r *Reader) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	buf := make([]byte, 1024)
	count, err := r.ReadContext(ctx, buf)
	require.NoError(t, err)
	return string(buf[:count])
}

// requireNoData asserts that r has nothing to read right now.
func requireNoData(t *testing.T, r *Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	buf := make([]byte, 1024)
	count, err := r.ReadContext(ctx, buf)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, count)
}

// shortWriter accepts at most limit bytes per write without error.
type shortWriter struct {
	limit int
	data  []byte
}

func (w *shortWriter) Write(data []byte) (int, error) {
	count := min(len(data), w.limit)
	w.data = append(w.data, data[:count]...)
	return count, nil
}

// funcReadWriter adapts functions to [io.ReadWriter].
type funcReadWriter struct {
	ReadFunc  func(buf []byte) (int, error)
	WriteFunc func(data []byte) (int, error)
}

func (rw *funcReadWriter) Read(buf []byte) (int, error) {
	return rw.ReadFunc(buf)
}

func (rw *funcReadWriter) Write(data []byte) (int, error) {
	return rw.WriteFunc(data)
}

// requireDone waits for the result of a background operation, failing the
// test if it does not arrive within testTimeout.
func requireDone(t *testing.T, done <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("%s did not complete", what)
		return nil
	}
}

// requirePending asserts that a background operation is still running.
func requirePending(t *testing.T, done <-chan error, what string) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("%s should be pending, got %v", what, err)
	case <-time.After(50 * time.Millisecond):
	}
}

// newStalledWriter returns a writer with a capacity 1 Block edge towards r
// holding "1", plus a channel receiving the result of a second write
// that waits for space on that edge.
func newStalledWriter(t *testing.T, cfg *Config, r *Reader) (*Writer, <-chan error) {
	t.Helper()
	cfg.EdgeCapacity = 1
	cfg.Policy = PolicyBlock
	w := NewWriter(cfg, nil, DefaultSLogger())
	require.NoError(t, Attach(w, r))
	_, err := w.Write([]byte("1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte("2"))
		done <- err
	}()
	requirePending(t, done, "second write")
	return w, done
}
