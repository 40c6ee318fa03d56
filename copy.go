// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Copy reads from src and writes to dst until src returns [io.EOF], an
// error occurs, or ctx is done. It returns the number of bytes written
// and a nil error on [io.EOF].
//
// Cancelling ctx loses no data: see [*Reader.ReadContext] and
// [*Writer.WriteContext].
func Copy(ctx context.Context, dst *Writer, src *Reader) (int64, error) {
	buf := make([]byte, DefaultReadBufferSize)
	var total int64
	for {
		count, err := src.ReadContext(ctx, buf)
		if count > 0 {
			written, werr := dst.WriteContext(ctx, buf[:count])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if written < count {
				return total, io.ErrShortWrite
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Relay copies a.Reader into b.Writer and b.Reader into a.Writer until
// both directions reach [io.EOF]. When a direction ends, its writer is
// shut down so the far end observes end-of-data. The first error cancels
// the other direction and is returned.
func Relay(ctx context.Context, logger SLogger, a, b *Pair) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return relayOne(ctx, logger, b.Writer, a.Reader)
	})
	group.Go(func() error {
		return relayOne(ctx, logger, a.Writer, b.Reader)
	})
	return group.Wait()
}

func relayOne(ctx context.Context, logger SLogger, dst *Writer, src *Reader) error {
	t0 := dst.TimeNow()
	count, err := Copy(ctx, dst, src)
	if err == nil {
		err = dst.Shutdown()
	}
	logger.Info(
		"relayDone",
		slog.Int64("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", dst.ErrClassifier.Classify(err)),
		slog.String("readerID", src.ID().String()),
		slog.String("writerID", dst.ID().String()),
		slog.Time("t0", t0),
		slog.Time("t", dst.TimeNow()),
	)
	return err
}
