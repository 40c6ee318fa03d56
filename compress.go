// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// MaxCompressedFrameSize is the largest frame payload a [*CompressStream]
// writes or accepts from the wire, and the largest size a frame may
// decompress to.
const MaxCompressedFrameSize = 1 << 24

const (
	frameRaw byte = iota
	frameLZ4
)

// frameHeaderSize is one kind byte followed by a big endian length.
const frameHeaderSize = 5

var lz4WriterPool = sync.Pool{
	New: func() any {
		return lz4.NewWriter(nil)
	},
}

var lz4ReaderPool = sync.Pool{
	New: func() any {
		return lz4.NewReader(nil)
	},
}

// CompressStream compresses everything written to, and decompresses
// everything read from, a wrapped transport using LZ4.
//
// Each Write becomes one frame holding a complete LZ4 stream, or the raw
// bytes when compressing does not make them smaller, so the peer decodes
// every write without waiting for more input.
//
// Read and Write may be used concurrently with each other.
type CompressStream struct {
	rw    io.ReadWriter
	level lz4.CompressionLevel

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

// NewCompressStream wraps rw using the given LZ4 compression level.
func NewCompressStream(rw io.ReadWriter, level lz4.CompressionLevel) *CompressStream {
	return &CompressStream{rw: rw, level: level}
}

// Write implements [io.Writer]. Data larger than [MaxCompressedFrameSize]
// is split across several frames. The returned count covers the frames
// written in full; a frame the transport accepted only in part is not
// counted.
func (s *CompressStream) Write(data []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var total int
	for len(data) > 0 {
		size := min(len(data), MaxCompressedFrameSize)
		if err := s.writeFrame(data[:size]); err != nil {
			return total, err
		}
		total += size
		data = data[size:]
	}
	return total, nil
}

func (s *CompressStream) writeFrame(data []byte) error {
	kind, payload, err := s.compress(data)
	if err != nil {
		return err
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = kind
	binary.BigEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	count, err := s.rw.Write(frame)
	if err == nil && count < len(frame) {
		err = io.ErrShortWrite
	}
	return err
}

func (s *CompressStream) compress(data []byte) (byte, []byte, error) {
	var buf bytes.Buffer
	zw := lz4WriterPool.Get().(*lz4.Writer)
	defer lz4WriterPool.Put(zw)
	zw.Reset(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(s.level)); err != nil {
		return 0, nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return 0, nil, err
	}
	if err := zw.Close(); err != nil {
		return 0, nil, err
	}
	if buf.Len() >= len(data) {
		return frameRaw, data, nil
	}
	return frameLZ4, buf.Bytes(), nil
}

// Read implements [io.Reader]. It returns [io.EOF] when the transport
// ends on a frame boundary and [io.ErrUnexpectedEOF] when it ends inside
// a frame.
func (s *CompressStream) Read(buf []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for len(s.pending) <= 0 {
		chunk, err := s.readFrame()
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	count := copy(buf, s.pending)
	s.pending = s.pending[count:]
	return count, nil
}

func (s *CompressStream) readFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(s.rw, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxCompressedFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.rw, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	switch header[0] {
	case frameRaw:
		return payload, nil
	case frameLZ4:
		return decompress(payload)
	default:
		return nil, fmt.Errorf("multipipe: unknown frame kind %d", header[0])
	}
}

func decompress(payload []byte) ([]byte, error) {
	zr := lz4ReaderPool.Get().(*lz4.Reader)
	defer lz4ReaderPool.Put(zr)
	zr.Reset(bytes.NewReader(payload))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(zr, MaxCompressedFrameSize+1)); err != nil {
		return nil, err
	}
	if buf.Len() > MaxCompressedFrameSize {
		return nil, fmt.Errorf("%w: decompresses past %d bytes", ErrFrameTooLarge, MaxCompressedFrameSize)
	}
	return buf.Bytes(), nil
}

// Flush flushes the wrapped transport if it implements Flush() error.
func (s *CompressStream) Flush() error {
	if flusher, ok := s.rw.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// CloseWrite shuts down the write direction of the wrapped transport, if
// supported, or closes it.
func (s *CompressStream) CloseWrite() error {
	switch dst := s.rw.(type) {
	case interface{ CloseWrite() error }:
		return dst.CloseWrite()
	case io.Closer:
		return dst.Close()
	default:
		return nil
	}
}

// Close closes the wrapped transport if it implements [io.Closer].
func (s *CompressStream) Close() error {
	if closer, ok := s.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
