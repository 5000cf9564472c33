// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameVersion is written into every frame. Receivers reject
	// frames carrying any other version.
	FrameVersion byte = 1

	// HeaderSize is the fixed frame header length.
	HeaderSize = 10

	// MaxBodySize bounds the uncompressed body of one frame. The
	// limit applies before decompression so a small compressed frame
	// cannot expand without bound.
	MaxBodySize = 1 << 20
)

var (
	// ErrShortFrame means the input ended before the header or the
	// stored body was complete.
	ErrShortFrame = errors.New("codec: truncated frame")

	// ErrFrameVersion means the frame was written by an incompatible
	// format version.
	ErrFrameVersion = errors.New("codec: unsupported frame version")

	// ErrFrameSize means a length field exceeds MaxBodySize or the
	// input has bytes past the end of the frame.
	ErrFrameSize = errors.New("codec: bad frame length")

	// ErrCompression means the body could not be decompressed.
	ErrCompression = errors.New("codec: bad compressed body")
)

// Seal wraps body in a frame. When c is not CompressionNone and body
// is at least threshold bytes, the body is compressed; if that does
// not make it smaller the frame falls back to CompressionNone.
func Seal(body []byte, c Compression, threshold int) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body is %d bytes, limit %d", ErrFrameSize, len(body), MaxBodySize)
	}

	stored := body
	tag := CompressionNone
	if c != CompressionNone && len(body) >= threshold {
		compressed, err := compress(body, c)
		switch {
		case err == nil:
			stored, tag = compressed, c
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}

	frame := make([]byte, HeaderSize+len(stored))
	frame[0] = FrameVersion
	frame[1] = byte(tag)
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(stored)))
	copy(frame[HeaderSize:], stored)
	return frame, nil
}

// Open validates a complete frame and returns its decompressed body.
func Open(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: %d header bytes", ErrShortFrame, len(frame))
	}
	size, storedSize, err := parseHeader(frame[:HeaderSize])
	if err != nil {
		return nil, err
	}
	stored := frame[HeaderSize:]
	if len(stored) < storedSize {
		return nil, fmt.Errorf("%w: body has %d of %d bytes", ErrShortFrame, len(stored), storedSize)
	}
	if len(stored) > storedSize {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFrameSize, len(stored)-storedSize)
	}
	body, err := decompress(stored, Compression(frame[1]), size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return body, nil
}

// ReadFrame reads exactly one frame from a byte stream. It returns
// io.EOF only when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		return nil, err
	}
	_, storedSize, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+storedSize)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		return nil, err
	}
	return frame, nil
}

func parseHeader(header []byte) (size, storedSize int, err error) {
	if header[0] != FrameVersion {
		return 0, 0, fmt.Errorf("%w: %d", ErrFrameVersion, header[0])
	}
	size = int(binary.BigEndian.Uint32(header[2:6]))
	storedSize = int(binary.BigEndian.Uint32(header[6:10]))
	if size > MaxBodySize || storedSize > MaxBodySize {
		return 0, 0, fmt.Errorf("%w: body %d, stored %d, limit %d", ErrFrameSize, size, storedSize, MaxBodySize)
	}
	return size, storedSize, nil
}
