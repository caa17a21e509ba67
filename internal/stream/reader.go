// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream provides incremental text decoding of a byte stream.
//
// A Reader wraps a byte stream (typically an HTTP response body) and yields
// decoded text increments until the stream ends or the context is
// cancelled. The sequence is lazy, finite, and non-restartable. Multi-byte
// UTF-8 sequences split across chunk boundaries are carried over between
// reads, so every yielded increment is valid UTF-8 on its own.
package stream

import (
	"context"
	"io"
	"unicode/utf8"
)

// readBufferSize is the size of the chunk read buffer.
const readBufferSize = 4096

// =============================================================================
// READER
// =============================================================================

// Reader decodes a byte stream into text increments.
type Reader struct {
	src   io.Reader
	buf   []byte
	carry []byte // Trailing bytes of an incomplete UTF-8 sequence
	done  bool
}

// NewReader creates a Reader over the given byte stream.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src: src,
		buf: make([]byte, readBufferSize),
	}
}

// Next returns the next decoded text increment.
//
// End of stream is normal completion and is reported as io.EOF with no
// text. Context cancellation is also reported as io.EOF: the reader ceases
// reading and terminates cleanly, leaving classification of the cause to
// the caller. The cancellation signal is observed between chunk reads, so a
// source that withholds bytes delays its visible effect until the pending
// read returns.
func (r *Reader) Next(ctx context.Context) (string, error) {
	if r.done {
		return "", io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			r.done = true
			return "", io.EOF
		default:
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			text := r.decode(r.buf[:n])
			if err == io.EOF {
				r.done = true
				if tail := r.flush(); tail != "" {
					return text + tail, nil
				}
			}
			if text != "" {
				return text, nil
			}
			// Whole chunk was an incomplete sequence, keep reading
		}
		if err != nil {
			r.done = true
			if err == io.EOF {
				if tail := r.flush(); tail != "" {
					return tail, nil
				}
				return "", io.EOF
			}
			return "", err
		}
	}
}

// decode appends chunk to any carried bytes and returns the longest prefix
// that ends on a rune boundary, carrying the remainder for the next call.
func (r *Reader) decode(chunk []byte) string {
	data := chunk
	if len(r.carry) > 0 {
		data = append(r.carry, chunk...)
		r.carry = nil
	}

	cut := len(data) - incompleteSuffixLen(data)
	if cut < len(data) {
		r.carry = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut])
}

// flush returns any carried bytes as-is. Called at end of stream, where a
// still-incomplete sequence can no longer be completed.
func (r *Reader) flush() string {
	if len(r.carry) == 0 {
		return ""
	}
	tail := string(r.carry)
	r.carry = nil
	return tail
}

// incompleteSuffixLen returns the number of trailing bytes in data that
// form the start of an incomplete UTF-8 sequence, or 0 if data ends on a
// rune boundary.
func incompleteSuffixLen(data []byte) int {
	n := len(data)
	// A UTF-8 sequence is at most utf8.UTFMax bytes, so only the last few
	// bytes can belong to an unfinished rune.
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		b := data[n-i]
		if b < 0x80 {
			return 0 // ASCII, boundary
		}
		if b >= 0xC0 {
			// Lead byte: incomplete if the sequence it starts extends
			// beyond the end of data
			if size := sequenceLen(b); size > i {
				return i
			}
			return 0
		}
		// Continuation byte, keep scanning backwards
	}
	return 0
}

// sequenceLen returns the expected byte length of a UTF-8 sequence given
// its lead byte.
func sequenceLen(lead byte) int {
	switch {
	case lead >= 0xF0:
		return 4
	case lead >= 0xE0:
		return 3
	case lead >= 0xC0:
		return 2
	default:
		return 1
	}
}
