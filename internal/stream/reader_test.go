// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"
)

// chunkReader yields one predefined chunk per Read call, then io.EOF.
type chunkReader struct {
	chunks [][]byte
	pos    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.pos])
	r.pos++
	return n, nil
}

// drain reads all increments until EOF and returns them.
func drain(t *testing.T, r *Reader) []string {
	t.Helper()

	var got []string
	for {
		text, err := r.Next(context.Background())
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, text)
	}
}

// =============================================================================
// DECODING TESTS
// =============================================================================

func TestReader_PlainChunks(t *testing.T) {
	r := NewReader(&chunkReader{chunks: [][]byte{
		[]byte("Hel"),
		[]byte("lo "),
		[]byte("world"),
	}})

	got := drain(t, r)
	want := []string{"Hel", "lo ", "world"}
	if len(got) != len(want) {
		t.Fatalf("Got %d increments, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Increment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReader_SplitTwoByteRune(t *testing.T) {
	// "héllo" with the two-byte é split exactly at the chunk boundary
	r := NewReader(&chunkReader{chunks: [][]byte{
		{'h', 0xC3},
		{0xA9, 'l', 'l', 'o'},
	}})

	got := drain(t, r)
	joined := strings.Join(got, "")
	if joined != "héllo" {
		t.Errorf("Decoded %q, want %q", joined, "héllo")
	}
	for i, inc := range got {
		if !utf8.ValidString(inc) {
			t.Errorf("Increment %d is not valid UTF-8: %q", i, inc)
		}
	}
}

func TestReader_SplitFourByteRune(t *testing.T) {
	// A four-byte rune delivered one byte at a time
	emoji := []byte("🙂")
	r := NewReader(&chunkReader{chunks: [][]byte{
		emoji[0:1], emoji[1:2], emoji[2:3], emoji[3:4],
	}})

	got := drain(t, r)
	joined := strings.Join(got, "")
	if joined != "🙂" {
		t.Errorf("Decoded %q, want %q", joined, "🙂")
	}
	for i, inc := range got {
		if !utf8.ValidString(inc) {
			t.Errorf("Increment %d is not valid UTF-8: %q", i, inc)
		}
	}
}

func TestReader_MixedBoundaries(t *testing.T) {
	// Multi-byte runes straddling every boundary
	text := "日本語のテキスト and some ASCII"
	raw := []byte(text)
	var chunks [][]byte
	for i := 0; i < len(raw); i += 5 {
		end := i + 5
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, raw[i:end])
	}

	r := NewReader(&chunkReader{chunks: chunks})
	joined := strings.Join(drain(t, r), "")
	if joined != text {
		t.Errorf("Decoded %q, want %q", joined, text)
	}
}

func TestReader_TruncatedRuneAtEOF(t *testing.T) {
	// Stream ends mid-rune: the dangling bytes are still delivered so no
	// input is silently dropped
	r := NewReader(&chunkReader{chunks: [][]byte{
		{'h', 'i', 0xC3},
	}})

	joined := strings.Join(drain(t, r), "")
	if joined != "hi\xC3" {
		t.Errorf("Decoded %q, want %q", joined, "hi\xC3")
	}
}

func TestReader_EmptyStream(t *testing.T) {
	r := NewReader(&chunkReader{})

	got := drain(t, r)
	if len(got) != 0 {
		t.Errorf("Expected no increments, got %q", got)
	}

	// Next after EOF stays EOF
	if _, err := r.Next(context.Background()); err != io.EOF {
		t.Errorf("Expected io.EOF after exhaustion, got %v", err)
	}
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestReader_CancelStopsCleanly(t *testing.T) {
	r := NewReader(&chunkReader{chunks: [][]byte{
		[]byte("Hel"),
		[]byte("lo "),
		[]byte("never delivered"),
	}})

	ctx, cancel := context.WithCancel(context.Background())

	first, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first != "Hel" {
		t.Errorf("First increment = %q, want %q", first, "Hel")
	}

	cancel()

	// Cancellation terminates the sequence cleanly, not as an error
	if _, err := r.Next(ctx); err != io.EOF {
		t.Errorf("Expected io.EOF after cancel, got %v", err)
	}

	// The reader is finished for good
	if _, err := r.Next(context.Background()); err != io.EOF {
		t.Errorf("Expected io.EOF on re-read, got %v", err)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

type failingReader struct {
	err error
}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, r.err
}

func TestReader_TransportError(t *testing.T) {
	readErr := errors.New("connection reset")
	r := NewReader(&failingReader{err: readErr})

	_, err := r.Next(context.Background())
	if !errors.Is(err, readErr) {
		t.Errorf("Expected transport error, got %v", err)
	}
}
