// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package frame implements length-prefixed framing for byte streams.
//
// Each frame is a [Vint30] giving the length of the payload, followed by the
// payload bytes.
package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Vint30 is an unsigned 30-bit integer that uses a variable-width encoding
// from 1 to 4 bytes.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// Values v ≥ 1073741824 cannot be represented by a Vint30.
//
// A value is encoded as a 32-bit value in little-endian order, with the excess
// length packed into the lowest-order 2 bits of the overall value. The first
// byte of the encoded form has the 6 lowest order bits plus the tag:
//
//	 _ ... _ _ _ _ _ _ d d < number of additional bytes
//	31 ... 7 6 5 4 3 2 1 0
//	^^^^^^^^^^^^^^^^^^
//	  30-bit value
//
// This makes the encoding self-framing, as the decoder can read the first byte
// to discover the length of the full encoding.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// ErrTooLarge is reported for a frame whose payload exceeds MaxVint30 bytes.
var ErrTooLarge = errors.New("frame too large")

// Size reports the number of bytes required to encode v. If v is too large to
// be encoded, Size returns -1.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1 // value too large
	}
}

// Append appends the encoded value of v to buf, and returns the updated slice.
// It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	s := v.Size()
	if s < 0 {
		panic("value out of range")
	}
	w := uint32(v)*4 + uint32(s-1)
	var tmp [4]byte
	for i := range s {
		tmp[i] = byte(w % 256)
		w /= 256
	}
	return append(buf, tmp[:s]...)
}

// ReadVint30 reads a single Vint30 from r. It reports io.EOF if r is
// exhausted before the first byte, and io.ErrUnexpectedEOF if it ends
// inside the encoding.
func ReadVint30(r io.ByteReader) (Vint30, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	nb := int(first%4) + 1
	var tmp [4]byte
	tmp[0] = first
	for i := 1; i < nb; i++ {
		b, err := r.ReadByte()
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		} else if err != nil {
			return 0, err
		}
		tmp[i] = b
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(tmp[i])
	}
	return Vint30(w >> 2), nil
}

// Write writes payload to w as a single frame.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxVint30 {
		return fmt.Errorf("%w (%d bytes)", ErrTooLarge, len(payload))
	}
	buf := Vint30(len(payload)).Append(make([]byte, 0, 4+len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readChunk bounds the buffer preallocated for a frame payload.
const readChunk = 64 << 10

// Read reads a single frame from r and returns its payload. It reports
// io.EOF if r is exhausted at a frame boundary, and io.ErrUnexpectedEOF if
// it ends inside a frame.
func Read(r *bufio.Reader) ([]byte, error) {
	n, err := ReadVint30(r)
	if err != nil {
		return nil, err
	}
	// The length comes from the peer, so grow the buffer as data arrives
	// rather than trusting it for the allocation.
	var buf bytes.Buffer
	buf.Grow(min(int(n), readChunk))
	if m, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("short frame (%d of %d bytes): %w", m, n, err)
	}
	return buf.Bytes(), nil
}
