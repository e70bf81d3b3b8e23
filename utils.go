package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxBitWidth is the widest field packBits/unpackBits accept.
const maxBitWidth = 16

// bitWriter writes bits to a bytes.Buffer (msb-first in each byte).
type bitWriter struct {
	buf  *bytes.Buffer
	byte byte
	n    uint8 // number of bits written (0..8)
}

func newBitWriter(buf *bytes.Buffer) bitWriter {
	return bitWriter{buf: buf}
}

// writeBits writes n bits from bits (msb-first within the provided n bits).
// For example, if n=4 and bits=0b1011, this writes: 1,0,1,1.
func (bw *bitWriter) writeBits(bits uint64, n uint8) {
	for n > 0 {
		free := 8 - bw.n
		k := min(free, n)

		shift := n - k
		chunk := uint8((bits >> shift) & ((1 << k) - 1))

		bw.byte = (bw.byte << k) | chunk
		bw.n += k
		n -= k

		if bw.n == 8 {
			_ = bw.buf.WriteByte(bw.byte)
			bw.byte = 0
			bw.n = 0
		}
	}
}

// flush writes any remaining bits, padded with zeros on the low side.
func (bw *bitWriter) flush() {
	if bw.n > 0 {
		bw.byte <<= 8 - bw.n
		_ = bw.buf.WriteByte(bw.byte)
		bw.byte = 0
		bw.n = 0
	}
}

// bitReader reads bits from a byte slice (msb-first in each byte).
type bitReader struct {
	data []byte
	idx  int
	bit  uint8 // bit position in current byte (0..7), msb-first
}

func newBitReader(data []byte) bitReader {
	return bitReader{data: data}
}

// readBits reads n bits (1..16) and returns them in the low n bits of the
// result, msb-first within the n bits.
func (br *bitReader) readBits(n uint8) (uint16, error) {
	if n == 0 || n > maxBitWidth {
		return 0, fmt.Errorf("readBits: %w: %d", ErrBitWidth, n)
	}
	if br.remaining() < int(n) {
		return 0, io.ErrUnexpectedEOF
	}
	return br.readBitsFast(n), nil
}

// readBitsFast is a no-error variant of readBits. The caller must ensure
// there is enough input data remaining, and 1 <= n <= 16.
func (br *bitReader) readBitsFast(n uint8) uint16 {
	var out uint16
	for n > 0 {
		rem := 8 - br.bit
		k := min(rem, n)

		chunk := uint16(br.data[br.idx]>>(rem-k)) & (uint16(1)<<k - 1)
		out = out<<k | chunk

		br.bit += k
		n -= k
		if br.bit == 8 {
			br.bit = 0
			br.idx++
		}
	}
	return out
}

// remaining reports how many unread bits are left.
func (br *bitReader) remaining() int {
	return (len(br.data)-br.idx)*8 - int(br.bit)
}

// packedLen is the byte length of count values packed width bits each.
func packedLen(count int, width uint8) int {
	return (count*int(width) + 7) / 8
}

func checkBitWidth(width uint8) error {
	if width == 0 || width > maxBitWidth {
		return fmt.Errorf("%w: %d", ErrBitWidth, width)
	}
	return nil
}

// writePacked appends values to buf, width bits each, on a continuous
// msb-first bit cursor. The last byte is zero-padded. No length is written.
func writePacked(buf *bytes.Buffer, values []uint16, width uint8) error {
	if err := checkBitWidth(width); err != nil {
		return err
	}
	limit := uint32(1) << width
	for i, v := range values {
		if uint32(v) >= limit {
			return fmt.Errorf("%w: value %d at index %d needs more than %d bits", ErrBitWidth, v, i, width)
		}
	}

	buf.Grow(packedLen(len(values), width))
	bw := newBitWriter(buf)
	for _, v := range values {
		bw.writeBits(uint64(v), width)
	}
	bw.flush()
	return nil
}

// packBits packs values into a fresh byte slice. See writePacked.
func packBits(values []uint16, width uint8) ([]byte, error) {
	var buf bytes.Buffer
	if err := writePacked(&buf, values, width); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpackBits reads count values of width bits each. The caller supplies
// count because trailing zero padding is indistinguishable from zero values.
func unpackBits(data []byte, width uint8, count int) ([]uint16, error) {
	if err := checkBitWidth(width); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("unpackBits: negative count %d", count)
	}
	need := packedLen(count, width)
	if len(data) < need {
		return nil, fmt.Errorf("%w: unpackBits: need %d bytes for %d values of %d bits, have %d",
			ErrMalformed, need, count, width, len(data))
	}

	out := make([]uint16, count)
	br := newBitReader(data[:need])
	for i := range out {
		out[i] = br.readBitsFast(width)
	}
	return out, nil
}

func writeU16BE(b *bytes.Buffer, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, _ = b.Write(buf[:])
}

// isqrt returns floor(sqrt(v)) for v >= 0 and 0 for negative v.
func isqrt(v int) int {
	if v <= 0 {
		return 0
	}
	r := int(math.Sqrt(float64(v)))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
