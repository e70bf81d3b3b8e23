package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression selects the general-purpose lossless stage applied to the
// framed channel blocks. Decoding detects it from the stream.
type Compression uint8

const (
	CompressionZstd Compression = iota
	CompressionZlib
	CompressionXZ
)

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionZlib:
		return "zlib"
	case CompressionXZ:
		return "xz"
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

// ParseCompression maps a backend name to its Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "zstd", "zst":
		return CompressionZstd, nil
	case "zlib":
		return CompressionZlib, nil
	case "xz", "lzma":
		return CompressionXZ, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want zstd, zlib or xz)", s)
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// detectCompression identifies the lossless container from its magic bytes.
func detectCompression(data []byte) (Compression, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return CompressionZstd, nil
	case bytes.HasPrefix(data, xzMagic):
		return CompressionXZ, nil
	case len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0:
		return CompressionZlib, nil
	}
	return 0, fmt.Errorf("%w: unrecognised container", ErrLossless)
}

// --- ZSTD helpers ---

func mustNewZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		panic(err)
	}
	return enc
}

func mustNewZstdDecoder(maxMemory uint64) *zstd.Decoder {
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(maxMemory),
	)
	if err != nil {
		panic(err)
	}
	return dec
}

var zstdEncPool = sync.Pool{
	New: func() any {
		return mustNewZstdEncoder()
	},
}

func compressZstd(data []byte) []byte {
	enc := zstdEncPool.Get().(*zstd.Encoder)
	out := enc.EncodeAll(data, nil)
	zstdEncPool.Put(enc)
	return out
}

// --- zlib / xz helpers ---

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressXZ(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readAllLimited drains r, failing once more than limit bytes come out.
func readAllLimited(r io.Reader, limit uint64) ([]byte, error) {
	plain, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(plain)) > limit {
		return nil, fmt.Errorf("decoded size exceeds %d bytes", limit)
	}
	return plain, nil
}

func decompressZlib(data []byte, limit uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readAllLimited(r, limit)
}

func decompressXZ(data []byte, limit uint64) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return readAllLimited(r, limit)
}

// compress applies the lossless stage c to the framed payload.
func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return compressZstd(data), nil
	case CompressionZlib:
		out, err := compressZlib(data)
		if err != nil {
			return nil, fmt.Errorf("zlib encode: %w", err)
		}
		return out, nil
	case CompressionXZ:
		out, err := compressXZ(data)
		if err != nil {
			return nil, fmt.Errorf("xz encode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("compress: unsupported %v", c)
}

// decompress inverts the lossless stage, whichever backend produced data.
// zstd streams reuse d's decoder and payload buffer.
func (d *Decoder) decompress(data []byte) ([]byte, error) {
	c, err := detectCompression(data)
	if err != nil {
		return nil, err
	}
	limit := d.maxDecodedSize()

	var payload []byte
	switch c {
	case CompressionZstd:
		if d.zdec == nil || d.zdecLimit != limit {
			if d.zdec != nil {
				d.zdec.Close()
			}
			d.zdec = mustNewZstdDecoder(limit)
			d.zdecLimit = limit
		}
		payload, err = d.zdec.DecodeAll(data, d.payload[:0])
		if err == nil {
			d.payload = payload
		}
	case CompressionZlib:
		payload, err = decompressZlib(data, limit)
	case CompressionXZ:
		payload, err = decompressXZ(data, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s decode: %w", ErrLossless, c, err)
	}
	if uint64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: %s decode: decoded size exceeds %d bytes", ErrLossless, c, limit)
	}
	Logger().Debug("lossless stage", "backend", c.String(), "in", len(data), "out", len(payload))
	return payload, nil
}
