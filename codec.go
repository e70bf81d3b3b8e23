// sdfvdt compresses signed-distance-field rasters with VDT (vector distance
// transform) coding. Along a propagation direction squared distances grow
// roughly quadratically, so most pixels are rebuilt from two decoded
// neighbours and only the rest are stored. Each channel becomes a block of
// 2-bit prediction codes plus literal residuals; the blocks are framed and
// passed through a general-purpose lossless compressor (zstd by default).

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// maxChannels is the largest channel count a container can carry.
const maxChannels = 4

// defaultMaxDecodedSize bounds the lossless stage output when
// Decoder.MaxDecodedSize is zero.
const defaultMaxDecodedSize = 256 << 20

var (
	// ErrMalformed reports a compressed stream that is truncated or
	// inconsistent with its own header fields.
	ErrMalformed = errors.New("sdfvdt: malformed input")
	// ErrGeometry reports a zero width/height or one above 65535.
	ErrGeometry = errors.New("sdfvdt: unsupported geometry")
	// ErrLossless reports a stream the lossless stage rejected. It also
	// matches ErrMalformed.
	ErrLossless = fmt.Errorf("%w: lossless stage rejected stream", ErrMalformed)
	// ErrChannelCount reports a channel count outside 1..4.
	ErrChannelCount = errors.New("sdfvdt: channel count must be 1..4")
	// ErrBitWidth reports a bit width outside 1..16 or a value too wide for it.
	ErrBitWidth = errors.New("sdfvdt: invalid bit width")
)

// Field is a distance-field raster split into 1..4 channels of equal size.
type Field struct {
	Width    int
	Height   int
	Channels []Channel
}

// NewField allocates a zeroed field.
func NewField(width, height, channels int) *Field {
	f := &Field{Width: width, Height: height, Channels: make([]Channel, channels)}
	for i := range f.Channels {
		f.Channels[i] = Channel{Width: width, Height: height, Samples: make([]uint8, width*height)}
	}
	return f
}

// RawSize is the uncompressed sample size in bytes.
func (f *Field) RawSize() int {
	return f.Width * f.Height * len(f.Channels)
}

func (f *Field) validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil field", ErrGeometry)
	}
	if n := len(f.Channels); n < 1 || n > maxChannels {
		return fmt.Errorf("%w: got %d", ErrChannelCount, n)
	}
	if err := checkGeometry(f.Width, f.Height); err != nil {
		return err
	}
	for i, ch := range f.Channels {
		if ch.Width != f.Width || ch.Height != f.Height || len(ch.Samples) != f.Width*f.Height {
			return fmt.Errorf("%w: channel %d is %dx%d with %d samples, field is %dx%d",
				ErrGeometry, i, ch.Width, ch.Height, len(ch.Samples), f.Width, f.Height)
		}
	}
	return nil
}

// Stats summarises the last Encode call.
type Stats struct {
	Compression Compression
	// FramedSize is the container size before the lossless stage.
	FramedSize     int
	CompressedSize int
	Channels       []ChannelStats
}

type encodeChannelResult struct {
	stats ChannelStats
	err   error
}

func encodeChannelWorker(dst *encodeChannelResult, buf *bytes.Buffer, ch Channel, maxError int, wg *sync.WaitGroup) {
	defer wg.Done()
	buf.Reset()
	dst.stats, dst.err = encodeChannel(buf, ch.Samples, ch.Width, ch.Height, maxError)
}

// Encoder reuses its framing buffers across Encode calls. It is not safe for
// concurrent use.
type Encoder struct {
	// Parallel encodes channels on separate goroutines.
	Parallel bool
	// MaxError is the predictor tolerance on squared distances; 0 is lossless.
	MaxError int
	// Compression selects the lossless stage.
	Compression Compression

	raw   bytes.Buffer
	ch    [maxChannels]bytes.Buffer
	stats Stats
}

func NewEncoder() *Encoder {
	return &Encoder{Parallel: true}
}

// Encode frames every channel of f and applies the lossless stage:
//
//	channel_count:u8 , ChannelBlock[channel_count]
func (e *Encoder) Encode(f *Field) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if e.MaxError < 0 {
		return nil, fmt.Errorf("max error must be >= 0, got %d", e.MaxError)
	}

	results := make([]encodeChannelResult, len(f.Channels))
	if e.Parallel && len(f.Channels) > 1 {
		var wg sync.WaitGroup
		for i, ch := range f.Channels {
			wg.Add(1)
			go encodeChannelWorker(&results[i], &e.ch[i], ch, e.MaxError, &wg)
		}
		wg.Wait()
	} else {
		for i, ch := range f.Channels {
			e.ch[i].Reset()
			results[i].stats, results[i].err = encodeChannel(&e.ch[i], ch.Samples, ch.Width, ch.Height, e.MaxError)
		}
	}

	e.raw.Reset()
	_ = e.raw.WriteByte(byte(len(f.Channels)))
	stats := Stats{Compression: e.Compression, Channels: make([]ChannelStats, len(results))}
	for i, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, res.err)
		}
		stats.Channels[i] = res.stats
		_, _ = e.raw.Write(e.ch[i].Bytes())
		Logger().Debug("channel encoded",
			"channel", i,
			"min", res.stats.MinDist,
			"max", res.stats.MaxDist,
			"dist_bits", res.stats.DistBits,
			"literal", res.stats.Codes[Literal],
			"left", res.stats.Codes[FromLeft],
			"above", res.stats.Codes[FromAbove],
			"diagonal", res.stats.Codes[FromDiagonal],
			"block_bytes", e.ch[i].Len())
	}

	comp, err := compress(e.Compression, e.raw.Bytes())
	if err != nil {
		return nil, err
	}
	stats.FramedSize = e.raw.Len()
	stats.CompressedSize = len(comp)
	e.stats = stats
	return comp, nil
}

// EncodeTo encodes f and writes the compressed result to w.
func (e *Encoder) EncodeTo(w io.Writer, f *Field) error {
	comp, err := e.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(comp)
	return err
}

// LastStats describes the most recent successful Encode.
func (e *Encoder) LastStats() Stats {
	return e.stats
}

// Encode compresses f with the default zstd stage.
func Encode(f *Field, maxError int) ([]byte, error) {
	e := NewEncoder()
	e.MaxError = maxError
	return e.Encode(f)
}

type expandChannelResult struct {
	ch  Channel
	err error
}

func expandChannelWorker(dst *expandChannelResult, blk *channelBlock, wg *sync.WaitGroup) {
	defer wg.Done()
	dst.ch, dst.err = blk.expand()
}

// Decoder reuses its zstd decoder and payload buffer across Decode calls.
// It is not safe for concurrent use.
type Decoder struct {
	// Parallel rebuilds channels on separate goroutines once every block
	// has been located.
	Parallel bool
	// MaxDecodedSize caps the lossless stage output; 0 means 256 MiB.
	MaxDecodedSize uint64

	zdec      *zstd.Decoder
	zdecLimit uint64
	payload   []byte
}

func NewDecoder() *Decoder {
	return &Decoder{Parallel: true}
}

func (d *Decoder) maxDecodedSize() uint64 {
	if d.MaxDecodedSize == 0 {
		return defaultMaxDecodedSize
	}
	return d.MaxDecodedSize
}

// Decode inverts Encode. It either rebuilds every channel or returns an
// error; no partial field is returned.
func (d *Decoder) Decode(data []byte) (*Field, error) {
	payload, err := d.decompress(data)
	if err != nil {
		return nil, err
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: decode: truncated while reading channel count", ErrMalformed)
	}
	n := int(payload[0])
	if n < 1 || n > maxChannels {
		return nil, fmt.Errorf("%w: %w: got %d", ErrMalformed, ErrChannelCount, n)
	}

	// Block boundaries depend on each block's literal count, so blocks are
	// located one after another.
	blocks := make([]channelBlock, n)
	pos := 1
	for i := range blocks {
		blocks[i], pos, err = parseChannelBlock(payload, pos)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		if blocks[i].width != blocks[0].width || blocks[i].height != blocks[0].height {
			return nil, fmt.Errorf("%w: channel %d is %dx%d, channel 0 is %dx%d",
				ErrMalformed, i, blocks[i].width, blocks[i].height, blocks[0].width, blocks[0].height)
		}
	}
	if pos != len(payload) {
		return nil, fmt.Errorf("%w: decode: %d trailing bytes after last channel", ErrMalformed, len(payload)-pos)
	}

	results := make([]expandChannelResult, n)
	if d.Parallel && n > 1 {
		var wg sync.WaitGroup
		for i := range blocks {
			wg.Add(1)
			go expandChannelWorker(&results[i], &blocks[i], &wg)
		}
		wg.Wait()
	} else {
		for i := range blocks {
			results[i].ch, results[i].err = blocks[i].expand()
		}
	}

	f := &Field{Width: blocks[0].width, Height: blocks[0].height, Channels: make([]Channel, n)}
	for i, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, res.err)
		}
		f.Channels[i] = res.ch
	}
	return f, nil
}

// DecodeFrom reads the whole compressed stream from r and decodes it.
func (d *Decoder) DecodeFrom(r io.Reader) (*Field, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return d.Decode(data)
}

// Decode decompresses a stream produced by Encode with any lossless stage.
func Decode(data []byte) (*Field, error) {
	return NewDecoder().Decode(data)
}
