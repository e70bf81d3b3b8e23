package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PredictionCode tags how a pixel is reconstructed. It is stored 2 bits wide.
type PredictionCode uint8

const (
	Literal PredictionCode = iota
	FromLeft
	FromAbove
	FromDiagonal
)

func (c PredictionCode) String() string {
	switch c {
	case Literal:
		return "literal"
	case FromLeft:
		return "left"
	case FromAbove:
		return "above"
	case FromDiagonal:
		return "diagonal"
	}
	return fmt.Sprintf("PredictionCode(%d)", uint8(c))
}

// predictionOrder is the fixed tie-break: longest dependency reach first.
var predictionOrder = [...]PredictionCode{FromDiagonal, FromAbove, FromLeft}

// channelHeaderSize is min_dist(2) + dist_bits(1) + width(2) + height(2).
const channelHeaderSize = 7

// PredictorConfig holds the per-channel parameters of the predictor.
type PredictorConfig struct {
	Width int
	// MaxError is the accepted |actual² - predicted²| deviation; 0 is lossless.
	MaxError int
}

// neighbours returns the two positions code extrapolates from for pixel i.
// ok is false when the farther one would fall before the start of the channel.
func neighbours(code PredictionCode, i, width int) (j1, j2 int, ok bool) {
	var step int
	switch code {
	case FromLeft:
		step = 1
	case FromAbove:
		step = width
	case FromDiagonal:
		step = width + 1
	default:
		return 0, 0, false
	}
	j1, j2 = i-step, i-2*step
	return j1, j2, j2 >= 0 && j1 < i
}

// predictSquared extrapolates the squared distance from the two neighbours.
// Axis-aligned steps grow the squared distance by 2 per unit step.
func predictSquared(code PredictionCode, d1, d2 uint8) int {
	p := 2*int(d1)*int(d1) - int(d2)*int(d2)
	if code != FromDiagonal {
		p += 2
	}
	return p
}

// reconstruct inverts the prediction: floor(sqrt(predicted²)), clamped to
// the sample range.
func reconstruct(code PredictionCode, d1, d2 uint8) uint8 {
	v := isqrt(predictSquared(code, d1, d2))
	if v > math.MaxUint8 {
		v = math.MaxUint8
	}
	return uint8(v)
}

// Predict picks the code for position i. Neighbours are read from samples
// below i, so samples must already hold the values a decoder would see there.
func (c PredictorConfig) Predict(samples []uint8, i int) PredictionCode {
	actual := int(samples[i]) * int(samples[i])
	for _, code := range predictionOrder {
		j1, j2, ok := neighbours(code, i, c.Width)
		if !ok {
			continue
		}
		if absInt(actual-predictSquared(code, samples[j1], samples[j2])) <= c.MaxError {
			return code
		}
	}
	return Literal
}

// ChannelStats describes one encoded channel.
type ChannelStats struct {
	MinDist  uint8
	MaxDist  uint8
	DistBits uint8
	// Codes counts pixels per PredictionCode.
	Codes [4]int
}

// Literals is the number of pixels stored explicitly.
func (s ChannelStats) Literals() int { return s.Codes[Literal] }

// Channel is one plane of samples in row-major order.
type Channel struct {
	Width   int
	Height  int
	Samples []uint8
}

// At returns the sample at column x, row y.
func (c Channel) At(x, y int) uint8 {
	return c.Samples[y*c.Width+x]
}

// Rows returns the samples as a height × width grid sharing c.Samples.
func (c Channel) Rows() [][]uint8 {
	rows := make([][]uint8, c.Height)
	for y := range rows {
		rows[y] = c.Samples[y*c.Width : (y+1)*c.Width : (y+1)*c.Width]
	}
	return rows
}

func checkGeometry(width, height int) error {
	if width <= 0 || height <= 0 || width > math.MaxUint16 || height > math.MaxUint16 {
		return fmt.Errorf("%w: %dx%d", ErrGeometry, width, height)
	}
	return nil
}

// encodeChannel appends one channel block to buf:
//
//	min_dist:u16 dist_bits:u8 width:u16 height:u16 codes:2-bit residuals:dist_bits
//
// The predictor runs closed-loop against the samples the decoder will
// rebuild, so lossy settings never drift between encoder and decoder.
func encodeChannel(buf *bytes.Buffer, samples []uint8, width, height, maxError int) (ChannelStats, error) {
	var st ChannelStats
	if err := checkGeometry(width, height); err != nil {
		return st, err
	}
	n := width * height
	if len(samples) != n {
		return st, fmt.Errorf("%w: %d samples for %dx%d channel", ErrGeometry, len(samples), width, height)
	}
	if maxError < 0 {
		return st, fmt.Errorf("encodeChannel: negative max error %d", maxError)
	}

	st.MinDist, st.MaxDist = samples[0], samples[0]
	for _, s := range samples[1:] {
		st.MinDist = min(st.MinDist, s)
		st.MaxDist = max(st.MaxDist, s)
	}
	st.DistBits = 8
	if int(st.MaxDist)-int(st.MinDist) > 255 {
		st.DistBits = 16
	}

	cfg := PredictorConfig{Width: width, MaxError: maxError}
	recon := make([]uint8, n)
	copy(recon, samples)
	codes := make([]uint16, n)
	residuals := make([]uint16, 0, n/4)

	for i := range recon {
		code := cfg.Predict(recon, i)
		codes[i] = uint16(code)
		st.Codes[code]++
		if code == Literal {
			residuals = append(residuals, uint16(samples[i]-st.MinDist))
			continue
		}
		j1, j2, _ := neighbours(code, i, width)
		recon[i] = reconstruct(code, recon[j1], recon[j2])
	}

	writeU16BE(buf, uint16(st.MinDist))
	_ = buf.WriteByte(st.DistBits)
	writeU16BE(buf, uint16(width))
	writeU16BE(buf, uint16(height))
	if err := writePacked(buf, codes, 2); err != nil {
		return st, err
	}
	if err := writePacked(buf, residuals, st.DistBits); err != nil {
		return st, err
	}
	return st, nil
}

// channelBlock is a parsed but not yet expanded channel block.
type channelBlock struct {
	minDist   uint16
	distBits  uint8
	width     int
	height    int
	codes     []uint16
	residuals []uint16
}

// parseChannelBlock reads the block starting at pos and returns it with the
// position of the byte following it.
func parseChannelBlock(data []byte, pos int) (channelBlock, int, error) {
	var blk channelBlock
	if pos < 0 || pos > len(data) {
		return blk, pos, fmt.Errorf("%w: decodeChannel: offset %d outside %d-byte payload", ErrMalformed, pos, len(data))
	}

	readU16 := func(label string) (uint16, error) {
		if len(data)-pos < 2 {
			return 0, fmt.Errorf("%w: decodeChannel: truncated while reading %s", ErrMalformed, label)
		}
		v := binary.BigEndian.Uint16(data[pos : pos+2])
		pos += 2
		return v, nil
	}

	var err error
	if blk.minDist, err = readU16("min_dist"); err != nil {
		return blk, pos, err
	}
	if len(data)-pos < 1 {
		return blk, pos, fmt.Errorf("%w: decodeChannel: truncated while reading dist_bits", ErrMalformed)
	}
	blk.distBits = data[pos]
	pos++
	if blk.distBits != 8 && blk.distBits != 16 {
		return blk, pos, fmt.Errorf("%w: decodeChannel: dist_bits %d", ErrMalformed, blk.distBits)
	}
	w, err := readU16("width")
	if err != nil {
		return blk, pos, err
	}
	h, err := readU16("height")
	if err != nil {
		return blk, pos, err
	}
	blk.width, blk.height = int(w), int(h)
	if err := checkGeometry(blk.width, blk.height); err != nil {
		return blk, pos, err
	}

	// Length is checked before unpacking so a forged header cannot force a
	// large allocation.
	n := blk.width * blk.height
	codesLen := packedLen(n, 2)
	if len(data)-pos < codesLen {
		return blk, pos, fmt.Errorf("%w: decodeChannel: truncated code stream (%d of %d bytes)", ErrMalformed, len(data)-pos, codesLen)
	}
	if blk.codes, err = unpackBits(data[pos:pos+codesLen], 2, n); err != nil {
		return blk, pos, err
	}
	pos += codesLen

	literals := 0
	for _, c := range blk.codes {
		if PredictionCode(c) == Literal {
			literals++
		}
	}
	residualLen := packedLen(literals, blk.distBits)
	if len(data)-pos < residualLen {
		return blk, pos, fmt.Errorf("%w: decodeChannel: truncated residual stream (%d of %d bytes)", ErrMalformed, len(data)-pos, residualLen)
	}
	if blk.residuals, err = unpackBits(data[pos:pos+residualLen], blk.distBits, literals); err != nil {
		return blk, pos, err
	}
	pos += residualLen

	return blk, pos, nil
}

// expand rebuilds the samples in raster order. Every position is written
// exactly once and predicted positions only read positions already written.
func (blk *channelBlock) expand() (Channel, error) {
	samples := make([]uint8, blk.width*blk.height)
	r := 0
	for i, c := range blk.codes {
		code := PredictionCode(c)
		if code == Literal {
			v := int(blk.residuals[r]) + int(blk.minDist)
			r++
			if v > math.MaxUint8 {
				return Channel{}, fmt.Errorf("%w: decodeChannel: literal %d at position %d exceeds sample range", ErrMalformed, v, i)
			}
			samples[i] = uint8(v)
			continue
		}
		j1, j2, ok := neighbours(code, i, blk.width)
		if !ok {
			return Channel{}, fmt.Errorf("%w: decodeChannel: %s prediction at position %d has no neighbours", ErrMalformed, code, i)
		}
		samples[i] = reconstruct(code, samples[j1], samples[j2])
	}
	return Channel{Width: blk.width, Height: blk.height, Samples: samples}, nil
}

// decodeChannel decodes the channel block at pos and returns the channel
// together with the position of the next block.
func decodeChannel(data []byte, pos int) (Channel, int, error) {
	blk, next, err := parseChannelBlock(data, pos)
	if err != nil {
		return Channel{}, next, err
	}
	ch, err := blk.expand()
	if err != nil {
		return Channel{}, next, err
	}
	return ch, next, nil
}
