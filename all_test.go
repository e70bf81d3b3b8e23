package main

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// -----------------------------
// Fixtures
// -----------------------------

// sdfFixture builds a field whose channels are signed distances to circles
// centred on integer pixels, offset to 128 and clamped to a byte.
func sdfFixture(w, h, channels int) *Field {
	f := NewField(w, h, channels)
	for c := range f.Channels {
		cx := float64(w/3 + c*w/5)
		cy := float64(h/2 - c*h/7)
		r := float64(min(w, h)/4 + c)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := math.Hypot(float64(x)-cx, float64(y)-cy) - r
				v := max(0, min(255, int(math.Round(128+d))))
				f.Channels[c].Samples[y*w+x] = uint8(v)
			}
		}
	}
	return f
}

// noiseFixture fills every channel with a deterministic pattern that has no
// distance-field structure, so most pixels end up literal.
func noiseFixture(w, h, channels int) *Field {
	f := NewField(w, h, channels)
	for c := range f.Channels {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Channels[c].Samples[y*w+x] = uint8((x*17)^(y*31)) + uint8(c*43)
			}
		}
	}
	return f
}

func requireEqualField(t *testing.T, got, want *Field) {
	t.Helper()
	if got.Width != want.Width || got.Height != want.Height || len(got.Channels) != len(want.Channels) {
		t.Fatalf("geometry mismatch: got %dx%dx%d want %dx%dx%d",
			got.Width, got.Height, len(got.Channels), want.Width, want.Height, len(want.Channels))
	}
	for c := range want.Channels {
		if i := firstDiff(got.Channels[c].Samples, want.Channels[c].Samples); i >= 0 {
			t.Fatalf("channel %d differs at %d: got %d want %d",
				c, i, got.Channels[c].Samples[i], want.Channels[c].Samples[i])
		}
	}
}

func firstDiff(a, b []uint8) int {
	if len(a) != len(b) {
		return 0
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

// framed returns the container bytes before the lossless stage.
func framed(t *testing.T, comp []byte) []byte {
	t.Helper()
	payload, err := NewDecoder().decompress(comp)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	return slices.Clone(payload)
}

// -----------------------------
// Unit tests
// -----------------------------

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name        string
		field       *Field
		compression Compression
		parallel    bool
	}{
		{name: "sdf_1ch", field: sdfFixture(64, 48, 1), parallel: true},
		{name: "sdf_2ch", field: sdfFixture(33, 17, 2), parallel: true},
		{name: "sdf_3ch_serial", field: sdfFixture(40, 40, 3), parallel: false},
		{name: "sdf_4ch", field: sdfFixture(31, 29, 4), parallel: true},
		{name: "noise_3ch", field: noiseFixture(23, 19, 3), parallel: true},
		{name: "single_pixel", field: sdfFixture(1, 1, 1), parallel: true},
		{name: "single_row", field: sdfFixture(50, 1, 1), parallel: true},
		{name: "single_column", field: sdfFixture(1, 50, 2), parallel: true},
		{name: "zlib", field: sdfFixture(32, 32, 3), compression: CompressionZlib, parallel: true},
		{name: "xz", field: sdfFixture(32, 32, 3), compression: CompressionXZ, parallel: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enc := NewEncoder()
			enc.Parallel = tc.parallel
			enc.Compression = tc.compression
			comp, err := enc.Encode(tc.field)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(comp) == 0 {
				t.Fatalf("Encode returned empty payload")
			}

			dec := NewDecoder()
			dec.Parallel = tc.parallel
			got, err := dec.Decode(comp)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			requireEqualField(t, got, tc.field)
		})
	}
}

func TestEncodeDecode_MultiChannelScenario(t *testing.T) {
	f := sdfFixture(4, 4, 3)
	comp, err := Encode(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if raw := framed(t, comp); raw[0] != 3 {
		t.Fatalf("channel_count byte = %d, want 3", raw[0])
	}
	got, err := Decode(comp)
	if err != nil {
		t.Fatal(err)
	}
	requireEqualField(t, got, f)
}

func TestEncodeDecode_TwoByTwoZeros(t *testing.T) {
	f := NewField(2, 2, 1)
	enc := NewEncoder()
	comp, err := enc.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	st := enc.LastStats()
	if len(st.Channels) != 1 || st.Channels[0].Literals() != 4 || st.Channels[0].DistBits != 8 {
		t.Fatalf("stats %+v", st)
	}
	if st.FramedSize != 1+channelHeaderSize+1+4 || st.CompressedSize != len(comp) {
		t.Fatalf("sizes %+v", st)
	}
	got, err := Decode(comp)
	if err != nil {
		t.Fatal(err)
	}
	requireEqualField(t, got, f)
}

func TestEncodeDecode_NonZeroMinimum(t *testing.T) {
	f := noiseFixture(16, 16, 2)
	for c := range f.Channels {
		for i, s := range f.Channels[c].Samples {
			f.Channels[c].Samples[i] = 60 + s/2
		}
	}
	comp, err := Encode(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(comp)
	if err != nil {
		t.Fatal(err)
	}
	requireEqualField(t, got, f)
}

func TestEncode_HeaderConsistency(t *testing.T) {
	f := noiseFixture(20, 10, 4)
	f.Channels[0].Samples[0], f.Channels[0].Samples[1] = 0, 255
	comp, err := Encode(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	raw := framed(t, comp)
	pos := 1
	for c := range f.Channels {
		blk, next, err := parseChannelBlock(raw, pos)
		if err != nil {
			t.Fatal(err)
		}
		lo, hi := slices.Min(f.Channels[c].Samples), slices.Max(f.Channels[c].Samples)
		wantBits := uint8(8)
		if int(hi)-int(lo) > 255 {
			wantBits = 16
		}
		if blk.distBits != wantBits || blk.minDist != uint16(lo) {
			t.Fatalf("channel %d: dist_bits %d min_dist %d, want %d %d", c, blk.distBits, blk.minDist, wantBits, lo)
		}
		if blk.width != 20 || blk.height != 10 {
			t.Fatalf("channel %d: %dx%d", c, blk.width, blk.height)
		}
		pos = next
	}
	if pos != len(raw) {
		t.Fatalf("cursor %d, payload %d", pos, len(raw))
	}
}

func TestEncodeDecode_LossyBound(t *testing.T) {
	src := sdfFixture(48, 40, 2)
	for _, maxError := range []int{1, 10, 50, 400} {
		enc := NewEncoder()
		enc.MaxError = maxError
		comp, err := enc.Encode(src)
		if err != nil {
			t.Fatalf("E=%d: Encode: %v", maxError, err)
		}
		got, err := Decode(comp)
		if err != nil {
			t.Fatalf("E=%d: Decode: %v", maxError, err)
		}

		bound := int(math.Ceil(math.Sqrt(float64(maxError)))) + 1
		raw := framed(t, comp)
		pos := 1
		for c := range src.Channels {
			blk, next, err := parseChannelBlock(raw, pos)
			if err != nil {
				t.Fatal(err)
			}
			pos = next
			for i, code := range blk.codes {
				want := int(src.Channels[c].Samples[i])
				have := int(got.Channels[c].Samples[i])
				if PredictionCode(code) == Literal && have != want {
					t.Fatalf("E=%d channel %d: literal %d decoded %d, want %d", maxError, c, i, have, want)
				}
				if absInt(have-want) > bound {
					t.Fatalf("E=%d channel %d: pixel %d off by %d (bound %d)", maxError, c, i, absInt(have-want), bound)
				}
			}
		}
	}
}

func TestDecode_TruncatedStream(t *testing.T) {
	src := sdfFixture(24, 24, 3)
	for _, c := range []Compression{CompressionZstd, CompressionZlib, CompressionXZ} {
		t.Run(c.String(), func(t *testing.T) {
			enc := NewEncoder()
			enc.Compression = c
			comp, err := enc.Encode(src)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(comp[:len(comp)-1])
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if got != nil {
				t.Fatalf("expected no field on failure")
			}
		})
	}
}

func TestDecode_TruncatedContainer(t *testing.T) {
	comp, err := Encode(sdfFixture(24, 24, 3), 0)
	if err != nil {
		t.Fatal(err)
	}
	raw := framed(t, comp)

	for _, n := range []int{1, 5, len(raw) / 2, len(raw) - 1} {
		_, err := Decode(compressZstd(raw[:n]))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("container truncated to %d: expected ErrMalformed, got %v", n, err)
		}
		if errors.Is(err, ErrLossless) {
			t.Fatalf("container truncated to %d: blamed on lossless stage: %v", n, err)
		}
	}

	_, err = Decode(compressZstd(append(slices.Clone(raw), 0)))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("trailing byte: expected ErrMalformed, got %v", err)
	}
}

func TestDecode_BadChannelCount(t *testing.T) {
	raw := framed(t, mustEncode(t, sdfFixture(8, 8, 1)))
	for _, n := range []byte{0, 5, 255} {
		bad := slices.Clone(raw)
		bad[0] = n
		_, err := Decode(compressZstd(bad))
		if !errors.Is(err, ErrMalformed) || !errors.Is(err, ErrChannelCount) {
			t.Fatalf("channel_count %d: got %v", n, err)
		}
	}
}

func TestDecode_MismatchedChannelGeometry(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(2)
	if _, err := encodeChannel(&buf, make([]uint8, 6), 3, 2, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := encodeChannel(&buf, make([]uint8, 6), 2, 3, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(compressZstd(buf.Bytes())); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncode_InvalidField(t *testing.T) {
	tooMany := sdfFixture(4, 4, 4)
	tooMany.Channels = append(tooMany.Channels, tooMany.Channels[0])
	ragged := sdfFixture(4, 4, 2)
	ragged.Channels[1].Samples = ragged.Channels[1].Samples[:15]

	for _, tc := range []struct {
		name  string
		field *Field
		want  error
	}{
		{name: "nil", field: nil, want: ErrGeometry},
		{name: "no_channels", field: &Field{Width: 4, Height: 4}, want: ErrChannelCount},
		{name: "five_channels", field: tooMany, want: ErrChannelCount},
		{name: "zero_width", field: NewField(0, 4, 1), want: ErrGeometry},
		{name: "too_tall", field: NewField(1, math.MaxUint16+1, 1), want: ErrGeometry},
		{name: "ragged", field: ragged, want: ErrGeometry},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(tc.field, 0); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	enc := NewEncoder()
	enc.MaxError = -1
	if _, err := enc.Encode(sdfFixture(4, 4, 1)); err == nil {
		t.Fatal("expected error for negative max error")
	}
}

func TestEncoderDecoder_Reuse(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()
	for _, f := range []*Field{sdfFixture(30, 20, 3), sdfFixture(5, 7, 1), noiseFixture(16, 16, 4)} {
		var buf bytes.Buffer
		if err := enc.EncodeTo(&buf, f); err != nil {
			t.Fatal(err)
		}
		got, err := dec.DecodeFrom(&buf)
		if err != nil {
			t.Fatal(err)
		}
		requireEqualField(t, got, f)
	}
}

func TestCLI_EncodeDecodeFiles(t *testing.T) {
	dir := t.TempDir()
	src := sdfFixture(40, 30, 3)
	inPath := filepath.Join(dir, "atlas.png")
	if err := saveField(src, inPath); err != nil {
		t.Fatal(err)
	}

	enc := NewEncoder()
	if err := encodeToComp(enc, inPath, inPath+".comp"); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := decodeComp(inPath+".comp", inPath+".comp.png"); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, err := loadField(inPath + ".comp.png")
	if err != nil {
		t.Fatal(err)
	}
	requireEqualField(t, got, src)

	if err := encodeToComp(enc, filepath.Join(dir, "missing.png"), filepath.Join(dir, "x.comp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func mustEncode(t testing.TB, f *Field) []byte {
	t.Helper()
	comp, err := Encode(f, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return comp
}
