package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

const usage = "Encode: sdfvdt encode <image-path> [max-error] [zstd|zlib|xz]\nDecode: sdfvdt decode <compressed-path>\n"

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	level := slog.LevelWarn
	if os.Getenv("SDFVDT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var err error
	switch os.Args[1] {
	case "encode":
		err = runEncode(os.Args[2:])
	case "decode":
		if len(os.Args) != 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(1)
		}
		err = runDecode(os.Args[2])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func runEncode(args []string) error {
	if len(args) > 3 {
		return fmt.Errorf("too many arguments\n%s", usage)
	}
	enc := NewEncoder()
	if len(args) >= 2 {
		e, err := strconv.Atoi(args[1])
		if err != nil || e < 0 {
			return fmt.Errorf("max-error must be a non-negative integer, got %q", args[1])
		}
		enc.MaxError = e
	}
	if len(args) == 3 {
		c, err := ParseCompression(args[2])
		if err != nil {
			return err
		}
		enc.Compression = c
	}

	inPath := args[0]
	outPath := inPath + ".comp"
	if err := encodeToComp(enc, inPath, outPath); err != nil {
		return err
	}
	fmt.Printf("Encoded %s (max-error=%d, %s) → %s\n", inPath, enc.MaxError, enc.Compression, outPath)
	return nil
}

func runDecode(inPath string) error {
	outPath := inPath + ".png"
	if err := decodeComp(inPath, outPath); err != nil {
		return err
	}
	fmt.Printf("Decoded %s → %s\n", inPath, outPath)
	return nil
}

func encodeToComp(enc *Encoder, inPath, outPath string) error {
	info, err := os.Stat(inPath)
	if err != nil {
		return err
	}
	f, err := loadField(inPath)
	if err != nil {
		return err
	}
	fmt.Printf("original size: %d bytes\n", info.Size())
	fmt.Printf("raw sample size: %d bytes (%dx%d, %d channels)\n", f.RawSize(), f.Width, f.Height, len(f.Channels))

	comp, err := enc.Encode(f)
	if err != nil {
		return err
	}
	st := enc.LastStats()
	for i, cs := range st.Channels {
		fmt.Printf("channel %d: literal=%d left=%d above=%d diagonal=%d\n",
			i, cs.Codes[Literal], cs.Codes[FromLeft], cs.Codes[FromAbove], cs.Codes[FromDiagonal])
	}
	fmt.Printf("framed size: %d bytes\n", st.FramedSize)
	fmt.Printf("compressed size: %d bytes (%.2f%% of original)\n", len(comp), ratio(len(comp), info.Size()))

	return os.WriteFile(outPath, comp, 0o644)
}

func decodeComp(inPath, outPath string) error {
	compData, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}

	f, err := Decode(compData)
	if err != nil {
		return err
	}
	fmt.Printf("compressed size: %d bytes\n", len(compData))
	fmt.Printf("decoded size: %d bytes (%dx%d, %d channels, %.2f%% compressed/raw)\n",
		f.RawSize(), f.Width, f.Height, len(f.Channels), ratio(len(compData), int64(f.RawSize())))

	return saveField(f, outPath)
}

func ratio(part int, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
