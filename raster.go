package main

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// FieldFromImage splits img into channels: grey images give one channel,
// opaque colour images three (R, G, B) and everything else four (R, G, B, A,
// non-premultiplied).
func FieldFromImage(img image.Image) *Field {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		f := NewField(w, h, 1)
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			copy(f.Channels[0].Samples[y*w:], row)
		}
		return f
	case *image.Gray16:
		f := NewField(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Channels[0].Samples[y*w+x] = uint8(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y >> 8)
			}
		}
		return f
	}

	channels := 4
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		channels = 3
	}
	f := NewField(w, h, channels)

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride:]
			for x := 0; x < w; x++ {
				for c := 0; c < channels; c++ {
					f.Channels[c].Samples[y*w+x] = row[4*x+c]
				}
			}
		}
		return f
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			px := [4]uint8{c.R, c.G, c.B, c.A}
			for i := 0; i < channels; i++ {
				f.Channels[i].Samples[y*w+x] = px[i]
			}
		}
	}
	return f
}

// Image merges the channels back into a raster. One channel gives a grey
// image, two are treated as luminance plus alpha, three as opaque RGB and
// four as non-premultiplied RGBA.
func (f *Field) Image() (image.Image, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	w, h := f.Width, f.Height
	rect := image.Rect(0, 0, w, h)

	if len(f.Channels) == 1 {
		dst := image.NewGray(rect)
		for y := 0; y < h; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], f.Channels[0].Samples[y*w:(y+1)*w])
		}
		return dst, nil
	}

	dst := image.NewNRGBA(rect)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			o := row[4*x : 4*x+4 : 4*x+4]
			switch len(f.Channels) {
			case 2:
				l := f.Channels[0].Samples[i]
				o[0], o[1], o[2], o[3] = l, l, l, f.Channels[1].Samples[i]
			case 3:
				o[0], o[1], o[2], o[3] = f.Channels[0].Samples[i], f.Channels[1].Samples[i], f.Channels[2].Samples[i], 0xff
			default:
				o[0], o[1], o[2], o[3] = f.Channels[0].Samples[i], f.Channels[1].Samples[i], f.Channels[2].Samples[i], f.Channels[3].Samples[i]
			}
		}
	}
	return dst, nil
}

// loadField decodes the raster at path (PNG, JPEG, GIF, BMP, TIFF or WebP).
func loadField(path string) (*Field, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	img, format, err := image.Decode(in)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	f := FieldFromImage(img)
	Logger().Debug("raster loaded", "path", path, "format", format,
		"width", f.Width, "height", f.Height, "channels", len(f.Channels))
	return f, nil
}

// saveField writes f to path as PNG.
func saveField(f *Field, path string) error {
	img, err := f.Image()
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
