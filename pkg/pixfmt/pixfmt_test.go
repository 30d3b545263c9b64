package pixfmt

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestPackedFormats(t *testing.T) {
	red := color.NRGBA{R: 0xff, A: 0xff}
	tests := []struct {
		format string
		pixel  []byte
		want   color.NRGBA
	}{
		{"BGRA", []byte{0x00, 0x00, 0xff, 0x80}, color.NRGBA{R: 0xff, A: 0x80}},
		{"AR24", []byte{0x00, 0x00, 0xff, 0xff}, red},
		{"BGRx", []byte{0x00, 0x00, 0xff, 0x00}, red},
		{"XR24", []byte{0x00, 0x00, 0xff, 0x12}, red},
		{"ARGB", []byte{0xff, 0xff, 0x00, 0x00}, red},
		{"RGB3", []byte{0xff, 0x00, 0x00}, red},
		{"BGR3", []byte{0x00, 0x00, 0xff}, red},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			// 2x2 image with padded rows; only (1, 1) is set.
			bpp := len(tt.pixel)
			stride := 2*bpp + 3
			data := make([]byte, stride*2)
			copy(data[stride+bpp:], tt.pixel)

			img, err := ToImage(tt.format, 2, 2, stride, data)
			if err != nil {
				t.Fatalf("Failed to convert: %v", err)
			}
			if got := At(img, 1, 1); got != tt.want {
				t.Errorf("Expected %v at (1,1), got %v", tt.want, got)
			}
			if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
				t.Errorf("Expected 2x2 bounds, got %v", b)
			}
		})
	}
}

func TestYUYV(t *testing.T) {
	// One row of two pixels: Y0=16 (black), Y1=235 (white), neutral chroma.
	data := []byte{16, 128, 235, 128}
	img, err := ToImage("YUYV", 2, 1, 0, data)
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	ycc, ok := img.(*image.YCbCr)
	if !ok {
		t.Fatalf("Expected *image.YCbCr, got %T", img)
	}
	if ycc.SubsampleRatio != image.YCbCrSubsampleRatio422 {
		t.Errorf("Expected 4:2:2, got %v", ycc.SubsampleRatio)
	}
	if c := ycc.YCbCrAt(0, 0); c.Y != 16 || c.Cb != 128 {
		t.Errorf("Unexpected first pixel %v", c)
	}
	if c := ycc.YCbCrAt(1, 0); c.Y != 235 || c.Cr != 128 {
		t.Errorf("Unexpected second pixel %v", c)
	}
}

func TestNV12(t *testing.T) {
	const w, h, stride = 4, 2, 6
	data := make([]byte, stride*h+stride*1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*stride+x] = byte(10*y + x)
		}
	}
	uv := data[stride*h:]
	uv[0], uv[1], uv[2], uv[3] = 100, 200, 110, 210

	img, err := ToImage("NV12", w, h, stride, data)
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	ycc := img.(*image.YCbCr)
	if c := ycc.YCbCrAt(3, 1); c.Y != 13 || c.Cb != 110 || c.Cr != 210 {
		t.Errorf("Unexpected pixel (3,1): %v", c)
	}
	if c := ycc.YCbCrAt(0, 0); c.Y != 0 || c.Cb != 100 || c.Cr != 200 {
		t.Errorf("Unexpected pixel (0,0): %v", c)
	}
}

func TestGreyAndYUV3(t *testing.T) {
	img, err := ToImage("GREY", 2, 1, 0, []byte{7, 9})
	if err != nil {
		t.Fatalf("Failed to convert GREY: %v", err)
	}
	if g := img.(*image.Gray).GrayAt(1, 0); g.Y != 9 {
		t.Errorf("Expected 9, got %d", g.Y)
	}

	img, err = ToImage("YUV3", 1, 1, 0, []byte{50, 60, 70})
	if err != nil {
		t.Fatalf("Failed to convert YUV3: %v", err)
	}
	if c := img.(*image.YCbCr).YCbCrAt(0, 0); c != (color.YCbCr{Y: 50, Cb: 60, Cr: 70}) {
		t.Errorf("Unexpected pixel %v", c)
	}
}

func TestMJPG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	img, err := ToImage("MJPG", 0, 0, 0, buf.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Errorf("Expected 8x8, got %v", b)
	}
	if _, err := ToImage("MJPG", 0, 0, 0, []byte("nope")); err == nil {
		t.Error("Expected an error for garbage MJPG data")
	}
}

func TestErrors(t *testing.T) {
	if _, err := ToImage("BGRA", 2, 2, 0, make([]byte, 15)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("Expected ErrShortBuffer, got %v", err)
	}
	if _, err := ToImage("NV12", 4, 4, 0, make([]byte, 16)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("Expected ErrShortBuffer for NV12, got %v", err)
	}
	if _, err := ToImage("H264", 2, 2, 0, make([]byte, 64)); err == nil {
		t.Error("Expected an error for an unsupported format")
	}
	if _, err := ToImage("BGRA", 0, 2, 0, nil); err == nil {
		t.Error("Expected an error for a zero width")
	}
}
