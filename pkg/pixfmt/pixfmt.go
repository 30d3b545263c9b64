// Package pixfmt turns raw frame bytes into image.Image values for the
// formats the capture backends deliver.
package pixfmt

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

var ErrShortBuffer = errors.New("pixfmt: buffer too small for frame")

// Supported lists the four-character codes ToImage understands.
var Supported = []string{
	"BGRA", "BGRx", "AR24", "XR24", "ARGB",
	"RGB3", "BGR3", "YUYV", "YUV3", "NV12", "420v", "420f",
	"GREY", "MJPG",
}

// ToImage converts a frame to an image. stride is the byte length of one row
// (of the luma plane for planar formats); zero means tightly packed. The
// result never aliases data.
func ToImage(format string, width, height, stride int, data []byte) (image.Image, error) {
	if format == "MJPG" {
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("pixfmt: decode MJPG frame: %w", err)
		}
		return img, nil
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pixfmt: invalid size %dx%d", width, height)
	}

	switch format {
	case "BGRA", "AR24":
		return packed4(data, width, height, stride, 2, 1, 0, 3)
	case "BGRx", "XR24":
		return packed4(data, width, height, stride, 2, 1, 0, -1)
	case "ARGB":
		return packed4(data, width, height, stride, 1, 2, 3, 0)
	case "RGB3":
		return packed3(data, width, height, stride, 0, 1, 2)
	case "BGR3":
		return packed3(data, width, height, stride, 2, 1, 0)
	case "YUYV":
		return yuyv(data, width, height, stride)
	case "YUV3":
		return yuv444(data, width, height, stride)
	case "NV12", "420v", "420f":
		return nv12(data, width, height, stride)
	case "GREY":
		return grey(data, width, height, stride)
	default:
		return nil, fmt.Errorf("pixfmt: unsupported pixel format %q", format)
	}
}

func rows(data []byte, height, stride, rowBytes int) (int, error) {
	if stride <= 0 {
		stride = rowBytes
	}
	if stride < rowBytes || len(data) < stride*(height-1)+rowBytes {
		return 0, ErrShortBuffer
	}
	return stride, nil
}

// packed4 reads four bytes per pixel; a is -1 for formats without alpha.
func packed4(data []byte, width, height, stride, r, g, b, a int) (image.Image, error) {
	stride, err := rows(data, height, stride, width*4)
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := data[y*stride:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			s, d := src[x*4:x*4+4], dst[x*4:x*4+4]
			d[0], d[1], d[2], d[3] = s[r], s[g], s[b], 0xff
			if a >= 0 {
				d[3] = s[a]
			}
		}
	}
	return img, nil
}

func packed3(data []byte, width, height, stride, r, g, b int) (image.Image, error) {
	stride, err := rows(data, height, stride, width*3)
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := data[y*stride:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			s, d := src[x*3:x*3+3], dst[x*4:x*4+4]
			d[0], d[1], d[2], d[3] = s[r], s[g], s[b], 0xff
		}
	}
	return img, nil
}

// yuyv unpacks Y0 U Y1 V pairs into a 4:2:2 YCbCr image.
func yuyv(data []byte, width, height, stride int) (image.Image, error) {
	stride, err := rows(data, height, stride, (width+1)/2*4)
	if err != nil {
		return nil, err
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := data[y*stride:]
		for x := 0; x < width; x += 2 {
			si := x * 2
			img.Y[y*img.YStride+x] = row[si]
			if x+1 < width {
				img.Y[y*img.YStride+x+1] = row[si+2]
			}
			ci := y*img.CStride + x/2
			img.Cb[ci] = row[si+1]
			img.Cr[ci] = row[si+3]
		}
	}
	return img, nil
}

func yuv444(data []byte, width, height, stride int) (image.Image, error) {
	stride, err := rows(data, height, stride, width*3)
	if err != nil {
		return nil, err
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio444)
	for y := 0; y < height; y++ {
		row := data[y*stride:]
		for x := 0; x < width; x++ {
			i := y*img.YStride + x
			img.Y[i], img.Cb[i], img.Cr[i] = row[x*3], row[x*3+1], row[x*3+2]
		}
	}
	return img, nil
}

// nv12 reads a full-resolution luma plane followed by interleaved CbCr at
// half resolution, both with the same stride.
func nv12(data []byte, width, height, stride int) (image.Image, error) {
	if stride <= 0 {
		stride = width
	}
	cw, ch := (width+1)/2, (height+1)/2
	if stride < width || len(data) < stride*height+stride*(ch-1)+cw*2 {
		return nil, ErrShortBuffer
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	for y := 0; y < height; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+width], data[y*stride:])
	}
	uv := data[stride*height:]
	for y := 0; y < ch; y++ {
		row := uv[y*stride:]
		for x := 0; x < cw; x++ {
			img.Cb[y*img.CStride+x] = row[x*2]
			img.Cr[y*img.CStride+x] = row[x*2+1]
		}
	}
	return img, nil
}

func grey(data []byte, width, height, stride int) (image.Image, error) {
	stride, err := rows(data, height, stride, width)
	if err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+width], data[y*stride:])
	}
	return img, nil
}

// At is a convenience for tests and tools: the colour at (x, y) as NRGBA.
func At(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}
