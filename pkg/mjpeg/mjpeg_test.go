package mjpeg

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"testing"
	"testing/iotest"
)

func fakeJPEG(payload string) []byte {
	b := append([]byte{0xFF, 0xD8}, payload...)
	return append(b, 0xFF, 0xD9)
}

func TestScannerSplitsStream(t *testing.T) {
	first := fakeJPEG("first")
	second := fakeJPEG("second")

	var stream bytes.Buffer
	stream.WriteString("noise before the first image")
	stream.Write(first)
	stream.Write(second)
	stream.Write([]byte{0xFF, 0xD8, 'c', 'u', 't'}) // truncated tail

	tests := []struct {
		name string
		r    io.Reader
	}{
		{"whole", bytes.NewReader(stream.Bytes())},
		{"one byte reads", iotest.OneByteReader(bytes.NewReader(stream.Bytes()))},
		{"data with EOF", iotest.DataErrReader(bytes.NewReader(stream.Bytes()))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanner(tt.r)
			for i, want := range [][]byte{first, second} {
				got, err := s.Next()
				if err != nil {
					t.Fatalf("Failed to read frame %d: %v", i, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("Frame %d: expected %q, got %q", i, want, got)
				}
			}
			if _, err := s.Next(); !errors.Is(err, io.EOF) {
				t.Errorf("Expected io.EOF after the last image, got %v", err)
			}
		})
	}
}

func TestScannerFrameTooLarge(t *testing.T) {
	huge := make([]byte, MaxFrameSize+readChunkSize)
	huge[0], huge[1] = 0xFF, 0xD8
	stream := append(huge, fakeJPEG("ok")...)

	s := NewScanner(bytes.NewReader(stream))
	if _, err := s.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
	}
	got, err := s.Next()
	if err != nil {
		t.Fatalf("Failed to resynchronize: %v", err)
	}
	if !bytes.Equal(got, fakeJPEG("ok")) {
		t.Errorf("Expected the image after the oversized one, got %q", got)
	}
}

func TestWriterProducesMultipart(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	frames := [][]byte{fakeJPEG("a"), fakeJPEG("bb")}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
	}
	out.WriteString("--" + Boundary + "--\r\n")

	mediaType, params, err := mime.ParseMediaType(ContentType)
	if err != nil {
		t.Fatalf("Failed to parse content type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" {
		t.Errorf("Unexpected media type %s", mediaType)
	}

	mr := multipart.NewReader(&out, params["boundary"])
	for i, want := range frames {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("Failed to read part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Part %d: expected image/jpeg, got %s", i, ct)
		}
		got, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("Failed to read part body: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Part %d: expected %q, got %q", i, want, got)
		}
	}
}
