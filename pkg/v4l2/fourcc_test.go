package v4l2

import "testing"

func TestFourCCString(t *testing.T) {
	tests := []struct {
		code uint32
		want string
	}{
		{PixFmtYUYV, "YUYV"},
		{PixFmtNV12, "NV12"},
		{PixFmtMJPEG, "MJPG"},
		{PixFmtRGB24, "RGB3"},
		{PixFmtXBGR32, "XR24"},
		{0, "0x00000000"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FourCCString(tt.code); got != tt.want {
				t.Errorf("FourCCString(0x%08X) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestFourCCCode(t *testing.T) {
	code, err := FourCCCode("YUYV")
	if err != nil {
		t.Fatalf("FourCCCode failed: %v", err)
	}
	if code != PixFmtYUYV {
		t.Errorf("Expected 0x%08X, got 0x%08X", PixFmtYUYV, code)
	}
	if _, err := FourCCCode("RGB"); err == nil {
		t.Error("Expected an error for a three character code")
	}
}
