package shutter

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// 16-bit mono 44.1kHz, two samples of silence.
var wavClip = []byte{
	0x52, 0x49, 0x46, 0x46, // RIFF
	0x28, 0x00, 0x00, 0x00, // ChunkSize
	0x57, 0x41, 0x56, 0x45, // WAVE
	0x66, 0x6D, 0x74, 0x20, // fmt
	0x10, 0x00, 0x00, 0x00, // Subchunk1Size
	0x01, 0x00, // PCM
	0x01, 0x00, // NumChannels
	0x44, 0xAC, 0x00, 0x00, // SampleRate
	0x88, 0x58, 0x01, 0x00, // ByteRate
	0x02, 0x00, // BlockAlign
	0x10, 0x00, // BitsPerSample
	0x64, 0x61, 0x74, 0x61, // data
	0x04, 0x00, 0x00, 0x00, // Subchunk2Size
	0x00, 0x00, 0x00, 0x00,
}

func pcm16(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func samples16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestDecodeWAV(t *testing.T) {
	pcm, err := Decode("click.WAV", wavClip)
	if err != nil {
		t.Fatalf("Failed to decode wav: %v", err)
	}
	// Mono is duplicated into both channels.
	if len(pcm) != 8 {
		t.Errorf("Expected 8 bytes of stereo PCM, got %d", len(pcm))
	}
}

func TestDecodeRejects8BitWAV(t *testing.T) {
	clip := append([]byte(nil), wavClip...)
	clip[34] = 0x08
	_, err := Decode("click.wav", clip)
	if err == nil || !strings.Contains(err.Error(), "16-bit") {
		t.Errorf("Expected 16-bit error, got %v", err)
	}
}

func TestDecodeUnsupported(t *testing.T) {
	if _, err := Decode("click.ogg", []byte("OggS")); err == nil {
		t.Error("Expected error for ogg file")
	}
}

func TestConvertMonoToStereo(t *testing.T) {
	got := samples16(convertAudio(pcm16(1, -2, 3), 44100, 1, 44100, 2))
	want := []int16{1, 1, -2, -2, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestConvertUpsample(t *testing.T) {
	got := samples16(convertAudio(pcm16(0, 100), 22050, 1, 44100, 2))
	want := []int16{0, 0, 50, 50, 100, 100, 100, 100}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shutter.wav")
	if err := os.WriteFile(path, wavClip, 0644); err != nil {
		t.Fatalf("Failed to write clip: %v", err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load clip: %v", err)
	}
	if s.Duration() <= 0 {
		t.Errorf("Expected positive duration, got %v", s.Duration())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("Expected error for missing file")
	}
}
