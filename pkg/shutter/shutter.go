// Package shutter plays a short sound, typically a camera shutter click,
// when a snapshot is taken. WAV and MP3 files are supported.
package shutter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
	"github.com/youpy/go-wav"
)

// Output format of the shared audio context.
const (
	sampleRate   = 44100
	channelCount = 2
)

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func audioContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channelCount,
			Format:       oto.FormatSignedInt16LE,
		}
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(op)
		if otoErr != nil {
			otoErr = fmt.Errorf("failed to create oto context: %w", otoErr)
			return
		}
		<-ready
	})
	return otoCtx, otoErr
}

// Sound is a decoded clip, converted to 44.1 kHz stereo.
type Sound struct {
	name string
	pcm  []byte

	mu sync.Mutex
}

// Load reads and decodes the sound file at path.
func Load(path string) (*Sound, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sound file: %w", err)
	}
	pcm, err := Decode(filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	return &Sound{name: filepath.Base(path), pcm: pcm}, nil
}

// Decode turns WAV or MP3 data into 16-bit little-endian 44.1 kHz stereo
// PCM. The format is taken from the file extension of name.
func Decode(name string, data []byte) ([]byte, error) {
	var (
		pcm      []byte
		rate     int
		channels int
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		format, err := wav.NewReader(bytes.NewReader(data)).Format()
		if err != nil {
			return nil, fmt.Errorf("failed to get wav format from %s: %w", name, err)
		}
		if format.BitsPerSample != 16 {
			return nil, fmt.Errorf("%s: only 16-bit wav is supported, got %d bits", name, format.BitsPerSample)
		}
		pcm, err = io.ReadAll(wav.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode wav data from %s: %w", name, err)
		}
		rate, channels = int(format.SampleRate), int(format.NumChannels)

	case ".mp3":
		decoder, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create mp3 decoder for %s: %w", name, err)
		}
		pcm, err = io.ReadAll(decoder)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mp3 data from %s: %w", name, err)
		}
		rate, channels = decoder.SampleRate(), 2

	default:
		return nil, fmt.Errorf("unsupported sound file %s", name)
	}

	if rate != sampleRate || channels != channelCount {
		pcm = convertAudio(pcm, rate, channels, sampleRate, channelCount)
	}
	return pcm, nil
}

// Duration is the playing time of the clip.
func (s *Sound) Duration() time.Duration {
	frames := len(s.pcm) / (2 * channelCount)
	return time.Duration(frames) * time.Second / sampleRate
}

// Play plays the clip and returns when it has finished or ctx is done.
// Overlapping calls are serialized.
func (s *Sound) Play(ctx context.Context) error {
	if len(s.pcm) == 0 {
		return nil
	}
	octx, err := audioContext()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	player := octx.NewPlayer(bytes.NewReader(s.pcm))
	defer player.Close()
	player.Play()
	slog.Debug("Playing shutter sound", "name", s.name)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// convertAudio converts 16-bit PCM between sample rates and from mono to
// stereo, interpolating linearly between frames.
func convertAudio(pcm []byte, fromRate, fromChannels, toRate, toChannels int) []byte {
	count := len(pcm) / 2
	samples := make([]int16, count)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	if fromChannels == 1 && toChannels == 2 {
		stereo := make([]int16, count*2)
		for i, s := range samples {
			stereo[i*2], stereo[i*2+1] = s, s
		}
		samples = stereo
	}

	if fromRate != toRate && fromRate > 0 && len(samples) >= toChannels {
		frames := len(samples) / toChannels
		ratio := float64(toRate) / float64(fromRate)
		outFrames := int(float64(frames) * ratio)
		out := make([]int16, outFrames*toChannels)
		for i := 0; i < outFrames; i++ {
			pos := float64(i) / ratio
			idx := int(pos)
			frac := pos - float64(idx)
			for ch := 0; ch < toChannels; ch++ {
				a := samples[min(idx, frames-1)*toChannels+ch]
				b := samples[min(idx+1, frames-1)*toChannels+ch]
				out[i*toChannels+ch] = int16(float64(a) + (float64(b)-float64(a))*frac)
			}
		}
		samples = out
	}

	result := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(result[i*2:], uint16(s))
	}
	return result
}
