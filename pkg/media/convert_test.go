package media_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/liveinterview/pkg/media"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(media.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestDownmixMono(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "stereo", in: []int16{100, 200, -100, -200}, channels: 2, want: []int16{150, -150}},
		{name: "clamped", in: []int16{32767, 32767}, channels: 2, want: []int16{32767}},
		{name: "mono passthrough", in: []int16{5, 6}, channels: 1, want: []int16{5, 6}},
		{name: "four channels", in: []int16{4, 8, 12, 16}, channels: 4, want: []int16{10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(media.DownmixMono(samplesToBytes(tt.in), tt.channels))
			equalSamples(t, got, tt.want)
		})
	}
}

func TestResample16_Downsample(t *testing.T) {
	in := make([]int16, 480)
	for i := range in {
		in[i] = 1000
	}
	out := bytesToSamples(media.Resample16(samplesToBytes(in), 1, 48000, 16000))
	if len(out) != 160 {
		t.Fatalf("resampled length = %d, want 160", len(out))
	}
	for i, s := range out {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestResample16_SameRateUnchanged(t *testing.T) {
	in := samplesToBytes([]int16{1, 2, 3})
	out := media.Resample16(in, 1, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestConverter_Convert(t *testing.T) {
	c := media.Converter{Target: media.Format{SampleRate: 16000, Channels: 1}}

	stereo48k := make([]int16, 960) // 10 ms of 48 kHz stereo
	for i := range stereo48k {
		stereo48k[i] = 200
	}
	got := c.Convert(media.Frame{
		Kind:       media.KindAudio,
		Data:       samplesToBytes(stereo48k),
		SampleRate: 48000,
		Channels:   2,
	})
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 16000Hz/1ch", got.SampleRate, got.Channels)
	}
	if n := len(got.Data) / 2; n != 160 {
		t.Errorf("samples = %d, want 160", n)
	}

	odd := c.Convert(media.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if odd.Data != nil {
		t.Error("expected odd byte count frame to be dropped")
	}
}

func TestRMS(t *testing.T) {
	if got := media.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	got := media.RMS(samplesToBytes([]int16{300, -300, 300, -300}))
	if math.Abs(got-300) > 1e-9 {
		t.Errorf("RMS = %v, want 300", got)
	}
}

func TestDurationMs(t *testing.T) {
	pcm := make([]byte, 32000) // 1 s of 16 kHz mono
	if got := media.DurationMs(pcm, media.Format{SampleRate: 16000, Channels: 1}); got != 1000 {
		t.Errorf("DurationMs = %d, want 1000", got)
	}
	if got := media.DurationMs(pcm, media.Format{}); got != 0 {
		t.Errorf("DurationMs with zero format = %d, want 0", got)
	}
}
