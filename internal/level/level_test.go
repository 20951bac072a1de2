package level_test

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/liveinterview/internal/level"
	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/media/mock"
)

// sine returns n samples of a sine wave at the given fraction of the sample
// rate.
func sine(n int, cyclesPerSample, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*cyclesPerSample*float64(i))
	}
	return out
}

func pcm(samples []float64) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	return buf
}

func newAnalyser() *level.Analyser { return level.NewAnalyser(64, 0.8, -100, -30) }

func TestAnalyser_SilenceIsZero(t *testing.T) {
	t.Parallel()

	a := newAnalyser()
	a.Write(make([]float64, 64))
	spectrum := a.ByteFrequencyData(nil)
	if len(spectrum) != 32 {
		t.Fatalf("bins = %d, want 32", len(spectrum))
	}
	if m := level.Mean(spectrum); m != 0 {
		t.Errorf("mean of silence = %v, want 0", m)
	}
}

func TestAnalyser_ToneSaturatesItsBin(t *testing.T) {
	t.Parallel()

	a := newAnalyser()
	var spectrum []byte
	for range 50 {
		a.Write(sine(64, 8.0/64, 0.5))
		spectrum = a.ByteFrequencyData(spectrum)
	}
	if spectrum[8] != 255 {
		t.Errorf("bin 8 = %d, want 255", spectrum[8])
	}
	for k, v := range spectrum {
		if v > spectrum[8] {
			t.Errorf("bin %d = %d louder than the tone bin", k, v)
		}
	}
	if level.Mean(spectrum) <= 0 {
		t.Error("expected a positive mean for a tone")
	}
}

func TestAnalyser_LouderMeansHigher(t *testing.T) {
	t.Parallel()

	measure := func(amplitude float64) float64 {
		a := newAnalyser()
		var spectrum []byte
		for range 30 {
			a.Write(sine(64, 5.0/64, amplitude))
			spectrum = a.ByteFrequencyData(spectrum)
		}
		return level.Mean(spectrum)
	}
	quiet, loud := measure(0.001), measure(0.5)
	if !(loud > quiet) {
		t.Errorf("loud mean %v not above quiet mean %v", loud, quiet)
	}
}

func TestAnalyser_SmoothingDecays(t *testing.T) {
	t.Parallel()

	a := newAnalyser()
	var spectrum []byte
	for range 30 {
		a.Write(sine(64, 8.0/64, 0.5))
		spectrum = a.ByteFrequencyData(spectrum)
	}
	peak := level.Mean(spectrum)

	a.Write(make([]float64, 64))
	spectrum = a.ByteFrequencyData(spectrum)
	after := level.Mean(spectrum)
	if after <= 0 || after >= peak {
		t.Errorf("one silent step: mean %v, want in (0, %v)", after, peak)
	}

	a.Reset()
	if m := level.Mean(a.ByteFrequencyData(spectrum)); m != 0 {
		t.Errorf("mean after Reset = %v, want 0", m)
	}
}

func TestMean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []byte
		want float64
	}{
		{nil, 0},
		{[]byte{0, 0}, 0},
		{[]byte{255, 0}, 127.5},
		{[]byte{10, 20, 30}, 20},
	}
	for _, tt := range tests {
		if got := level.Mean(tt.in); got != tt.want {
			t.Errorf("Mean(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSensor_PublishesAndResets(t *testing.T) {
	t.Parallel()

	mic := mock.NewTrack(media.KindAudio, 64)
	stream := media.NewStream()
	_ = stream.Add(mic)
	t.Cleanup(func() { _ = stream.Stop() })

	s := level.New(level.WithInterval(5 * time.Millisecond))
	if !s.Start(t.Context(), stream) {
		t.Fatal("Start reported no audio")
	}
	if !s.Start(t.Context(), stream) {
		t.Fatal("second Start must be a no-op")
	}

	frame := media.Frame{Kind: media.KindAudio, Data: pcm(sine(320, 0.05, 0.5)), SampleRate: 16000, Channels: 1}
	deadline := time.Now().Add(2 * time.Second)
	for s.Level() == 0 && time.Now().Before(deadline) {
		mic.Push(frame)
		time.Sleep(5 * time.Millisecond)
	}
	if s.Level() <= 0 || s.Level() > 255 {
		t.Fatalf("Level = %v, want in (0, 255]", s.Level())
	}

	s.Stop()
	<-s.Done()
	if s.Level() != 0 {
		t.Errorf("Level after Stop = %v, want 0", s.Level())
	}
	s.Stop()
}

func TestSensor_NoAudio(t *testing.T) {
	t.Parallel()

	s := level.New()
	if s.Start(t.Context(), media.NewStream()) {
		t.Error("Start succeeded without an audio track")
	}
}

func TestSensor_TrackEndStopsTask(t *testing.T) {
	t.Parallel()

	mic := mock.NewTrack(media.KindAudio, 4)
	stream := media.NewStream()
	_ = stream.Add(mic)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := level.New(level.WithLogger(logger.With("session_id", "s1")))
	s.Start(t.Context(), stream)
	_ = stream.Stop()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sensor task still running after the track ended")
	}
	if out := buf.String(); !strings.Contains(out, "audio track ended") || !strings.Contains(out, "session_id=s1") {
		t.Errorf("log = %q, want the track end on the given logger", out)
	}
}
