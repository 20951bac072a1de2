package file_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/media/file"
)

func writeWAV(t *testing.T, pcm []byte, f media.Format) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, media.EncodeWAV(pcm, f), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDevice_ReplaysWAV(t *testing.T) {
	t.Parallel()

	f := media.Format{SampleRate: 16000, Channels: 1}
	pcm := make([]byte, 16000*2/10) // 100 ms
	for i := range pcm {
		pcm[i] = byte(i)
	}
	dev := file.New(writeWAV(t, pcm, f), file.WithFrameMs(10))

	track, err := dev.Open(t.Context(), media.KindAudio)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer track.Stop()

	var got int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case fr, ok := <-track.Frames():
			if !ok {
				if got != len(pcm) {
					t.Errorf("replayed %d bytes, want %d", got, len(pcm))
				}
				return
			}
			if fr.SampleRate != 16000 || fr.Channels != 1 {
				t.Errorf("frame format = %d/%d", fr.SampleRate, fr.Channels)
			}
			got += len(fr.Data)
		case <-timeout:
			t.Fatal("track did not end")
		}
	}
}

func TestDevice_NoVideo(t *testing.T) {
	t.Parallel()

	dev := file.New("unused.wav")
	_, err := dev.Open(t.Context(), media.KindVideo)
	if !errors.Is(err, media.ErrUnavailable) {
		t.Fatalf("Open(video) error = %v, want ErrUnavailable", err)
	}
}

func TestDevice_MissingFile(t *testing.T) {
	t.Parallel()

	dev := file.New(filepath.Join(t.TempDir(), "nope.wav"))
	_, err := dev.Open(t.Context(), media.KindAudio)
	if !errors.Is(err, media.ErrUnavailable) {
		t.Fatalf("Open error = %v, want ErrUnavailable", err)
	}
}

func TestDevice_StopEndsTrack(t *testing.T) {
	t.Parallel()

	f := media.Format{SampleRate: 8000, Channels: 1}
	dev := file.New(writeWAV(t, make([]byte, 1600), f), file.WithLoop(true))
	track, err := dev.Open(t.Context(), media.KindAudio)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = track.Stop()
	_ = track.Stop()

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-track.Frames():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("frames channel not closed after Stop")
		}
	}
}

func TestSink_WritesWAV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	s := file.NewSink(path)
	f := media.Format{SampleRate: 24000, Channels: 1}
	_ = s.Play(t.Context(), []byte{1, 0, 2, 0}, f)
	_ = s.Play(t.Context(), []byte{3, 0}, f)
	if err := s.Play(t.Context(), []byte{4, 0}, media.Format{SampleRate: 8000, Channels: 1}); err == nil {
		t.Error("expected error on format change")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm, got, err := media.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got != f {
		t.Errorf("format = %+v, want %+v", got, f)
	}
	if len(pcm) != 6 {
		t.Errorf("pcm length = %d, want 6", len(pcm))
	}
}
