package batch_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/stt/batch"
	sttmock "github.com/MrWong99/liveinterview/pkg/provider/stt/mock"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
	vadmock "github.com/MrWong99/liveinterview/pkg/provider/vad/mock"
)

const frameBytes = 640 // 20 ms at 16 kHz mono

var streamCfg = stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}

func recvFinal(t *testing.T, h stt.SessionHandle) (stt.Transcript, bool) {
	t.Helper()
	select {
	case tr, ok := <-h.Finals():
		return tr, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final")
	}
	return stt.Transcript{}, false
}

func TestSession_SegmentsUtterances(t *testing.T) {
	t.Parallel()

	script := []vad.VADEventType{
		vad.VADSilence,
		vad.VADSpeechStart, vad.VADSpeechContinue, vad.VADSpeechEnd,
		vad.VADSilence,
		vad.VADSpeechStart, vad.VADSpeechEnd,
	}
	tr := &sttmock.Transcriber{Results: []string{"  first answer ", "second"}}
	p, err := batch.New(tr, &vadmock.Engine{Session: &vadmock.Session{Script: script, Fallback: vad.VADSilence}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := p.StartStream(t.Context(), streamCfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	// Deliver the seven frames in uneven chunks to exercise re-framing.
	audio := make([]byte, 7*frameBytes)
	for _, n := range []int{100, 1000, 2000, len(audio) - 3100} {
		if err := h.SendAudio(audio[:n]); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
		audio = audio[n:]
	}

	first, _ := recvFinal(t, h)
	if first.Text != "first answer" || !first.IsFinal {
		t.Errorf("first final = %+v", first)
	}
	second, _ := recvFinal(t, h)
	if second.Text != "second" {
		t.Errorf("second final = %q", second.Text)
	}

	calls := tr.Calls()
	if len(calls) != 2 {
		t.Fatalf("transcribe calls = %d, want 2", len(calls))
	}
	if calls[0].Bytes != 3*frameBytes || calls[1].Bytes != 2*frameBytes {
		t.Errorf("utterance sizes = %d, %d", calls[0].Bytes, calls[1].Bytes)
	}
	if calls[0].Language != "en" || calls[0].Format.SampleRate != 16000 {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestSession_EmptyResultDropped(t *testing.T) {
	t.Parallel()

	script := []vad.VADEventType{vad.VADSpeechStart, vad.VADSpeechEnd, vad.VADSpeechStart, vad.VADSpeechEnd}
	tr := &sttmock.Transcriber{Results: []string{"   ", "kept"}}
	p, _ := batch.New(tr, &vadmock.Engine{Session: &vadmock.Session{Script: script, Fallback: vad.VADSilence}})
	h, _ := p.StartStream(t.Context(), streamCfg)
	defer h.Close()

	_ = h.SendAudio(make([]byte, 4*frameBytes))
	got, _ := recvFinal(t, h)
	if got.Text != "kept" {
		t.Errorf("final = %q, want kept", got.Text)
	}
}

func TestSession_TranscribeErrorEndsStream(t *testing.T) {
	t.Parallel()

	boom := errors.New("server unavailable")
	tr := &sttmock.Transcriber{Err: boom}
	p, _ := batch.New(tr, &vadmock.Engine{Session: &vadmock.Session{
		Script:   []vad.VADEventType{vad.VADSpeechStart, vad.VADSpeechEnd},
		Fallback: vad.VADSilence,
	}})
	h, _ := p.StartStream(t.Context(), streamCfg)
	defer h.Close()

	_ = h.SendAudio(make([]byte, 2*frameBytes))
	if _, ok := recvFinal(t, h); ok {
		t.Fatal("expected finals channel to close")
	}
	if !errors.Is(h.Err(), boom) {
		t.Errorf("Err() = %v, want wrapping %v", h.Err(), boom)
	}
}

func TestSession_MaxUtteranceSplits(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Transcriber{Text: "chunk"}
	p, _ := batch.New(tr,
		&vadmock.Engine{Session: &vadmock.Session{Script: []vad.VADEventType{vad.VADSpeechStart}, Fallback: vad.VADSpeechContinue}},
		batch.WithMaxUtteranceMs(60),
	)
	h, _ := p.StartStream(t.Context(), streamCfg)
	defer h.Close()

	_ = h.SendAudio(make([]byte, 6*frameBytes))
	recvFinal(t, h)
	recvFinal(t, h)
	if n := len(tr.Calls()); n != 2 {
		t.Errorf("transcribe calls = %d, want 2", n)
	}
}

func TestSession_CloseFlushesOpenUtterance(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Transcriber{Text: "trailing words"}
	vs := &vadmock.Session{Script: []vad.VADEventType{vad.VADSpeechStart}, Fallback: vad.VADSpeechContinue}
	p, _ := batch.New(tr, &vadmock.Engine{Session: vs})
	h, _ := p.StartStream(t.Context(), streamCfg)

	_ = h.SendAudio(make([]byte, 2*frameBytes))
	deadline := time.Now().Add(2 * time.Second)
	for vs.Frames() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = h.Close()
	_ = h.Close()

	got, ok := <-h.Finals()
	if !ok || got.Text != "trailing words" {
		t.Errorf("final after Close = %+v, ok=%v", got, ok)
	}
	if h.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", h.Err())
	}
	if vs.Closes() != 1 {
		t.Errorf("vad Close calls = %d, want 1", vs.Closes())
	}
	if err := h.SendAudio([]byte{0, 0}); err == nil {
		t.Error("expected SendAudio after Close to fail")
	}
}

func TestStartStream_Rejects(t *testing.T) {
	t.Parallel()

	p, _ := batch.New(&sttmock.Transcriber{}, &vadmock.Engine{})
	tests := []struct {
		name string
		cfg  stt.StreamConfig
	}{
		{"stereo", stt.StreamConfig{SampleRate: 16000, Channels: 2}},
		{"no rate", stt.StreamConfig{Channels: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.StartStream(t.Context(), tt.cfg)
			if !errors.Is(err, stt.ErrPermanent) {
				t.Errorf("error = %v, want ErrPermanent", err)
			}
		})
	}

	failing, _ := batch.New(&sttmock.Transcriber{}, &vadmock.Engine{NewSessionErr: errors.New("bad config")})
	if _, err := failing.StartStream(t.Context(), streamCfg); !errors.Is(err, stt.ErrPermanent) {
		t.Errorf("vad failure error = %v, want ErrPermanent", err)
	}
}

func TestNew_NilArguments(t *testing.T) {
	t.Parallel()

	if _, err := batch.New(nil, &vadmock.Engine{}); err == nil {
		t.Error("expected error for nil transcriber")
	}
	if _, err := batch.New(&sttmock.Transcriber{}, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}
