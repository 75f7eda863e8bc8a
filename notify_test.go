package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

func TestToneLengthAndTermination(t *testing.T) {
	s := tone(speakerRate, cueFreq, cueLength)
	want := speakerRate.N(cueLength)

	samples := make([][2]float64, 1000)
	total := 0
	for {
		n, ok := s.Stream(samples)
		for _, sample := range samples[:n] {
			if math.Abs(sample[0]) > 0.3 || sample[0] != sample[1] {
				t.Fatalf("unexpected sample %v", sample)
			}
		}
		total += n
		if !ok {
			break
		}
		if total > want {
			t.Fatalf("tone ran past %d samples", want)
		}
	}
	if total != want {
		t.Fatalf("expected %d samples, got %d", want, total)
	}

	if n, ok := s.Stream(samples); n != 0 || ok {
		t.Fatalf("drained tone streamed again: %d %v", n, ok)
	}
}

func TestLoadCueRejectsUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cue.ogg")
	if err := os.WriteFile(path, []byte("not audio"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := loadCue(path); err == nil {
		t.Fatalf("expected error for .ogg")
	}
}

func TestLoadCueMissingFile(t *testing.T) {
	if _, err := loadCue(filepath.Join(t.TempDir(), "absent.wav")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadCueCorruptWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := loadCue(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLoadCueResamplesWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cue.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	srcRate := beep.SampleRate(22050)
	format := beep.Format{SampleRate: srcRate, NumChannels: 2, Precision: 2}
	if err := wav.Encode(f, tone(srcRate, cueFreq, 100*time.Millisecond), format); err != nil {
		f.Close()
		t.Fatalf("encode failed: %v", err)
	}
	f.Close()

	cue, err := loadCue(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cue.Format().SampleRate != speakerRate {
		t.Fatalf("cue not resampled: %v", cue.Format().SampleRate)
	}
	// 100ms at the speaker rate, give or take the resampler's edges.
	want := speakerRate.N(100 * time.Millisecond)
	if cue.Len() < want-100 || cue.Len() > want+100 {
		t.Fatalf("expected about %d samples, got %d", want, cue.Len())
	}
}
