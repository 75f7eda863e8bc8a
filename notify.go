package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"github.com/rs/zerolog"
)

const (
	speakerRate = beep.SampleRate(44100)
	cueFreq     = 880.0
	cueLength   = 150 * time.Millisecond
)

// Notifier is told about every message that arrives from a peer. Notify
// runs on a connection's receive goroutine and must not block.
type Notifier interface {
	Notify(from Peer, msg Message)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Peer, Message) {}

// SoundNotifier plays an audio cue for incoming messages: a short tone, or
// a wav/mp3 file when one is configured.
type SoundNotifier struct {
	file string
	log  zerolog.Logger

	initOnce sync.Once
	initErr  error
	cue      *beep.Buffer

	playing atomic.Bool
}

func NewSoundNotifier(file string) *SoundNotifier {
	return &SoundNotifier{
		file: file,
		log:  componentLogger("notify"),
	}
}

func (n *SoundNotifier) Notify(from Peer, msg Message) {
	// One cue at a time; a burst of messages gets a single sound.
	if !n.playing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		if err := n.init(); err != nil {
			n.playing.Store(false)
			return
		}

		var s beep.Streamer
		if n.cue != nil {
			s = n.cue.Streamer(0, n.cue.Len())
		} else {
			s = tone(speakerRate, cueFreq, cueLength)
		}
		speaker.Play(beep.Seq(s, beep.Callback(func() {
			n.playing.Store(false)
		})))
	}()
}

// init opens the speaker once. Failure disables sound for the rest of the
// run and is logged a single time.
func (n *SoundNotifier) init() error {
	n.initOnce.Do(func() {
		if n.file != "" {
			cue, err := loadCue(n.file)
			if err != nil {
				n.log.Warn().Err(err).Str("file", n.file).Msg("Falling back to the built-in tone")
			} else {
				n.cue = cue
			}
		}

		n.initErr = speaker.Init(speakerRate, speakerRate.N(time.Second/10))
		if n.initErr != nil {
			n.log.Warn().Err(n.initErr).Msg("Failed to initialise speaker, sound disabled")
		}
	})
	return n.initErr
}

// loadCue decodes a sound file into memory at the speaker's sample rate.
func loadCue(path string) (*beep.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sound file: %w", err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported audio format: %s", filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	defer streamer.Close()

	buffer := beep.NewBuffer(beep.Format{SampleRate: speakerRate, NumChannels: 2, Precision: 2})
	buffer.Append(beep.Resample(4, format.SampleRate, speakerRate, streamer))
	return buffer, nil
}

// tone is a sine wave with a linear fade-out so the cue does not click.
func tone(sr beep.SampleRate, freq float64, d time.Duration) beep.Streamer {
	total := sr.N(d)
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (n int, ok bool) {
		for i := range samples {
			if pos >= total {
				return i, i > 0
			}
			fade := 1 - float64(pos)/float64(total)
			v := 0.3 * fade * math.Sin(2*math.Pi*freq*float64(pos)/float64(sr))
			samples[i][0] = v
			samples[i][1] = v
			pos++
		}
		return len(samples), true
	})
}
