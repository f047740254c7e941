// Package vad segments a continuous microphone stream into utterances.
//
// A [Detector] consumes audio frames at whatever rate the capture device
// produces, classifies fixed-size windows as voiced or unvoiced, and applies
// hysteresis so that short pops do not open an utterance and short pauses do
// not close one. Classification runs on a 16 kHz copy of each window, but the
// buffer handed back on an utterance boundary is always the original-rate
// audio, so downstream transcription never pays for a second resample.
//
// Frame-level voicing is the conjunction of a cheap RMS gate and a pluggable
// [Classifier]. The default [EnergyClassifier] needs no model files; the
// silero subpackage provides an ONNX-backed alternative.
package vad

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/callyx/pkg/audio"
)

// ClassifierRate is the sample rate classification windows are resampled to
// before they reach a [Classifier].
const ClassifierRate = 16000

// EventType identifies an utterance boundary.
type EventType int

const (
	// SpeechStart marks the rising edge: enough consecutive voiced windows
	// have accumulated to open an utterance.
	SpeechStart EventType = iota
	// SpeechEnd marks the falling edge: the utterance closed, either by
	// sustained silence or by hitting the maximum utterance length.
	SpeechEnd
)

// Event is an utterance boundary produced by [Detector.Process].
type Event struct {
	Type EventType
	// Utterance carries the accumulated audio. Set only on [SpeechEnd].
	Utterance *Utterance
}

// Utterance is the audio captured between a rising and a falling edge,
// including the trailing silence windows that closed it.
type Utterance struct {
	// Samples holds mono PCM at Rate, never the 16 kHz classification copy.
	Samples []int16
	Rate    int
	// RMS is the root mean square level of Samples.
	RMS float64
	// EnergyOK reports whether RMS cleared the qualifying threshold.
	// Quieter utterances are usually line noise and safe to discard.
	EnergyOK bool
}

// Duration returns the utterance length.
func (u *Utterance) Duration() float64 {
	if u.Rate == 0 {
		return 0
	}
	return float64(len(u.Samples)) / float64(u.Rate)
}

// Config tunes a [Detector]. The zero value is usable; unset fields fall back
// to the defaults documented per field.
type Config struct {
	// FrameMs is the classification window length. Must be 10, 20 or 30;
	// defaults to 30.
	FrameMs int
	// EnergyThreshold is the per-window RMS gate. Windows below it are
	// unvoiced regardless of the classifier. Defaults to 250.
	EnergyThreshold float64
	// QualifyRMS is the whole-utterance RMS level that sets
	// [Utterance.EnergyOK]. Defaults to 3000.
	QualifyRMS float64
	// MinSpeechMs is how much consecutive voice opens an utterance.
	// Defaults to 250.
	MinSpeechMs int
	// MinSilenceMs is how much consecutive silence closes one.
	// Defaults to 600.
	MinSilenceMs int
	// MaxSpeechMs caps utterance length so a monologue (or a stuck
	// classifier) cannot starve the rest of the pipeline. Defaults to 15000.
	MaxSpeechMs int
}

func (c Config) withDefaults() Config {
	if c.FrameMs == 0 {
		c.FrameMs = 30
	}
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = 250
	}
	if c.QualifyRMS == 0 {
		c.QualifyRMS = 3000
	}
	if c.MinSpeechMs == 0 {
		c.MinSpeechMs = 250
	}
	if c.MinSilenceMs == 0 {
		c.MinSilenceMs = 600
	}
	if c.MaxSpeechMs == 0 {
		c.MaxSpeechMs = 15000
	}
	return c
}

// Detector turns a stream of audio frames into utterance boundary events.
// It is not safe for concurrent use; feed it from a single goroutine.
type Detector struct {
	cfg        Config
	classifier Classifier
	log        *slog.Logger

	speechNeeded  int // consecutive voiced windows to open
	silenceNeeded int // consecutive unvoiced windows to close
	maxWindows    int // hard cap per utterance

	rate      int // input rate of the current stream
	windowLen int // input samples per classification window
	pending   []int16

	inSpeech bool
	run      int // consecutive voiced windows while idle
	silence  int // consecutive unvoiced windows while speaking
	total    int // windows since the current run began
	buf      []int16

	classifierWarn sync.Once
}

// DetectorOption customizes a [Detector].
type DetectorOption func(*Detector)

// WithLogger sets the logger used for classifier failure diagnostics.
func WithLogger(log *slog.Logger) DetectorOption {
	return func(d *Detector) {
		if log != nil {
			d.log = log
		}
	}
}

// New builds a detector around the given classifier. A nil classifier gets
// replaced with an [EnergyClassifier] so the detector always works, just with
// lower precision.
func New(cfg Config, classifier Classifier, opts ...DetectorOption) *Detector {
	cfg = cfg.withDefaults()
	if cfg.FrameMs != 10 && cfg.FrameMs != 20 && cfg.FrameMs != 30 {
		cfg.FrameMs = 30
	}
	if classifier == nil {
		classifier = NewEnergyClassifier()
	}
	d := &Detector{
		cfg:        cfg,
		classifier: classifier,
		log:        slog.Default(),
		// Integer division on purpose: 250 ms at 30 ms windows opens after
		// 8 windows, matching how the tuning values were chosen.
		speechNeeded:  max(1, cfg.MinSpeechMs/cfg.FrameMs),
		silenceNeeded: max(1, cfg.MinSilenceMs/cfg.FrameMs),
		maxWindows:    max(1, cfg.MaxSpeechMs/cfg.FrameMs),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process feeds one captured frame into the detector and returns any
// boundary events it produced. Frames may be any length; the detector
// re-chunks them into classification windows internally. A change in frame
// rate mid-stream discards the partial window from the old rate.
func (d *Detector) Process(f audio.Frame) []Event {
	if len(f.Samples) == 0 || f.Rate <= 0 {
		return nil
	}
	if f.Rate != d.rate {
		d.rate = f.Rate
		d.windowLen = f.Rate * d.cfg.FrameMs / 1000
		d.pending = d.pending[:0]
	}
	d.pending = append(d.pending, f.Samples...)

	var events []Event
	for len(d.pending) >= d.windowLen {
		window := d.pending[:d.windowLen]
		events = append(events, d.processWindow(window)...)
		n := copy(d.pending, d.pending[d.windowLen:])
		d.pending = d.pending[:n]
	}
	return events
}

func (d *Detector) processWindow(window []int16) []Event {
	voiced := d.classify(window)

	if !d.inSpeech {
		if !voiced {
			d.run = 0
			d.buf = d.buf[:0]
			return nil
		}
		if d.run == 0 {
			d.buf = d.buf[:0]
		}
		d.run++
		d.buf = append(d.buf, window...)
		if d.run < d.speechNeeded {
			return nil
		}
		d.inSpeech = true
		d.total = d.run
		d.silence = 0
		return []Event{{Type: SpeechStart}}
	}

	d.buf = append(d.buf, window...)
	d.total++
	if voiced {
		d.silence = 0
	} else {
		d.silence++
	}
	if d.silence >= d.silenceNeeded || d.total >= d.maxWindows {
		return []Event{d.emit()}
	}
	return nil
}

// classify runs the energy gate and the classifier on one window. The gate
// goes first so silence never pays for model inference. Classifier failures
// count as unvoiced so a broken model degrades to silence detection instead
// of an utterance that never ends.
func (d *Detector) classify(window []int16) bool {
	if audio.RMS(window) < d.cfg.EnergyThreshold {
		return false
	}
	frame16 := audio.ToRate(window, d.rate, ClassifierRate)
	ok, err := d.classifier.IsSpeech(frame16)
	if err != nil {
		d.classifierWarn.Do(func() {
			d.log.Warn("vad classifier failing, treating frames as unvoiced", "error", err)
		})
		return false
	}
	return ok
}

func (d *Detector) emit() Event {
	samples := d.buf
	d.buf = nil
	rms := audio.RMS(samples)
	utt := &Utterance{
		Samples:  samples,
		Rate:     d.rate,
		RMS:      rms,
		EnergyOK: rms >= d.cfg.QualifyRMS,
	}
	d.inSpeech = false
	d.run = 0
	d.silence = 0
	d.total = 0
	return Event{Type: SpeechEnd, Utterance: utt}
}

// InSpeech reports whether an utterance is currently open.
func (d *Detector) InSpeech() bool {
	return d.inSpeech
}

// Reset drops all buffered audio and counters and resets the classifier.
// Call it after playback so the tail of our own prompt is not mistaken for
// the caller speaking.
func (d *Detector) Reset() {
	d.pending = d.pending[:0]
	d.buf = nil
	d.inSpeech = false
	d.run = 0
	d.silence = 0
	d.total = 0
	d.classifier.Reset()
}
