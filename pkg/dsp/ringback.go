package dsp

import "github.com/MrWong99/callyx/pkg/audio"

// historySize is the sliding window of per-frame ringback decisions kept
// for answer detection. At 30 ms frames this covers three seconds, enough
// to span one full US ring-on period plus the transition after it.
const historySize = 100

// RingbackResult is the per-frame output of [RingbackDetector.Process].
type RingbackResult struct {
	// Ringback is true when the frame carries the US 440+480 Hz pair.
	Ringback bool

	// Answered is emitted exactly once per detector, on the first frame
	// where sustained ringback has given way to live audio.
	Answered bool
}

// RingbackDetector watches outbound call audio for the US ringback tone and
// for the moment it stops in favor of a voice. The modem's CLCC transition
// stays authoritative for call state; this detector only supplies an early
// hint that someone picked up.
type RingbackDetector struct {
	g440       Goertzel
	g480       Goertzel
	threshold  float64
	voiceFloor float64
	history    []bool
	answered   bool
}

// RingbackOption configures a [RingbackDetector].
type RingbackOption func(*RingbackDetector)

// WithToneThreshold sets the per-tone amplitude both Goertzel probes must
// exceed for a frame to count as ringback. Defaults to 1000.
func WithToneThreshold(v float64) RingbackOption {
	return func(d *RingbackDetector) { d.threshold = v }
}

// WithVoiceFloor sets the frame RMS that must be present for the
// ring-then-voice transition to count as an answer. Defaults to 500, which
// rejects the silent gaps of the 2s-on/4s-off ring cadence.
func WithVoiceFloor(v float64) RingbackOption {
	return func(d *RingbackDetector) { d.voiceFloor = v }
}

// NewRingbackDetector builds a detector for audio at the given sample rate.
func NewRingbackDetector(rate int, opts ...RingbackOption) *RingbackDetector {
	d := &RingbackDetector{
		g440:       NewGoertzel(440, rate),
		g480:       NewGoertzel(480, rate),
		threshold:  1000,
		voiceFloor: 500,
		history:    make([]bool, 0, historySize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process analyzes one 10–30 ms frame. The answer rule: at least 5 ringback
// frames in the history older than the last 10, fewer than 2 ringback
// frames among the last 10, and the current frame is non-ringback audio
// above the voice floor. Answered fires at most once.
func (d *RingbackDetector) Process(frame []int16) RingbackResult {
	ring := d.g440.Amplitude(frame) >= d.threshold && d.g480.Amplitude(frame) >= d.threshold

	d.history = append(d.history, ring)
	if len(d.history) > historySize {
		d.history = d.history[1:]
	}

	res := RingbackResult{Ringback: ring}
	if d.answered || ring || len(d.history) <= 10 {
		return res
	}

	split := len(d.history) - 10
	older := countTrue(d.history[:split])
	recent := countTrue(d.history[split:])
	if older >= 5 && recent < 2 && audio.RMS(frame) >= d.voiceFloor {
		d.answered = true
		res.Answered = true
	}
	return res
}

// Answered reports whether the one-shot answer event has already fired.
func (d *RingbackDetector) Answered() bool { return d.answered }

func countTrue(frames []bool) int {
	n := 0
	for _, f := range frames {
		if f {
			n++
		}
	}
	return n
}
