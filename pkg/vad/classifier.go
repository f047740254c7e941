package vad

import "github.com/MrWong99/callyx/pkg/audio"

// Classifier scores one fixed-size window of 16 kHz mono PCM as speech or
// not. Implementations may keep state across windows; the [Detector] resets
// them alongside its own state and treats any returned error as an unvoiced
// window.
type Classifier interface {
	// IsSpeech reports whether the window sounds like speech.
	IsSpeech(window []int16) (bool, error)
	// Reset clears any cross-window state.
	Reset()
	// Close releases resources held by the classifier.
	Close() error
}

// EnergyClassifier is the model-free fallback: a window is speech when its
// RMS clears a threshold. It cannot tell a voice from a vacuum cleaner, but
// it needs no runtime library and never fails, which makes it the safe
// default when the silero model is not available.
type EnergyClassifier struct {
	threshold float64
}

var _ Classifier = (*EnergyClassifier)(nil)

// EnergyOption customizes an [EnergyClassifier].
type EnergyOption func(*EnergyClassifier)

// WithEnergyThreshold overrides the RMS level above which a window counts
// as speech. The default is 300.
func WithEnergyThreshold(rms float64) EnergyOption {
	return func(c *EnergyClassifier) {
		if rms > 0 {
			c.threshold = rms
		}
	}
}

// NewEnergyClassifier builds the RMS threshold classifier.
func NewEnergyClassifier(opts ...EnergyOption) *EnergyClassifier {
	c := &EnergyClassifier{threshold: 300}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsSpeech reports whether the window's RMS clears the threshold.
func (c *EnergyClassifier) IsSpeech(window []int16) (bool, error) {
	return audio.RMS(window) >= c.threshold, nil
}

// Reset is a no-op; the classifier keeps no state.
func (c *EnergyClassifier) Reset() {}

// Close is a no-op.
func (c *EnergyClassifier) Close() error { return nil }
