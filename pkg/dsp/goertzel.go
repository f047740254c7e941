// Package dsp implements the in-band tone analysis run on call audio:
// single-bin Goertzel filters, the ringback/answer detector, and the
// short-FFT call-progress and DTMF classifier.
//
// Everything here operates on mono int16 PCM frames of 10–30 ms. The
// detectors are pure functions of a frame; the only state anywhere is the
// [RingbackDetector] frame history needed for answer detection.
package dsp

import "math"

// Goertzel is a single-frequency spectral probe. It is cheaper than an FFT
// when only one or two bins matter, which is exactly the ringback case.
type Goertzel struct {
	coeff float64
}

// NewGoertzel builds a probe for freq at the given sample rate.
func NewGoertzel(freq float64, rate int) Goertzel {
	w := 2 * math.Pi * freq / float64(rate)
	return Goertzel{coeff: 2 * math.Cos(w)}
}

// Magnitude returns the raw spectral magnitude of the probe frequency over
// the block. The value scales with both block length and signal amplitude;
// compare only across equal-length blocks.
func (g Goertzel) Magnitude(samples []int16) float64 {
	var q1, q2 float64
	for _, s := range samples {
		q0 := float64(s) + g.coeff*q1 - q2
		q2 = q1
		q1 = q0
	}
	return math.Sqrt(q1*q1 + q2*q2 - g.coeff*q1*q2)
}

// Amplitude estimates the amplitude of a sinusoid at the probe frequency,
// normalized for block length. A pure full-scale sine at the probe
// frequency reads close to 32767.
func (g Goertzel) Amplitude(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	return 2 * g.Magnitude(samples) / float64(len(samples))
}
