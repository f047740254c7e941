// Package audio moves PCM between host sound devices and the call pipeline.
//
// The central abstractions are:
//
//   - [Frame] — the atomic unit of audio transport: mono int16 PCM carrying
//     its own sample rate, so no rate is ever assumed across a component
//     boundary.
//   - [Router] — a full-duplex bridge to a pair of host devices: input frames
//     arrive on a bounded queue at the pipeline rate, output is written
//     blocking at the device rate, and both sides can be captured into a
//     mixed WAV recording.
//
// Resampling between device and pipeline rates lives here too; the 2× paths
// used on every frame are explicit (see [Downsample2x] and [Upsample2x]).
package audio

import (
	"encoding/binary"
	"math"
)

// PipelineRate is the sample rate every frame is converted to on entry and
// from on exit. Tone detection, VAD and the model adapters all operate on
// 24 kHz mono.
const PipelineRate = 24000

// Frame is a chunk of mono int16 PCM with an explicit sample rate.
type Frame struct {
	// Samples is the PCM payload.
	Samples []int16

	// Rate is the sample rate in Hz.
	Rate int
}

// Duration returns the frame length in seconds.
func (f Frame) Duration() float64 {
	if f.Rate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.Rate)
}

// RMS computes the root-mean-square level of a sample buffer. An empty
// buffer has RMS 0.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value in the buffer.
func Peak(samples []int16) int16 {
	var peak int16
	for _, s := range samples {
		if s == math.MinInt16 {
			return math.MaxInt16
		}
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// BytesToSamples reinterprets little-endian int16 PCM bytes as samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes serializes samples as little-endian int16 PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
