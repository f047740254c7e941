// Package stt defines the transcription contract for speech-to-text backends.
//
// Telephony turn-taking is batch-shaped: the voice activity detector hands
// over one complete utterance at a time, so a [Transcriber] converts a single
// PCM buffer to text and returns. There is no streaming session to manage;
// latency is bounded by keeping utterances short upstream, not by partial
// results.
//
// Adapters own the audio format conversion. Callers pass whatever sample rate
// the capture pipeline runs at and the adapter resamples to its model's
// expected rate internally.
package stt

import (
	"context"

	"github.com/MrWong99/callyx/pkg/audio"
)

// ModelRate is the sample rate speech models are trained at. Adapters
// resample incoming buffers to this rate before inference.
const ModelRate = 16000

// MinUtteranceMs is the shortest buffer worth transcribing. Anything below
// it is a click or a breath; adapters return empty text without touching the
// backend.
const MinUtteranceMs = 100

// Transcriber converts one utterance of mono PCM to text.
//
// Implementations must be safe for concurrent use; the SMS and call paths may
// transcribe simultaneously.
type Transcriber interface {
	// Transcribe returns the text spoken in samples. An empty string with a
	// nil error means the backend heard nothing intelligible; callers use
	// that to distinguish silence from failure.
	Transcribe(ctx context.Context, samples []int16, rate int) (string, error)

	// Close releases the model or connection resources.
	Close() error
}

// TooShort reports whether the buffer is below [MinUtteranceMs] and should be
// answered with empty text instead of an inference call.
func TooShort(samples []int16, rate int) bool {
	if rate <= 0 {
		return true
	}
	return len(samples)*1000 < MinUtteranceMs*rate
}

// ToModelRate resamples an utterance to [ModelRate] for inference.
func ToModelRate(samples []int16, rate int) []int16 {
	return audio.ToRate(samples, rate, ModelRate)
}
