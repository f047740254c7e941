// Package tts defines the synthesis contract for Text-to-Speech backends.
//
// A [Synthesizer] renders one assistant utterance as mono PCM. The call
// pipeline plays utterances whole (the speaking flag stays up for the whole
// playback), so batch synthesis is sufficient and keeps the backend surface
// small.
//
// All implementations run [Normalize] over the text before synthesis, so
// phone numbers, prices and abbreviations are spoken the way a human
// receptionist would say them rather than the way a screen reader would.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/callyx/pkg/audio"
)

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text as mono int16 PCM at the backend's output
	// rate. Empty or whitespace-only text returns an empty frame and no
	// error. The frame's Rate field tells the caller what to resample from.
	Synthesize(ctx context.Context, text string) (audio.Frame, error)

	// Close releases backend resources.
	Close() error
}

// VoiceLister is implemented by backends that can enumerate their voice
// catalogue, used by the CLI to help pick a voice for an agent persona.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
