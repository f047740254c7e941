package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/provider/tts"
)

// TTSFallback implements [tts.Synthesizer] with automatic failover across
// multiple TTS backends. Each backend has its own circuit breaker.
//
// Fallback voices will not match the primary's voice exactly; a brief voice
// change mid-call is preferable to dead air.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

// Compile-time interface assertion.
var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *TTSFallback) AddFallback(name string, synthesizer tts.Synthesizer) {
	f.group.AddFallback(name, synthesizer)
}

// Synthesize renders text through the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (audio.Frame, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (audio.Frame, error) {
		return s.Synthesize(ctx, text)
	})
}

// ListVoices returns the voice catalogue of the first backend that implements
// [tts.VoiceLister]. Backends without a catalogue are skipped.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	var lastErr error
	for i := range f.group.members {
		lister, ok := f.group.members[i].value.(tts.VoiceLister)
		if !ok {
			continue
		}
		voices, err := lister.ListVoices(ctx)
		if err == nil {
			return voices, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("resilience: no backend exposes a voice catalogue")
}

// Close closes every registered backend and returns the joined errors.
func (f *TTSFallback) Close() error {
	var errs []error
	for i := range f.group.members {
		if err := f.group.members[i].value.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
