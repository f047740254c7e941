package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/callyx/pkg/provider/stt"
)

// STTFallback implements [stt.Transcriber] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the utterance is retried against the
// next healthy fallback.
type STTFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcriber as a fallback.
func (f *STTFallback) AddFallback(name string, transcriber stt.Transcriber) {
	f.group.AddFallback(name, transcriber)
}

// Transcribe runs the utterance through the first healthy backend. An empty
// transcript with a nil error counts as success (silence), not failure — only
// transport or model errors trigger failover.
func (f *STTFallback) Transcribe(ctx context.Context, samples []int16, rate int) (string, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, samples, rate)
	})
}

// Close closes every registered backend and returns the joined errors.
func (f *STTFallback) Close() error {
	var errs []error
	for i := range f.group.members {
		if err := f.group.members[i].value.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
