// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled audio frames to consumers and to verify
// the exact text handed to the TTS backend.
//
// Example:
//
//	m := &mock.Synthesizer{
//	    Frames: []audio.Frame{{Samples: make([]int16, 2400), Rate: 24000}},
//	}
//	frame, _ := m.Synthesize(ctx, "Hello there")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.VoiceLister = (*Synthesizer)(nil)
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the exact text passed to Synthesize. The mock applies no
	// normalization, so tests see what the caller sent.
	Text string
}

// Synthesizer is a mock implementation of tts.Synthesizer and tts.VoiceLister.
// The zero value is usable: every call returns an empty frame and nil error.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Frames is the sequence of frames returned by successive Synthesize
	// calls. Once exhausted, Default is returned.
	Frames []audio.Frame

	// Default is returned by Synthesize after Frames runs out.
	Default audio.Frame

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall

	next   int
	closed bool
}

// Synthesize records the call and returns the next scripted frame.
func (m *Synthesizer) Synthesize(_ context.Context, text string) (audio.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, SynthesizeCall{Text: text})
	if m.Err != nil {
		return audio.Frame{}, m.Err
	}
	if m.next < len(m.Frames) {
		f := m.Frames[m.next]
		m.next++
		return f, nil
	}
	return m.Default, nil
}

// ListVoices returns the scripted voice list.
func (m *Synthesizer) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListVoicesErr != nil {
		return nil, m.ListVoicesErr
	}
	return m.ListVoicesResult, nil
}

// Close marks the mock closed.
func (m *Synthesizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *Synthesizer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCount returns the number of Synthesize calls so far.
func (m *Synthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Texts returns the text of every Synthesize call in order.
func (m *Synthesizer) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Text
	}
	return out
}
