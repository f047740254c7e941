// Package mock provides a test double for the stt package.
//
// Transcriber returns scripted texts in order and records every buffer it
// was asked to transcribe, so engine tests can assert both what was heard
// and what audio reached the recognizer.
//
// Example:
//
//	tr := &mock.Transcriber{Texts: []string{"hello", "goodbye"}}
//	text, _ := tr.Transcribe(ctx, buf, 24000)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callyx/pkg/provider/stt"
)

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the audio passed in.
	Samples []int16
	// Rate is the sample rate passed in.
	Rate int
}

// Transcriber is a scripted implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Texts are returned one per call, in order. When exhausted, Transcribe
	// returns Default.
	Texts []string

	// Default is returned once Texts runs out. Defaults to "".
	Default string

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Calls records every invocation.
	Calls []TranscribeCall

	next   int
	closed bool
}

// Transcribe records the call and returns the next scripted text.
func (m *Transcriber) Transcribe(_ context.Context, samples []int16, rate int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	m.Calls = append(m.Calls, TranscribeCall{Samples: cp, Rate: rate})
	if m.Err != nil {
		return "", m.Err
	}
	if m.next < len(m.Texts) {
		text := m.Texts[m.next]
		m.next++
		return text, nil
	}
	return m.Default, nil
}

// Close marks the transcriber closed.
func (m *Transcriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Transcriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCount returns how many times Transcribe ran.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
