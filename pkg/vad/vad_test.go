package vad_test

import (
	"errors"
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/vad"
)

type stubClassifier struct {
	accept func(window []int16) (bool, error)
	resets int
}

func (s *stubClassifier) IsSpeech(w []int16) (bool, error) { return s.accept(w) }
func (s *stubClassifier) Reset()                           { s.resets++ }
func (s *stubClassifier) Close() error                     { return nil }

func acceptAll() *stubClassifier {
	return &stubClassifier{accept: func([]int16) (bool, error) { return true, nil }}
}

// voice returns ms of a 440 Hz tone, loud enough to clear every threshold.
func voice(rate, ms int) []int16 {
	n := rate * ms / 1000
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func silence(rate, ms int) []int16 {
	return make([]int16, rate*ms/1000)
}

// feed pushes samples through the detector in fixed-size frames and collects
// every event.
func feed(d *vad.Detector, samples []int16, rate, frameLen int) []vad.Event {
	var events []vad.Event
	for i := 0; i < len(samples); i += frameLen {
		end := min(i+frameLen, len(samples))
		events = append(events, d.Process(audio.Frame{Samples: samples[i:end], Rate: rate})...)
	}
	return events
}

func splitEvents(events []vad.Event) (starts int, utterances []*vad.Utterance) {
	for _, ev := range events {
		switch ev.Type {
		case vad.SpeechStart:
			starts++
		case vad.SpeechEnd:
			utterances = append(utterances, ev.Utterance)
		}
	}
	return starts, utterances
}

func TestDetectorSingleUtterance(t *testing.T) {
	t.Parallel()

	const rate = 24000
	d := vad.New(vad.Config{}, acceptAll())

	var stream []int16
	stream = append(stream, silence(rate, 600)...)
	stream = append(stream, voice(rate, 900)...)
	stream = append(stream, silence(rate, 900)...)

	// 1024 is the capture device frame length, deliberately not a multiple
	// of the 30 ms window.
	events := feed(d, stream, rate, 1024)
	starts, utts := splitEvents(events)
	if starts != 1 || len(utts) != 1 {
		t.Fatalf("want 1 start and 1 end, got %d starts and %d ends", starts, len(utts))
	}

	utt := utts[0]
	if utt.Rate != rate {
		t.Errorf("utterance rate: want %d, got %d", rate, utt.Rate)
	}
	// The buffer spans the voiced run plus the 600 ms of silence it took to
	// close it; the leading silence and the rest of the tail are dropped.
	want := rate * (900 + 600) / 1000
	if len(utt.Samples) != want {
		t.Errorf("utterance length: want %d samples, got %d", want, len(utt.Samples))
	}
	if !utt.EnergyOK {
		t.Errorf("utterance with RMS %.0f should qualify", utt.RMS)
	}
	if got := utt.Duration(); math.Abs(got-1.5) > 0.001 {
		t.Errorf("duration: want 1.5s, got %v", got)
	}
}

func TestDetectorShortBurstIgnored(t *testing.T) {
	t.Parallel()

	const rate = 24000
	d := vad.New(vad.Config{}, acceptAll())

	var stream []int16
	stream = append(stream, silence(rate, 600)...)
	stream = append(stream, voice(rate, 120)...) // under the 250 ms minimum
	stream = append(stream, silence(rate, 900)...)

	if events := feed(d, stream, rate, 720); len(events) != 0 {
		t.Fatalf("want no events for a 120ms burst, got %d", len(events))
	}
}

func TestDetectorShortPauseBridged(t *testing.T) {
	t.Parallel()

	const rate = 24000
	d := vad.New(vad.Config{}, acceptAll())

	var stream []int16
	stream = append(stream, voice(rate, 900)...)
	stream = append(stream, silence(rate, 300)...) // under the 600 ms minimum
	stream = append(stream, voice(rate, 900)...)
	stream = append(stream, silence(rate, 900)...)

	starts, utts := splitEvents(feed(d, stream, rate, 720))
	if starts != 1 || len(utts) != 1 {
		t.Fatalf("pause should be bridged: want 1 start and 1 end, got %d/%d", starts, len(utts))
	}
	want := rate * (900 + 300 + 900 + 600) / 1000
	if len(utts[0].Samples) != want {
		t.Errorf("utterance length: want %d samples, got %d", want, len(utts[0].Samples))
	}
}

func TestDetectorMaxSpeechCap(t *testing.T) {
	t.Parallel()

	const rate = 24000
	d := vad.New(vad.Config{}, acceptAll())

	starts, utts := splitEvents(feed(d, voice(rate, 20000), rate, 720))
	if len(utts) != 1 {
		t.Fatalf("want exactly 1 forced end in 20s of speech, got %d", len(utts))
	}
	// The next run opens right after the forced cut.
	if starts != 2 {
		t.Errorf("want 2 starts, got %d", starts)
	}
	if want := rate * 15000 / 1000; len(utts[0].Samples) != want {
		t.Errorf("capped utterance: want %d samples, got %d", want, len(utts[0].Samples))
	}
}

func TestDetectorClassifierErrorMeansUnvoiced(t *testing.T) {
	t.Parallel()

	broken := &stubClassifier{accept: func([]int16) (bool, error) {
		return true, errors.New("model unavailable")
	}}
	d := vad.New(vad.Config{}, broken)

	if events := feed(d, voice(24000, 2000), 24000, 720); len(events) != 0 {
		t.Fatalf("failing classifier must yield no events, got %d", len(events))
	}
}

func TestDetectorEnergyGate(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{}, acceptAll())

	// Quiet hum: RMS ~70, far below the 250 gate, even though the
	// classifier accepts everything.
	const rate = 24000
	hum := make([]int16, rate*2)
	for i := range hum {
		hum[i] = int16(100 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	if events := feed(d, hum, rate, 720); len(events) != 0 {
		t.Fatalf("sub-threshold audio must yield no events, got %d", len(events))
	}
}

func TestDetectorKeepsOriginalRate(t *testing.T) {
	t.Parallel()

	const rate = 48000
	windows := 0
	cls := &stubClassifier{accept: func(w []int16) (bool, error) {
		windows++
		if len(w) != vad.ClassifierRate*30/1000 {
			t.Errorf("classifier window: want %d samples at 16kHz, got %d", vad.ClassifierRate*30/1000, len(w))
		}
		return true, nil
	}}
	d := vad.New(vad.Config{}, cls)

	var stream []int16
	stream = append(stream, voice(rate, 900)...)
	stream = append(stream, silence(rate, 900)...)

	_, utts := splitEvents(feed(d, stream, rate, 960))
	if len(utts) != 1 {
		t.Fatalf("want 1 utterance, got %d", len(utts))
	}
	if utts[0].Rate != rate {
		t.Errorf("utterance must keep the capture rate: want %d, got %d", rate, utts[0].Rate)
	}
	if want := rate * (900 + 600) / 1000; len(utts[0].Samples) != want {
		t.Errorf("utterance length: want %d samples at 48kHz, got %d", want, len(utts[0].Samples))
	}
	if windows == 0 {
		t.Error("classifier never saw a window")
	}
}

func TestDetectorReset(t *testing.T) {
	t.Parallel()

	const rate = 24000
	cls := acceptAll()
	d := vad.New(vad.Config{}, cls)

	events := feed(d, voice(rate, 500), rate, 720)
	starts, utts := splitEvents(events)
	if starts != 1 || len(utts) != 0 {
		t.Fatalf("setup: want an open utterance, got %d starts and %d ends", starts, len(utts))
	}
	if !d.InSpeech() {
		t.Fatal("setup: detector should be in speech")
	}

	d.Reset()
	if d.InSpeech() {
		t.Error("reset should close the utterance without emitting")
	}
	if cls.resets == 0 {
		t.Error("reset should propagate to the classifier")
	}
	if events := feed(d, silence(rate, 900), rate, 720); len(events) != 0 {
		t.Fatalf("silence after reset must not emit, got %d events", len(events))
	}
}

func TestDetectorRateChangeDropsPartialWindow(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{}, acceptAll())

	// Half a window at 24 kHz, then a full stream at 48 kHz. The stray
	// half-window must not leak into the new stream's utterance.
	d.Process(audio.Frame{Samples: voice(24000, 15), Rate: 24000})

	var stream []int16
	stream = append(stream, voice(48000, 900)...)
	stream = append(stream, silence(48000, 900)...)
	_, utts := splitEvents(feed(d, stream, 48000, 1440))
	if len(utts) != 1 {
		t.Fatalf("want 1 utterance after rate change, got %d", len(utts))
	}
	if want := 48000 * (900 + 600) / 1000; len(utts[0].Samples) != want {
		t.Errorf("utterance length: want %d, got %d", want, len(utts[0].Samples))
	}
}

func TestDetectorChunkingInvariance(t *testing.T) {
	t.Parallel()

	const rate = 24000
	var stream []int16
	stream = append(stream, silence(rate, 300)...)
	stream = append(stream, voice(rate, 600)...)
	stream = append(stream, silence(rate, 900)...)
	stream = append(stream, voice(rate, 450)...)
	stream = append(stream, silence(rate, 900)...)

	refStarts, refUtts := splitEvents(feed(vad.New(vad.Config{}, acceptAll()), stream, rate, len(stream)))

	rapid.Check(t, func(t *rapid.T) {
		d := vad.New(vad.Config{}, acceptAll())
		var events []vad.Event
		for off := 0; off < len(stream); {
			n := rapid.IntRange(1, 4000).Draw(t, "chunk")
			end := min(off+n, len(stream))
			events = append(events, d.Process(audio.Frame{Samples: stream[off:end], Rate: rate})...)
			off = end
		}
		starts, utts := splitEvents(events)
		if starts != refStarts || len(utts) != len(refUtts) {
			t.Fatalf("chunking changed events: want %d/%d, got %d/%d", refStarts, len(refUtts), starts, len(utts))
		}
		for i := range utts {
			if len(utts[i].Samples) != len(refUtts[i].Samples) {
				t.Fatalf("utterance %d: want %d samples, got %d", i, len(refUtts[i].Samples), len(utts[i].Samples))
			}
		}
	})
}

func TestEnergyClassifier(t *testing.T) {
	t.Parallel()

	c := vad.NewEnergyClassifier(vad.WithEnergyThreshold(500))
	if got, _ := c.IsSpeech(voice(vad.ClassifierRate, 30)); !got {
		t.Error("loud tone should classify as speech")
	}
	if got, _ := c.IsSpeech(silence(vad.ClassifierRate, 30)); got {
		t.Error("silence should not classify as speech")
	}
}
