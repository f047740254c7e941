package dsp

import "testing"

func TestDetectToneTemplates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		freqs []float64
		want  Tone
	}{
		{"dial", []float64{350, 440}, ToneDial},
		{"busy", []float64{480, 620}, ToneBusy},
		{"off-hook", []float64{1400, 2060, 2450, 2600}, ToneOffHook},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			frame := mixTones(testRate, testFrameLen, 5000, tc.freqs...)
			res := DetectTone(frame, testRate)
			if res.Tone != tc.want {
				t.Fatalf("want %q, got %q (peaks %v)", tc.want, res.Tone, res.Peaks)
			}
		})
	}
}

func TestDetectToneDTMF(t *testing.T) {
	t.Parallel()

	cases := []struct {
		digit     rune
		low, high float64
	}{
		{'1', 697, 1209},
		{'5', 770, 1336},
		{'9', 852, 1477},
		{'0', 941, 1336},
		{'#', 941, 1477},
	}
	for _, tc := range cases {
		t.Run(string(tc.digit), func(t *testing.T) {
			t.Parallel()
			frame := mixTones(testRate, testFrameLen, 6000, tc.low, tc.high)
			res := DetectTone(frame, testRate)
			if res.Tone != ToneDTMF {
				t.Fatalf("want dtmf, got %q (peaks %v)", res.Tone, res.Peaks)
			}
			if res.Digit != tc.digit {
				t.Fatalf("want digit %q, got %q", tc.digit, res.Digit)
			}
		})
	}
}

func TestDetectToneNone(t *testing.T) {
	t.Parallel()

	t.Run("silence", func(t *testing.T) {
		t.Parallel()
		if res := DetectTone(make([]int16, testFrameLen), testRate); res.Tone != ToneNone {
			t.Fatalf("want no tone in silence, got %q", res.Tone)
		}
	})

	t.Run("lone frequency", func(t *testing.T) {
		t.Parallel()
		res := DetectTone(tone(1000, testRate, testFrameLen, 6000), testRate)
		if res.Tone != ToneNone {
			t.Fatalf("want no tone for single 1 kHz peak, got %q", res.Tone)
		}
	})

	t.Run("detuned pair", func(t *testing.T) {
		t.Parallel()
		// 100 Hz off the dial template, outside the ±20 Hz tolerance.
		res := DetectTone(mixTones(testRate, testFrameLen, 5000, 350, 540), testRate)
		if res.Tone != ToneNone {
			t.Fatalf("want no tone for detuned pair, got %q", res.Tone)
		}
	})
}

func TestDetectToneSpeechHasManyPeaks(t *testing.T) {
	t.Parallel()

	// A voiced frame is harmonic-rich: eight equal harmonics of 300 Hz all
	// land in the 300–3000 Hz band and exceed the six-peak tone limit.
	frame := mixTones(testRate, testFrameLen, 3000,
		300, 600, 900, 1200, 1500, 1800, 2100, 2400)
	res := DetectTone(frame, testRate)
	if res.Tone != ToneNone {
		t.Fatalf("speech-like frame classified as %q", res.Tone)
	}
	if len(res.Peaks) <= maxTonePeaks {
		t.Fatalf("want more than %d peaks for speech, got %d", maxTonePeaks, len(res.Peaks))
	}
}
