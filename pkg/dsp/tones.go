package dsp

import (
	"math"

	"github.com/MrWong99/callyx/pkg/audio"
)

// Tone names a recognized in-band signal.
type Tone string

const (
	// ToneNone means the frame carried no recognized tone (silence or speech).
	ToneNone Tone = ""

	// ToneDial is the US dial tone, 350+440 Hz.
	ToneDial Tone = "dial"

	// ToneBusy is the US busy signal, 480+620 Hz. Reorder shares this
	// spectrum and differs only in cadence, which a single frame cannot
	// distinguish.
	ToneBusy Tone = "busy"

	// ToneOffHook is the off-hook alert, 1400/2060/2450/2600 Hz.
	ToneOffHook Tone = "offhook"

	// ToneDTMF is a touch-tone digit; the digit is reported alongside.
	ToneDTMF Tone = "dtmf"
)

// ToneResult is the classification of one audio frame.
type ToneResult struct {
	// Tone is the recognized signal, or ToneNone.
	Tone Tone

	// Digit is the DTMF key when Tone is ToneDTMF.
	Digit rune

	// Peaks lists the spectral peak frequencies found in the 300–3000 Hz
	// band, for diagnostics.
	Peaks []float64
}

const (
	toneBandLow  = 300.0
	toneBandHigh = 3000.0
	toneMatchHz  = 20.0
	maxTonePeaks = 6
	toneMinRMS   = 50.0
)

var (
	dialTemplate    = []float64{350, 440}
	busyTemplate    = []float64{480, 620}
	offhookTemplate = []float64{1400, 2060, 2450, 2600}

	dtmfLow  = []float64{697, 770, 852, 941}
	dtmfHigh = []float64{1209, 1336, 1477, 1633}
)

var dtmfDigits = [4][4]rune{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// DetectTone classifies one frame against the US call-progress and DTMF
// templates. Spectral peaks are local maxima above half the band peak
// inside 300–3000 Hz; more than six peaks means the frame is speech, not a
// tone. Intended for 20–30 ms frames, below which the close tone pairs do
// not resolve.
func DetectTone(frame []int16, rate int) ToneResult {
	if audio.RMS(frame) < toneMinRMS {
		return ToneResult{}
	}

	n := nextPow2(len(frame) * 4)
	if n < 1024 {
		n = 1024
	}
	mags := spectrum(frame, n)
	binHz := float64(rate) / float64(n)

	lo := int(toneBandLow / binHz)
	hi := int(toneBandHigh / binHz)
	if hi >= len(mags) {
		hi = len(mags) - 1
	}

	var peakMag float64
	for i := lo; i <= hi; i++ {
		if mags[i] > peakMag {
			peakMag = mags[i]
		}
	}
	if peakMag == 0 {
		return ToneResult{}
	}

	var peaks []float64
	for i := lo; i <= hi; i++ {
		if mags[i] < peakMag/2 {
			continue
		}
		if i > 0 && mags[i] <= mags[i-1] {
			continue
		}
		if i+1 < len(mags) && mags[i] < mags[i+1] {
			continue
		}
		peaks = append(peaks, float64(i)*binHz)
		if len(peaks) > maxTonePeaks {
			return ToneResult{Peaks: peaks}
		}
	}

	res := ToneResult{Peaks: peaks}
	switch {
	case matchTemplate(peaks, dialTemplate):
		res.Tone = ToneDial
	case matchTemplate(peaks, busyTemplate):
		res.Tone = ToneBusy
	case matchTemplate(peaks, offhookTemplate):
		res.Tone = ToneOffHook
	default:
		if digit, ok := matchDTMF(peaks); ok {
			res.Tone = ToneDTMF
			res.Digit = digit
		}
	}
	return res
}

// matchTemplate reports whether peaks and template describe the same tone
// set: equal counts, every template frequency claimed by a distinct peak
// within the match tolerance.
func matchTemplate(peaks, template []float64) bool {
	if len(peaks) != len(template) {
		return false
	}
	used := make([]bool, len(peaks))
	for _, want := range template {
		found := false
		for i, p := range peaks {
			if !used[i] && math.Abs(p-want) <= toneMatchHz {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchDTMF resolves a two-peak frame against the keypad grid: one low-group
// and one high-group frequency within tolerance.
func matchDTMF(peaks []float64) (rune, bool) {
	if len(peaks) != 2 {
		return 0, false
	}
	low, high := peaks[0], peaks[1]
	if low > high {
		low, high = high, low
	}
	row := nearestFreq(low, dtmfLow)
	col := nearestFreq(high, dtmfHigh)
	if row < 0 || col < 0 {
		return 0, false
	}
	return dtmfDigits[row][col], true
}

// nearestFreq returns the index of the group frequency within tolerance of
// f, or -1.
func nearestFreq(f float64, group []float64) int {
	for i, want := range group {
		if math.Abs(f-want) <= toneMatchHz {
			return i
		}
	}
	return -1
}
