package dsp

import (
	"math"
	"testing"
)

func TestFFTSineAtBin(t *testing.T) {
	t.Parallel()

	// Eight full cycles in 1024 samples puts all energy in bin 8.
	const n = 1024
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(10000 * math.Sin(2*math.Pi*8*float64(i)/n))
	}
	mags := spectrum(frame, n)

	peakBin := 0
	for i, m := range mags {
		if m > mags[peakBin] {
			peakBin = i
		}
	}
	if peakBin != 8 {
		t.Fatalf("want peak at bin 8, got bin %d", peakBin)
	}
	// Energy of a sine splits between the positive and negative bins:
	// magnitude is amp*n/2.
	want := 10000.0 * n / 2
	if math.Abs(mags[8]-want)/want > 0.01 {
		t.Fatalf("want bin magnitude ~%.0f, got %.0f", want, mags[8])
	}
	if mags[100] > want*0.001 {
		t.Fatalf("off-bin leakage too high: %.0f", mags[100])
	}
}

func TestFFTImpulseIsFlat(t *testing.T) {
	t.Parallel()

	frame := make([]int16, 64)
	frame[0] = 1000
	mags := spectrum(frame, 64)
	for i, m := range mags {
		if math.Abs(m-1000) > 1e-6 {
			t.Fatalf("bin %d: want flat magnitude 1000, got %f", i, m)
		}
	}
}

func TestFFTZeroPadding(t *testing.T) {
	t.Parallel()

	// A 720-sample frame zero-padded to 4096 keeps its spectral peak at the
	// right frequency.
	frame := tone(1200, testRate, testFrameLen, 8000)
	mags := spectrum(frame, 4096)
	binHz := float64(testRate) / 4096

	peakBin := 0
	for i, m := range mags {
		if m > mags[peakBin] {
			peakBin = i
		}
	}
	got := float64(peakBin) * binHz
	if math.Abs(got-1200) > binHz {
		t.Fatalf("want peak near 1200 Hz, got %.1f Hz", got)
	}
}

func TestNextPow2(t *testing.T) {
	t.Parallel()

	cases := [][2]int{{1, 1}, {2, 2}, {3, 4}, {720, 1024}, {1024, 1024}, {1025, 2048}}
	for _, tc := range cases {
		if got := nextPow2(tc[0]); got != tc[1] {
			t.Fatalf("nextPow2(%d) = %d, want %d", tc[0], got, tc[1])
		}
	}
}
