package dsp

import "math"

// spectrum returns the first n/2 magnitude bins of a radix-2 FFT over the
// frame, zero-padded to n (which must be a power of two). Bin i covers
// frequency i*rate/n.
func spectrum(frame []int16, n int) []float64 {
	re := make([]float64, n)
	im := make([]float64, n)
	limit := len(frame)
	if limit > n {
		limit = n
	}
	for i := 0; i < limit; i++ {
		re[i] = float64(frame[i])
	}

	fft(re, im)

	mags := make([]float64, n/2)
	for i := range mags {
		mags[i] = math.Hypot(re[i], im[i])
	}
	return mags
}

// fft runs an in-place iterative radix-2 Cooley-Tukey transform.
// len(re) == len(im) must be a power of two.
func fft(re, im []float64) {
	n := len(re)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				ang := step * float64(k)
				wr, wi := math.Cos(ang), math.Sin(ang)
				i0, i1 := start+k, start+k+half
				tr := wr*re[i1] - wi*im[i1]
				ti := wr*im[i1] + wi*re[i1]
				re[i1] = re[i0] - tr
				im[i1] = im[i0] - ti
				re[i0] += tr
				im[i0] += ti
			}
		}
	}
}

// nextPow2 returns the smallest power of two >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
