package dsp

// lowpassCoeffs is the fixed 7-tap symmetric FIR applied before any
// downsample that crosses the 4 kHz telephony Nyquist boundary.
var lowpassCoeffs = [7]float32{0.02, 0.12, 0.22, 0.28, 0.22, 0.12, 0.02}

// LowpassTelephony applies the fixed 7-tap telephony low-pass filter to in,
// returning a new slice of the same length. Edge samples use the same
// convolution with the input index range clamped to the valid slice
// (no mirroring, no zero-padding beyond the clamp).
func LowpassTelephony(in []float32) []float32 {
	out := make([]float32, len(in))
	const half = 3 // (len(lowpassCoeffs)-1)/2
	last := len(in) - 1
	for i := range in {
		var acc float32
		for k := -half; k <= half; k++ {
			idx := i + k
			if idx < 0 {
				idx = 0
			} else if idx > last {
				idx = last
			}
			acc += lowpassCoeffs[k+half] * in[idx]
		}
		out[i] = acc
	}
	return out
}

// ResampleLinear resamples src from srcRate to dstRate using linear
// interpolation. Output length is floor(len(src) * dstRate / srcRate).
// When srcRate == dstRate, src is returned unchanged (no copy). Boundary
// indices are clamped to the last input sample.
func ResampleLinear(src []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return src
	}
	if len(src) == 0 {
		return nil
	}

	outLen := len(src) * dstRate / srcRate
	out := make([]float32, outLen)
	last := len(src) - 1

	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}
		frac := float32(srcPos - float64(idx0))
		out[i] = src[idx0] + frac*(src[idx1]-src[idx0])
	}
	return out
}
