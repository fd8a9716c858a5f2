// Package resample converts an arbitrary input sample rate to a fixed output
// rate. The rate ratio is approximated by a rational number with a bounded
// denominator, the samples are upsampled, low-pass filtered and downsampled
// accordingly. The filter state is carried across calls, so the resampler can
// be fed block by block from a stream.
package resample

import (
	"math"

	"github.com/mjibson/go-dsp/window"
	"github.com/pkg/errors"
)

const (
	// maxDenominator bounds the rational rate approximation to keep the
	// filter length tractable.
	maxDenominator = 128
	// maxFilterLength caps the low-pass filter for latency and CPU reasons.
	maxFilterLength = 4095
	tapsPerBranch   = 16
)

// New returns a resampler converting inputRate to outputRate.
func New(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, errors.Errorf("invalid rates %d -> %d", inputRate, outputRate)
	}

	up, down := approximateRatio(float64(outputRate)/float64(inputRate), maxDenominator)

	taps := tapsPerBranch*max(up, down) + 1
	if taps > maxFilterLength {
		taps = maxFilterLength
	}
	cutoffRate := 0.5 / float64(max(up, down))
	coeff := lowpass(taps, cutoffRate, float64(up))

	perBranch := (len(coeff) + up - 1) / up
	padded := make([]float64, perBranch*up)
	copy(padded, coeff)

	result := &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		up:         up,
		down:       down,
		taps:       taps,
		coeff:      padded,
		perBranch:  perBranch,
	}
	result.Reset()
	return result, nil
}

// Resampler converts a sample stream from its input rate to its output rate.
type Resampler struct {
	inputRate  int
	outputRate int
	up         int
	down       int
	taps       int
	coeff      []float64
	perBranch  int

	buffer []complex128
	nextT  int
}

// Ratio returns the rational approximation L/M of outputRate/inputRate.
func (r *Resampler) Ratio() (up, down int) {
	return r.up, r.down
}

// Latency returns the constant group delay of the filter in output samples,
// computed from the designed tap count, not the zero-padded polyphase length.
// Callers treat it as a known alignment offset, it is not corrected in-place.
func (r *Resampler) Latency() int {
	return (r.taps - 1) / (2 * r.down)
}

// Reset clears the filter state.
func (r *Resampler) Reset() {
	r.buffer = make([]complex128, r.perBranch-1)
	r.nextT = (r.perBranch - 1) * r.up
}

// Process resamples the given block and returns the produced output samples.
// An empty block produces an empty result. The filter state is aligned across
// calls, feeding a stream block by block is equivalent to feeding it at once.
func (r *Resampler) Process(block []complex128) []complex128 {
	if len(block) == 0 {
		return nil
	}

	r.buffer = append(r.buffer, block...)
	expected := (len(r.buffer)*r.up-r.nextT)/r.down + 1
	if expected < 0 {
		expected = 0
	}
	result := make([]complex128, 0, expected)

	lastIndex := len(r.buffer) - 1
	for ; r.nextT/r.up <= lastIndex; r.nextT += r.down {
		index := r.nextT / r.up
		branch := r.nextT % r.up

		var out complex128
		for k := 0; k < r.perBranch; k++ {
			in := index - k
			if in < 0 {
				break
			}
			out += r.buffer[in] * complex(r.coeff[branch+k*r.up], 0)
		}
		result = append(result, out)
	}

	// keep only the history the filter still needs
	keep := r.perBranch - 1
	if keep < len(r.buffer) {
		consumed := len(r.buffer) - keep
		r.buffer = append(r.buffer[:0], r.buffer[consumed:]...)
		r.nextT -= consumed * r.up
	}

	return result
}

// approximateRatio finds the best rational approximation of ratio using
// continued fraction convergents, with the denominator bounded by maxDen.
func approximateRatio(ratio float64, maxDen int) (num, den int) {
	num, den = 1, 1
	p0, q0 := 1, 0
	p1, q1 := int(math.Floor(ratio)), 1
	x := ratio

	for i := 0; i < 64; i++ {
		num, den = p1, q1
		a := math.Floor(x)
		frac := x - a
		if frac < 1e-12 {
			break
		}
		x = 1 / frac
		an := int(math.Floor(x))
		p2 := an*p1 + p0
		q2 := an*q1 + q0
		if q2 > maxDen {
			break
		}
		p0, q0 = p1, q1
		p1, q1 = p2, q2
	}
	if q1 <= maxDen {
		num, den = p1, q1
	}
	if num < 1 {
		num = 1
	}
	return num, den
}

func lowpass(taps int, cutoffRate, gain float64) []float64 {
	if taps%2 == 0 {
		taps++
	}

	w := window.Blackman(taps)
	center := (taps - 1) / 2
	coeff := make([]float64, taps)
	sum := 0.0
	for i := range coeff {
		t := float64(i - center)
		coeff[i] = sinc(2.0*cutoffRate*t) * w[i]
		sum += coeff[i]
	}
	for i := range coeff {
		coeff[i] = coeff[i] / sum * gain
	}
	return coeff
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1.0
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
