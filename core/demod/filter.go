package demod

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/window"
)

const filterOrder = 63

// newChannelFilter returns a streaming channel extractor: it shifts the
// incoming samples by shiftRate (in units of the input sample rate), low-pass
// filters at cutoffRate, decimates by the given factor and shifts the
// decimated samples by postShiftRate (in units of the decimated rate). The
// filter and phase state are carried across calls, feeding a stream block by
// block is equivalent to feeding it at once.
func newChannelFilter(shiftRate, cutoffRate float64, decimation int, postShiftRate float64) *channelFilter {
	return &channelFilter{
		coeff:      firLowpass(filterOrder, cutoffRate),
		buf:        make([]complex128, filterOrder),
		decimation: decimation,
		ω:          2 * math.Pi * shiftRate,
		postω:      2 * math.Pi * postShiftRate,
	}
}

type channelFilter struct {
	coeff      []float64
	buf        []complex128
	bufIndex   int
	decimation int
	countdown  int
	ω          float64
	φ          float64
	postω      float64
	postφ      float64
}

// Process extracts the channel from the given block and appends the produced
// samples to out. It returns the extended slice.
func (f *channelFilter) Process(in []complex128, out []complex128) []complex128 {
	order := len(f.coeff)
	for _, s := range in {
		f.buf[f.bufIndex] = s * cmplx.Exp(complex(0, f.φ))
		f.φ += f.ω
		if f.φ > 2*math.Pi {
			f.φ -= 2 * math.Pi
		} else if f.φ < -2*math.Pi {
			f.φ += 2 * math.Pi
		}

		if f.countdown <= 0 {
			f.countdown = f.decimation - 1
			var result complex128
			for j, c := range f.coeff {
				bi := (order + f.bufIndex - j) % order
				result += f.buf[bi] * complex(c, 0)
			}
			if f.postω != 0 {
				result *= cmplx.Exp(complex(0, f.postφ))
				f.postφ += f.postω
				if f.postφ > 2*math.Pi {
					f.postφ -= 2 * math.Pi
				} else if f.postφ < -2*math.Pi {
					f.postφ += 2 * math.Pi
				}
			}
			out = append(out, result)
		} else {
			f.countdown--
		}
		f.bufIndex = (f.bufIndex + 1) % order
	}
	return out
}

// newAudioDecimator returns a streaming real-valued low-pass decimator. It
// brings audio demodulated at an intermediate rate down to the audio rate.
func newAudioDecimator(cutoffRate float64, decimation int) *audioDecimator {
	return &audioDecimator{
		coeff:      firLowpass(filterOrder, cutoffRate),
		buf:        make([]float64, filterOrder),
		decimation: decimation,
	}
}

type audioDecimator struct {
	coeff      []float64
	buf        []float64
	bufIndex   int
	decimation int
	countdown  int
}

// Process filters and decimates the given samples and appends the result to
// out. It returns the extended slice.
func (f *audioDecimator) Process(in []float64, out []float64) []float64 {
	order := len(f.coeff)
	for _, s := range in {
		f.buf[f.bufIndex] = s
		if f.countdown <= 0 {
			f.countdown = f.decimation - 1
			var result float64
			for j, c := range f.coeff {
				bi := (order + f.bufIndex - j) % order
				result += f.buf[bi] * c
			}
			out = append(out, result)
		} else {
			f.countdown--
		}
		f.bufIndex = (f.bufIndex + 1) % order
	}
	return out
}

func firLowpass(order int, cutoffRate float64) []float64 {
	if order%2 == 0 {
		order++
	}

	w := window.Blackman(order)
	center := (order - 1) / 2
	coeff := make([]float64, order)
	sum := 0.0
	for i := range coeff {
		t := float64(i - center)
		coeff[i] = sinc(2.0*cutoffRate*t) * w[i]
		sum += coeff[i]
	}
	for i := range coeff {
		coeff[i] /= sum
	}
	return coeff
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1.0
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}
