package core

import (
	"fmt"
)

// Frequency represents a frequency in Hz.
type Frequency float64

func (f Frequency) String() string {
	return fmt.Sprintf("%.2fHz", f)
}

// FrequencyRange represents a range of frequencies.
type FrequencyRange struct {
	From, To Frequency
}

func (r FrequencyRange) String() string {
	return fmt.Sprintf("[%v,%v]", r.From, r.To)
}

// Center frequency of this range.
func (r FrequencyRange) Center() Frequency {
	return r.From + (r.To-r.From)/2
}

// Width of the frequency range.
func (r FrequencyRange) Width() Frequency {
	return r.To - r.From
}

// Contains the given frequency.
func (r FrequencyRange) Contains(f Frequency) bool {
	return f >= r.From && f <= r.To
}

// Shift the frequency by the given Δ.
func (r *FrequencyRange) Shift(Δ Frequency) {
	r.From += Δ
	r.To += Δ
}

// Expanded returns a new expanded range.
func (r FrequencyRange) Expanded(Δ Frequency) FrequencyRange {
	return FrequencyRange{From: r.From - Δ, To: r.To + Δ}
}

// DB represents decibel (dB).
type DB float64

func (f DB) String() string {
	return fmt.Sprintf("%.2fdB", f)
}

// DBRange represents a range of dB.
type DBRange struct {
	From, To DB
}

func (r DBRange) String() string {
	return fmt.Sprintf("[%v,%v]", r.From, r.To)
}

// Width of the dB range.
func (r DBRange) Width() DB {
	return r.To - r.From
}

// Contains the given value in dB.
func (r DBRange) Contains(value DB) bool {
	return value >= r.From && value <= r.To
}

// ProcessingRate is the fixed internal sample rate in samples per second. Every
// source that delivers a different rate is converted to this rate before fan-out.
const ProcessingRate = 2400000

// AudioRate is the fixed output rate of the demodulated audio in samples per second.
const AudioRate = 48000

// Configuration parameters of the application.
type Configuration struct {
	FrequencyCorrection int
	Testmode            bool
	VFOHost             string
	FFTSize             int
	FFTAveragingDepth   int
	WaterfallDepth      int
	RecordingDir        string
}

// DeviceState is the descriptive state of one running device. It is published
// to external observers whenever the active device changes.
type DeviceState struct {
	ID         string
	Name       string
	Frequency  Frequency
	SampleRate int
}

// SpectrumRow is one completed row of spectral data covering the given frequency range.
type SpectrumRow struct {
	Data  []float64
	Range FrequencyRange
}

// Frequency of the i-th bin of this row.
func (r SpectrumRow) Frequency(i int) Frequency {
	if len(r.Data) == 0 {
		return r.Range.From
	}
	return r.Range.From + Frequency(float64(i)/float64(len(r.Data)))*r.Range.Width()
}
