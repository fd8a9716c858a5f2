// Package spectral consumes resampled sample blocks, computes FFTs, averages
// consecutive transforms into spectrum rows and publishes each completed row
// into the waterfall buffer.
package spectral

import (
	"log"
	"math"
	"sync"

	dsp "github.com/mjibson/go-dsp/fft"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/block"
)

// Config of the spectral processor. Changes take effect at the next full
// averaging cycle, never corrupting a row in progress.
type Config struct {
	FFTSize        int
	AveragingDepth int
	PeakHold       bool
}

// ChannelFrequencyRange provides the current demodulation channel's frequency
// bounds. It is the only coupling between the spectral processor and the
// demodulation side, one-directional and read-only.
type ChannelFrequencyRange func() core.FrequencyRange

// AverageSignalStrengthChanged is called with the average signal strength
// within the demodulation channel after each completed row.
type AverageSignalStrengthChanged func(core.DB)

// New returns a spectral processor consuming blocks from the given queue.
// bandRange provides the frequency bounds the incoming blocks cover.
func New(id string, in *block.Queue, bandRange func() core.FrequencyRange, config Config, waterfallDepth int) *Processor {
	if config.FFTSize <= 0 {
		config.FFTSize = 2048
	}
	if config.AveragingDepth <= 0 {
		config.AveragingDepth = 1
	}
	return &Processor{
		id:        id,
		in:        in,
		bandRange: bandRange,
		config:    config,
		waterfall: NewWaterfall(waterfallDepth),
	}
}

// Processor computes the spectrum of one device's sample stream.
type Processor struct {
	id        string
	in        *block.Queue
	bandRange func() core.FrequencyRange
	waterfall *Waterfall

	configMutex   sync.Mutex
	config        Config
	pendingConfig *Config

	channelRange     ChannelFrequencyRange
	strengthCallback AverageSignalStrengthChanged

	runMutex sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// Waterfall of this processor.
func (p *Processor) Waterfall() *Waterfall {
	return p.waterfall
}

// SetChannelFrequencyRange registers the callback asking the owner for the
// demodulation channel's bounds.
func (p *Processor) SetChannelFrequencyRange(callback ChannelFrequencyRange) {
	p.channelRange = callback
}

// OnAverageSignalStrengthChanged registers the callback reporting the average
// signal strength within the demodulation channel.
func (p *Processor) OnAverageSignalStrengthChanged(callback AverageSignalStrengthChanged) {
	p.strengthCallback = callback
}

// Configure requests a configuration change. It takes effect at the next full
// averaging cycle.
func (p *Processor) Configure(config Config) {
	if config.FFTSize <= 0 || config.AveragingDepth <= 0 {
		log.Printf("spectral %s: ignoring invalid configuration %+v", p.id, config)
		return
	}
	p.configMutex.Lock()
	defer p.configMutex.Unlock()
	p.pendingConfig = &config
}

// Start launches the processing loop on a dedicated thread.
func (p *Processor) Start() {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done)
}

// Stop signals the processing loop to exit. It is safe to call mid-transform.
func (p *Processor) Stop() {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

// Join blocks until the processing thread has terminated.
func (p *Processor) Join() {
	p.runMutex.Lock()
	done := p.done
	p.runMutex.Unlock()
	if done == nil {
		return
	}
	<-done
}

func (p *Processor) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer log.Printf("spectral %s shutdown", p.id)

	config := p.currentConfig()
	avg := newAverager(config.AveragingDepth, config.FFTSize)
	peak := newMaxer(config.AveragingDepth, config.FFTSize)
	cycle := 0

	for {
		data, ok := p.in.Pop(stop)
		if !ok {
			return
		}
		if len(data) != config.FFTSize {
			log.Printf("spectral %s: skipping block of size %d, expected %d", p.id, len(data), config.FFTSize)
			p.in.Release(data)
			continue
		}

		row := fftRow(data)
		p.in.Release(data)

		averaged := avg.Put(row)
		peaked := peak.Put(row)
		cycle++
		if cycle < config.AveragingDepth {
			continue
		}
		cycle = 0

		published := averaged
		if config.PeakHold {
			published = peaked
		}
		p.publish(published)

		if applied := p.applyPendingConfig(&config); applied {
			avg = newAverager(config.AveragingDepth, config.FFTSize)
			peak = newMaxer(config.AveragingDepth, config.FFTSize)
		}
	}
}

func (p *Processor) currentConfig() Config {
	p.configMutex.Lock()
	defer p.configMutex.Unlock()
	if p.pendingConfig != nil {
		p.config = *p.pendingConfig
		p.pendingConfig = nil
	}
	return p.config
}

func (p *Processor) applyPendingConfig(config *Config) bool {
	p.configMutex.Lock()
	defer p.configMutex.Unlock()
	if p.pendingConfig == nil {
		return false
	}
	p.config = *p.pendingConfig
	p.pendingConfig = nil
	*config = p.config
	return true
}

func (p *Processor) publish(data []float64) {
	row := core.SpectrumRow{
		Data:  append([]float64(nil), data...),
		Range: p.bandRange(),
	}
	p.waterfall.Push(row)

	if p.channelRange == nil || p.strengthCallback == nil {
		return
	}
	channel := p.channelRange()
	if channel.Width() <= 0 {
		return
	}
	strength, ok := averageStrength(row, channel)
	if ok {
		p.strengthCallback(strength)
	}
}

// averageStrength computes the mean level of all bins within the given sub-band.
func averageStrength(row core.SpectrumRow, channel core.FrequencyRange) (core.DB, bool) {
	sum := 0.0
	count := 0
	for i := range row.Data {
		if channel.Contains(row.Frequency(i)) {
			sum += row.Data[i]
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return core.DB(sum / float64(count)), true
}

// fftRow transforms one sample block into a row of dB values with the center
// frequency in the middle.
func fftRow(samples []complex128) []float64 {
	cfft := dsp.FFT(samples)
	result := make([]float64, len(cfft))
	blockSize := len(result)
	blockCenter := blockSize / 2
	for i, v := range cfft {
		var resultIndex int
		if i < blockCenter {
			resultIndex = i + blockCenter
		} else {
			resultIndex = i - blockCenter
		}
		result[resultIndex] = fftValueToDB(v, blockSize)
	}
	return result
}

func fftValueToDB(fftValue complex128, blockSize int) float64 {
	return 20.0 * math.Log10(2*math.Sqrt(math.Pow(real(fftValue), 2)+math.Pow(imag(fftValue), 2))/float64(blockSize))
}
