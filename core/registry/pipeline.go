package registry

import (
	"math"
	"sync"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/audio"
	"github.com/ftl/affogato/core/demod"
	"github.com/ftl/affogato/core/scheduler"
	"github.com/ftl/affogato/core/source"
	"github.com/ftl/affogato/core/spectral"
)

// openSquelchLevel is below any realistic signal strength, so the squelch is
// satisfied until a level is set explicitly.
const openSquelchLevel core.DB = -200

func newPipeline(id string, sourceType source.Type, src source.Adapter, config core.Configuration, audioSink audio.Sink) *Pipeline {
	result := &Pipeline{
		ID:           id,
		SourceType:   sourceType,
		Source:       src,
		audioSink:    audioSink,
		squelchLevel: openSquelchLevel,
		strength:     core.DB(math.Inf(-1)),
	}

	result.Scheduler = scheduler.New(id, src, config.FFTSize)
	result.Spectral = spectral.New(id, result.Scheduler.SpectralQueue(), result.bandRange,
		spectral.Config{FFTSize: config.FFTSize, AveragingDepth: config.FFTAveragingDepth},
		config.WaterfallDepth)
	result.Spectral.SetChannelFrequencyRange(result.Scheduler.ChannelFrequencyRange)
	result.Spectral.OnAverageSignalStrengthChanged(result.signalStrengthChanged)
	result.Demodulator = demod.New(id, result.Scheduler.DemodQueue(), audioSink,
		result.Scheduler.ChannelParams, result.Scheduler.SquelchSatisfied)

	return result
}

// Pipeline is the complete processing chain of one device: the source adapter,
// the scheduler pulling from it, and the spectral and demodulation consumers.
// Pipelines are built and torn down by the registry and are otherwise
// independent of each other.
type Pipeline struct {
	ID          string
	SourceType  source.Type
	Source      source.Adapter
	Scheduler   *scheduler.Scheduler
	Spectral    *spectral.Processor
	Demodulator *demod.Demodulator

	audioSink audio.Sink

	squelchMutex sync.Mutex
	squelchLevel core.DB
	strength     core.DB

	ready bool
}

func (p *Pipeline) bandRange() core.FrequencyRange {
	center := p.Source.Frequency()
	halfWidth := core.Frequency(core.ProcessingRate) / 2
	return core.FrequencyRange{From: center - halfWidth, To: center + halfWidth}
}

func (p *Pipeline) signalStrengthChanged(strength core.DB) {
	p.squelchMutex.Lock()
	p.strength = strength
	satisfied := strength >= p.squelchLevel
	p.squelchMutex.Unlock()
	p.Scheduler.SetSquelchSatisfied(satisfied)
}

// SetSquelchLevel sets the signal strength the demodulation channel must reach
// for the squelch to be satisfied.
func (p *Pipeline) SetSquelchLevel(level core.DB) {
	p.squelchMutex.Lock()
	defer p.squelchMutex.Unlock()
	p.squelchLevel = level
}

// SignalStrength returns the last reported average signal strength inside the
// demodulation channel.
func (p *Pipeline) SignalStrength() core.DB {
	p.squelchMutex.Lock()
	defer p.squelchMutex.Unlock()
	return p.strength
}

// SetMode switches the demodulation mode of this pipeline.
func (p *Pipeline) SetMode(mode demod.Mode) {
	p.Demodulator.SetMode(mode)
	p.Scheduler.SetDemodulationActive(mode != demod.ModeOff)
}

// SetFrequency tunes this pipeline's device.
func (p *Pipeline) SetFrequency(frequency core.Frequency) error {
	return p.Source.SetFrequency(frequency)
}

// DeviceState returns the descriptive state of this pipeline's device.
func (p *Pipeline) DeviceState() core.DeviceState {
	return core.DeviceState{
		ID:         p.ID,
		Name:       p.Source.Name(),
		Frequency:  p.Source.Frequency(),
		SampleRate: p.Source.SampleRate(),
	}
}

func (p *Pipeline) start() error {
	err := p.Scheduler.Start()
	if err != nil {
		return err
	}
	p.Spectral.Start()
	p.Demodulator.Start()
	return nil
}

func (p *Pipeline) stop() {
	p.Scheduler.StopRecording()
	p.Demodulator.Stop()
	p.Spectral.Stop()
	p.Scheduler.Stop()
	p.Scheduler.Join()
	p.Spectral.Join()
	p.Demodulator.Join()
	p.Source.Close()
	p.audioSink.Close()
}
