// Package demod extracts the demodulation channel from the resampled sample
// stream, demodulates it according to the configured mode and pushes the
// resulting audio frames to the audio sink.
package demod

import (
	"log"
	"math"
	"math/cmplx"
	"sync"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/audio"
	"github.com/ftl/affogato/core/block"
)

// ChannelParams provides the current channel offset, width and activation, as
// owned by the scheduler.
type ChannelParams func() (offset, width core.Frequency, active bool)

// SquelchSatisfied provides the external squelch gate.
type SquelchSatisfied func() bool

// New returns a demodulator consuming blocks from the given queue and pushing
// audio frames to the given sink.
func New(id string, in *block.Queue, sink audio.Sink, params ChannelParams, squelch SquelchSatisfied) *Demodulator {
	return &Demodulator{
		id:      id,
		in:      in,
		sink:    sink,
		params:  params,
		squelch: squelch,
		frame:   make([]float32, 0, audio.FrameSize),
	}
}

// Demodulator turns one device's sample stream into audio.
type Demodulator struct {
	id      string
	in      *block.Queue
	sink    audio.Sink
	params  ChannelParams
	squelch SquelchSatisfied

	modeMutex sync.Mutex
	mode      Mode

	// processing state, owned by the processing thread
	filter      *channelFilter
	audioFilter *audioDecimator
	lastOffset  core.Frequency
	lastWidth   core.Frequency
	lastMode    Mode
	lastSample  complex128
	dcLevel     float64
	channel     []complex128
	wide        []float64
	audioOut    []float64
	frame       []float32

	runMutex sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// SetMode switches the demodulation mode. The transition is immediate, filter
// coefficients are recomputed with the next processed block.
func (d *Demodulator) SetMode(mode Mode) {
	d.modeMutex.Lock()
	defer d.modeMutex.Unlock()
	d.mode = mode
}

// Mode returns the current demodulation mode.
func (d *Demodulator) Mode() Mode {
	d.modeMutex.Lock()
	defer d.modeMutex.Unlock()
	return d.mode
}

// Start launches the processing loop on a dedicated thread.
func (d *Demodulator) Start() {
	d.runMutex.Lock()
	defer d.runMutex.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
}

// Stop signals the processing loop to exit.
func (d *Demodulator) Stop() {
	d.runMutex.Lock()
	defer d.runMutex.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stop)
}

// Join blocks until the processing thread has terminated.
func (d *Demodulator) Join() {
	d.runMutex.Lock()
	done := d.done
	d.runMutex.Unlock()
	if done == nil {
		return
	}
	<-done
}

func (d *Demodulator) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer log.Printf("demodulator %s shutdown", d.id)

	for {
		data, ok := d.in.Pop(stop)
		if !ok {
			return
		}
		d.processBlock(data)
		d.in.Release(data)
	}
}

func (d *Demodulator) processBlock(data []complex128) {
	mode := d.Mode()
	offset, width, active := d.params()
	if mode == ModeOff || !active {
		d.filter = nil
		return
	}

	if d.filter == nil || mode != d.lastMode || offset != d.lastOffset || width != d.lastWidth {
		cutoff, preShift, postShift := mode.filterSetup(width)
		intermediateRate := mode.intermediateRate()
		shiftRate := float64(-offset+preShift) / float64(core.ProcessingRate)
		cutoffRate := float64(cutoff) / float64(core.ProcessingRate)
		postShiftRate := float64(postShift) / float64(intermediateRate)
		d.filter = newChannelFilter(shiftRate, cutoffRate, core.ProcessingRate/intermediateRate, postShiftRate)
		if intermediateRate > core.AudioRate {
			audioCutoffRate := float64(wfmAudioCutoff) / float64(intermediateRate)
			d.audioFilter = newAudioDecimator(audioCutoffRate, intermediateRate/core.AudioRate)
		} else {
			d.audioFilter = nil
		}
		d.lastMode = mode
		d.lastOffset = offset
		d.lastWidth = width
		d.lastSample = 0
		d.dcLevel = 0
	}

	d.channel = d.filter.Process(data, d.channel[:0])
	mute := !d.squelch()

	if d.audioFilter != nil {
		// discriminate at the intermediate rate, then decimate the audio
		d.wide = d.wide[:0]
		for _, s := range d.channel {
			d.wide = append(d.wide, float64(d.demodulateSample(mode, s)))
		}
		d.audioOut = d.audioFilter.Process(d.wide, d.audioOut[:0])
		for _, s := range d.audioOut {
			sample := float32(s)
			if mute {
				sample = 0
			}
			d.emitSample(sample)
		}
		return
	}

	for _, s := range d.channel {
		sample := d.demodulateSample(mode, s)
		if mute {
			sample = 0
		}
		d.emitSample(sample)
	}
}

func (d *Demodulator) emitSample(sample float32) {
	d.frame = append(d.frame, sample)
	if len(d.frame) == audio.FrameSize {
		if err := d.sink.WriteFrame(d.frame); err != nil {
			log.Printf("demodulator %s: cannot write audio: %v", d.id, err)
		}
		d.frame = d.frame[:0]
	}
}

func (d *Demodulator) demodulateSample(mode Mode, s complex128) float32 {
	switch mode {
	case ModeAM:
		magnitude := cmplx.Abs(s)
		d.dcLevel = 0.999*d.dcLevel + 0.001*magnitude
		return float32(magnitude - d.dcLevel)
	case ModeNFM, ModeWFM:
		phase := cmplx.Phase(s * cmplx.Conj(d.lastSample))
		d.lastSample = s
		return float32(phase / math.Pi)
	case ModeLSB, ModeUSB, ModeCW:
		return float32(real(s))
	default:
		return 0
	}
}
