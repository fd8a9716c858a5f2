// Package scheduler pulls sample packets from a source adapter at the
// adapter's native pace, converts them to the fixed internal processing rate
// and distributes the converted blocks to the spectral and demodulation
// queues. Neither consumer's pace may block the other or block ingestion from
// the hardware. The scheduler also owns the recording of the raw, unconverted
// sample bytes.
package scheduler

import (
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/block"
	"github.com/ftl/affogato/core/resample"
	"github.com/ftl/affogato/core/source"
)

const queueDepth = 16

// FatalError is called exactly once when the source fails unrecoverably.
type FatalError func(error)

// New returns a scheduler for the given device. The converted samples are
// distributed in blocks of blockSize samples.
func New(id string, src source.Adapter, blockSize int) *Scheduler {
	if blockSize <= 0 {
		blockSize = 2048
	}
	return &Scheduler{
		id:            id,
		src:           src,
		blockSize:     blockSize,
		spectralQueue: block.NewQueue(queueDepth),
		demodQueue:    block.NewQueue(queueDepth),
	}
}

// Scheduler pulls packets from one source adapter on a dedicated thread and
// fans the converted samples out to the spectral and demodulation queues.
type Scheduler struct {
	id            string
	src           source.Adapter
	blockSize     int
	resampler     *resample.Resampler
	pending       []complex128
	spectralQueue *block.Queue
	demodQueue    *block.Queue

	paramsMutex      sync.RWMutex
	channelOffset    core.Frequency
	channelWidth     core.Frequency
	demodActive      bool
	squelchSatisfied int32

	recordingMutex sync.Mutex
	recording      *Recording

	runMutex sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}

	fatalCallback FatalError
}

// ID of this scheduler's device.
func (s *Scheduler) ID() string {
	return s.id
}

// SpectralQueue connects this scheduler to its spectral processor.
func (s *Scheduler) SpectralQueue() *block.Queue {
	return s.spectralQueue
}

// DemodQueue connects this scheduler to its demodulator.
func (s *Scheduler) DemodQueue() *block.Queue {
	return s.demodQueue
}

// OnFatalError registers the callback that is notified when the source fails.
func (s *Scheduler) OnFatalError(callback FatalError) {
	s.fatalCallback = callback
}

// Start launches the packet-pull loop on a dedicated thread. It fails if the
// source is not open or the loop is already running.
func (s *Scheduler) Start() error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.running {
		return errors.Errorf("scheduler %s is already running", s.id)
	}
	if !s.src.IsOpen() {
		return errors.Errorf("source of %s is not open", s.id)
	}

	if s.src.SampleRate() != core.ProcessingRate {
		resampler, err := resample.New(s.src.SampleRate(), core.ProcessingRate)
		if err != nil {
			return errors.Wrapf(err, "cannot convert %d samples/s to the processing rate", s.src.SampleRate())
		}
		s.resampler = resampler
	} else {
		s.resampler = nil
	}

	s.running = true
	s.pending = s.pending[:0]
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

// BlockSize returns the fixed size of the distributed sample blocks.
func (s *Scheduler) BlockSize() int {
	return s.blockSize
}

// Stop signals the packet-pull loop to exit after the current packet. Callers
// must Join before closing the source.
func (s *Scheduler) Stop() {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

// Join blocks until the packet-pull thread has terminated.
func (s *Scheduler) Join() {
	s.runMutex.Lock()
	done := s.done
	s.runMutex.Unlock()
	if done == nil {
		return
	}
	<-done
}

func (s *Scheduler) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer s.StopRecording()
	defer log.Printf("scheduler %s shutdown", s.id)

	raw := make([]byte, s.src.PacketSize())
	decoded := make([]complex128, s.src.PacketSize()/s.src.Format().BytesPerSample())

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := s.src.ReadPacket(raw)
		if err == source.ErrTimeout {
			log.Printf("scheduler %s: source stalled", s.id)
			continue
		}
		if err != nil {
			s.reportFatal(errors.Wrapf(err, "reading from source of %s failed", s.id))
			return
		}

		s.writeRecording(raw[:n])
		s.fanOut(raw[:n], decoded)
	}
}

func (s *Scheduler) fanOut(raw []byte, decoded []complex128) {
	count, err := s.src.Format().Decode(raw, decoded)
	if err != nil {
		log.Printf("scheduler %s: skipping malformed packet: %v", s.id, err)
		return
	}

	samples := decoded[:count]
	if s.resampler != nil {
		samples = s.resampler.Process(samples)
	}
	if len(samples) == 0 {
		return
	}

	s.pending = append(s.pending, samples...)
	offset := 0
	for len(s.pending)-offset >= s.blockSize {
		chunk := s.pending[offset : offset+s.blockSize]

		spectralBlock := s.spectralQueue.Take(s.blockSize)
		copy(spectralBlock, chunk)
		s.spectralQueue.Push(spectralBlock)

		demodBlock := s.demodQueue.Take(s.blockSize)
		copy(demodBlock, chunk)
		s.demodQueue.Push(demodBlock)

		offset += s.blockSize
	}
	if offset > 0 {
		s.pending = append(s.pending[:0], s.pending[offset:]...)
	}
}

func (s *Scheduler) reportFatal(err error) {
	log.Printf("scheduler %s: %v", s.id, err)
	if s.fatalCallback != nil {
		s.fatalCallback(err)
	}
}

// SetChannelFrequency sets the demodulation channel's offset from the center
// frequency. It takes effect within one block's latency.
func (s *Scheduler) SetChannelFrequency(offset core.Frequency) {
	s.paramsMutex.Lock()
	defer s.paramsMutex.Unlock()
	s.channelOffset = offset
}

// SetChannelWidth sets the demodulation channel's width. It takes effect
// within one block's latency.
func (s *Scheduler) SetChannelWidth(width core.Frequency) {
	s.paramsMutex.Lock()
	defer s.paramsMutex.Unlock()
	s.channelWidth = width
}

// SetDemodulationActive enables or disables demodulation.
func (s *Scheduler) SetDemodulationActive(active bool) {
	s.paramsMutex.Lock()
	defer s.paramsMutex.Unlock()
	s.demodActive = active
}

// ChannelParams returns the current demodulation channel parameters.
func (s *Scheduler) ChannelParams() (offset, width core.Frequency, active bool) {
	s.paramsMutex.RLock()
	defer s.paramsMutex.RUnlock()
	return s.channelOffset, s.channelWidth, s.demodActive
}

// ChannelFrequencyRange returns the absolute frequency bounds of the current
// demodulation channel.
func (s *Scheduler) ChannelFrequencyRange() core.FrequencyRange {
	offset, width, _ := s.ChannelParams()
	center := s.src.Frequency() + offset
	return core.FrequencyRange{From: center - width/2, To: center + width/2}
}

// SetSquelchSatisfied sets the external squelch gate.
func (s *Scheduler) SetSquelchSatisfied(satisfied bool) {
	var value int32
	if satisfied {
		value = 1
	}
	atomic.StoreInt32(&s.squelchSatisfied, value)
}

// SquelchSatisfied returns the current state of the external squelch gate.
func (s *Scheduler) SquelchSatisfied() bool {
	return atomic.LoadInt32(&s.squelchSatisfied) != 0
}

// Drops returns the number of blocks dropped per queue due to backpressure.
func (s *Scheduler) Drops() (spectral, demod uint64) {
	return s.spectralQueue.Drops(), s.demodQueue.Drops()
}

// StartRecording attaches a recording session that writes the raw, unconverted
// sample bytes of each incoming packet to the given sink, bit-exact. Only one
// session can be active at a time.
func (s *Scheduler) StartRecording(sink io.WriteCloser, options RecordingOptions) error {
	s.recordingMutex.Lock()
	defer s.recordingMutex.Unlock()
	if s.recording != nil {
		return errors.Errorf("%s is already recording", s.id)
	}
	s.recording = newRecording(sink, options)
	log.Printf("scheduler %s: recording session %s started", s.id, s.recording.SessionID())
	return nil
}

// StopRecording stops the active recording session, if any. It is idempotent.
// The session's OnStopped callback fires exactly once with the final byte count.
func (s *Scheduler) StopRecording() {
	s.recordingMutex.Lock()
	recording := s.recording
	s.recording = nil
	s.recordingMutex.Unlock()
	if recording == nil {
		return
	}
	recording.finish(nil)
}

// RecordingActive indicates whether a recording session is attached.
func (s *Scheduler) RecordingActive() bool {
	s.recordingMutex.Lock()
	defer s.recordingMutex.Unlock()
	return s.recording != nil
}

func (s *Scheduler) writeRecording(raw []byte) {
	s.recordingMutex.Lock()
	recording := s.recording
	s.recordingMutex.Unlock()
	if recording == nil {
		return
	}

	finished, err := recording.write(raw, s.SquelchSatisfied())
	if err != nil {
		log.Printf("scheduler %s: recording failed: %v", s.id, err)
	}
	if finished {
		s.recordingMutex.Lock()
		if s.recording == recording {
			s.recording = nil
		}
		s.recordingMutex.Unlock()
	}
}
