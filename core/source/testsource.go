package source

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
)

// NewTestSource returns a source adapter that produces noise with a single
// tone at the given offset from the center frequency. It paces its packets
// according to the configured sample rate and needs no hardware.
func NewTestSource(name string, frequency core.Frequency, sampleRate int, toneOffset core.Frequency) *TestSource {
	return &TestSource{
		name:       name,
		frequency:  frequency,
		sampleRate: sampleRate,
		toneOffset: toneOffset,
		packetSize: 16384,
	}
}

// TestSource is a source adapter without hardware, for test mode and tests.
type TestSource struct {
	name       string
	frequency  core.Frequency
	sampleRate int
	toneOffset core.Frequency
	packetSize int

	mutex  sync.Mutex
	open   bool
	closed bool
	phase  float64
	last   time.Time
}

// Open the test source. Opening always succeeds synchronously.
func (s *TestSource) Open(onReady func(), onError func(error)) error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return errors.New("test source is closed")
	}
	s.open = true
	s.last = time.Now()
	s.mutex.Unlock()

	onReady()
	return nil
}

// IsOpen indicates whether the test source is open.
func (s *TestSource) IsOpen() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.open && !s.closed
}

// Name of the test source.
func (s *TestSource) Name() string {
	return s.name
}

// Frequency returns the configured center frequency.
func (s *TestSource) Frequency() core.Frequency {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.frequency
}

// SetFrequency sets the center frequency.
func (s *TestSource) SetFrequency(f core.Frequency) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.frequency = f
	return nil
}

// FrequencyRange of the test source.
func (s *TestSource) FrequencyRange() core.FrequencyRange {
	return core.FrequencyRange{From: 0, To: 2000000000}
}

// SampleRate returns the configured sample rate.
func (s *TestSource) SampleRate() int {
	return s.sampleRate
}

// SupportedSampleRates of the test source.
func (s *TestSource) SupportedSampleRates() []int {
	return []int{s.sampleRate}
}

// Format of the test source's raw bytes.
func (s *TestSource) Format() Format {
	return Format8BitUnsigned
}

// PacketSize of the test source.
func (s *TestSource) PacketSize() int {
	return s.packetSize
}

// ReadPacket produces the next packet, pacing itself to the configured sample rate.
func (s *TestSource) ReadPacket(p []byte) (int, error) {
	s.mutex.Lock()
	if !s.open || s.closed {
		s.mutex.Unlock()
		return 0, errors.New("test source is not open")
	}
	toneRate := float64(s.toneOffset) / float64(s.sampleRate)
	phase := s.phase
	last := s.last
	s.mutex.Unlock()

	if len(p) < s.packetSize {
		return 0, errors.Errorf("packet buffer too small: %d < %d", len(p), s.packetSize)
	}

	sampleCount := s.packetSize / s.Format().BytesPerSample()
	packetDuration := time.Duration(float64(sampleCount) / float64(s.sampleRate) * float64(time.Second))
	elapsed := time.Since(last)
	if elapsed < packetDuration {
		time.Sleep(packetDuration - elapsed)
	}

	ω := 2 * math.Pi * toneRate
	for i := 0; i < sampleCount; i++ {
		iSample := 0.5*math.Cos(ω*phase) + 0.05*(rand.Float64()-0.5)
		qSample := 0.5*math.Sin(ω*phase) + 0.05*(rand.Float64()-0.5)
		p[i*2] = byte(iSample*128.0 + 127.4)
		p[i*2+1] = byte(qSample*128.0 + 127.4)
		phase++
	}

	s.mutex.Lock()
	s.phase = phase
	s.last = time.Now()
	s.mutex.Unlock()

	return s.packetSize, nil
}

// Close the test source.
func (s *TestSource) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.open = false
	s.closed = true
	return nil
}
