package demod

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/audio"
	"github.com/ftl/affogato/core/block"
)

const testBlockSize = 4096

func TestModeFilterSetup(t *testing.T) {
	cutoff, preShift, postShift := ModeAM.filterSetup(10000)
	assert.Equal(t, core.Frequency(5000), cutoff)
	assert.Equal(t, core.Frequency(0), preShift)
	assert.Equal(t, core.Frequency(0), postShift)

	cutoff, preShift, postShift = ModeLSB.filterSetup(2700)
	assert.Equal(t, core.Frequency(1350), cutoff)
	assert.Equal(t, core.Frequency(1350), preShift)
	assert.Equal(t, core.Frequency(-1350), postShift)

	cutoff, preShift, postShift = ModeUSB.filterSetup(2700)
	assert.Equal(t, core.Frequency(1350), cutoff)
	assert.Equal(t, core.Frequency(-1350), preShift)
	assert.Equal(t, core.Frequency(1350), postShift)

	cutoff, preShift, postShift = ModeCW.filterSetup(500)
	assert.Equal(t, core.Frequency(250)+CWOffset, cutoff)
	assert.Equal(t, CWOffset, preShift)
	assert.Equal(t, core.Frequency(0), postShift)
}

func TestModeDefaultWidthWhenUnset(t *testing.T) {
	cutoff, _, _ := ModeNFM.filterSetup(0)
	assert.Equal(t, ModeNFM.DefaultWidth()/2, cutoff)
}

func TestOffProducesNoAudio(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeOff, 10000, 12500, true)
	d.Start()
	defer stopAndJoin(t, d)

	feedTone(in, 10000, 30)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.Samples())
}

func TestInactiveChannelProducesNoAudio(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeNFM, 10000, 12500, false)
	d.Start()
	defer stopAndJoin(t, d)

	feedTone(in, 10000, 30)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.Samples())
}

func TestFMToneDemodulatesToConstantLevel(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeNFM, 100000, 12500, true)
	d.Start()
	defer stopAndJoin(t, d)

	// a carrier deviated by a constant 1 kHz demodulates to a constant level
	const deviation = 1000.0
	feedTone(in, 100000+deviation, 60)
	samples := waitForSamples(t, sink, 2*audio.FrameSize)

	expected := 2 * deviation / float64(core.AudioRate)
	settled := samples[audio.FrameSize:]
	for _, s := range settled {
		assert.InDelta(t, expected, float64(s), expected*0.2)
	}
}

func TestWFMToneDemodulatesToConstantLevel(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeWFM, 100000, 200000, true)
	d.Start()
	defer stopAndJoin(t, d)

	// full broadcast deviation, far beyond the audio rate Nyquist, the
	// discriminator runs at the intermediate rate
	const deviation = 75000.0
	feedTone(in, 100000+deviation, 60)
	samples := waitForSamples(t, sink, 2*audio.FrameSize)

	expected := 2 * deviation / float64(wfmIntermediateRate)
	settled := samples[audio.FrameSize:]
	for _, s := range settled {
		assert.InDelta(t, expected, float64(s), expected*0.2)
	}
}

func TestAMToneDemodulatesEnvelope(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeAM, 100000, 10000, true)
	d.Start()
	defer stopAndJoin(t, d)

	// carrier at the channel offset, amplitude modulated with 1 kHz at 50% depth
	phase := 0.0
	ωc := 2 * math.Pi * 100000 / float64(core.ProcessingRate)
	ωm := 2 * math.Pi * 1000 / float64(core.ProcessingRate)
	for b := 0; b < 60; b++ {
		data := make([]complex128, testBlockSize)
		for i := range data {
			envelope := 1 + 0.5*math.Cos(ωm*phase)
			data[i] = complex(envelope*math.Cos(ωc*phase), envelope*math.Sin(ωc*phase))
			phase++
		}
		in.Push(data)
	}
	samples := waitForSamples(t, sink, 2*audio.FrameSize)

	settled := samples[audio.FrameSize:]
	minSample, maxSample := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, s := range settled {
		if s < minSample {
			minSample = s
		}
		if s > maxSample {
			maxSample = s
		}
	}
	assert.InDelta(t, 1.0, float64(maxSample-minSample), 0.2, "peak to peak envelope")
}

func TestCWToneBeatsAtTheFixedOffset(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeCW, 100000, 500, true)
	d.Start()
	defer stopAndJoin(t, d)

	// a carrier exactly at the channel offset beats at the fixed CW offset
	feedTone(in, 100000, 60)
	samples := waitForSamples(t, sink, 2*audio.FrameSize)

	settled := samples[audio.FrameSize:]
	crossings := 0
	for i := 1; i < len(settled); i++ {
		if (settled[i-1] < 0) != (settled[i] < 0) {
			crossings++
		}
	}
	duration := float64(len(settled)) / float64(core.AudioRate)
	expected := 2 * float64(CWOffset) * duration
	assert.InDelta(t, expected, float64(crossings), expected*0.15)
}

func TestUSBToneDemodulatesToAudioTone(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeUSB, 100000, 2700, true)
	d.Start()
	defer stopAndJoin(t, d)

	// a tone 1 kHz above the channel offset is audible at 1 kHz
	feedTone(in, 101000, 60)
	samples := waitForSamples(t, sink, 2*audio.FrameSize)

	settled := samples[audio.FrameSize:]
	crossings := 0
	for i := 1; i < len(settled); i++ {
		if (settled[i-1] < 0) != (settled[i] < 0) {
			crossings++
		}
	}
	duration := float64(len(settled)) / float64(core.AudioRate)
	expected := 2 * 1000 * duration
	assert.InDelta(t, expected, float64(crossings), expected*0.15)
}

func TestSquelchMutesAudioButKeepsProcessing(t *testing.T) {
	sink := newCollectingSink()
	in := block.NewQueue(128)
	d := New("rtlsdr_0", in, sink,
		func() (core.Frequency, core.Frequency, bool) { return 100000, 12500, true },
		func() bool { return false },
	)
	d.SetMode(ModeNFM)
	d.Start()
	defer stopAndJoin(t, d)

	feedTone(in, 101000, 60)
	samples := waitForSamples(t, sink, audio.FrameSize)

	// frames keep coming, all zeroed
	for _, s := range samples {
		assert.Equal(t, float32(0), s)
	}
}

func TestModeSwitchIsImmediate(t *testing.T) {
	sink := newCollectingSink()
	d, in := newTestDemodulator(sink, ModeOff, 100000, 12500, true)
	d.Start()
	defer stopAndJoin(t, d)

	feedTone(in, 100000, 10)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.Samples())

	d.SetMode(ModeNFM)
	assert.Equal(t, ModeNFM, d.Mode())
	feedTone(in, 100000, 60)
	waitForSamples(t, sink, audio.FrameSize)
}

func newTestDemodulator(sink audio.Sink, mode Mode, offset, width core.Frequency, active bool) (*Demodulator, *block.Queue) {
	in := block.NewQueue(128)
	d := New("rtlsdr_0", in, sink,
		func() (core.Frequency, core.Frequency, bool) { return offset, width, active },
		func() bool { return true },
	)
	d.SetMode(mode)
	return d, in
}

func stopAndJoin(t *testing.T, d *Demodulator) {
	t.Helper()
	d.Stop()
	joined := make(chan struct{})
	go func() {
		d.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		assert.Fail(t, "demodulator did not stop")
	}
}

func feedTone(in *block.Queue, frequency core.Frequency, blocks int) {
	ω := 2 * math.Pi * float64(frequency) / float64(core.ProcessingRate)
	phase := 0.0
	for b := 0; b < blocks; b++ {
		data := make([]complex128, testBlockSize)
		for i := range data {
			data[i] = complex(math.Cos(ω*phase), math.Sin(ω*phase))
			phase++
		}
		in.Push(data)
	}
}

func waitForSamples(t *testing.T, sink *collectingSink, count int) []float32 {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for len(sink.Samples()) < count {
		if time.Now().After(deadline) {
			require.Failf(t, "timeout", "sink has %d samples, expected %d", len(sink.Samples()), count)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sink.Samples()
}

func newCollectingSink() *collectingSink {
	return &collectingSink{}
}

type collectingSink struct {
	mutex   sync.Mutex
	samples []float32
}

func (s *collectingSink) WriteFrame(frame []float32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.samples = append(s.samples, frame...)
	return nil
}

func (s *collectingSink) Close() error {
	return nil
}

func (s *collectingSink) Samples() []float32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := make([]float32, len(s.samples))
	copy(result, s.samples)
	return result
}
