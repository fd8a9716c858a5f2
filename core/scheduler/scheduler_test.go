package scheduler

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/source"
)

func TestStartFailsWhenSourceNotOpen(t *testing.T) {
	src := newFakeSource(nil, false)
	s := New("rtlsdr_0", src, 64)
	assert.Equal(t, 64, s.BlockSize())

	err := s.Start()
	assert.Error(t, err)
}

func TestStartFailsWhenAlreadyRunning(t *testing.T) {
	src := newFakeSource(nil, true)
	src.cycle = true
	s := New("rtlsdr_0", src, 64)
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		s.Join()
	}()

	assert.Error(t, s.Start())
}

func TestOrderPreservation(t *testing.T) {
	const packetCount = 10
	packets := make([][]byte, packetCount)
	for i := range packets {
		packets[i] = indexedPacket(uint16(i + 1))
	}
	src := newFakeSource(packets, true)
	s := New("rtlsdr_0", src, 64)
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		s.Join()
	}()

	stop := make(chan struct{})
	lastSpectral := 0.0
	lastDemod := 0.0
	for i := 0; i < packetCount; i++ {
		spectralBlock, ok := s.SpectralQueue().Pop(stop)
		require.True(t, ok)
		assert.True(t, real(spectralBlock[0]) > lastSpectral, "spectral blocks out of order")
		lastSpectral = real(spectralBlock[0])
		s.SpectralQueue().Release(spectralBlock)

		demodBlock, ok := s.DemodQueue().Pop(stop)
		require.True(t, ok)
		assert.True(t, real(demodBlock[0]) > lastDemod, "demod blocks out of order")
		lastDemod = real(demodBlock[0])
		s.DemodQueue().Release(demodBlock)
	}
}

func TestQueueOverflowDoesNotStallIngestion(t *testing.T) {
	src := newFakeSource([][]byte{indexedPacket(1)}, true)
	src.cycle = true
	s := New("rtlsdr_0", src, 64)
	require.NoError(t, s.Start())

	// consume nothing and let both queues overflow
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		spectralDrops, demodDrops := s.Drops()
		if spectralDrops > 0 && demodDrops > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	joined := make(chan struct{})
	go func() {
		s.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		assert.Fail(t, "scheduler did not stop, ingestion is stalled")
	}

	spectralDrops, demodDrops := s.Drops()
	assert.True(t, spectralDrops > 0)
	assert.True(t, demodDrops > 0)
}

func TestRecordingIsBitExact(t *testing.T) {
	const packetCount = 5
	packets := make([][]byte, packetCount)
	var expected []byte
	for i := range packets {
		packets[i] = indexedPacket(uint16(i + 1))
		expected = append(expected, packets[i]...)
	}
	src := newFakeSource(packets, true)
	s := New("rtlsdr_0", src, 64)

	sink := newFakeSink()
	stopped := make(chan int64, 1)
	require.NoError(t, s.StartRecording(sink, RecordingOptions{
		OnStopped: func(bytes int64) { stopped <- bytes },
	}))
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		s.Join()
	}()

	select {
	case bytes := <-stopped:
		assert.Equal(t, int64(len(expected)), bytes)
	case <-time.After(2 * time.Second):
		// the source runs dry after the last packet, scheduler shutdown
		// finishes the recording
		assert.Fail(t, "recording was not finished")
	}
	assert.Equal(t, expected, sink.Bytes())
	assert.True(t, sink.Closed())
}

func TestRecordingStopsAtMaxBytes(t *testing.T) {
	packets := make([][]byte, 10)
	for i := range packets {
		packets[i] = indexedPacket(uint16(i + 1))
	}
	packetSize := int64(len(packets[0]))
	src := newFakeSource(packets, true)
	s := New("rtlsdr_0", src, 64)

	sink := newFakeSink()
	var stoppedCount int32
	stopped := make(chan int64, 2)
	require.NoError(t, s.StartRecording(sink, RecordingOptions{
		MaxBytes: 3 * packetSize,
		OnStopped: func(bytes int64) {
			atomic.AddInt32(&stoppedCount, 1)
			stopped <- bytes
		},
	}))
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		s.Join()
	}()

	select {
	case bytes := <-stopped:
		assert.True(t, bytes >= 3*packetSize)
		assert.Equal(t, bytes, int64(len(sink.Bytes())))
	case <-time.After(2 * time.Second):
		assert.Fail(t, "recording did not stop at the byte limit")
	}

	// no second OnStopped, not even through StopRecording or shutdown
	s.StopRecording()
	select {
	case <-stopped:
		assert.Fail(t, "OnStopped fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&stoppedCount))
}

func TestRecordingStopsAtMaxDuration(t *testing.T) {
	src := newFakeSource([][]byte{indexedPacket(1)}, true)
	src.cycle = true
	src.pace = 5 * time.Millisecond
	s := New("rtlsdr_0", src, 64)

	sink := newFakeSink()
	stopped := make(chan int64, 1)
	start := time.Now()
	require.NoError(t, s.StartRecording(sink, RecordingOptions{
		MaxDuration: 50 * time.Millisecond,
		OnStopped:   func(bytes int64) { stopped <- bytes },
	}))
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		s.Join()
	}()

	select {
	case <-stopped:
		assert.True(t, time.Since(start) >= 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		assert.Fail(t, "recording did not stop at the duration limit")
	}
}

func TestRecordingSquelchGate(t *testing.T) {
	src := newFakeSource([][]byte{indexedPacket(1)}, true)
	src.cycle = true
	src.pace = time.Millisecond
	s := New("rtlsdr_0", src, 64)
	s.SetSquelchSatisfied(false)

	sink := newFakeSink()
	require.NoError(t, s.StartRecording(sink, RecordingOptions{OnlyWhenSquelchSatisfied: true}))
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		s.Join()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.Bytes())

	s.SetSquelchSatisfied(true)
	deadline := time.Now().Add(time.Second)
	for len(sink.Bytes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEmpty(t, sink.Bytes())
}

func TestStopRecordingIsIdempotent(t *testing.T) {
	src := newFakeSource(nil, true)
	s := New("rtlsdr_0", src, 64)

	sink := newFakeSink()
	stoppedCount := 0
	require.NoError(t, s.StartRecording(sink, RecordingOptions{
		OnStopped: func(int64) { stoppedCount++ },
	}))

	s.StopRecording()
	s.StopRecording()
	assert.Equal(t, 1, stoppedCount)
	assert.True(t, sink.Closed())
	assert.False(t, s.RecordingActive())
}

func TestSecondRecordingIsRejectedWhileActive(t *testing.T) {
	src := newFakeSource(nil, true)
	s := New("rtlsdr_0", src, 64)

	require.NoError(t, s.StartRecording(newFakeSink(), RecordingOptions{}))
	assert.Error(t, s.StartRecording(newFakeSink(), RecordingOptions{}))

	s.StopRecording()
	assert.NoError(t, s.StartRecording(newFakeSink(), RecordingOptions{}))
}

func TestStopRecordingFromSizeCallback(t *testing.T) {
	src := newFakeSource([][]byte{indexedPacket(1)}, true)
	src.cycle = true
	src.pace = time.Millisecond
	s := New("rtlsdr_0", src, 64)

	sink := newFakeSink()
	var stoppedCount int32
	stopped := make(chan struct{}, 2)
	require.NoError(t, s.StartRecording(sink, RecordingOptions{
		OnSizeUpdate: func(bytes int64) {
			if bytes >= 512 {
				s.StopRecording()
			}
		},
		OnStopped: func(bytes int64) {
			atomic.AddInt32(&stoppedCount, 1)
			stopped <- struct{}{}
		},
	}))
	require.NoError(t, s.Start())

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		assert.Fail(t, "recording was not stopped from the size callback")
	}

	joined := make(chan struct{})
	go func() {
		s.Stop()
		s.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		assert.Fail(t, "scheduler did not shut down after the callback stopped the recording")
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&stoppedCount))
	assert.True(t, sink.Closed())
	assert.False(t, s.RecordingActive())
}

func TestFatalSourceErrorIsReportedOnce(t *testing.T) {
	src := newFakeSource([][]byte{indexedPacket(1)}, true)
	s := New("rtlsdr_0", src, 64)

	fatal := make(chan error, 2)
	s.OnFatalError(func(err error) { fatal <- err })
	require.NoError(t, s.Start())

	select {
	case err := <-fatal:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		assert.Fail(t, "fatal error was not reported")
	}
	s.Join()

	select {
	case <-fatal:
		assert.Fail(t, "fatal error was reported more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelFrequencyRange(t *testing.T) {
	src := newFakeSource(nil, true)
	src.frequency = 100000000
	s := New("rtlsdr_0", src, 64)

	s.SetChannelFrequency(10000)
	s.SetChannelWidth(5000)
	s.SetDemodulationActive(true)

	offset, width, active := s.ChannelParams()
	assert.Equal(t, core.Frequency(10000), offset)
	assert.Equal(t, core.Frequency(5000), width)
	assert.True(t, active)

	r := s.ChannelFrequencyRange()
	assert.Equal(t, core.Frequency(100007500), r.From)
	assert.Equal(t, core.Frequency(100012500), r.To)
}

// indexedPacket returns a 16-bit LE packet whose first I sample carries the
// given index, so block order can be verified after decoding.
func indexedPacket(index uint16) []byte {
	packet := make([]byte, 256)
	binary.LittleEndian.PutUint16(packet, index*100)
	return packet
}

func newFakeSource(packets [][]byte, open bool) *fakeSource {
	return &fakeSource{
		packets:   packets,
		open:      open,
		frequency: 100000000,
	}
}

type fakeSource struct {
	mutex     sync.Mutex
	packets   [][]byte
	index     int
	cycle     bool
	pace      time.Duration
	open      bool
	frequency core.Frequency
}

func (f *fakeSource) Open(onReady func(), onError func(error)) error {
	f.mutex.Lock()
	f.open = true
	f.mutex.Unlock()
	onReady()
	return nil
}

func (f *fakeSource) IsOpen() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.open
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Frequency() core.Frequency {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.frequency
}

func (f *fakeSource) SetFrequency(frequency core.Frequency) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.frequency = frequency
	return nil
}

func (f *fakeSource) FrequencyRange() core.FrequencyRange {
	return core.FrequencyRange{From: 0, To: 2000000000}
}

func (f *fakeSource) SampleRate() int { return core.ProcessingRate }

func (f *fakeSource) SupportedSampleRates() []int { return []int{core.ProcessingRate} }

func (f *fakeSource) Format() source.Format { return source.Format16BitSignedLE }

func (f *fakeSource) PacketSize() int { return 256 }

func (f *fakeSource) ReadPacket(p []byte) (int, error) {
	if f.pace > 0 {
		time.Sleep(f.pace)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.open {
		return 0, io.EOF
	}
	if f.index >= len(f.packets) {
		if f.cycle && len(f.packets) > 0 {
			f.index = 0
		} else {
			return 0, io.EOF
		}
	}
	n := copy(p, f.packets[f.index])
	f.index++
	return n, nil
}

func (f *fakeSource) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.open = false
	return nil
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

type fakeSink struct {
	mutex  sync.Mutex
	data   []byte
	closed bool
}

func (f *fakeSink) Write(p []byte) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.data = append(f.data, p...)
	return len(p), nil
}

func (f *fakeSink) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) Bytes() []byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	result := make([]byte, len(f.data))
	copy(result, f.data)
	return result
}

func (f *fakeSink) Closed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}
