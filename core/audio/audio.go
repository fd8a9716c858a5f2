// Package audio defines the sink contract for demodulated audio and provides
// file-based and discarding sink implementations.
package audio

// FrameSize is the fixed number of samples per audio frame.
const FrameSize = 2048

// Sink consumes fixed-size PCM audio frames at the fixed output rate of
// core.AudioRate. The demodulator is the sole producer.
type Sink interface {
	// WriteFrame consumes one frame of FrameSize samples in [-1,1].
	WriteFrame(frame []float32) error
	// Close the sink and release its resources.
	Close() error
}

// NullSink discards all audio frames.
type NullSink struct{}

// WriteFrame discards the given frame.
func (s NullSink) WriteFrame(frame []float32) error {
	return nil
}

// Close the null sink.
func (s NullSink) Close() error {
	return nil
}
