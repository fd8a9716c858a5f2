package audio

import (
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
)

// NewWAVSink returns a sink writing 16-bit mono WAV at the fixed audio rate
// to the given file.
func NewWAVSink(filename string) (*WAVSink, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create WAV file %s", filename)
	}
	encoder := wav.NewEncoder(file, core.AudioRate, 16, 1, 1)
	return &WAVSink{
		file:    file,
		encoder: encoder,
		buffer: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: core.AudioRate},
			SourceBitDepth: 16,
			Data:           make([]int, FrameSize),
		},
	}, nil
}

// WAVSink writes audio frames into a WAV file.
type WAVSink struct {
	file    *os.File
	encoder *wav.Encoder
	buffer  *goaudio.IntBuffer
}

// WriteFrame appends the given frame to the WAV file.
func (s *WAVSink) WriteFrame(frame []float32) error {
	if len(frame) > cap(s.buffer.Data) {
		s.buffer.Data = make([]int, len(frame))
	}
	s.buffer.Data = s.buffer.Data[:len(frame)]
	for i, sample := range frame {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		s.buffer.Data[i] = int(sample * 32767)
	}
	return errors.Wrap(s.encoder.Write(s.buffer), "cannot write audio frame")
}

// Close finalizes the WAV file.
func (s *WAVSink) Close() error {
	if err := s.encoder.Close(); err != nil {
		s.file.Close()
		return errors.Wrap(err, "cannot finalize WAV file")
	}
	return s.file.Close()
}
