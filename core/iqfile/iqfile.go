// Package iqfile replays recorded raw IQ files through the source adapter
// contract. A recorded file is headerless and bit-exact, so frequency, sample
// rate and sample format must be supplied by the caller.
package iqfile

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/source"
)

const defaultPacketSize = 16384

// Options describe the recorded file. The recording itself carries no
// metadata.
type Options struct {
	Frequency  core.Frequency
	SampleRate int
	Format     source.Format
	// Loop restarts playback at the beginning of the file instead of ending
	// with io.EOF.
	Loop bool
	// PacketSize in bytes, must be a multiple of the format's sample size.
	PacketSize int
}

// New returns a playback source for the given file. The file is opened on Open.
func New(filename string, options Options) (*Source, error) {
	if options.SampleRate <= 0 {
		return nil, errors.Errorf("invalid sample rate %d", options.SampleRate)
	}
	if options.PacketSize <= 0 {
		options.PacketSize = defaultPacketSize
	}
	if options.PacketSize%options.Format.BytesPerSample() != 0 {
		return nil, errors.Errorf("packet size %d is not a multiple of the sample size %d",
			options.PacketSize, options.Format.BytesPerSample())
	}
	return &Source{
		filename: filename,
		options:  options,
	}, nil
}

// Source replays one raw IQ file at the recorded pace.
type Source struct {
	filename string
	options  Options

	mutex    sync.Mutex
	file     *os.File
	nextRead time.Time
}

// Open the file. Opening completes synchronously.
func (s *Source) Open(onReady func(), onError func(error)) error {
	s.mutex.Lock()
	if s.file != nil {
		s.mutex.Unlock()
		return errors.Errorf("%s is already open", s.filename)
	}
	file, err := os.Open(s.filename)
	if err != nil {
		s.mutex.Unlock()
		return errors.Wrapf(err, "cannot open IQ file %s", s.filename)
	}
	s.file = file
	s.nextRead = time.Now()
	s.mutex.Unlock()

	if onReady != nil {
		onReady()
	}
	return nil
}

// IsOpen indicates whether the file is open.
func (s *Source) IsOpen() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.file != nil
}

// Name of this source.
func (s *Source) Name() string {
	return "playback " + s.filename
}

// Frequency returns the recorded center frequency.
func (s *Source) Frequency() core.Frequency {
	return s.options.Frequency
}

// SetFrequency fails, a recorded file cannot be retuned.
func (s *Source) SetFrequency(core.Frequency) error {
	return errors.Errorf("playback of %s cannot be retuned", s.filename)
}

// FrequencyRange returns the degenerate range of the recorded center frequency.
func (s *Source) FrequencyRange() core.FrequencyRange {
	return core.FrequencyRange{From: s.options.Frequency, To: s.options.Frequency}
}

// SampleRate returns the recorded sample rate.
func (s *Source) SampleRate() int {
	return s.options.SampleRate
}

// SupportedSampleRates returns the recorded sample rate.
func (s *Source) SupportedSampleRates() []int {
	return []int{s.options.SampleRate}
}

// Format of the recorded sample bytes.
func (s *Source) Format() source.Format {
	return s.options.Format
}

// PacketSize returns the fixed packet size in bytes.
func (s *Source) PacketSize() int {
	return s.options.PacketSize
}

// ReadPacket fills p with the next packet of recorded bytes, paced to the
// recorded sample rate. Without the loop option the end of the file is
// reported as io.EOF; with it, playback wraps around. The last packet of a
// non-looping file may be short.
func (s *Source) ReadPacket(p []byte) (int, error) {
	s.mutex.Lock()
	file := s.file
	s.mutex.Unlock()
	if file == nil {
		return 0, errors.Errorf("%s is not open", s.filename)
	}

	packet := p[:s.options.PacketSize]
	n, err := io.ReadFull(file, packet)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && s.options.Loop) {
		if s.options.Loop {
			_, seekErr := file.Seek(0, io.SeekStart)
			if seekErr != nil {
				return n, errors.Wrapf(seekErr, "cannot rewind %s", s.filename)
			}
			if n < len(packet) {
				m, fillErr := io.ReadFull(file, packet[n:])
				n += m
				if fillErr != nil && fillErr != io.ErrUnexpectedEOF {
					return n, errors.Wrapf(fillErr, "cannot read IQ file %s", s.filename)
				}
			}
			err = nil
		} else {
			err = nil
		}
	}
	if err != nil {
		return n, err
	}

	s.pace(n)
	return n, nil
}

// pace sleeps until the wall clock caught up with the recorded pace.
func (s *Source) pace(bytesRead int) {
	samples := bytesRead / s.options.Format.BytesPerSample()
	duration := time.Duration(float64(samples) / float64(s.options.SampleRate) * float64(time.Second))

	s.mutex.Lock()
	now := time.Now()
	if s.nextRead.Before(now) {
		s.nextRead = now
	}
	wait := s.nextRead.Sub(now)
	s.nextRead = s.nextRead.Add(duration)
	s.mutex.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

// Close the file.
func (s *Source) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
