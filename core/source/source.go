package source

import (
	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
)

// ErrTimeout is returned by ReadPacket when no packet arrived within the
// adapter's read timeout. It indicates a stalled device, not a failure; the
// caller may retry.
var ErrTimeout = errors.New("read timeout")

// Type identifies the kind of hardware or virtual device behind an adapter.
type Type string

// All known source types.
const (
	TypeRTLSDR Type = "rtlsdr"
	TypeIQFile Type = "iqfile"
	TypeTest   Type = "test"
)

// Adapter provides raw IQ sample packets from one device. An adapter is owned
// exclusively by one pipeline and is closed exactly once at pipeline teardown.
type Adapter interface {
	// Open the device. Opening may complete synchronously, in which case
	// onReady is called before Open returns, or asynchronously for hardware
	// that reports readiness later. A failed synchronous open returns an
	// error; an asynchronous failure is reported through onError. After a
	// successful open, onError reports unrecoverable read failures.
	Open(onReady func(), onError func(error)) error

	// IsOpen indicates whether the device is open and delivering packets.
	IsOpen() bool

	// Name of the device for display purposes.
	Name() string

	// Frequency returns the current center frequency.
	Frequency() core.Frequency
	// SetFrequency tunes the device to the given center frequency.
	SetFrequency(core.Frequency) error
	// FrequencyRange returns the tunable range of the device.
	FrequencyRange() core.FrequencyRange

	// SampleRate returns the current sample rate in samples per second.
	SampleRate() int
	// SupportedSampleRates returns all sample rates the device supports.
	SupportedSampleRates() []int

	// Format of the raw sample bytes this adapter delivers.
	Format() Format
	// PacketSize returns the fixed size in bytes of the packets delivered by ReadPacket.
	PacketSize() int

	// ReadPacket fills p with the next packet of raw sample bytes. It blocks
	// until a full packet is available, the read timeout elapses (ErrTimeout),
	// or the device fails. p must be at least PacketSize bytes long.
	ReadPacket(p []byte) (int, error)

	// Close the device and release its resources.
	Close() error
}
