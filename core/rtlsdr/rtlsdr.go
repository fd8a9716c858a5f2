// Package rtlsdr drives an RTL-SDR dongle as a source adapter. The librtlsdr
// read loop runs on a dedicated, pinned thread that owns the device's native
// binding; incoming packets are handed to the puller through a buffered
// channel.
package rtlsdr

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	rtl "github.com/jpoirier/gortlsdr"
	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/native"
	"github.com/ftl/affogato/core/source"
)

const (
	packetSize     = 16384
	packetBacklog  = 16
	readTimeout    = time.Second
	defaultLowest  = 24000000
	defaultHighest = 1766000000
)

// New returns an adapter for the RTL-SDR dongle with the given device index.
func New(id string, deviceIndex int, frequencyCorrection int) *Device {
	return &Device{
		id:                  id,
		deviceIndex:         deviceIndex,
		frequencyCorrection: frequencyCorrection,
		frequency:           145000000,
	}
}

// Device is one RTL-SDR dongle.
type Device struct {
	id                  string
	deviceIndex         int
	frequencyCorrection int

	mutex     sync.Mutex
	device    *rtl.Context
	packets   chan []byte
	readDone  chan struct{}
	frequency core.Frequency

	dispatchDrops uint64
}

// Open the dongle, tune it to the last known frequency and start the native
// read loop. Opening completes synchronously.
func (d *Device) Open(onReady func(), onError func(error)) error {
	d.mutex.Lock()
	if d.device != nil {
		d.mutex.Unlock()
		return errors.Errorf("%s is already open", d.id)
	}

	device, err := rtl.Open(d.deviceIndex)
	if err != nil {
		d.mutex.Unlock()
		return errors.Wrapf(err, "cannot open RTL-SDR device %d", d.deviceIndex)
	}
	err = d.setup(device)
	if err != nil {
		device.Close()
		d.mutex.Unlock()
		return err
	}

	d.device = device
	d.packets = make(chan []byte, packetBacklog)
	d.readDone = make(chan struct{})
	go d.readLoop(device, d.readDone, onError)
	d.mutex.Unlock()

	if onReady != nil {
		onReady()
	}
	return nil
}

func (d *Device) setup(device *rtl.Context) error {
	err := device.SetSampleRate(core.ProcessingRate)
	if err != nil {
		return errors.Wrap(err, "SetSampleRate failed")
	}
	err = device.SetCenterFreq(int(d.frequency))
	if err != nil {
		return errors.Wrap(err, "SetCenterFreq failed")
	}
	err = device.SetFreqCorrection(d.frequencyCorrection)
	if err != nil {
		return errors.Wrap(err, "SetFreqCorrection failed")
	}
	err = device.SetTunerGainMode(false)
	if err != nil {
		return errors.Wrap(err, "SetTunerGainMode failed")
	}
	err = device.ResetBuffer()
	if err != nil {
		return errors.Wrap(err, "ResetBuffer failed")
	}
	return nil
}

// readLoop drives the native async read on its own pinned thread. The thread
// owns the device's native binding until the loop exits.
func (d *Device) readLoop(device *rtl.Context, done chan struct{}, onError func(error)) {
	defer close(done)
	binding := native.Bind(d.id, d.handlePacket, onError)
	defer binding.Release()

	err := device.ReadAsync(func(data []byte) {
		packet := make([]byte, len(data))
		copy(packet, data)
		binding.Dispatch(packet)
	}, nil, 0, packetSize)
	if err != nil && d.IsOpen() {
		binding.Fail(errors.Wrapf(err, "async read of %s failed", d.id))
	}
}

func (d *Device) handlePacket(packet []byte) {
	select {
	case d.packets <- packet:
	default:
		drops := atomic.AddUint64(&d.dispatchDrops, 1)
		if drops%100 == 1 {
			log.Printf("%s: puller too slow, %d packets dropped", d.id, drops)
		}
	}
}

// IsOpen indicates whether the dongle is open.
func (d *Device) IsOpen() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.device != nil
}

// Name of the dongle.
func (d *Device) Name() string {
	return rtl.GetDeviceName(d.deviceIndex)
}

// Frequency returns the current center frequency.
func (d *Device) Frequency() core.Frequency {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.frequency
}

// SetFrequency tunes the dongle to the given center frequency.
func (d *Device) SetFrequency(frequency core.Frequency) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.device != nil {
		err := d.device.SetCenterFreq(int(frequency))
		if err != nil {
			return errors.Wrapf(err, "cannot tune %s to %v", d.id, frequency)
		}
	}
	d.frequency = frequency
	return nil
}

// FrequencyRange returns the tunable range of the dongle.
func (d *Device) FrequencyRange() core.FrequencyRange {
	return core.FrequencyRange{From: defaultLowest, To: defaultHighest}
}

// SampleRate returns the fixed sample rate the dongle is configured to.
func (d *Device) SampleRate() int {
	return core.ProcessingRate
}

// SupportedSampleRates returns the sample rates of the RTL2832U.
func (d *Device) SupportedSampleRates() []int {
	return []int{250000, 1024000, 1536000, 1792000, 1920000, 2048000, 2160000, 2400000, 2560000, 2880000, 3200000}
}

// Format of the raw sample bytes.
func (d *Device) Format() source.Format {
	return source.Format8BitUnsigned
}

// PacketSize returns the fixed packet size in bytes.
func (d *Device) PacketSize() int {
	return packetSize
}

// ReadPacket fills p with the next packet from the native read loop.
func (d *Device) ReadPacket(p []byte) (int, error) {
	d.mutex.Lock()
	packets := d.packets
	d.mutex.Unlock()
	if packets == nil {
		return 0, errors.Errorf("%s is not open", d.id)
	}

	select {
	case packet, ok := <-packets:
		if !ok {
			return 0, errors.Errorf("%s was closed", d.id)
		}
		return copy(p, packet), nil
	case <-time.After(readTimeout):
		return 0, source.ErrTimeout
	}
}

// Close cancels the native read loop, waits for its thread to release the
// binding and closes the dongle.
func (d *Device) Close() error {
	d.mutex.Lock()
	device := d.device
	readDone := d.readDone
	d.device = nil
	d.packets = nil
	d.mutex.Unlock()
	if device == nil {
		return nil
	}

	device.CancelAsync()
	<-readDone
	return device.Close()
}
