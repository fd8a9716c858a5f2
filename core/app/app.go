// Package app wires the configuration, the device pipeline registry and the
// remote tuning frontend together for headless operation.
package app

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/audio"
	"github.com/ftl/affogato/core/iqfile"
	"github.com/ftl/affogato/core/registry"
	"github.com/ftl/affogato/core/rtlsdr"
	"github.com/ftl/affogato/core/source"
	"github.com/ftl/affogato/core/vfo"
)

// New returns a new controller for the given configuration.
func New(configuration core.Configuration) *Controller {
	return &Controller{
		configuration: configuration,
	}
}

// Controller for the application.
type Controller struct {
	configuration core.Configuration
	registry      *registry.Registry
	vfo           *vfo.VFO

	done         chan struct{}
	subProcesses *sync.WaitGroup
}

// Startup the application: bring up the registry, start the first device and
// connect the VFO.
func (c *Controller) Startup() {
	c.done = make(chan struct{})
	c.subProcesses = new(sync.WaitGroup)

	c.registry = registry.New(c.configuration, c.openSource, c.openRecordingSink, c.openAudioSink)
	c.registry.OnDeviceStateChanged(c.deviceStateChanged)
	c.registry.OnPipelineError(func(id string, err error) {
		log.Printf("device %s failed: %v", id, err)
	})

	var err error
	if c.configuration.Testmode {
		err = c.registry.Start(source.TypeTest, "test_0")
	} else {
		err = c.registry.Start(source.TypeRTLSDR, "rtlsdr_0")
	}
	if err != nil {
		log.Fatal(err)
	}

	c.vfo, err = vfo.Open(c.configuration.VFOHost)
	if err != nil {
		log.Printf("no VFO connection, running untethered: %v", err)
	} else {
		c.vfo.OnFrequencyChange(c.tuneActiveDevice)
		c.vfo.Run(c.done, c.subProcesses)
	}
}

// Shutdown the application.
func (c *Controller) Shutdown() {
	close(c.done)
	c.subProcesses.Wait()
	c.registry.Close()
}

// Registry gives access to the running device pipelines.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// PlayFile starts a playback pipeline for the given recorded IQ file.
func (c *Controller) PlayFile(filename string) error {
	return c.registry.Start(source.TypeIQFile, filename)
}

func (c *Controller) tuneActiveDevice(f core.Frequency) {
	pipeline, ok := c.registry.ActivePipeline()
	if !ok {
		return
	}
	err := pipeline.SetFrequency(f)
	if err != nil {
		log.Printf("cannot tune %s: %v", pipeline.ID, err)
	}
}

func (c *Controller) deviceStateChanged(state core.DeviceState) {
	log.Printf("active device: %s at %v", state.Name, state.Frequency)
	if c.vfo != nil {
		c.vfo.SetFrequency(state.Frequency)
	}
}

func (c *Controller) openSource(sourceType source.Type, id string) (source.Adapter, error) {
	switch sourceType {
	case source.TypeRTLSDR:
		return rtlsdr.New(id, deviceIndex(id), c.configuration.FrequencyCorrection), nil
	case source.TypeIQFile:
		// recordings are raw RTL-SDR captures, so the format and rate are known
		return iqfile.New(id, iqfile.Options{
			SampleRate: core.ProcessingRate,
			Format:     source.Format8BitUnsigned,
		})
	case source.TypeTest:
		return source.NewTestSource(id, 145000000, core.ProcessingRate, 10000), nil
	default:
		return nil, errors.Errorf("unknown source type %s", sourceType)
	}
}

func (c *Controller) openRecordingSink(id string) (io.WriteCloser, error) {
	filename := filepath.Join(c.configuration.RecordingDir,
		fmt.Sprintf("%s_%s.iq", sanitize(id), time.Now().Format("20060102T150405")))
	return os.Create(filename)
}

func (c *Controller) openAudioSink(id string) (audio.Sink, error) {
	if c.configuration.RecordingDir == "" {
		return audio.NullSink{}, nil
	}
	filename := filepath.Join(c.configuration.RecordingDir, sanitize(id)+".wav")
	return audio.NewWAVSink(filename)
}

// deviceIndex derives the RTL-SDR device index from an id like "rtlsdr_2".
func deviceIndex(id string) int {
	parts := strings.Split(id, "_")
	index, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return index
}

// sanitize turns an id into a usable file name part.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
