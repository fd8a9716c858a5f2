package cfg

import (
	"github.com/ftl/hamradio/cfg"

	"github.com/ftl/affogato/core"
)

const (
	testmode            cfg.Key = "affogato.testmode"
	frequencyCorrection cfg.Key = "affogato.frequencyCorrection"
	vfoHost             cfg.Key = "affogato.vfoHost"
	fftSize             cfg.Key = "affogato.fftSize"
	fftAveragingDepth   cfg.Key = "affogato.fftAveragingDepth"
	waterfallDepth      cfg.Key = "affogato.waterfallDepth"
	recordingDir        cfg.Key = "affogato.recordingDir"
)

// Load the configuration from the default location.
func Load() (core.Configuration, error) {
	configuration, err := cfg.LoadDefault()
	if err != nil {
		return core.Configuration{}, err
	}

	result := core.Configuration{
		Testmode:            configuration.Get(testmode, false).(bool),
		FrequencyCorrection: int(configuration.Get(frequencyCorrection, 0.0).(float64)),
		VFOHost:             configuration.Get(vfoHost, "").(string),
		FFTSize:             int(configuration.Get(fftSize, 2048.0).(float64)),
		FFTAveragingDepth:   int(configuration.Get(fftAveragingDepth, 5.0).(float64)),
		WaterfallDepth:      int(configuration.Get(waterfallDepth, 512.0).(float64)),
		RecordingDir:        configuration.Get(recordingDir, ".").(string),
	}

	return result, nil
}

// Static returns a static default configuration, for use when no configuration file is available.
func Static() core.Configuration {
	return core.Configuration{
		FFTSize:           2048,
		FFTAveragingDepth: 5,
		WaterfallDepth:    512,
		RecordingDir:      ".",
	}
}
