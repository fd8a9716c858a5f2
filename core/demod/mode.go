package demod

import (
	"github.com/ftl/affogato/core"
)

// CWOffset is the fixed synthetic offset the channel is shifted by before
// filtering in CW mode. The offset becomes the audible beat note.
const CWOffset core.Frequency = 700

// wfmIntermediateRate is the sample rate wide FM is discriminated at. The
// full ±75 kHz deviation must stay below Nyquist at this rate, the audio rate
// is far too low for that.
const wfmIntermediateRate = 240000

// wfmAudioCutoff is the audio bandwidth of a broadcast FM channel.
const wfmAudioCutoff core.Frequency = 15000

// Mode is the demodulation mode, a closed set of variants. Each mode derives
// its own filter parameters from the channel width.
type Mode int

// All demodulation modes.
const (
	ModeOff Mode = iota
	ModeAM
	ModeNFM
	ModeWFM
	ModeLSB
	ModeUSB
	ModeCW
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAM:
		return "am"
	case ModeNFM:
		return "nfm"
	case ModeWFM:
		return "wfm"
	case ModeLSB:
		return "lsb"
	case ModeUSB:
		return "usb"
	case ModeCW:
		return "cw"
	default:
		return "unknown"
	}
}

// DefaultWidth returns the default channel width for this mode.
func (m Mode) DefaultWidth() core.Frequency {
	switch m {
	case ModeAM:
		return 10000
	case ModeNFM:
		return 12500
	case ModeWFM:
		return 200000
	case ModeLSB, ModeUSB:
		return 2700
	case ModeCW:
		return 500
	default:
		return 0
	}
}

// intermediateRate returns the sample rate this mode is demodulated at. Wide
// FM keeps an intermediate rate that holds the full deviation and decimates
// the demodulated audio in a second stage, all other modes demodulate
// directly at the audio rate.
func (m Mode) intermediateRate() int {
	if m == ModeWFM {
		return wfmIntermediateRate
	}
	return core.AudioRate
}

// filterSetup derives the channel filter parameters for this mode: the
// low-pass cutoff, the additional shift applied to the channel before
// filtering, and the shift applied after decimation, all in Hz. The sideband
// modes center their band on 0 for filtering and move it back afterwards; CW
// moves the carrier to the audible beat note before filtering, with the
// passband widened to keep the shifted band inside the cutoff.
func (m Mode) filterSetup(width core.Frequency) (cutoff, preShift, postShift core.Frequency) {
	if width <= 0 {
		width = m.DefaultWidth()
	}
	switch m {
	case ModeLSB:
		return width / 2, width / 2, -width / 2
	case ModeUSB:
		return width / 2, -width / 2, width / 2
	case ModeCW:
		return width/2 + CWOffset, CWOffset, 0
	default:
		return width / 2, 0, 0
	}
}
