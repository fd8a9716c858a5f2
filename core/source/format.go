package source

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Format describes the on-wire and on-disk encoding of raw IQ sample bytes.
// The encoding is keyed by hardware type and preserved bit-exact when recording.
type Format int

// All supported sample formats.
const (
	Format8BitSigned Format = iota
	Format8BitUnsigned
	Format16BitSignedLE
)

func (f Format) String() string {
	switch f {
	case Format8BitSigned:
		return "8s"
	case Format8BitUnsigned:
		return "8u"
	case Format16BitSignedLE:
		return "16sle"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the number of bytes one complex sample occupies.
func (f Format) BytesPerSample() int {
	switch f {
	case Format16BitSignedLE:
		return 4
	default:
		return 2
	}
}

// Decode converts the given raw sample bytes into complex samples normalized
// to [-1,1]. The number of decoded samples is returned.
func (f Format) Decode(buf []byte, out []complex128) (int, error) {
	bytesPerSample := f.BytesPerSample()
	if len(buf)%bytesPerSample != 0 {
		return 0, errors.Errorf("buffer length %d is not a multiple of the sample size %d", len(buf), bytesPerSample)
	}
	count := len(buf) / bytesPerSample
	if count > len(out) {
		return 0, errors.Errorf("output buffer too small: %d samples needed, %d available", count, len(out))
	}

	switch f {
	case Format8BitSigned:
		for i := 0; i < count; i++ {
			iSample := float64(int8(buf[i*2])) / 128.0
			qSample := float64(int8(buf[i*2+1])) / 128.0
			out[i] = complex(iSample, qSample)
		}
	case Format8BitUnsigned:
		for i := 0; i < count; i++ {
			iSample := (float64(buf[i*2]) - 127.4) / 128.0
			qSample := (float64(buf[i*2+1]) - 127.4) / 128.0
			out[i] = complex(iSample, qSample)
		}
	case Format16BitSignedLE:
		for i := 0; i < count; i++ {
			iSample := float64(int16(binary.LittleEndian.Uint16(buf[i*4:]))) / 32768.0
			qSample := float64(int16(binary.LittleEndian.Uint16(buf[i*4+2:]))) / 32768.0
			out[i] = complex(iSample, qSample)
		}
	default:
		return 0, errors.Errorf("unknown sample format %d", f)
	}

	return count, nil
}
