package audio

import "time"

const (
	DefaultSampleRate = 8000
	DefaultFormat     = "mulaw"
)

// GetDefaultEncodingInfo returns the encoding used by telephony streams when
// the provider does not declare one: 8 kHz companded mu-law.
func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// Duration computes how long a payload of n bytes plays for under this
// encoding. A mu-law payload at 8 kHz plays n/8000 seconds, a linear16
// payload at the same rate n/16000 seconds.
func (e EncodingInfo) Duration(n int) time.Duration {
	byteRate := e.SampleRate * e.Format.ByteSize()
	if byteRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(byteRate) * float64(time.Second))
}

// Samples converts a play duration back into a byte count under this
// encoding.
func (e EncodingInfo) Samples(d time.Duration) int {
	return int(float64(d) / float64(time.Second) * float64(e.SampleRate) * float64(e.Format.ByteSize()))
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
