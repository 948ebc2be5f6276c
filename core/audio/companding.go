package audio

import "encoding/binary"

// G.711 mu-law companding. Telephony providers disagree on wire encodings:
// some expect 8-bit companded samples, others 16-bit linear PCM, so media
// framing converts between the two on the way out.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw compands little-endian 16-bit linear PCM into mu-law bytes.
// A trailing odd byte is ignored.
func EncodeMulaw(linear []byte) []byte {
	out := make([]byte, len(linear)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(linear[2*i:]))
		out[i] = encodeMulawSample(sample)
	}
	return out
}

// DecodeMulaw expands mu-law bytes into little-endian 16-bit linear PCM.
func DecodeMulaw(companded []byte) []byte {
	out := make([]byte, len(companded)*2)
	for i, b := range companded {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(decodeMulawSample(b)))
	}
	return out
}

func encodeMulawSample(sample int16) byte {
	sign := byte(0)
	value := int32(sample)
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > mulawClip {
		value = mulawClip
	}
	value += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && value&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((value >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

func decodeMulawSample(companded byte) int16 {
	companded = ^companded
	sign := companded & 0x80
	exponent := (companded >> 4) & 0x07
	mantissa := companded & 0x0F

	value := ((int32(mantissa) << 3) + mulawBias) << exponent
	value -= mulawBias

	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}
