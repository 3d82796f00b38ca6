// Package codec converts audio between the telephony leg (G.711 μ-law, 8 kHz)
// and the agent leg (16-bit linear PCM, little-endian, usually 24 kHz).
//
// The conversions are lossy and latency-optimized. Resampling is a fixed-stride
// pick with no anti-alias filter.
package codec

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var expLUT = [8]int{0, 132, 396, 924, 1980, 4092, 8316, 16764}

// DecodeMulaw expands one μ-law byte into a linear sample.
func DecodeMulaw(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)
	sample := expLUT[exponent] + mantissa<<(exponent+3)
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// EncodeMulaw compresses one linear sample into a μ-law byte.
// Magnitudes above 32635 saturate.
func EncodeMulaw(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeMulawFrame decodes a μ-law frame byte for byte.
func DecodeMulawFrame(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = DecodeMulaw(b)
	}
	return out
}

// EncodeMulawFrame encodes linear samples byte for byte.
func EncodeMulawFrame(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = EncodeMulaw(s)
	}
	return out
}
