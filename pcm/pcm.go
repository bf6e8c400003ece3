// Package pcm converts captured floating-point audio into the fixed-rate
// 16-bit stream format the transcription protocol expects.
package pcm

import (
	"encoding/binary"
	"math"
)

// Resample converts samples from srcRate to dstRate using linear
// interpolation. Returns the input unchanged if rates already match. The
// quality bar here is streaming speech recognition, not hi-fi playback, so
// no anti-aliasing filter is applied.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)

	for i := range out {
		srcIdx := float64(i) * ratio
		idx := int(srcIdx)
		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcIdx - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return out
}

// EncodeS16LE clamps float samples to [-1, 1] and scales them to
// little-endian signed 16-bit. Negative samples scale by 32768 and
// non-negative by 32767 so neither end of the range overflows.
func EncodeS16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// DecodeS16LE is the inverse of EncodeS16LE, used on the server side of the
// bridge before handing audio to the engine.
func DecodeS16LE(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		if s < 0 {
			samples[i] = float32(s) / 32768
		} else {
			samples[i] = float32(s) / 32767
		}
	}
	return samples
}

func quantize(s float32) int16 {
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
