package audio

import (
	"encoding/binary"
	"math"
)

// int16Scale is the divisor that maps the full int16 range onto [-1, 1).
const int16Scale = 32768.0

// int16Peak is the multiplier used when mapping floats back to int16.
const int16Peak = 32767.0

// Int16LEToFloat64 interprets raw as contiguous little-endian int16 samples and
// returns each one divided by 32768. The output has len(raw)/2 elements; a
// trailing odd byte is dropped.
func Int16LEToFloat64(raw []byte) []float64 {
	n := len(raw) / BytesPerSample
	out := make([]float64, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = float64(s) / int16Scale
	}
	return out
}

// Float64ToInt16 maps normalised samples back to int16 using
// round(sample * 32767). Values outside [-1, 1] are clamped.
func Float64ToInt16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(s * int16Peak)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Int16ToPCM serialises samples as little-endian bytes.
func Int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Concat joins chunks in order into one freshly allocated buffer.
func Concat(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleInt16 is [ResampleMono16] for already-decoded samples.
func ResampleInt16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	pcm := ResampleMono16(Int16ToPCM(samples), srcRate, dstRate)
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// WAV wraps little-endian int16 PCM in a canonical 44-byte RIFF/WAVE header.
func WAV(pcm []byte, f Format) []byte {
	const headerSize = 44
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	byteRate := f.SampleRate * channels * BytesPerSample
	blockAlign := channels * BytesPerSample

	buf := make([]byte, headerSize+len(pcm))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:], 8*BytesPerSample)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[headerSize:], pcm)
	return buf
}
