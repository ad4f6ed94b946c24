// Package audio holds the PCM helpers shared by the device transport and the
// recognition pipeline.
//
// All audio inside Earshot is signed 16-bit little-endian PCM. The device
// streams it in arbitrarily sized chunks; the listener batches those chunks and
// converts them to normalised float samples in [-1, 1] before handing them to a
// recogniser, which converts them back to int16 for the wire.
package audio

// BytesPerSample is the width of one int16 PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns how many seconds of audio n bytes of PCM in format f hold.
// Returns 0 for a zero-value format.
func (f Format) Duration(n int) float64 {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return float64(n/BytesPerSample/f.Channels) / float64(f.SampleRate)
}
