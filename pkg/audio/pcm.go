// Package audio provides helpers for the single PCM format the gateway
// speaks on its inbound leg: signed 16-bit little-endian mono at 16 kHz,
// framed in 20 ms windows. Outbound audio (MP3 from the TTS vendor) is
// treated as opaque bytes and never passes through this package.
package audio

import "math"

const (
	// SampleRate is the only inbound sample rate the gateway accepts.
	SampleRate = 16000

	// FrameMillis is the duration of one client audio frame.
	FrameMillis = 20

	// FrameSamples is the sample count of one frame (320 at 16 kHz / 20 ms).
	FrameSamples = SampleRate * FrameMillis / 1000

	// FrameBytes is the byte length of one frame of int16 PCM (640).
	FrameBytes = FrameSamples * 2

	// BytesPerSecond is the inbound PCM byte rate (32000).
	BytesPerSecond = SampleRate * 2
)

// RMS returns the root-mean-square amplitude of little-endian int16 PCM.
// A trailing odd byte is ignored; empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n*2; i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Samples decodes little-endian int16 PCM into samples. A trailing odd
// byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// Bytes encodes samples as little-endian int16 PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
