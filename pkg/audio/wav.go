package audio

import "encoding/binary"

// WAV wraps raw int16 mono PCM in a minimal 44-byte RIFF header so it can
// be posted to HTTP transcription endpoints that refuse headerless PCM.
func WAV(pcm []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(pcm))
	le := binary.LittleEndian

	buf = append(buf, "RIFF"...)
	buf = le.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = le.AppendUint32(buf, 16) // PCM fmt chunk size
	buf = le.AppendUint16(buf, 1)  // audio format: PCM
	buf = le.AppendUint16(buf, numChannels)
	buf = le.AppendUint32(buf, uint32(sampleRate))
	buf = le.AppendUint32(buf, uint32(byteRate))
	buf = le.AppendUint16(buf, uint16(blockAlign))
	buf = le.AppendUint16(buf, bitsPerSample)

	buf = append(buf, "data"...)
	buf = le.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}
