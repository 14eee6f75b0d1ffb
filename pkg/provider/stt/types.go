package stt

// Request carries the audio format and recognition hints for one
// transcription call.
type Request struct {
	// SampleRate is the PCM sample rate in Hz. Zero means 16000.
	SampleRate int

	// Language is the vendor language hint (e.g., "en-IN"). An empty
	// string lets the provider apply its configured default.
	Language string
}

// Result is a final transcription verdict.
type Result struct {
	// Text is the trimmed transcript. Empty means no speech was
	// recognised in the audio.
	Text string

	// Language is the language code the vendor detected or was told to
	// use. May be empty when the vendor does not report one.
	Language string
}
