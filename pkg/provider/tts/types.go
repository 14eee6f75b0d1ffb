package tts

// Voice describes one synthesis voice offered by a provider.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Category is the vendor's coarse grouping (e.g., "premade",
	// "cloned"). May be empty.
	Category string
}
