// Package wire defines the JSON control messages exchanged with the browser
// over the /ws connection. Binary frames (PCM in, MP3 chunks out) are not
// represented here; this package covers only the text side of the protocol.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message type values for server → client events.
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
	TypeTTSText    = "tts_text"
	TypeAudioStart = "audio_start"
	TypeAudioEnd   = "audio_end"
	TypeInterrupt  = "interrupt"
	TypeError      = "error"
	TypePing       = "ping"
)

// Event is a server → client control message. Exactly one constructor per
// message type below; fields not used by a type stay zero and are omitted
// from the JSON.
type Event struct {
	Type     string `json:"type"`
	State    string `json:"state,omitempty"`
	Text     string `json:"text,omitempty"`
	HasAudio *bool  `json:"has_audio,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Status announces a session state change. state is one of the session
// state names, or "TIMEOUT" just before an inactivity teardown.
func Status(state string) Event {
	return Event{Type: TypeStatus, State: state}
}

// Transcript carries the finalized user utterance for display.
func Transcript(text string) Event {
	return Event{Type: TypeTranscript, Text: text}
}

// TTSText carries the assistant's reply text. hasAudio false tells the
// client no audio is coming and it should synthesize locally.
func TTSText(text string, hasAudio bool) Event {
	return Event{Type: TypeTTSText, Text: text, HasAudio: &hasAudio}
}

// AudioStart announces that binary MP3 chunks for a new assistant reply
// follow.
func AudioStart() Event {
	return Event{Type: TypeAudioStart}
}

// AudioEnd announces that the assistant audio stream completed normally.
func AudioEnd() Event {
	return Event{Type: TypeAudioEnd}
}

// Interrupt tells the client to drop buffered and playing audio immediately.
func Interrupt() Event {
	return Event{Type: TypeInterrupt}
}

// Error reports a human-readable, non-fatal problem.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// Ping is the keepalive sent every 25s; clients need not respond.
func Ping() Event {
	return Event{Type: TypePing}
}

// Marshal encodes ev as its wire JSON.
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %q event: %w", e.Type, err)
	}
	return b, nil
}

// Inbound is a client → server text frame. The protocol reserves this
// channel for future controls; today only "ping" is recognised and it
// requires no reply.
type Inbound struct {
	Type string `json:"type"`
}

// ParseInbound decodes a client text frame. Unknown or malformed payloads
// return an error so the caller can log and ignore them.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("wire: parse inbound: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("wire: inbound message missing type")
	}
	return in, nil
}
