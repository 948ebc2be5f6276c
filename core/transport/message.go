// Package transport carries the wire-level contract between the telephony
// stream and the conversation core: the inbound message model and a
// concurrent-write-safe websocket connection.
package transport

import "encoding/json"

const (
	// MessageTypeAudio carries a base64 encoded audio chunk.
	MessageTypeAudio = "audio"
	// MessageTypeText carries a plain text utterance.
	MessageTypeText = "text"
	// MessageTypeMark acknowledges that a previously sent mark has played.
	MessageTypeMark = "mark"
	// MessageTypeInit carries session metadata sent once at stream start.
	MessageTypeInit = "init"
)

// Message is an inbound transport message, discriminated by Type.
type Message struct {
	Type string `json:"type"`
	// Data is base64 audio for audio messages and plain text for text
	// messages.
	Data string `json:"data,omitempty"`
	// Name is the mark id for mark acknowledgments.
	Name     string         `json:"name,omitempty"`
	MetaData map[string]any `json:"meta_data,omitempty"`
}

// ParseMessage decodes a raw inbound frame. An unparseable frame is reported
// as an error rather than a zero Message so callers can keep their receive
// loop running.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
