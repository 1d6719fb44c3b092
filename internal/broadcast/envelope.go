package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errMissingEventName = errors.New("broadcast: envelope event name missing")

// Envelope is the wire form of a message on Redis and websocket streams.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}

// EncodeMessage renders the message as an envelope.
func EncodeMessage(message Message) ([]byte, error) {
	payload := json.RawMessage(message.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(Envelope{Event: message.Event, Payload: payload, Origin: message.Origin})
}

// DecodeMessage parses an envelope received on topic.
func DecodeMessage(topic string, data []byte) (Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(envelope.Event) == "" {
		return Message{}, errMissingEventName
	}
	return Message{
		Topic:   topic,
		Event:   envelope.Event,
		Payload: []byte(envelope.Payload),
		Origin:  envelope.Origin,
	}, nil
}
