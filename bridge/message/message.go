// Package message defines the JSON-RPC values carried by the bridge.
// The bridge does not interpret JSON-RPC methods, so a Message is just a validated raw JSON value
// tagged with the direction it travels in.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Direction int

const (
	// Outbound messages come from the subprocess and go to streaming clients.
	Outbound Direction = iota
	// Inbound messages come from clients and go to the subprocess.
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

var ErrInvalidJSON = errors.New("invalid JSON")

type Message struct {
	Direction Direction
	Raw       json.RawMessage
}

// Parse validates data as a single JSON value and wraps it in a Message.
// Surrounding whitespace is dropped, the value itself is kept byte-for-byte.
func Parse(data []byte, dir Direction) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return Message{}, ErrInvalidJSON
	}
	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return Message{Direction: dir, Raw: raw}, nil
}

// Compact returns the message as single-line JSON.
// Valid JSON cannot contain a raw newline inside a string, so the result never contains '\n'.
func (m Message) Compact() ([]byte, error) {
	var buf bytes.Buffer
	err := json.Compact(&buf, m.Raw)
	if err != nil {
		return nil, fmt.Errorf("compacting message: %w", err)
	}
	return buf.Bytes(), nil
}

func (m Message) String() string {
	return string(m.Raw)
}
