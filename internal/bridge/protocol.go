package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Message types
const (
	TypeInput          = "input"
	TypeResize         = "resize"
	TypeCreateTerminal = "create_terminal"
	TypeCloseTerminal  = "close_terminal"
	TypePing           = "ping"
	TypeLogout         = "logout"

	TypeOutput          = "output"
	TypeExit            = "exit"
	TypeTerminalCreated = "terminal_created"
	TypeReady           = "ready"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error reasons carried by TypeError messages
const (
	ReasonSpawn           = "spawn"
	ReasonThrottled       = "throttled"
	ReasonUnknownTerminal = "unknown_terminal"
)

var (
	// ErrProtocol is returned for frames that are not a JSON object.
	ErrProtocol = errors.New("malformed message frame")
	// ErrMalformed is returned for a JSON object whose type or terminal ID is
	// not a string. Such messages are dropped.
	ErrMalformed = errors.New("malformed message envelope")
	// ErrClosed is returned once the bridge has begun tearing down.
	ErrClosed = errors.New("bridge closed")
)

// codec is compatible with encoding/json: HTML-safe escaping and invalid
// UTF-8 replaced with U+FFFD.
var codec = sonic.ConfigStd

// Inbound is a client message.
type Inbound struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	// TargetTerminal is the older name for TerminalID.
	TargetTerminal string          `json:"targetTerminal,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Target returns the addressed terminal, or "" for the default one.
func (m Inbound) Target() string {
	if m.TerminalID != "" {
		return m.TerminalID
	}
	return m.TargetTerminal
}

// Text decodes Data as a string. A missing payload is the empty string.
func (m Inbound) Text() (string, error) {
	if len(m.Data) == 0 {
		return "", nil
	}
	var s string
	if err := codec.Unmarshal(m.Data, &s); err != nil {
		return "", fmt.Errorf("%s payload: %w", m.Type, err)
	}
	return s, nil
}

// Dimensions decodes Data as {cols, rows}. A missing payload yields zeros.
func (m Inbound) Dimensions() (Dimensions, error) {
	var d Dimensions
	if len(m.Data) == 0 {
		return d, nil
	}
	if err := codec.Unmarshal(m.Data, &d); err != nil {
		return d, fmt.Errorf("%s payload: %w", m.Type, err)
	}
	return d, nil
}

// Dimensions is a terminal window size.
type Dimensions struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Valid reports whether both dimensions are positive.
func (d Dimensions) Valid() bool {
	return d.Cols > 0 && d.Rows > 0
}

// Outbound is a server message.
type Outbound struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`
	Code       *int   `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DecodeInbound parses one text frame. Anything that is not a JSON object
// fails with ErrProtocol; an object with a non-string type or terminal ID
// fails with ErrMalformed.
func DecodeInbound(frame []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(frame, &fields); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if fields == nil {
		return Inbound{}, fmt.Errorf("%w: not an object", ErrProtocol)
	}

	msg := Inbound{Data: fields["data"]}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"type", &msg.Type},
		{"terminalId", &msg.TerminalID},
		{"targetTerminal", &msg.TargetTerminal},
	} {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		if err := codec.Unmarshal(raw, f.dst); err != nil {
			return Inbound{}, fmt.Errorf("%w: %s: %v", ErrMalformed, f.name, err)
		}
	}
	return msg, nil
}

// EncodeOutbound serialises msg for the wire.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	return codec.Marshal(msg)
}

// splitIncompleteUTF8 splits p before a trailing, not yet complete UTF-8
// sequence so output chunks never cut a character in half. Invalid bytes
// are left in head.
func splitIncompleteUTF8(p []byte) (head, tail []byte) {
	// A sequence is at most utf8.UTFMax bytes; only the last few can be partial.
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		c := p[len(p)-i]
		if c < 0x80 {
			return p, nil
		}
		if !utf8.RuneStart(c) {
			continue
		}
		if utf8.FullRune(p[len(p)-i:]) {
			return p, nil
		}
		return p[:len(p)-i], p[len(p)-i:]
	}
	return p, nil
}
