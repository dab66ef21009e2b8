package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the Jupyter messaging protocol version spoken by the kernel.
const ProtocolVersion = "5.3"

// Header identifies a single message.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version"`
}

// Envelope is one decoded message. ParentHeader is nil for unsolicited
// broadcasts and encodes as {} on the wire.
//
// The wire cannot tell "absent" from "empty": a nil and an empty Metadata
// both encode as {} and decode as nil. Decode also treats a parent header
// without msg_id as no parent. Decode(Encode(e)) equals e for envelopes
// already in that canonical form.
type Envelope struct {
	RoutingIDs   [][]byte
	Signature    string
	Header       Header
	ParentHeader *Header
	Metadata     map[string]any
	Content      json.RawMessage
	Buffers      [][]byte
}

// MsgType is a nil-safe shortcut for Header.MsgType.
func (e *Envelope) MsgType() string {
	if e == nil {
		return ""
	}
	return e.Header.MsgType
}

// ParentID returns the parent's msg_id, or "" for unsolicited messages.
func (e *Envelope) ParentID() string {
	if e == nil || e.ParentHeader == nil {
		return ""
	}
	return e.ParentHeader.MsgID
}

// DecodeContent unmarshals the content frame into v.
func (e *Envelope) DecodeContent(v any) error {
	if len(e.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", e.Header.MsgType, err)
	}
	return nil
}

// Clone returns a deep copy of the header suitable for use as a parent header.
func (h Header) Clone() *Header {
	c := h
	return &c
}
