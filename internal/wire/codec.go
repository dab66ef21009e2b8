package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Delimiter separates routing ids from the signed part of a message.
const Delimiter = "<IDS|MSG>"

var (
	delimiter   = []byte(Delimiter)
	emptyObject = []byte("{}")
)

// Codec converts between raw frames and envelopes.
type Codec struct {
	signer *Signer
}

// NewCodec returns a codec signing with signer. A nil signer disables signing.
func NewCodec(signer *Signer) *Codec {
	return &Codec{signer: signer}
}

// Decode parses and authenticates frames. Any failure yields a *DecodeError.
func (c *Codec) Decode(frames [][]byte) (env *Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env, err = nil, &DecodeError{Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, &DecodeError{Reason: "missing delimiter"}
	}
	if len(frames) < idx+6 {
		return nil, &DecodeError{Reason: fmt.Sprintf("expected at least 5 frames after delimiter, got %d", len(frames)-idx-1)}
	}

	signature := string(frames[idx+1])
	parts := frames[idx+2 : idx+6]
	if !c.signer.Verify(signature, parts) {
		return nil, &DecodeError{Reason: "signature mismatch"}
	}

	env = &Envelope{Signature: signature}
	for _, id := range frames[:idx] {
		env.RoutingIDs = append(env.RoutingIDs, copyBytes(id))
	}

	if err := json.Unmarshal(parts[0], &env.Header); err != nil {
		return nil, &DecodeError{Reason: "malformed header", Err: err}
	}
	if env.Header.MsgID == "" || env.Header.MsgType == "" {
		return nil, &DecodeError{Reason: "header without msg_id or msg_type"}
	}

	var parent Header
	if err := json.Unmarshal(parts[1], &parent); err != nil {
		return nil, &DecodeError{Reason: "malformed parent_header", Err: err}
	}
	if parent.MsgID != "" {
		env.ParentHeader = &parent
	}

	var metadata map[string]any
	if err := json.Unmarshal(parts[2], &metadata); err != nil {
		return nil, &DecodeError{Reason: "malformed metadata", Err: err}
	}
	if len(metadata) > 0 {
		env.Metadata = metadata
	}

	if !json.Valid(parts[3]) {
		return nil, &DecodeError{Reason: "malformed content"}
	}
	env.Content = json.RawMessage(copyBytes(parts[3]))

	for _, b := range frames[idx+6:] {
		env.Buffers = append(env.Buffers, copyBytes(b))
	}
	return env, nil
}

// Encode serializes and signs env. The computed signature is stored in
// env.Signature so that Decode(Encode(env)) reproduces a canonical env
// (see Envelope).
func (c *Codec) Encode(env *Envelope) ([][]byte, error) {
	header, err := json.Marshal(env.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	parent := emptyObject
	if env.ParentHeader != nil {
		if parent, err = json.Marshal(env.ParentHeader); err != nil {
			return nil, fmt.Errorf("encode parent_header: %w", err)
		}
	}

	metadata := emptyObject
	if len(env.Metadata) > 0 {
		if metadata, err = json.Marshal(env.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	content := []byte(env.Content)
	if len(content) == 0 {
		content = emptyObject
	}

	parts := [][]byte{header, parent, metadata, content}
	env.Signature = c.signer.Sign(parts)

	frames := make([][]byte, 0, len(env.RoutingIDs)+6+len(env.Buffers))
	frames = append(frames, env.RoutingIDs...)
	frames = append(frames, delimiter, []byte(env.Signature))
	frames = append(frames, parts...)
	frames = append(frames, env.Buffers...)
	return frames, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
