package wire

import "fmt"

// DecodeError reports a frame list that cannot be trusted: bad structure,
// malformed JSON or a signature mismatch. Nothing from such a message is used.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
