package transport

import (
	"errors"
	"fmt"

	"github.com/codefionn/schnellkernel/internal/wire"
)

// ErrNoOutbox is returned by Deliver on channels that never send, such as
// the heartbeat.
var ErrNoOutbox = errors.New("channel has no outbound queue")

// TransportError reports a socket that could not be created or bound. It is
// fatal at startup.
type TransportError struct {
	Channel  wire.Channel
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s socket %s %s: %v", e.Channel, e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
