package comm

import (
	"context"

	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/wire"
)

// RelayPublisher publishes comm messages on IOPub through a relay.
type RelayPublisher struct {
	Relay   *relay.Relay
	Builder *wire.Builder
}

// Publish implements Publisher.
func (p *RelayPublisher) Publish(ctx context.Context, parent *wire.Header, msgType string, content any) error {
	env, err := p.Builder.Broadcast(parent, msgType, content)
	if err != nil {
		return err
	}
	return p.Relay.Deliver(ctx, relay.Outbound(wire.IOPub), env)
}
