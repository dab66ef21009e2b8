package transport

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/wire"
)

// Socket is the part of a zmq4.Socket the workers use.
type Socket interface {
	Listen(endpoint string) error
	SendMulti(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// SocketFactory creates an unbound socket for a channel.
type SocketFactory func(ctx context.Context, ch wire.Channel) (Socket, error)

// ZMQ returns the default factory backed by go-zeromq/zmq4. Library
// diagnostics are forwarded to log at debug level.
func ZMQ(log *logger.Logger) SocketFactory {
	std := logger.OrGlobal(log).WithPrefix("zmq").StdLogger(logger.LevelDebug)
	return func(ctx context.Context, ch wire.Channel) (Socket, error) {
		opt := zmq4.WithLogger(std)
		switch ch.Pattern() {
		case wire.PatternEcho:
			return zmq4.NewRep(ctx, opt), nil
		case wire.PatternRouter:
			return zmq4.NewRouter(ctx, opt), nil
		case wire.PatternPublish:
			return zmq4.NewPub(ctx, opt), nil
		default:
			return nil, fmt.Errorf("no socket pattern for channel %s", ch)
		}
	}
}
