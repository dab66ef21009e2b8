package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder stamps new messages with the kernel's session and a fresh msg_id.
type Builder struct {
	session  string
	username string
	now      func() time.Time
}

// NewBuilder returns a builder for the given kernel session.
func NewBuilder(session, username string) *Builder {
	if username == "" {
		username = "kernel"
	}
	return &Builder{session: session, username: username, now: time.Now}
}

// Session returns the kernel session id.
func (b *Builder) Session() string {
	return b.session
}

// New creates an envelope of msgType with the given parent (nil for none).
func (b *Builder) New(msgType string, parent *Header, content any) (*Envelope, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", msgType, err)
	}
	env := &Envelope{
		Header: Header{
			MsgID:    uuid.NewString(),
			MsgType:  msgType,
			Session:  b.session,
			Username: b.username,
			Date:     b.now().UTC().Format(time.RFC3339Nano),
			Version:  ProtocolVersion,
		},
		Content: raw,
	}
	if parent != nil {
		env.ParentHeader = parent.Clone()
	}
	return env, nil
}

// Reply creates a reply to req, addressed to the same peer.
func (b *Builder) Reply(req *Envelope, msgType string, content any) (*Envelope, error) {
	env, err := b.New(msgType, &req.Header, content)
	if err != nil {
		return nil, err
	}
	for _, id := range req.RoutingIDs {
		env.RoutingIDs = append(env.RoutingIDs, copyBytes(id))
	}
	return env, nil
}

// Broadcast creates an IOPub message. The topic frame follows the
// "kernel.<session>.<msg_type>" convention.
func (b *Builder) Broadcast(parent *Header, msgType string, content any) (*Envelope, error) {
	env, err := b.New(msgType, parent, content)
	if err != nil {
		return nil, err
	}
	env.RoutingIDs = [][]byte{[]byte("kernel." + b.session + "." + msgType)}
	return env, nil
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return c, nil
	default:
		return json.Marshal(content)
	}
}
