package protocol

import (
	"context"

	"github.com/codefionn/schnellkernel/internal/relay"
)

// comm hands comm_open, comm_msg and comm_close to the comm manager through
// the relay and waits for its callbacks to finish. There is never a reply.
func (h *Handlers) comm(ctx context.Context, req *Request) Pending {
	env := req.Env
	return func(ctx context.Context) (Reply, error) {
		if err := h.deps.Relay.Deliver(ctx, relay.RoleComm, env); err != nil {
			return Reply{}, err
		}
		return Reply{}, nil
	}
}

func (h *Handlers) commInfo(ctx context.Context, req *Request) Pending {
	var content struct {
		TargetName string `json:"target_name"`
	}
	if err := decode(req.Env, &content); err != nil {
		return failed(err)
	}

	comms := map[string]any{}
	if h.deps.Comms != nil {
		for id, target := range h.deps.Comms.Info(content.TargetName) {
			comms[id] = map[string]string{"target_name": target}
		}
	}
	return resolved(Reply{Content: map[string]any{"status": "ok", "comms": comms}}, nil)
}
