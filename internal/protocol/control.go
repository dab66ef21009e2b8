package protocol

import (
	"context"

	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/wire"
)

func (h *Handlers) kernelInfo(ctx context.Context, req *Request) Pending {
	lang := engine.LanguageInfo{Name: "unknown"}
	if d, ok := h.deps.Backend.(engine.Describer); ok {
		lang = d.LanguageInfo()
	}
	helpLinks := h.deps.Info.HelpLinks
	if helpLinks == nil {
		helpLinks = []map[string]string{}
	}
	return resolved(Reply{Content: map[string]any{
		"status":                 "ok",
		"protocol_version":       wire.ProtocolVersion,
		"implementation":         h.deps.Info.Implementation,
		"implementation_version": h.deps.Info.ImplementationVersion,
		"language_info":          lang,
		"banner":                 h.deps.Info.Banner,
		"help_links":             helpLinks,
	}}, nil)
}

func (h *Handlers) interrupt(ctx context.Context, req *Request) Pending {
	outcome := h.deps.Tasks.Interrupt()
	h.log.Info("interrupt_request: %s", outcome)
	return resolved(Reply{Content: map[string]any{"status": "ok"}}, nil)
}

func (h *Handlers) shutdown(ctx context.Context, req *Request) Pending {
	var content struct {
		Restart bool `json:"restart"`
	}
	if err := decode(req.Env, &content); err != nil {
		return failed(err)
	}
	restart := content.Restart
	return resolved(Reply{
		Content: map[string]any{"status": "ok", "restart": restart},
		After: func() {
			if h.deps.Shutdown != nil {
				h.deps.Shutdown(restart)
			}
		},
	}, nil)
}
