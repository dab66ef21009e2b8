package protocol

import (
	"context"
	"fmt"

	"github.com/codefionn/schnellkernel/internal/history"
)

type historyRequest struct {
	Output         bool   `json:"output"`
	Raw            bool   `json:"raw"`
	HistAccessType string `json:"hist_access_type"`
	Session        int64  `json:"session"`
	Start          int    `json:"start"`
	Stop           int    `json:"stop"`
	N              int    `json:"n"`
	Pattern        string `json:"pattern"`
	Unique         bool   `json:"unique"`
}

func (h *Handlers) history(ctx context.Context, req *Request) Pending {
	var content historyRequest
	if err := decode(req.Env, &content); err != nil {
		return failed(err)
	}
	switch content.HistAccessType {
	case "tail", "range", "search":
	case "":
		content.HistAccessType = "tail"
	default:
		return failed(&SchemaError{
			MsgType: req.Env.MsgType(),
			Field:   "hist_access_type",
			Err:     fmt.Errorf("unknown access type %q", content.HistAccessType),
		})
	}

	return func(ctx context.Context) (Reply, error) {
		entries := []history.Entry{}
		if store := h.deps.History; store != nil {
			var err error
			switch content.HistAccessType {
			case "tail":
				entries, err = store.Tail(ctx, content.N)
			case "range":
				entries, err = store.Range(ctx, content.Session, content.Start, content.Stop)
			case "search":
				entries, err = store.Search(ctx, content.Pattern, content.N, content.Unique)
			}
			if err != nil {
				return Reply{}, err
			}
		}

		items := make([]any, 0, len(entries))
		for _, e := range entries {
			if content.Output {
				items = append(items, []any{e.Session, e.Line, []any{e.Input, e.Output}})
			} else {
				items = append(items, []any{e.Session, e.Line, e.Input})
			}
		}
		return Reply{Content: map[string]any{"status": "ok", "history": items}}, nil
	}
}
