package protocol

import (
	"context"

	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
)

type cursorRequest struct {
	Code        *string `json:"code"`
	CursorPos   *int    `json:"cursor_pos"`
	DetailLevel int     `json:"detail_level"`
}

func (h *Handlers) parseCursor(req *Request) (cursorRequest, error) {
	var content cursorRequest
	if err := decode(req.Env, &content); err != nil {
		return content, err
	}
	if content.Code == nil {
		return content, &SchemaError{MsgType: req.Env.MsgType(), Field: "code"}
	}
	if content.CursorPos == nil {
		// Older front ends omit cursor_pos; it then defaults to the end of the code.
		n := len([]rune(*content.Code))
		content.CursorPos = &n
	}
	return content, nil
}

// complete runs on the task manager because completion reads backend state.
func (h *Handlers) complete(ctx context.Context, req *Request) Pending {
	content, err := h.parseCursor(req)
	if err != nil {
		return failed(err)
	}
	code, cursor := *content.Code, *content.CursorPos

	completer, ok := h.deps.Backend.(engine.Completer)
	if !ok {
		return resolved(completeReply(engine.Completion{CursorStart: cursor, CursorEnd: cursor}), nil)
	}

	fut := h.deps.Tasks.Submit(taskmgr.Task{
		Code: code,
		Run: func(ctx context.Context) (taskmgr.Result, error) {
			return taskmgr.Result{Value: completer.Complete(code, cursor)}, nil
		},
	})
	return func(ctx context.Context) (Reply, error) {
		c, err := await(ctx, fut, func(v any) engine.Completion { return v.(engine.Completion) })
		if err != nil {
			return Reply{}, err
		}
		return completeReply(c), nil
	}
}

func completeReply(c engine.Completion) Reply {
	matches := c.Matches
	if matches == nil {
		matches = []string{}
	}
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Reply{Content: map[string]any{
		"status":       "ok",
		"matches":      matches,
		"cursor_start": c.CursorStart,
		"cursor_end":   c.CursorEnd,
		"metadata":     metadata,
	}}
}

func (h *Handlers) inspect(ctx context.Context, req *Request) Pending {
	content, err := h.parseCursor(req)
	if err != nil {
		return failed(err)
	}
	code, cursor, detail := *content.Code, *content.CursorPos, content.DetailLevel

	inspector, ok := h.deps.Backend.(engine.Inspector)
	if !ok {
		return resolved(inspectReply(engine.Inspection{}), nil)
	}

	fut := h.deps.Tasks.Submit(taskmgr.Task{
		Code: code,
		Run: func(ctx context.Context) (taskmgr.Result, error) {
			return taskmgr.Result{Value: inspector.Inspect(code, cursor, detail)}, nil
		},
	})
	return func(ctx context.Context) (Reply, error) {
		insp, err := await(ctx, fut, func(v any) engine.Inspection { return v.(engine.Inspection) })
		if err != nil {
			return Reply{}, err
		}
		return inspectReply(insp), nil
	}
}

func inspectReply(insp engine.Inspection) Reply {
	data := insp.Data
	if data == nil {
		data = map[string]any{}
	}
	return Reply{Content: map[string]any{
		"status":   "ok",
		"found":    insp.Found,
		"data":     data,
		"metadata": map[string]any{},
	}}
}

// isComplete answers directly: completeness checks are pure syntax and must
// work while a cell is running.
func (h *Handlers) isComplete(ctx context.Context, req *Request) Pending {
	var content struct {
		Code *string `json:"code"`
	}
	if err := decode(req.Env, &content); err != nil {
		return failed(err)
	}
	if content.Code == nil {
		return failed(&SchemaError{MsgType: req.Env.MsgType(), Field: "code"})
	}

	checker, ok := h.deps.Backend.(engine.CompletenessChecker)
	if !ok {
		return resolved(Reply{Content: map[string]any{"status": engine.StatusUnknown}}, nil)
	}
	status, indent := checker.IsComplete(*content.Code)
	reply := map[string]any{"status": status}
	if status == engine.StatusIncomplete {
		reply["indent"] = indent
	}
	return resolved(Reply{Content: reply}, nil)
}
