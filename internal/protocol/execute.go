package protocol

import (
	"context"
	"errors"

	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/stream"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
	"github.com/codefionn/schnellkernel/internal/wire"
)

type executeRequest struct {
	Code            *string           `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    *bool             `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      *bool             `json:"allow_stdin"`
	StopOnError     *bool             `json:"stop_on_error"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

type executeOutcome struct {
	value           any
	userExpressions map[string]any
}

func (h *Handlers) execute(ctx context.Context, req *Request) Pending {
	var content executeRequest
	if err := decode(req.Env, &content); err != nil {
		return failed(err)
	}
	if content.Code == nil {
		return failed(&SchemaError{MsgType: req.Env.MsgType(), Field: "code"})
	}
	code := *content.Code
	silent := content.Silent
	storeHistory := boolOr(content.StoreHistory, !silent) && !silent
	stopOnError := boolOr(content.StopOnError, true)

	h.mu.Lock()
	if storeHistory {
		h.executionCount++
	}
	count := h.executionCount
	h.mu.Unlock()

	if !silent {
		h.publish(&req.Env.Header, "execute_input", map[string]any{
			"code":            code,
			"execution_count": count,
		})
	}

	sc := h.deps.Streams.Acquire(req.Env, stream.Options{AllowStdin: boolOr(content.AllowStdin, true)})
	task := taskmgr.EvalTask(h.deps.Backend, code, sc)
	eval := task.Run
	task.Run = func(ctx context.Context) (taskmgr.Result, error) {
		res, err := eval(ctx)
		if err != nil {
			// Abort before the future resolves; the worker dequeues the
			// next cell right after.
			if stopOnError {
				h.deps.Tasks.AbortQueuedCells("a previous execution failed")
			}
			return res, err
		}
		if storeHistory && res.Value != nil {
			if berr := h.deps.Backend.Bind("_", "", res.Value); berr != nil {
				h.log.Debug("binding _ failed: %v", berr)
			}
		}
		return taskmgr.Result{Value: executeOutcome{
			value:           res.Value,
			userExpressions: h.userExpressions(ctx, content.UserExpressions),
		}}, nil
	}

	fut := h.deps.Tasks.Submit(task)
	go func() {
		<-fut.Done()
		h.deps.Streams.Release(sc)
	}()

	return func(ctx context.Context) (Reply, error) {
		res, err := fut.Wait(ctx)
		if err != nil {
			return h.executeFailed(req.Env, count, err)
		}

		outcome, _ := res.Value.(executeOutcome)
		if outcome.value != nil && !silent {
			h.publish(&req.Env.Header, "execute_result", map[string]any{
				"execution_count": count,
				"data":            map[string]any{"text/plain": engine.Repr(outcome.value)},
				"metadata":        map[string]any{},
			})
		}
		if storeHistory && h.deps.History != nil {
			output := ""
			if outcome.value != nil {
				output = engine.Repr(outcome.value)
			}
			if herr := h.deps.History.Record(ctx, count, code, output); herr != nil {
				h.log.Warn("Failed to record history: %v", herr)
			}
		}

		userExpressions := outcome.userExpressions
		if userExpressions == nil {
			userExpressions = map[string]any{}
		}
		return Reply{
			Content: map[string]any{
				"status":           "ok",
				"execution_count":  count,
				"user_expressions": userExpressions,
				"payload":          []any{},
			},
			Metadata: map[string]any{"status": "ok"},
		}, nil
	}
}

func (h *Handlers) executeFailed(req *wire.Envelope, count int, err error) (Reply, error) {
	var execErr *taskmgr.ExecutionError
	if !errors.As(err, &execErr) {
		// Timeouts and shutdown become generic error replies.
		return Reply{}, err
	}

	if execErr.Kind == taskmgr.KindAborted {
		return Reply{
			Content:  map[string]any{"status": "aborted", "execution_count": count},
			Metadata: map[string]any{"status": "aborted"},
		}, nil
	}

	content := errorContent(execErr)
	h.publish(&req.Header, "error", map[string]any{
		"ename":     content["ename"],
		"evalue":    content["evalue"],
		"traceback": content["traceback"],
	})
	content["execution_count"] = count
	return Reply{Content: content, Metadata: map[string]any{"status": "error"}}, nil
}

// userExpressions evaluates the request's user_expressions once the cell has
// succeeded. It runs on the task worker, so the backend is not shared.
func (h *Handlers) userExpressions(ctx context.Context, exprs map[string]string) map[string]any {
	out := make(map[string]any, len(exprs))
	for name, src := range exprs {
		kind, payload := h.deps.Backend.Evaluate(ctx, src, engine.IO{})
		if kind != engine.Success {
			out[name] = errorContent(taskmgr.FromPayload(kind, payload))
			continue
		}
		out[name] = map[string]any{
			"status":   "ok",
			"data":     map[string]any{"text/plain": engine.Repr(payload.Value)},
			"metadata": map[string]any{},
		}
	}
	return out
}

func (h *Handlers) publish(parent *wire.Header, msgType string, content any) {
	env, err := h.deps.Builder.Broadcast(parent, msgType, content)
	if err != nil {
		h.log.Error("Failed to build %s: %v", msgType, err)
		return
	}
	if err := h.deps.Relay.Deliver(context.Background(), relayIOPub, env); err != nil {
		h.log.Warn("Failed to publish %s: %v", msgType, err)
	}
}
