package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schnellkernel/internal/comm"
	"github.com/codefionn/schnellkernel/internal/wire"
)

func TestExecuteEndToEndOrdering(t *testing.T) {
	h := newHarness(t)
	req := h.request("execute_request", map[string]any{"code": "1+1"})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	assert.Equal(t, []string{
		"iopub:status",
		"iopub:execute_input",
		"iopub:execute_result",
		"shell:execute_reply",
		"iopub:status",
	}, kinds(items))
	assertBracketed(t, items)

	for _, item := range items {
		assert.Equal(t, req.Header, *item.env.ParentHeader, "%s carries the request header", item.env.MsgType())
	}

	result := contentOf(t, items[2].env)
	assert.Equal(t, map[string]any{"text/plain": "2"}, result["data"])
	assert.EqualValues(t, 1, result["execution_count"])

	reply := items[3].env
	assert.Equal(t, "ok", contentOf(t, reply)["status"])
	assert.EqualValues(t, 1, contentOf(t, reply)["execution_count"])
	assert.Equal(t, req.RoutingIDs, reply.RoutingIDs, "reply is routed back to the requester")
	assert.Equal(t, 1, h.handlers.ExecutionCount())
}

func TestExecuteStreamsOutput(t *testing.T) {
	h := newHarness(t)
	req := h.request("execute_request", map[string]any{"code": `print("hello")`})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	assert.Equal(t, []string{
		"iopub:status",
		"iopub:execute_input",
		"iopub:stream",
		"shell:execute_reply",
		"iopub:status",
	}, kinds(items))
	stream := contentOf(t, items[2].env)
	assert.Equal(t, "stdout", stream["name"])
	assert.Equal(t, "hello\n", stream["text"])
}

func TestExecuteStateAndHistory(t *testing.T) {
	h := newHarness(t)

	first := h.request("execute_request", map[string]any{"code": "x = 20"})
	h.send(t, wire.Shell, first)
	h.waitIdle(t, first)

	second := h.request("execute_request", map[string]any{
		"code":             "x + 1",
		"user_expressions": map[string]string{"double": "x * 2", "broken": "nope"},
	})
	h.send(t, wire.Shell, second)
	items := h.waitIdle(t, second)

	reply := contentOf(t, replyOf(t, items, wire.Shell))
	assert.EqualValues(t, 2, reply["execution_count"])
	exprs := reply["user_expressions"].(map[string]any)
	assert.Equal(t, "ok", exprs["double"].(map[string]any)["status"])
	assert.Equal(t, map[string]any{"text/plain": "40"}, exprs["double"].(map[string]any)["data"])
	assert.Equal(t, "error", exprs["broken"].(map[string]any)["status"])

	v, ok := h.backend.Lookup("_")
	require.True(t, ok)
	assert.Equal(t, 21, v)

	hist := h.request("history_request", map[string]any{"hist_access_type": "tail", "n": 10, "output": true})
	h.send(t, wire.Shell, hist)
	items = h.waitIdle(t, hist)
	content := contentOf(t, replyOf(t, items, wire.Shell))
	entries := content["history"].([]any)
	require.Len(t, entries, 2)
	last := entries[1].([]any)
	assert.EqualValues(t, 2, last[1])
	assert.Equal(t, []any{"x + 1", "21"}, last[2])
}

func TestSilentExecuteDoesNotCount(t *testing.T) {
	h := newHarness(t)
	req := h.request("execute_request", map[string]any{"code": "1+1", "silent": true})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	assert.Equal(t, []string{"iopub:status", "shell:execute_reply", "iopub:status"}, kinds(items))
	assert.EqualValues(t, 0, contentOf(t, items[1].env)["execution_count"])
}

func TestExecuteErrorAbortsQueued(t *testing.T) {
	h := newHarness(t)

	failing := h.request("execute_request", map[string]any{"code": "sleep(100)\nundefined + 1"})
	queued := h.request("execute_request", map[string]any{"code": "2"})
	h.send(t, wire.Shell, failing)
	h.send(t, wire.Shell, queued)

	items := h.waitIdle(t, failing)
	assert.Contains(t, kinds(items), "iopub:error")
	reply := contentOf(t, replyOf(t, items, wire.Shell))
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "CompileError", reply["ename"])
	assert.NotEmpty(t, reply["traceback"])

	items = h.waitIdle(t, queued)
	assert.Equal(t, "aborted", contentOf(t, replyOf(t, items, wire.Shell))["status"])
	assertBracketed(t, items)
}

func TestStopOnErrorAbortsOnlyQueuedCells(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)

		failing := h.request("execute_request", map[string]any{"code": "sleep(50)\nundefined + 1"})
		complete := h.request("complete_request", map[string]any{"code": "pri", "cursor_pos": 3})
		queued := h.request("execute_request", map[string]any{"code": "2"})
		h.send(t, wire.Shell, failing)
		h.send(t, wire.Shell, complete)
		h.send(t, wire.Shell, queued)

		items := h.waitIdle(t, failing)
		assert.Equal(t, "error", contentOf(t, replyOf(t, items, wire.Shell))["status"])

		items = h.waitIdle(t, complete)
		assert.Equal(t, "ok", contentOf(t, replyOf(t, items, wire.Shell))["status"])

		items = h.waitIdle(t, queued)
		reply := contentOf(t, replyOf(t, items, wire.Shell))
		require.Equal(t, "aborted", reply["status"], "run %d", i)
		assert.NotContains(t, kinds(items), "iopub:execute_result")
	}
}

func TestStopOnErrorDisabledRunsQueued(t *testing.T) {
	h := newHarness(t)

	failing := h.request("execute_request", map[string]any{"code": "sleep(50)\nundefined + 1", "stop_on_error": false})
	queued := h.request("execute_request", map[string]any{"code": "2"})
	h.send(t, wire.Shell, failing)
	h.send(t, wire.Shell, queued)

	h.waitIdle(t, failing)
	items := h.waitIdle(t, queued)
	assert.Equal(t, "ok", contentOf(t, replyOf(t, items, wire.Shell))["status"])
}

func TestSchemaErrorIsBracketed(t *testing.T) {
	h := newHarness(t)
	req := h.request("execute_request", map[string]any{"code": 42})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	assertBracketed(t, items)
	reply := contentOf(t, replyOf(t, items, wire.Shell))
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "SchemaError", reply["ename"])

	missing := h.request("complete_request", map[string]any{"cursor_pos": 1})
	h.send(t, wire.Shell, missing)
	items = h.waitIdle(t, missing)
	assertBracketed(t, items)
	assert.Equal(t, "SchemaError", contentOf(t, replyOf(t, items, wire.Shell))["ename"])
}

func TestTimeoutIsBracketed(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.timeouts.Execute = 50 * time.Millisecond
	})
	req := h.request("execute_request", map[string]any{"code": "sleep(2000)"})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	assertBracketed(t, items)
	reply := contentOf(t, replyOf(t, items, wire.Shell))
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "BackendTimeout", reply["ename"])
	h.tasks.Interrupt()
}

func TestPanickingHandlerIsBracketed(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.routes = func(h *Handlers, t Timeouts) Routes {
			routes := h.RequestRoutes(t)
			routes["kernel_info_request"] = Route{
				Handler: HandlerFunc(func(ctx context.Context, req *Request) Pending {
					panic("boom")
				}),
				ReplyType: "kernel_info_reply",
			}
			routes["inspect_request"] = Route{
				Handler: HandlerFunc(func(ctx context.Context, req *Request) Pending {
					return func(ctx context.Context) (Reply, error) { panic("late boom") }
				}),
				ReplyType: "inspect_reply",
			}
			return routes
		}
	})

	for _, msgType := range []string{"kernel_info_request", "inspect_request"} {
		req := h.request(msgType, map[string]any{})
		h.send(t, wire.Shell, req)
		items := h.waitIdle(t, req)
		assertBracketed(t, items)
		assert.Equal(t, "error", contentOf(t, replyOf(t, items, wire.Shell))["status"])
	}
}

func TestUnknownMessageTypeIsDropped(t *testing.T) {
	h := newHarness(t)
	unknown := h.request("frobnicate_request", map[string]any{})
	h.send(t, wire.Shell, unknown)

	req := h.request("kernel_info_request", map[string]any{})
	h.send(t, wire.Shell, req)
	h.waitIdle(t, req)
	assert.Empty(t, h.rec.forParent(unknown.Header.MsgID))
}

func TestCompleteRequest(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.backend.Bind("x", "", map[string]any{"total": 1, "top": 2, "other": 3}))

	req := h.request("complete_request", map[string]any{"code": "x.to", "cursor_pos": 4})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	reply := replyOf(t, items, wire.Shell)
	assert.Equal(t, "complete_reply", reply.MsgType())
	assert.Equal(t, req.Header.MsgID, reply.ParentID())

	content := contentOf(t, reply)
	assert.Equal(t, "ok", content["status"])
	assert.Equal(t, []any{"top", "total"}, content["matches"])
	assert.EqualValues(t, 2, content["cursor_start"])
	assert.EqualValues(t, 4, content["cursor_end"])
}

func TestInspectAndIsComplete(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.backend.Bind("answer", "int", 42))

	req := h.request("inspect_request", map[string]any{"code": "answer", "cursor_pos": 3, "detail_level": 0})
	h.send(t, wire.Shell, req)
	content := contentOf(t, replyOf(t, h.waitIdle(t, req), wire.Shell))
	assert.Equal(t, true, content["found"])
	assert.Equal(t, map[string]any{"text/plain": "answer: int = 42"}, content["data"])

	req = h.request("is_complete_request", map[string]any{"code": "foo(1,"})
	h.send(t, wire.Shell, req)
	content = contentOf(t, replyOf(t, h.waitIdle(t, req), wire.Shell))
	assert.Equal(t, "incomplete", content["status"])
	assert.NotEmpty(t, content["indent"])
}

func TestKernelInfoOnControl(t *testing.T) {
	h := newHarness(t)
	req := h.request("kernel_info_request", map[string]any{})
	h.send(t, wire.Control, req)

	items := h.waitIdle(t, req)
	reply := replyOf(t, items, wire.Control)
	content := contentOf(t, reply)
	assert.Equal(t, wire.ProtocolVersion, content["protocol_version"])
	assert.Equal(t, "schnellkernel", content["implementation"])
	assert.Equal(t, "expr", content["language_info"].(map[string]any)["name"])
}

func TestShutdownTriggersAfterReply(t *testing.T) {
	h := newHarness(t)
	req := h.request("shutdown_request", map[string]any{"restart": true})
	h.send(t, wire.Control, req)

	select {
	case restart := <-h.shutdowns:
		assert.True(t, restart)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown trigger not called")
	}
	items := h.rec.forParent(req.Header.MsgID)
	assert.Equal(t, []string{"iopub:status", "control:shutdown_reply", "iopub:status"}, kinds(items))
	assert.Equal(t, true, contentOf(t, items[1].env)["restart"])
}

func TestInterruptRequestStopsExecution(t *testing.T) {
	h := newHarness(t)
	exec := h.request("execute_request", map[string]any{"code": "sleep(10000)"})
	h.send(t, wire.Shell, exec)
	h.rec.waitFor(t, func(items []recorded) bool {
		for _, item := range items {
			if item.env.MsgType() == "execute_input" {
				return true
			}
		}
		return false
	})
	require.Eventually(t, func() bool { return h.tasks.Stats().Running == 1 }, 2*time.Second, 5*time.Millisecond)

	intr := h.request("interrupt_request", map[string]any{})
	h.send(t, wire.Control, intr)
	assert.Equal(t, "ok", contentOf(t, replyOf(t, h.waitIdle(t, intr), wire.Control))["status"])

	items := h.waitIdle(t, exec)
	reply := contentOf(t, replyOf(t, items, wire.Shell))
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "Interrupted", reply["ename"])
}

func TestCommRouting(t *testing.T) {
	h := newHarness(t)
	received := make(chan map[string]any, 1)
	h.registrar.RegisterTarget("echo", func(ctx context.Context, c *comm.Comm, data map[string]any, msg *wire.Envelope) error {
		c.OnMsg(func(ctx context.Context, c *comm.Comm, data map[string]any, msg *wire.Envelope) {
			received <- data
			_ = c.Send(ctx, data)
		})
		return nil
	})

	unknown := h.request("comm_open", map[string]any{"comm_id": "u1", "target_name": "missing", "data": map[string]any{}})
	h.send(t, wire.Shell, unknown)
	items := h.waitIdle(t, unknown)
	assert.Equal(t, []string{"iopub:status", "iopub:status"}, kinds(items), "no reply for comm messages")

	open := h.request("comm_open", map[string]any{"comm_id": "c1", "target_name": "echo", "data": map[string]any{}})
	h.send(t, wire.Shell, open)
	h.waitIdle(t, open)

	msg := h.request("comm_msg", map[string]any{"comm_id": "c1", "data": map[string]any{"n": 1}})
	h.send(t, wire.Shell, msg)
	items = h.waitIdle(t, msg)
	assert.Equal(t, map[string]any{"n": float64(1)}, <-received)
	assert.Equal(t, []string{"iopub:status", "iopub:comm_msg", "iopub:status"}, kinds(items))

	info := h.request("comm_info_request", map[string]any{"target_name": "echo"})
	h.send(t, wire.Shell, info)
	content := contentOf(t, replyOf(t, h.waitIdle(t, info), wire.Shell))
	assert.Equal(t, map[string]any{"c1": map[string]any{"target_name": "echo"}}, content["comms"])

	stale := h.request("comm_msg", map[string]any{"comm_id": "u1", "data": map[string]any{}})
	h.send(t, wire.Shell, stale)
	h.waitIdle(t, stale)
	closeUnknown := h.request("comm_close", map[string]any{"comm_id": "never-opened"})
	h.send(t, wire.Shell, closeUnknown)
	h.waitIdle(t, closeUnknown)
	assert.Len(t, received, 0)
}

func TestInputOverStdin(t *testing.T) {
	h := newHarness(t)
	req := h.request("execute_request", map[string]any{"code": `"hi " + input("name? ")`, "allow_stdin": true})
	h.send(t, wire.Shell, req)

	items := h.rec.waitFor(t, func(items []recorded) bool {
		for _, item := range items {
			if item.ch == wire.Stdin {
				return true
			}
		}
		return false
	})
	var inputReq *wire.Envelope
	for _, item := range items {
		if item.ch == wire.Stdin {
			inputReq = item.env
		}
	}
	require.NotNil(t, inputReq)
	assert.Equal(t, "input_request", inputReq.MsgType())
	assert.Equal(t, req.Header.MsgID, inputReq.ParentID())

	raw, _ := json.Marshal(map[string]any{"value": "ada"})
	h.send(t, wire.Stdin, &wire.Envelope{
		Header:       wire.Header{MsgID: "input-reply", MsgType: "input_reply", Session: "client-session"},
		ParentHeader: inputReq.Header.Clone(),
		Content:      raw,
	})

	items = h.waitIdle(t, req)
	var result map[string]any
	for _, item := range items {
		if item.env.MsgType() == "execute_result" {
			result = contentOf(t, item.env)
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, map[string]any{"text/plain": `"hi ada"`}, result["data"])
}

func TestStdinRefusedWhenNotAllowed(t *testing.T) {
	h := newHarness(t)
	req := h.request("execute_request", map[string]any{"code": `input("x")`, "allow_stdin": false})
	h.send(t, wire.Shell, req)

	items := h.waitIdle(t, req)
	reply := contentOf(t, replyOf(t, items, wire.Shell))
	assert.Equal(t, "error", reply["status"])
	for _, item := range items {
		assert.NotEqual(t, wire.Stdin, item.ch)
	}
}

func TestDispatcherStopsAccepting(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(wire.Shell, Routes{}, h.relay, h.builder, nil)
	assert.ErrorIs(t, d.Deliver(context.Background(), h.request("kernel_info_request", nil)), ErrNotAccepting)
}
