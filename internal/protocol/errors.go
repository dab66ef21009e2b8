package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/schnellkernel/internal/taskmgr"
)

// SchemaError reports request content that does not match the expected shape.
type SchemaError struct {
	MsgType string
	Field   string
	Err     error
}

func (e *SchemaError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("invalid %s: field %q: %v", e.MsgType, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: missing field %q", e.MsgType, e.Field)
	default:
		return fmt.Sprintf("invalid %s: %v", e.MsgType, e.Err)
	}
}

func (e *SchemaError) Unwrap() error { return e.Err }

// BackendTimeoutError is returned when the backend did not answer within
// the handler's timeout.
type BackendTimeoutError struct {
	MsgType string
	Timeout time.Duration
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("%s: backend did not answer within %s", e.MsgType, e.Timeout)
}

// errorContent renders err as the content of an error reply.
func errorContent(err error) map[string]any {
	name := "KernelError"
	var traceback []string

	var (
		schemaErr  *SchemaError
		timeoutErr *BackendTimeoutError
		execErr    *taskmgr.ExecutionError
	)
	switch {
	case errors.As(err, &schemaErr):
		name = "SchemaError"
	case errors.As(err, &timeoutErr):
		name = "BackendTimeout"
	case errors.As(err, &execErr):
		return map[string]any{
			"status":    "error",
			"ename":     execErr.Name,
			"evalue":    execErr.Value,
			"traceback": nonNil(execErr.Traceback),
		}
	case errors.Is(err, taskmgr.ErrClosed):
		name = "KernelShuttingDown"
	}
	traceback = strings.Split(err.Error(), "\n")

	return map[string]any{
		"status":    "error",
		"ename":     name,
		"evalue":    err.Error(),
		"traceback": traceback,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
