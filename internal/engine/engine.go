// Package engine defines the contract between the kernel and the code
// execution engine, and ships a small expression interpreter that satisfies it.
package engine

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
)

// ResultKind classifies the outcome of an evaluation.
type ResultKind int

const (
	Success ResultKind = iota
	Error
	Aborted
	Incomplete
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Error:
		return "error"
	case Aborted:
		return "aborted"
	case Incomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Payload carries an evaluation result. Value is set on Success (nil means
// "nothing to display"); the Err fields are set for every other kind.
type Payload struct {
	Value     any
	ErrName   string
	ErrValue  string
	Traceback []string
}

// InputFunc reads one line from the client. password hides the echo.
type InputFunc func(ctx context.Context, prompt string, password bool) (string, error)

// IO is the set of streams bound to one evaluation.
type IO struct {
	Stdout io.Writer
	Stderr io.Writer
	Input  InputFunc
}

// Backend is the execution engine consumed by the task manager. It is not
// required to be reentrant; the task manager serializes calls unless it is
// configured with more than one worker.
type Backend interface {
	Evaluate(ctx context.Context, code string, streams IO) (ResultKind, Payload)
	// Interrupt asks the running evaluation to stop. Best effort.
	Interrupt()
	// Bind makes value available to later evaluations under name.
	Bind(name, declaredType string, value any) error
}

// Completion is the answer to a completion query. Cursor positions count
// unicode code points, as the messaging protocol does.
type Completion struct {
	Matches     []string
	CursorStart int
	CursorEnd   int
	Metadata    map[string]any
}

// Completer is implemented by backends that offer code completion.
type Completer interface {
	Complete(code string, cursor int) Completion
}

// Inspection is the answer to an inspect query.
type Inspection struct {
	Found bool
	Data  map[string]any
}

// Inspector is implemented by backends that can describe the object under the cursor.
type Inspector interface {
	Inspect(code string, cursor, detailLevel int) Inspection
}

// Completeness statuses reported by CompletenessChecker.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusInvalid    = "invalid"
	StatusUnknown    = "unknown"
)

// CompletenessChecker is implemented by backends that can tell whether code
// is ready to run.
type CompletenessChecker interface {
	IsComplete(code string) (status, indent string)
}

// LanguageInfo describes the backend's language for kernel_info_reply.
type LanguageInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	MimeType       string `json:"mimetype"`
	FileExtension  string `json:"file_extension"`
	PygmentsLexer  string `json:"pygments_lexer,omitempty"`
	CodemirrorMode string `json:"codemirror_mode,omitempty"`
}

// Describer is implemented by backends that report their language.
type Describer interface {
	LanguageInfo() LanguageInfo
}

// Repr renders v the way results are shown to the user.
func Repr(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", t)
	case []byte:
		return fmt.Sprintf("%q", string(t))
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = Repr(rv.Index(i).Interface())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Map:
		keys := rv.MapKeys()
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, Repr(k.Interface())+": "+Repr(rv.MapIndex(k).Interface()))
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ", ") + "}"
	case reflect.Func:
		return "<function>"
	}
	return fmt.Sprintf("%v", v)
}
