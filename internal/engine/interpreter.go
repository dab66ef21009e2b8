package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"

	"github.com/codefionn/schnellkernel/internal/logger"
)

// Interpreter is a line-oriented expression language built on expr-lang/expr.
// Every line (or bracket-balanced group of lines) is one statement; a
// statement of the form `name = expression` stores a variable and anything
// else is evaluated as an expression. The value of the last expression is the
// result of the cell.
type Interpreter struct {
	log *logger.Logger

	mu    sync.RWMutex
	vars  map[string]any
	types map[string]string

	runMu   sync.Mutex
	nextRun int
	running map[int]context.CancelFunc
}

// ErrInterrupted is reported when an evaluation was cancelled.
var ErrInterrupted = errors.New("execution interrupted")

var assignment = regexp.MustCompile(`(?s)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)

var reserved = map[string]bool{
	"let": true, "in": true, "not": true, "and": true, "or": true,
	"true": true, "false": true, "nil": true, "if": true, "else": true,
	"matches": true, "contains": true, "startsWith": true, "endsWith": true,
}

type function struct {
	doc string
	fn  func(ctx context.Context, streams IO) func(params ...any) (any, error)
}

var functions = map[string]function{
	"print": {
		doc: "print(values...) writes values to standard output",
		fn: func(ctx context.Context, streams IO) func(params ...any) (any, error) {
			return func(params ...any) (any, error) {
				return nil, writeLine(streams.Stdout, params)
			}
		},
	},
	"eprint": {
		doc: "eprint(values...) writes values to standard error",
		fn: func(ctx context.Context, streams IO) func(params ...any) (any, error) {
			return func(params ...any) (any, error) {
				return nil, writeLine(streams.Stderr, params)
			}
		},
	},
	"input": {
		doc: "input(prompt) reads one line from the client",
		fn: func(ctx context.Context, streams IO) func(params ...any) (any, error) {
			return func(params ...any) (any, error) {
				if streams.Input == nil {
					return nil, errors.New("input is not available")
				}
				prompt := ""
				if len(params) > 0 {
					prompt = fmt.Sprint(params[0])
				}
				return streams.Input(ctx, prompt, false)
			}
		},
	},
	"sleep": {
		doc: "sleep(ms) pauses for ms milliseconds",
		fn: func(ctx context.Context, streams IO) func(params ...any) (any, error) {
			return func(params ...any) (any, error) {
				if len(params) != 1 {
					return nil, errors.New("sleep expects one argument")
				}
				ms, ok := toInt(params[0])
				if !ok {
					return nil, fmt.Errorf("sleep: %v is not a number", params[0])
				}
				select {
				case <-ctx.Done():
					return nil, ErrInterrupted
				case <-time.After(time.Duration(ms) * time.Millisecond):
					return nil, nil
				}
			}
		},
	},
}

// NewInterpreter creates an interpreter with no variables.
func NewInterpreter(log *logger.Logger) *Interpreter {
	return &Interpreter{
		log:     logger.OrGlobal(log).WithPrefix("engine"),
		vars:    make(map[string]any),
		types:   make(map[string]string),
		running: make(map[int]context.CancelFunc),
	}
}

// LanguageInfo implements Describer.
func (in *Interpreter) LanguageInfo() LanguageInfo {
	return LanguageInfo{
		Name:          "expr",
		Version:       "1.17",
		MimeType:      "text/x-expr",
		FileExtension: ".expr",
		PygmentsLexer: "javascript",
	}
}

// Bind implements Backend.
func (in *Interpreter) Bind(name, declaredType string, value any) error {
	if name == "" || reserved[name] {
		return fmt.Errorf("cannot bind %q", name)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.vars[name] = value
	if declaredType == "" {
		declaredType = fmt.Sprintf("%T", value)
	}
	in.types[name] = declaredType
	return nil
}

// Lookup returns the value bound to name.
func (in *Interpreter) Lookup(name string) (any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.vars[name]
	return v, ok
}

// Interrupt cancels every evaluation in progress.
func (in *Interpreter) Interrupt() {
	in.runMu.Lock()
	defer in.runMu.Unlock()
	for _, cancel := range in.running {
		cancel()
	}
}

func (in *Interpreter) track(cancel context.CancelFunc) func() {
	in.runMu.Lock()
	id := in.nextRun
	in.nextRun++
	in.running[id] = cancel
	in.runMu.Unlock()

	return func() {
		in.runMu.Lock()
		delete(in.running, id)
		in.runMu.Unlock()
		cancel()
	}
}

// Evaluate implements Backend.
func (in *Interpreter) Evaluate(ctx context.Context, code string, streams IO) (ResultKind, Payload) {
	if status, _ := in.IsComplete(code); status == StatusIncomplete {
		return Incomplete, Payload{ErrName: "IncompleteInput", ErrValue: "input is incomplete"}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer in.track(cancel)()

	var last any
	for _, st := range splitStatements(code) {
		if ctx.Err() != nil {
			return interrupted()
		}

		src, name := st.text, ""
		if m := assignment.FindStringSubmatch(st.text); m != nil && !reserved[m[1]] {
			name, src = m[1], m[2]
		}

		v, err := in.eval(ctx, src, streams)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrInterrupted) {
				return interrupted()
			}
			in.log.Debug("statement at line %d failed: %v", st.line, err)
			return Error, errorPayload(err, st.line)
		}

		if name != "" {
			in.mu.Lock()
			in.vars[name] = v
			in.types[name] = fmt.Sprintf("%T", v)
			in.mu.Unlock()
			last = nil
			continue
		}
		last = v
	}
	return Success, Payload{Value: last}
}

func (in *Interpreter) eval(ctx context.Context, src string, streams IO) (any, error) {
	in.mu.RLock()
	env := make(map[string]any, len(in.vars))
	for k, v := range in.vars {
		env[k] = v
	}
	in.mu.RUnlock()

	opts := []expr.Option{expr.Env(env)}
	for name, f := range functions {
		opts = append(opts, expr.Function(name, f.fn(ctx, streams)))
	}

	program, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, &evalError{name: "CompileError", err: err}
	}
	v, err := expr.Run(program, env)
	if err != nil {
		return nil, &evalError{name: "RuntimeError", err: err}
	}
	return v, nil
}

type evalError struct {
	name string
	err  error
}

func (e *evalError) Error() string { return e.err.Error() }
func (e *evalError) Unwrap() error { return e.err }

func errorPayload(err error, line int) Payload {
	name := "Error"
	var ee *evalError
	if errors.As(err, &ee) {
		name = ee.name
	}
	msg := err.Error()
	traceback := []string{fmt.Sprintf("%s at line %d", name, line)}
	traceback = append(traceback, strings.Split(msg, "\n")...)
	return Payload{ErrName: name, ErrValue: strings.SplitN(msg, "\n", 2)[0], Traceback: traceback}
}

func interrupted() (ResultKind, Payload) {
	return Error, Payload{
		ErrName:   "Interrupted",
		ErrValue:  ErrInterrupted.Error(),
		Traceback: []string{"Interrupted: " + ErrInterrupted.Error()},
	}
}

type statement struct {
	text string
	line int
}

// splitStatements groups lines so that each statement has balanced brackets
// and does not end in a binary operator. Blank lines and `//` comments between
// statements are skipped.
func splitStatements(code string) []statement {
	var (
		out   []statement
		buf   []string
		start int
	)
	for i, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(buf) == 0 {
			if trimmed == "" || strings.HasPrefix(trimmed, "//") {
				continue
			}
			start = i + 1
		}
		buf = append(buf, line)
		joined := strings.Join(buf, "\n")
		if s := scan(joined); s.depth <= 0 && !s.inString && !s.continued {
			out = append(out, statement{text: joined, line: start})
			buf = nil
		}
	}
	if len(buf) > 0 {
		out = append(out, statement{text: strings.Join(buf, "\n"), line: start})
	}
	return out
}

// IsComplete implements CompletenessChecker.
func (in *Interpreter) IsComplete(code string) (string, string) {
	s := scan(code)
	switch {
	case s.depth < 0:
		return StatusInvalid, ""
	case s.depth > 0 || s.inString || s.continued:
		return StatusIncomplete, strings.Repeat("  ", max(s.depth, 1))
	default:
		return StatusComplete, ""
	}
}

type scanResult struct {
	depth     int
	inString  bool
	continued bool
}

func scan(code string) scanResult {
	var (
		res   scanResult
		quote rune
		esc   bool
		last  rune
	)
	runes := []rune(code)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			switch {
			case esc:
				esc = false
			case r == '\\' && quote != '`':
				esc = true
			case r == quote:
				quote = 0
				last = r
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			res.depth++
		case ')', ']', '}':
			res.depth--
		case '/':
			if i+1 < len(runes) && runes[i+1] == '/' {
				for i < len(runes) && runes[i] != '\n' {
					i++
				}
				continue
			}
		}
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			last = r
		}
	}
	res.inString = quote != 0
	res.continued = strings.ContainsRune("+-*/%,.=<>!&|?:", last) && last != 0
	return res
}

func writeLine(w io.Writer, params []any) error {
	if w == nil {
		return nil
	}
	parts := make([]string, len(params))
	for i, p := range params {
		if s, ok := p.(string); ok {
			parts[i] = s
			continue
		}
		parts[i] = Repr(p)
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func (in *Interpreter) names() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	names := make([]string, 0, len(in.vars)+len(functions))
	for k := range in.vars {
		names = append(names, k)
	}
	for k := range functions {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
