package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/expr-lang/expr/builtin"
)

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Complete implements Completer. The token before the cursor is either a
// plain name, completed against variables, functions and builtins, or a
// dotted path whose last segment is completed against the members of the
// value the path names.
func (in *Interpreter) Complete(code string, cursor int) Completion {
	runes := []rune(code)
	cursor = clamp(cursor, 0, len(runes))

	start := cursor
	for start > 0 && (isIdentRune(runes[start-1]) || runes[start-1] == '.') {
		start--
	}
	token := string(runes[start:cursor])

	var candidates []string
	prefix := token
	if dot := strings.LastIndex(token, "."); dot >= 0 {
		prefix = token[dot+1:]
		start += len([]rune(token[:dot+1]))
		if v, ok := in.resolvePath(token[:dot]); ok {
			candidates = members(v)
		}
	} else {
		candidates = append(in.names(), builtin.Names...)
		for k := range reserved {
			candidates = append(candidates, k)
		}
	}

	matches := filterPrefix(candidates, prefix)
	return Completion{
		Matches:     matches,
		CursorStart: start,
		CursorEnd:   cursor,
		Metadata:    map[string]any{},
	}
}

// Inspect implements Inspector.
func (in *Interpreter) Inspect(code string, cursor, detailLevel int) Inspection {
	runes := []rune(code)
	cursor = clamp(cursor, 0, len(runes))

	start, end := cursor, cursor
	for start > 0 && (isIdentRune(runes[start-1]) || runes[start-1] == '.') {
		start--
	}
	for end < len(runes) && isIdentRune(runes[end]) {
		end++
	}
	name := strings.Trim(string(runes[start:end]), ".")
	if name == "" {
		return Inspection{}
	}

	var text string
	if f, ok := functions[name]; ok {
		text = f.doc
	} else if isBuiltin(name) {
		text = name + ": builtin function"
	} else if v, ok := in.resolvePath(name); ok {
		in.mu.RLock()
		typ, declared := in.types[name]
		in.mu.RUnlock()
		if !declared {
			typ = fmt.Sprintf("%T", v)
		}
		text = fmt.Sprintf("%s: %s = %s", name, typ, Repr(v))
		if detailLevel > 0 {
			if m := members(v); len(m) > 0 {
				text += "\nmembers: " + strings.Join(m, ", ")
			}
		}
	} else {
		return Inspection{}
	}

	return Inspection{Found: true, Data: map[string]any{"text/plain": text}}
}

func (in *Interpreter) resolvePath(path string) (any, bool) {
	parts := strings.Split(path, ".")
	v, ok := in.Lookup(parts[0])
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		if v, ok = member(v, p); !ok {
			return nil, false
		}
	}
	return v, true
}

func member(v any, name string) (any, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}
	return nil, false
}

func members(v any) []string {
	var out []string
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	for i := 0; i < rv.NumMethod(); i++ {
		out = append(out, rv.Type().Method(i).Name)
	}
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			for _, k := range rv.MapKeys() {
				out = append(out, k.String())
			}
		}
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				out = append(out, t.Field(i).Name)
			}
		}
	}
	return out
}

func isBuiltin(name string) bool {
	for _, n := range builtin.Names {
		if n == name {
			return true
		}
	}
	return false
}

func filterPrefix(candidates []string, prefix string) []string {
	seen := make(map[string]bool, len(candidates))
	matches := []string{}
	for _, c := range candidates {
		if seen[c] || !strings.HasPrefix(c, prefix) {
			continue
		}
		seen[c] = true
		matches = append(matches, c)
	}
	sort.Strings(matches)
	return matches
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
