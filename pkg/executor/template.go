package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Scope names usable in references.
const (
	ScopeInput   = "input"
	ScopeStep    = "step"
	ScopeContext = "context"
)

// Ref is a parsed {{ scope.key[.sub...] }} reference.
type Ref struct {
	Scope string
	Path  []string
}

func (r Ref) String() string {
	return r.Scope + "." + strings.Join(r.Path, ".")
}

// segment is either literal text or a reference.
type segment struct {
	literal string
	ref     *Ref
}

// Template is a parsed string with zero or more references.
type Template struct {
	source   string
	segments []segment
}

// Single returns the reference when the whole template is exactly one
// reference (surrounding whitespace allowed).
func (t *Template) Single() (Ref, bool) {
	var ref *Ref
	for _, seg := range t.segments {
		switch {
		case seg.ref != nil:
			if ref != nil {
				return Ref{}, false
			}
			ref = seg.ref
		case strings.TrimSpace(seg.literal) != "":
			return Ref{}, false
		}
	}
	if ref == nil {
		return Ref{}, false
	}
	return *ref, true
}

// ParseTemplate splits s into literals and references. An unterminated
// "{{" or a malformed reference is an error.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{source: s}
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.segments = append(t.segments, segment{literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, errors.Errorf("unterminated reference in %q", s)
		}
		ref, err := parseRef(rest[start+2 : start+end])
		if err != nil {
			return nil, errors.Wrapf(err, "in template %q", s)
		}
		t.segments = append(t.segments, segment{ref: &ref})
		rest = rest[start+end+2:]
	}
}

func parseRef(expr string) (Ref, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Ref{}, errors.New("empty reference")
	}
	parts := strings.Split(expr, ".")
	for _, p := range parts {
		if p == "" {
			return Ref{}, errors.Errorf("malformed reference %q", expr)
		}
	}
	ref := Ref{Scope: parts[0], Path: parts[1:]}
	switch ref.Scope {
	case ScopeInput, ScopeContext:
		if len(ref.Path) == 0 {
			return Ref{}, errors.Errorf("reference %q needs a field", expr)
		}
	case ScopeStep:
		if len(ref.Path) < 2 {
			return Ref{}, errors.Errorf("reference %q needs a step id and field", expr)
		}
	default:
		return Ref{}, errors.Errorf("unknown scope %q in reference %q", ref.Scope, expr)
	}
	return ref, nil
}

// Lookup resolves references against run state.
type Lookup interface {
	Lookup(ref Ref) (any, bool)
}

// Render resolves the template. A template that is exactly one reference
// yields the referenced value with its native type (nil when unresolved).
// Otherwise references are stringified into the surrounding text.
func (t *Template) Render(l Lookup) any {
	if ref, ok := t.Single(); ok {
		v, _ := l.Lookup(ref)
		return v
	}
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.ref == nil {
			b.WriteString(seg.literal)
			continue
		}
		if v, ok := l.Lookup(*seg.ref); ok {
			b.WriteString(stringify(v))
		}
	}
	return b.String()
}

// ResolveValue renders every string inside v, walking maps and slices.
func ResolveValue(v any, l Lookup) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		t, err := ParseTemplate(val)
		if err != nil {
			return nil, err
		}
		return t.Render(l), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, err := ResolveValue(inner, l)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, err := ResolveValue(inner, l)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveInputs resolves a step's input map.
func ResolveInputs(inputs map[string]any, l Lookup) (map[string]any, error) {
	if inputs == nil {
		return map[string]any{}, nil
	}
	resolved, err := ResolveValue(inputs, l)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// ResolveString renders s and stringifies the result.
func ResolveString(s string, l Lookup) (string, error) {
	v, err := ResolveValue(s, l)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// walk descends path through nested maps and slices.
func walk(v any, path []string) (any, bool) {
	for _, key := range path {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[key]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, false
			}
			v = cur[i]
		default:
			return nil, false
		}
	}
	return v, true
}
