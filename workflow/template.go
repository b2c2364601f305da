package workflow

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/weftlabs/weft/types"
)

// placeholderRe matches one {{ ... }} placeholder.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// nodeRefRe matches the nodes[<id>].output.<path> reference form.
var nodeRefRe = regexp.MustCompile(`^nodes\[([^\[\]]+)\]\.output(?:\.(.+))?$`)

// UnresolvedReferenceError reports a template expression whose path
// does not exist in the run context at resolution time.
type UnresolvedReferenceError struct {
	Expr string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return "unresolved reference: " + e.Expr
}

// Resolve resolves a node's templated inputs against the run context.
//
// Two reference forms are supported: "{{ context.<path> }}" reads from
// the trigger-time event payload, "{{ nodes[<id>].output.<path> }}"
// reads from a prior node's recorded output. Dotted paths address
// nested maps; numeric segments index lists.
//
// A template consisting of exactly one placeholder substitutes to the
// native typed value. A template mixing literal text and placeholders
// concatenates to a string. Resolution is pure: the same template
// against an unchanged context always yields identical output.
func Resolve(template map[string]string, rc *RunContext) (map[string]any, error) {
	resolved := make(map[string]any, len(template))
	for key, tmpl := range template {
		value, err := resolveValue(tmpl, rc)
		if err != nil {
			return nil, err
		}
		resolved[key] = value
	}
	return resolved, nil
}

func resolveValue(tmpl string, rc *RunContext) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}

	// Single placeholder spanning the whole template: type-preserving.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(tmpl) {
		expr := strings.TrimSpace(tmpl[matches[0][2]:matches[0][3]])
		return resolveExpr(expr, rc)
	}

	// Mixed form: concatenate literals and stringified values.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(tmpl[last:m[0]])
		expr := strings.TrimSpace(tmpl[m[2]:m[3]])
		value, err := resolveExpr(expr, rc)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

// resolveExpr evaluates one reference expression against the context.
func resolveExpr(expr string, rc *RunContext) (any, error) {
	if path, ok := strings.CutPrefix(expr, "context."); ok {
		value, found := lookupPath(rc.Event(), splitPath(path))
		if !found {
			return nil, &UnresolvedReferenceError{Expr: expr}
		}
		return value, nil
	}
	if expr == "context" {
		return rc.Event(), nil
	}

	if m := nodeRefRe.FindStringSubmatch(expr); m != nil {
		output, found := rc.Output(m[1])
		if !found {
			return nil, &UnresolvedReferenceError{Expr: expr}
		}
		if m[2] == "" {
			return output, nil
		}
		value, found := lookupPath(output, splitPath(m[2]))
		if !found {
			return nil, &UnresolvedReferenceError{Expr: expr}
		}
		return value, nil
	}

	return nil, types.Newf(types.ErrInvalidExpression, "unsupported template expression %q", expr)
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// lookupPath walks a dotted path through nested maps and lists.
// Numeric segments index lists.
func lookupPath(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for the concatenation form.
// Numbers keep their natural representation (no trailing ".0" for
// integral floats); structured values render as compact JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
