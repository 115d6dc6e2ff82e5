package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Templates are strings with embedded path reads. Three delimiter styles are
// accepted: {{path}}, ${path} and <%path%>. Paths follow
// segment(.segment|[int])* over the sources payload, trigger,
// workflow.static_data, env.<prefix>, and $node["<id>"].json for upstream
// outputs.
//
// A template that is one single path resolves to the source value with its
// type intact; anything mixed folds to a string. Unresolvable paths become
// null and are reported as warnings, never hard failures.

type partKind int

const (
	literalPart partKind = iota
	pathPart
)

type part struct {
	kind partKind
	text string
}

// Template is a parsed template: a sequence of literal and path parts
type Template struct {
	raw   string
	parts []part
}

var delimiters = []struct {
	open  string
	close string
}{
	{"{{", "}}"},
	{"${", "}"},
	{"<%", "%>"},
}

// Parse splits a string into literal and path parts
func Parse(s string) *Template {
	t := &Template{raw: s}

	rest := s
	for rest != "" {
		idx, delim := nextDelimiter(rest)
		if idx < 0 {
			t.parts = append(t.parts, part{literalPart, rest})
			break
		}

		if idx > 0 {
			t.parts = append(t.parts, part{literalPart, rest[:idx]})
		}
		rest = rest[idx+len(delim.open):]

		end := strings.Index(rest, delim.close)
		if end < 0 {
			// Unterminated placeholder reads as literal text.
			t.parts = append(t.parts, part{literalPart, delim.open + rest})
			break
		}

		t.parts = append(t.parts, part{pathPart, strings.TrimSpace(rest[:end])})
		rest = rest[end+len(delim.close):]
	}

	return t
}

func nextDelimiter(s string) (int, struct{ open, close string }) {
	best := -1
	var found struct{ open, close string }
	for _, d := range delimiters {
		if i := strings.Index(s, d.open); i >= 0 && (best < 0 || i < best) {
			best = i
			found = struct{ open, close string }{d.open, d.close}
		}
	}
	return best, found
}

// HasPlaceholders reports whether the string contains any template syntax
func HasPlaceholders(s string) bool {
	i, _ := nextDelimiter(s)
	return i >= 0
}

// Context provides the resolution sources for one node dispatch
type Context struct {
	Payload     map[string]interface{}
	Trigger     map[string]interface{}
	StaticData  map[string]interface{}
	NodeOutputs map[string]interface{}
	// EnvPrefix allowlists which env vars templates may read.
	EnvPrefix string

	payloadJSON []byte
	triggerJSON []byte
	staticJSON  []byte
	nodeJSON    map[string][]byte
}

// Resolve evaluates the template. A whole-string single path returns the
// typed source value; mixed templates fold to a string. The second return
// lists paths that did not resolve.
func (t *Template) Resolve(ctx *Context) (interface{}, []string) {
	if len(t.parts) == 1 && t.parts[0].kind == pathPart {
		v, ok := ctx.lookup(t.parts[0].text)
		if !ok {
			return nil, []string{t.parts[0].text}
		}
		return v, nil
	}

	var warnings []string
	var b strings.Builder
	for _, p := range t.parts {
		if p.kind == literalPart {
			b.WriteString(p.text)
			continue
		}
		v, ok := ctx.lookup(p.text)
		if !ok {
			warnings = append(warnings, p.text)
			continue
		}
		b.WriteString(stringify(v))
	}

	return b.String(), warnings
}

// ResolveString is Resolve for callers that need a string result
func ResolveString(s string, ctx *Context) (string, []string) {
	v, warnings := Parse(s).Resolve(ctx)
	return stringify(v), warnings
}

// ResolveValue walks an arbitrary JSON-shaped value, resolving every string
// that contains template syntax. Maps and slices are copied, not mutated.
func ResolveValue(v interface{}, ctx *Context) (interface{}, []string) {
	switch val := v.(type) {
	case string:
		if !HasPlaceholders(val) {
			return val, nil
		}
		return Parse(val).Resolve(ctx)

	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		var warnings []string
		for k, item := range val {
			resolved, w := ResolveValue(item, ctx)
			out[k] = resolved
			warnings = append(warnings, w...)
		}
		return out, warnings

	case []interface{}:
		out := make([]interface{}, len(val))
		var warnings []string
		for i, item := range val {
			resolved, w := ResolveValue(item, ctx)
			out[i] = resolved
			warnings = append(warnings, w...)
		}
		return out, warnings

	default:
		return v, nil
	}
}

// lookup resolves one path against the context sources
func (c *Context) lookup(path string) (interface{}, bool) {
	// $node["<id>"].json.<rest> references an upstream node's output.
	if strings.HasPrefix(path, "$node[") {
		return c.lookupNode(path)
	}

	switch {
	case path == "payload":
		return nonNil(c.Payload)
	case strings.HasPrefix(path, "payload.") || strings.HasPrefix(path, "payload["):
		return c.read(c.payloadBytes(), strings.TrimPrefix(path, "payload"))

	case path == "trigger":
		return nonNil(c.Trigger)
	case strings.HasPrefix(path, "trigger.") || strings.HasPrefix(path, "trigger["):
		return c.read(c.triggerBytes(), strings.TrimPrefix(path, "trigger"))

	case path == "workflow.static_data":
		return nonNil(c.StaticData)
	case strings.HasPrefix(path, "workflow.static_data.") || strings.HasPrefix(path, "workflow.static_data["):
		return c.read(c.staticBytes(), strings.TrimPrefix(path, "workflow.static_data"))

	case strings.HasPrefix(path, "env."):
		name := strings.TrimPrefix(path, "env.")
		if c.EnvPrefix == "" || !strings.HasPrefix(name, c.EnvPrefix) {
			return nil, false
		}
		v, ok := os.LookupEnv(name)
		return v, ok
	}

	return nil, false
}

func (c *Context) lookupNode(path string) (interface{}, bool) {
	rest := strings.TrimPrefix(path, "$node[")
	end := strings.Index(rest, "]")
	if end < 0 {
		return nil, false
	}
	id := strings.Trim(rest[:end], `"'`)
	rest = rest[end+1:]

	output, ok := c.NodeOutputs[id]
	if !ok {
		return nil, false
	}

	rest = strings.TrimPrefix(rest, ".json")
	if rest == "" {
		return output, true
	}

	if c.nodeJSON == nil {
		c.nodeJSON = make(map[string][]byte)
	}
	blob, cached := c.nodeJSON[id]
	if !cached {
		blob, _ = json.Marshal(output)
		c.nodeJSON[id] = blob
	}
	return c.read(blob, rest)
}

// read evaluates a path suffix (".a.b[0]" or "[0].a") against a JSON blob
func (c *Context) read(blob []byte, suffix string) (interface{}, bool) {
	if len(blob) == 0 {
		return nil, false
	}
	result := gjson.GetBytes(blob, toGjsonPath(suffix))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// toGjsonPath converts "[0].a.b[2]" into gjson's "0.a.b.2"
func toGjsonPath(suffix string) string {
	suffix = strings.TrimPrefix(suffix, ".")
	var b strings.Builder
	for i := 0; i < len(suffix); i++ {
		switch suffix[i] {
		case '[':
			if b.Len() > 0 {
				b.WriteByte('.')
			}
		case ']':
			if i+1 < len(suffix) && suffix[i+1] == '.' {
				i++ // skip the dot, we already separate with one
				b.WriteByte('.')
			}
		default:
			b.WriteByte(suffix[i])
		}
	}
	return b.String()
}

func (c *Context) payloadBytes() []byte {
	if c.payloadJSON == nil && c.Payload != nil {
		c.payloadJSON, _ = json.Marshal(c.Payload)
	}
	return c.payloadJSON
}

func (c *Context) triggerBytes() []byte {
	if c.triggerJSON == nil && c.Trigger != nil {
		c.triggerJSON, _ = json.Marshal(c.Trigger)
	}
	return c.triggerJSON
}

func (c *Context) staticBytes() []byte {
	if c.staticJSON == nil && c.StaticData != nil {
		c.staticJSON, _ = json.Marshal(c.StaticData)
	}
	return c.staticJSON
}

func nonNil(m map[string]interface{}) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	return m, true
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
