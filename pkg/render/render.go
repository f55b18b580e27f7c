package render

import (
	"fmt"
	"strconv"
	"strings"
)

// Renderer turns a task command template into a shell command line
type Renderer struct {
	// ToolsDir is prepended to PATH for the rendered command
	ToolsDir string
}

// NewRenderer creates a renderer for the given workflow tools directory
func NewRenderer(toolsDir string) *Renderer {
	return &Renderer{ToolsDir: toolsDir}
}

// Render expands the template against input and prefixes the PATH
// assignment. A template without any placeholder is a legacy task definition
// that expects the whole task_file as its last argument, so taskJSON is
// appended as a single double-quoted word in that case.
func (r *Renderer) Render(template string, input map[string]any, taskJSON string) string {
	cmd, matched := Expand(template, input)
	if !matched {
		cmd = cmd + " " + Quote(taskJSON)
	}
	return "PATH=" + r.ToolsDir + ":$PATH " + cmd
}

// Expand substitutes every ${name} and ${sep='<delim>' name} placeholder in
// template, left to right. Text that does not parse as a placeholder is
// copied unchanged. The bool reports whether at least one placeholder was
// substituted.
func Expand(template string, input map[string]any) (string, bool) {
	var b strings.Builder
	matched := false

	rest := template
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])

		p, n, ok := parsePlaceholder(rest[i:])
		if !ok {
			// keep "$" literally and rescan from the next byte
			b.WriteByte('$')
			rest = rest[i+1:]
			continue
		}

		b.WriteString(p.substitute(input))
		matched = true
		rest = rest[i+n:]
	}

	return b.String(), matched
}

// Quote wraps s in double quotes, escaping the characters the shell still
// interprets inside them
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

type placeholder struct {
	name   string
	sep    string
	hasSep bool
}

func (p placeholder) substitute(input map[string]any) string {
	v, ok := input[p.name]
	if !ok || v == nil {
		return ""
	}

	if !p.hasSep {
		if items, isList := v.([]any); isList {
			return join(items, " ")
		}
		if items, isList := v.([]string); isList {
			return strings.Join(items, " ")
		}
		return stringify(v)
	}

	switch items := v.(type) {
	case []any:
		return join(items, p.sep)
	case []string:
		return strings.Join(items, p.sep)
	default:
		return stringify(v)
	}
}

// parsePlaceholder parses a placeholder at the start of s, which begins with
// "${". It returns the placeholder and the number of bytes consumed.
func parsePlaceholder(s string) (placeholder, int, bool) {
	var p placeholder
	pos := 2

	if strings.HasPrefix(s[pos:], "sep=") {
		pos += len("sep=")
		if pos >= len(s) || (s[pos] != '\'' && s[pos] != '"') {
			return p, 0, false
		}
		quote := s[pos]
		pos++
		end := strings.IndexByte(s[pos:], quote)
		if end < 0 {
			return p, 0, false
		}
		p.sep = s[pos : pos+end]
		p.hasSep = true
		pos += end + 1

		// at least one blank between the delimiter and the name
		start := pos
		for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t') {
			pos++
		}
		if pos == start {
			return p, 0, false
		}
	}

	start := pos
	for pos < len(s) && isNameByte(s[pos]) {
		pos++
	}
	if pos == start || pos >= len(s) || s[pos] != '}' {
		return p, 0, false
	}
	p.name = s[start:pos]

	return p, pos + 1, true
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func join(items []any, sep string) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, stringify(item))
	}
	return strings.Join(parts, sep)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
