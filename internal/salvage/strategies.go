package salvage

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxTruncationCuts bounds how far TruncationRepair backs off before giving up.
const maxTruncationCuts = 256

var (
	errNoStructure  = errors.New("no opening brace or bracket")
	errUnbalanced   = errors.New("no matching closing brace or bracket")
	errNotRepaired  = errors.New("truncation repair did not converge")
	errNotTruncated = errors.New("structure is balanced")
	errScalar       = errors.New("literal parse produced a scalar")

	pythonNone = regexp.MustCompile(`\bNone\b`)
)

// FencedBlock strips a single ``` fence (with optional language tag) and
// parses the interior. Unfenced text is parsed as-is.
func FencedBlock(raw string) (any, error) {
	if inner, ok := fencedInterior(raw); ok {
		return parseJSON(inner)
	}
	return parseJSON(raw)
}

// BalancedSpan parses the substring from the first { or [ to its matching
// closer, discarding surrounding prose.
func BalancedSpan(raw string) (any, error) {
	span, err := balancedSpan(raw)
	if err != nil {
		return nil, err
	}
	return parseJSON(span)
}

// ControlChars removes control characters JSON does not allow and retries.
// Raw newlines and tabs inside string values are escaped rather than dropped.
func ControlChars(raw string) (any, error) {
	var lastErr error = errEmpty
	for _, cand := range candidates(raw) {
		cleaned := cleanControlChars(cand)
		if v, err := parseJSON(cleaned); err == nil {
			return v, nil
		} else {
			lastErr = err
		}
		if span, err := balancedSpan(cleaned); err == nil {
			if v, err := parseJSON(span); err == nil {
				return v, nil
			}
		}
	}
	return nil, lastErr
}

// TruncationRepair closes a reply that was cut off mid-document. It first
// drops trailing lines that do not end on a structural character, then
// backs off to earlier value boundaries until the re-balanced text parses.
func TruncationRepair(raw string) (any, error) {
	text := raw
	if inner, ok := fencedInterior(raw); ok {
		text = inner
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, errNoStructure
	}
	text = cleanControlChars(text[start:])
	if _, err := balancedSpan(text); err == nil {
		// Balanced text is not truncated; leave it to the other strategies.
		return nil, errNotTruncated
	}

	if v, err := closeAndParse(dropIncompleteLines(text)); err == nil && !isEmpty(v) {
		return v, nil
	}

	for i := 0; i < maxTruncationCuts && text != ""; i++ {
		if v, err := closeAndParse(text); err == nil && !isEmpty(v) {
			return v, nil
		}
		text = cutToPreviousBoundary(text)
	}
	return nil, errNotRepaired
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return true
}

// LiteralSyntax accepts literal-expression syntax (single-quoted strings,
// True/False/None) by reading it as a YAML flow document, then re-encodes it
// as strict JSON.
func LiteralSyntax(raw string) (any, error) {
	var lastErr error = errNoStructure
	for _, cand := range candidates(raw) {
		if !strings.ContainsAny(cand, "{[") {
			continue
		}
		src := pythonNone.ReplaceAllString(cand, "null")
		var v any
		if err := yaml.Unmarshal([]byte(src), &v); err != nil {
			lastErr = err
			continue
		}
		v = normalizeYAML(v)
		switch v.(type) {
		case map[string]any, []any:
		default:
			lastErr = errScalar
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			lastErr = err
			continue
		}
		return parseJSON(string(data))
	}
	return nil, lastErr
}

// candidates returns the texts worth trying, most specific first.
func candidates(raw string) []string {
	out := make([]string, 0, 3)
	if inner, ok := fencedInterior(raw); ok {
		out = append(out, inner)
	}
	if span, err := balancedSpan(raw); err == nil {
		out = append(out, span)
	}
	return append(out, strings.TrimSpace(raw))
}

// fencedInterior returns the text inside the first ``` fence. An opening
// fence without a closing one (a truncated reply) yields the remainder.
func fencedInterior(raw string) (string, bool) {
	open := strings.Index(raw, "```")
	if open < 0 {
		return "", false
	}
	rest := raw[open+3:]
	nl := strings.Index(rest, "\n")
	if nl < 0 {
		return "", false
	}
	// Anything between ``` and the newline is the language tag.
	body := rest[nl+1:]
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

// balancedSpan finds the first { or [ and its matching closer, ignoring
// brackets inside string literals.
func balancedSpan(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", errNoStructure
	}
	stack := make([]byte, 0, 16)
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", errUnbalanced
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errUnbalanced
}

// cleanControlChars drops control characters outside strings (keeping
// whitespace) and escapes \n \r \t inside strings.
func cleanControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			case r == '\n':
				b.WriteString(`\n`)
				continue
			case r == '\r':
				b.WriteString(`\r`)
				continue
			case r == '\t':
				b.WriteString(`\t`)
				continue
			case r < 0x20 || r == 0x7f:
				continue
			}
			b.WriteRune(r)
			continue
		}
		if r == '"' {
			inString = true
		} else if (r < 0x20 && r != '\n' && r != '\r' && r != '\t') || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dropIncompleteLines removes trailing lines that do not end on a character
// that can legally end a JSON token.
func dropIncompleteLines(s string) string {
	lines := strings.Split(s, "\n")
	for len(lines) > 1 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last != "" && endsStructurally(last) {
			break
		}
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func endsStructurally(line string) bool {
	switch line[len(line)-1] {
	case '{', '}', '[', ']', ',', '"':
		return true
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return strings.HasSuffix(line, "true") || strings.HasSuffix(line, "false") || strings.HasSuffix(line, "null")
}

// closeAndParse appends whatever is needed to balance s and parses it.
func closeAndParse(s string) (any, error) {
	stack := make([]byte, 0, 16)
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		if escaped {
			// Drop a dangling backslash so the closing quote is not escaped.
			str := b.String()
			b.Reset()
			b.WriteString(str[:len(str)-1])
		}
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}
	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		closers.WriteByte(stack[i])
	}
	return parseJSON(out + closers.String())
}

// cutToPreviousBoundary trims s back to just before its last , or just after
// its last { or [ so the next attempt ends on a complete value.
func cutToPreviousBoundary(s string) string {
	if len(s) <= 1 {
		return ""
	}
	i := strings.LastIndexAny(s[:len(s)-1], ",{[")
	if i < 0 {
		return ""
	}
	if s[i] == ',' {
		return s[:i]
	}
	return s[:i+1]
}

// normalizeYAML converts map[interface{}]interface{} nodes into JSON-compatible maps.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[toString(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

func toString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	data, err := json.Marshal(k)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), `"`)
}
