package ai

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no JSON payload could be recovered from a model
// response.
var ErrNoJSON = errors.New("no JSON payload in response")

var (
	codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")

	// Filler phrases models prepend or append around a JSON payload.
	fillerPrefixRe = regexp.MustCompile(`(?is)^\s*(here is|here's|sure[,.!]?|certainly[,.!]?|the (requested )?json( is)?|below is)[^\n{\[]*`)
	fillerSuffixRe = regexp.MustCompile(`(?is)[\n.]\s*(let me know|i hope|please note|note:)[^{}\[\]]*$`)
	danglingKeyRe  = regexp.MustCompile(`([,{])\s*"[^"]*"\s*$`)
)

// ExtractJSON recovers the JSON object or array embedded in a raw model
// response. Applied in order: code-fence extraction, brace-balanced
// first-to-last extraction, filler-phrase stripping, truncation repair.
// Returns ErrNoJSON when nothing resembling JSON is present.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrNoJSON
	}

	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	if candidate, ok := braceSpan(s); ok {
		return candidate, nil
	}

	// No complete span: strip prose around a possibly truncated payload and
	// repair unbalanced brackets.
	s = fillerPrefixRe.ReplaceAllString(s, "")
	s = fillerSuffixRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	return repairTruncated(s[start:]), nil
}

// braceSpan returns the substring from the first opening bracket to its
// balanced closing counterpart, when one exists.
func braceSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{' || ch == '[':
			depth++
		case ch == '}' || ch == ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// repairTruncated closes a payload that was cut off mid-stream: drops a
// dangling partial value and appends the missing closing brackets in
// nesting order.
func repairTruncated(s string) string {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ","))

	// Drop an unterminated string literal at the tail.
	if strings.Count(stripEscapes(s), `"`)%2 == 1 {
		if idx := strings.LastIndex(s, `"`); idx >= 0 {
			s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s[:idx]), ","))
		}
	}
	// Drop a dangling `"key":` or `, "key"` left without a value.
	s = strings.TrimSpace(strings.TrimSuffix(s, ":"))
	s = danglingKeyRe.ReplaceAllString(s, "$1")
	s = strings.TrimRight(strings.TrimSpace(s), ",")

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			stack = append(stack, '}')
		case ch == '[':
			stack = append(stack, ']')
		case ch == '}' || ch == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

func stripEscapes(s string) string {
	return strings.ReplaceAll(s, `\"`, "")
}
