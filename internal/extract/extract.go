// Package extract pulls structured values out of free-form model output.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

var spanRE = regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`)

// JSON parses text as JSON. When the whole text is not valid JSON it parses
// the first greedy {...} or [...] span instead. Anything else is absent.
func JSON(text string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, true
	}
	span := spanRE.FindString(text)
	if span == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(span), &v); err != nil {
		return nil, false
	}
	return v, true
}

// Object is JSON narrowed to an object.
func Object(text string) (map[string]any, bool) {
	v, ok := JSON(text)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// Array is JSON narrowed to an array.
func Array(text string) ([]any, bool) {
	v, ok := JSON(text)
	if !ok {
		return nil, false
	}
	a, ok := v.([]any)
	return a, ok
}

// String returns m[key] when it is a string, else "".
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Slug lower-cases title and collapses every run of non-alphanumerics into a
// single hyphen. An empty result yields fallback.
func Slug(title, fallback string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fallback
	}
	return slug
}

// Markdown emphasis and code marks around the label or value are tolerated.
var iterationIDRE = regexp.MustCompile("(?i)iteration\\s*id[\\s*`]*[:\\-][\\s*`]*([\\w-]+)")

// IterationID finds "Iteration ID: <token>" in a plan.
func IterationID(plan string) (string, bool) {
	m := iterationIDRE.FindStringSubmatch(plan)
	if m == nil {
		return "", false
	}
	id := strings.Trim(strings.TrimSpace(m[1]), "-")
	if id == "" {
		return "", false
	}
	return id, true
}
