// Package template renders {{placeholder}} substitutions in message content.
package template

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render replaces every {{name}} placeholder with its value from vars.
// Placeholders without a matching variable are left verbatim so missing data
// is visible in the delivered content instead of silently disappearing.
func Render(content string, vars map[string]string) string {
	if content == "" || len(vars) == 0 {
		return content
	}

	return placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		value, ok := vars[name]
		if !ok {
			return match
		}
		return value
	})
}

// Merge layers override on top of base without mutating either map. Keys
// present in both take the override value.
func Merge(base map[string]string, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}

	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
