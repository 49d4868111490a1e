package event

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\$\{(\w+)\}`)

// Render substitutes ${field} placeholders from the payload. A placeholder
// with no matching payload field is an error, matching the strictness of
// template engines that raise on undefined names.
func Render(tpl string, payload map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		value, ok := payload[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("template references undefined field %q", missing)
	}
	return out, nil
}
