// Package expr substitutes session variables into operator-authored text and
// evaluates transform expressions in a small, side-effect-free grammar.
package expr

import (
	"regexp"
	"strconv"
)

// placeholder matches {{name}}, tolerating spaces inside the braces.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Render replaces every {{name}} in template with vars[name]. Names without a
// value are left in place verbatim.
func Render(template string, vars map[string]string) string {
	if template == "" || len(vars) == 0 {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// substitute replaces every {{name}} with a quoted string literal of its value.
// It fails on the first name that has no value.
func substitute(expression string, vars map[string]string) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(expression, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return `""`
		}
		return strconv.Quote(v)
	})
	if missing != "" {
		return "", &Error{Pos: -1, Msg: "undefined variable " + strconv.Quote(missing)}
	}
	return out, nil
}
