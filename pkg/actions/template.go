// Package actions provides the built-in action kinds dispatched by blueprint
// transitions: field-update, notify and webhook. Configuration values support
// {{var}} placeholders resolved against the execution's substitution
// variables.
package actions

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Expand replaces {{name}} placeholders in s with values from vars.
// Placeholders without a matching variable are left untouched, so a typo in
// a blueprint shows up verbatim in the output instead of disappearing.
func Expand(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// expandConfig applies Expand to every value of a config map.
func expandConfig(config, vars map[string]string) map[string]string {
	if len(config) == 0 {
		return config
	}
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = Expand(v, vars)
	}
	return out
}
