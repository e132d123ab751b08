package flow

import "strings"

// DefaultRestrictionWarning is sent when a user types instead of pressing a button.
const DefaultRestrictionWarning = "Для управления ботом, пожалуйста, используйте кнопки ⬇️"

// TextRestriction decides whether unexpected free text should be answered with
// a warning pointing the user back to the buttons.
type TextRestriction struct {
	Enabled         bool
	WarningMessage  string
	AllowedCommands []string
}

// NewTextRestriction returns an enabled restriction with the default warning.
func NewTextRestriction() *TextRestriction {
	return &TextRestriction{
		Enabled:         true,
		WarningMessage:  DefaultRestrictionWarning,
		AllowedCommands: []string{"/start", "/help"},
	}
}

// ShouldRestrict reports whether text earns a warning. Empty text and commands never do.
func (r *TextRestriction) ShouldRestrict(text string) bool {
	if r == nil || !r.Enabled {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, cmd := range r.AllowedCommands {
		if text == cmd || strings.HasPrefix(text, cmd+" ") {
			return false
		}
	}
	return !strings.HasPrefix(text, "/")
}

// Warning returns the configured warning text.
func (r *TextRestriction) Warning() string {
	if r.WarningMessage == "" {
		return DefaultRestrictionWarning
	}
	return r.WarningMessage
}
