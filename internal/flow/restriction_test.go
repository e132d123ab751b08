package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldRestrict(t *testing.T) {
	r := NewTextRestriction()
	tests := []struct {
		text string
		want bool
	}{
		{"hello", true},
		{"  hello  ", true},
		{"", false},
		{"   ", false},
		{"/start", false},
		{"/start now", false},
		{"/help", false},
		{"/unknown", false},
		{"start", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.ShouldRestrict(tt.text), "text %q", tt.text)
	}
}

func TestDisabledOrNilRestrictionNeverWarns(t *testing.T) {
	var nilR *TextRestriction
	assert.False(t, nilR.ShouldRestrict("hello"))

	r := NewTextRestriction()
	r.Enabled = false
	assert.False(t, r.ShouldRestrict("hello"))
}

func TestWarningFallsBackToDefault(t *testing.T) {
	r := &TextRestriction{Enabled: true}
	assert.Equal(t, DefaultRestrictionWarning, r.Warning())
	r.WarningMessage = "Use the buttons"
	assert.Equal(t, "Use the buttons", r.Warning())
}

func TestSessionHistoryAndReset(t *testing.T) {
	tbl := NewSessionTable()
	s := tbl.GetOrCreate("42")
	assert.Same(t, s, tbl.GetOrCreate("42"))
	assert.Equal(t, 1, tbl.Len())

	s.push("a")
	s.push("")
	s.push("b")
	assert.Equal(t, []string{"a", "b"}, s.History)

	last, ok := s.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", last)

	s.CurrentNode = "x"
	s.Variables["k"] = "v"
	s.reset()
	assert.Empty(t, s.CurrentNode)
	assert.Empty(t, s.History)
	assert.Equal(t, "v", s.Variables["k"])

	_, ok = s.pop()
	assert.False(t, ok)
}
