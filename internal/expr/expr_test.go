package expr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{"resolved", "{{x}}", map[string]string{"x": "hi"}, "hi"},
		{"unresolved left literal", "{{y}}", map[string]string{}, "{{y}}"},
		{"nil vars", "Hello {{name}}", nil, "Hello {{name}}"},
		{"spaces inside braces", "Hi {{ name }}!", map[string]string{"name": "Ann"}, "Hi Ann!"},
		{"mixed", "{{a}}/{{b}}/{{c}}", map[string]string{"a": "1", "c": "3"}, "1/{{b}}/3"},
		{"value is not re-expanded", "{{a}}", map[string]string{"a": "{{b}}", "b": "no"}, "{{b}}"},
		{"cyrillic text", "Привет, {{name}}", map[string]string{"name": "Оля"}, "Привет, Оля"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.template, tt.vars))
		})
	}
}

func TestEvaluateCoercionPolicy(t *testing.T) {
	vars := map[string]string{"a": "2", "b": "3", "name": "Ann", "pad": " 4 ", "neg": "-1.5"}
	tests := []struct {
		expression string
		want       string
	}{
		// numeric-looking strings add rather than concatenate
		{"{{a}} + {{b}}", "5"},
		{"{{a}}+{{b}}", "5"},
		{"{{a}} * {{b}} - 1", "5"},
		{"({{a}} + {{b}}) * 2", "10"},
		{"{{b}} / {{a}}", "1.5"},
		{"7 % {{b}}", "1"},
		{"-{{a}}", "-2"},
		{"{{pad}} + 1", "5"},
		{"{{neg}} + {{neg}}", "-3"},
		{"{{name}} + ' ' + {{a}}", "Ann 2"},
		{`"x" + 'y'`, "xy"},
		{"'It\\'s ' + {{name}}", "It's Ann"},
		{"{{a}} + 'b'", "2b"},
		{"0.1 + 0.2", "0.30000000000000004"},
		{"-0", "0"},
		{"'10' + '5'", "15"},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			got, err := Evaluate(tt.expression, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateErrorsYieldEmptyString(t *testing.T) {
	vars := map[string]string{"a": "2", "name": "Ann", "quote": `say "hi"`}
	tests := []string{
		"{{missing}} + 1",
		"{{name}} * 2",
		"{{a}} / 0",
		"{{a}} % 0",
		"(1 + 2",
		"1 +",
		"os.Exit(1)",
		"__import__('os')",
		"1 2",
		"'open",
		"1.2.3",
		"",
	}
	for _, expression := range tests {
		t.Run(expression, func(t *testing.T) {
			got, err := Evaluate(expression, vars)
			require.Error(t, err)
			assert.Empty(t, got)
			var exprErr *Error
			assert.ErrorAs(t, err, &exprErr)
		})
	}

	// Values containing quotes cannot break out of their literal.
	got, err := Evaluate("{{quote}} + '!'", vars)
	require.NoError(t, err)
	assert.Equal(t, `say "hi"!`, got)
}

func TestEvaluateLimits(t *testing.T) {
	_, err := Evaluate(strings.Repeat("1+", MaxExpressionLength)+"1", nil)
	require.Error(t, err)

	deep := strings.Repeat("(", MaxNestingDepth+2) + "1" + strings.Repeat(")", MaxNestingDepth+2)
	_, err = Evaluate(deep, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested too deeply")
}
