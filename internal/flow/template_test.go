package flow

import (
	"testing"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

func TestRender(t *testing.T) {
	vars := map[string]any{"name": "Ana", "count": float64(3), "vip": true, "obj": map[string]any{"a": 1}}
	tests := []struct {
		in, want string
	}{
		{"Hi {{name}}", "Hi Ana"},
		{"{{name}} has {{count}} orders", "Ana has 3 orders"},
		{"vip={{vip}}", "vip=true"},
		{"{{missing}} stays", "{{missing}} stays"},
		{"{{obj}} stays", "{{obj}} stays"},
		{"unclosed {{name", "unclosed {{name"},
		{"no tokens", "no tokens"},
		{"{{ name }}", "Ana"},
	}
	for _, tt := range tests {
		if got := Render(tt.in, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{"tier": "gold", "count": float64(2)}
	tests := []struct {
		cond string
		want bool
	}{
		{`tier == "gold"`, true},
		{`tier=="gold"`, true},
		{`tier == gold`, true},
		{`tier == "silver"`, false},
		{`unknown == "gold"`, false},
		{`count == "2"`, false},
		{`tier != "gold"`, false},
		{`garbage`, false},
	}
	for _, tt := range tests {
		if got := EvaluateCondition(tt.cond, vars); got != tt.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestValidateInput(t *testing.T) {
	v := func(typ models.ValidationType) *models.Validation { return &models.Validation{Type: typ} }
	tests := []struct {
		name  string
		v     *models.Validation
		input string
		want  bool
	}{
		{"nil accepts", nil, "", true},
		{"phone ok", v(models.ValidatePhone), "+58 412-555-1234", true},
		{"phone short", v(models.ValidatePhone), "123456", false},
		{"email ok", v(models.ValidateEmail), "a@b.co", true},
		{"email no dot", v(models.ValidateEmail), "a@b", false},
		{"number ok", v(models.ValidateNumber), "3.14", true},
		{"number bad", v(models.ValidateNumber), "three", false},
		{"number exponent", v(models.ValidateNumber), "1e5", true},
		{"number leading dot", v(models.ValidateNumber), "-.5", true},
		{"number infinity", v(models.ValidateNumber), "Infinity", true},
		{"number padded", v(models.ValidateNumber), " 42 ", false},
		{"number hex float", v(models.ValidateNumber), "0x1p3", false},
		{"number underscore", v(models.ValidateNumber), "1_000", false},
		{"number lone dot", v(models.ValidateNumber), ".", false},
		{"text ok", v(models.ValidateText), " x ", true},
		{"text blank", v(models.ValidateText), "   ", false},
		{"date accepted", v(models.ValidateDate), "not a date", true},
		{"regex accepted", &models.Validation{Type: models.ValidateRegex, Pattern: `^\d+$`}, "abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateInput(tt.v, tt.input); got != tt.want {
				t.Errorf("ValidateInput(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
