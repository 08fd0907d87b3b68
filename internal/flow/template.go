package flow

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Render replaces {{name}} tokens with scalar values from vars.
// Tokens without a scalar value are left as written.
func Render(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	rest := text
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start + 2
		name := strings.TrimSpace(rest[start+2 : end])
		b.WriteString(rest[:start])
		if val, ok := scalarString(vars[name]); ok && name != "" {
			b.WriteString(val)
		} else {
			b.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
	return b.String()
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// EvaluateCondition evaluates `name == "literal"` against vars.
// Anything else, an unknown variable, or a non-string value is false.
func EvaluateCondition(condition string, vars map[string]any) bool {
	name, literal, ok := strings.Cut(condition, "==")
	if !ok {
		return false
	}
	name = strings.TrimSpace(name)
	literal = strings.Trim(strings.TrimSpace(literal), `"`)
	val, ok := vars[name].(string)
	if !ok {
		return false
	}
	return val == literal
}

// numberPattern accepts plain decimal and exponent notation plus inf and nan. Surrounding
// space, hex floats and digit separators are rejected.
var numberPattern = regexp.MustCompile(`^[+-]?(?:(?i:inf|infinity|nan)|(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][+-]?[0-9]+)?)$`)

// ValidateInput reports whether input satisfies v. A nil validation accepts anything.
func ValidateInput(v *models.Validation, input string) bool {
	if v == nil {
		return true
	}
	switch v.Type {
	case models.ValidatePhone:
		digits := 0
		for _, r := range input {
			if unicode.IsNumber(r) {
				digits++
			}
		}
		return digits >= 7
	case models.ValidateEmail:
		return strings.Contains(input, "@") && strings.Contains(input, ".")
	case models.ValidateNumber:
		return numberPattern.MatchString(input)
	case models.ValidateText:
		return strings.TrimSpace(input) != ""
	case models.ValidateDate, models.ValidateRegex:
		// TODO: enforce date formats and patterns once product settles the accepted formats.
		slog.Debug("ValidateInput: validator not enforced, accepting input", "type", v.Type, "pattern", v.Pattern)
		return true
	}
	return true
}

// renderMenu lays out a menu step as its text followed by one "key - label" line per option.
func renderMenu(step *models.Step, vars map[string]any) string {
	var b strings.Builder
	b.WriteString(Render(step.Text, vars))
	b.WriteString("\n\n")
	for _, o := range step.Options {
		b.WriteString(o.Key)
		b.WriteString(" - ")
		b.WriteString(Render(o.Label, vars))
		b.WriteString("\n")
	}
	return b.String()
}

// matchOption finds the option whose key equals input, or whose label matches ignoring case.
func matchOption(step *models.Step, input string) (*models.MenuOption, bool) {
	input = strings.TrimSpace(input)
	for i := range step.Options {
		if step.Options[i].Key == input {
			return &step.Options[i], true
		}
	}
	for i := range step.Options {
		if strings.EqualFold(step.Options[i].Label, input) {
			return &step.Options[i], true
		}
	}
	return nil, false
}
