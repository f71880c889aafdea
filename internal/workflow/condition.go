package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Scope is the data a branch or trigger condition is evaluated against.
type Scope struct {
	Lead     *model.LeadSnapshot
	Metadata map[string]any
	Group    string
}

// Evaluate reports whether c holds for s. A nil or empty condition holds.
// Rules are combined with AND unless Match is "any".
func Evaluate(c *model.Condition, s Scope) bool {
	if c == nil || len(c.Rules) == 0 {
		return true
	}
	matchAny := strings.EqualFold(c.Match, "any")
	for _, rule := range c.Rules {
		ok := evalRule(rule, s)
		if matchAny && ok {
			return true
		}
		if !matchAny && !ok {
			return false
		}
	}
	return !matchAny
}

func evalRule(r model.ConditionRule, s Scope) bool {
	actual, found := s.lookup(r.Field)
	switch r.Operator {
	case model.OpExists:
		return found && actual != nil && fmt.Sprint(actual) != ""
	case model.OpEquals:
		return found && valuesEqual(actual, r.Value)
	case model.OpNotEquals:
		return !found || !valuesEqual(actual, r.Value)
	case model.OpGreaterThan, model.OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(r.Value)
		if !found || !okA || !okB {
			return false
		}
		if r.Operator == model.OpGreaterThan {
			return a > b
		}
		return a < b
	case model.OpContains:
		return found && containsFold(actual, r.Value)
	}
	return false
}

// lookup resolves a field. Prefixed paths ("lead.", "metadata.") address one
// source; bare names check trigger metadata first and then the lead.
func (s Scope) lookup(field string) (any, bool) {
	field = strings.TrimSpace(field)
	switch {
	case field == "ab_group":
		return s.Group, s.Group != ""
	case strings.HasPrefix(field, "metadata."):
		v := navigatePath(s.Metadata, strings.TrimPrefix(field, "metadata."))
		return v, v != nil
	case strings.HasPrefix(field, "lead."):
		return s.leadField(strings.TrimPrefix(field, "lead."))
	}
	if v := navigatePath(s.Metadata, field); v != nil {
		return v, true
	}
	return s.leadField(field)
}

func (s Scope) leadField(name string) (any, bool) {
	if s.Lead == nil {
		return nil, false
	}
	l := s.Lead
	switch name {
	case "id":
		return l.ID, true
	case "first_name":
		return l.FirstName, true
	case "last_name":
		return l.LastName, true
	case "full_name":
		return l.FullName(), true
	case "email":
		return l.Email, true
	case "phone":
		return l.Phone, true
	case "company":
		return l.Company, true
	case "status":
		return l.Status, true
	case "score":
		return l.Score, true
	case "tags":
		return l.Tags, true
	}
	path := strings.TrimPrefix(name, "attributes.")
	v := navigatePath(l.Attributes, path)
	return v, v != nil
}

// navigatePath walks a dotted path through nested maps.
func navigatePath(data map[string]any, path string) any {
	if data == nil || path == "" {
		return nil
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func valuesEqual(actual any, expected string) bool {
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			return a == b
		}
	}
	return fmt.Sprint(actual) == expected
}

func containsFold(actual any, needle string) bool {
	needle = strings.ToLower(needle)
	switch v := actual.(type) {
	case []string:
		for _, item := range v {
			if strings.ToLower(item) == needle {
				return true
			}
		}
		return false
	case []any:
		for _, item := range v {
			if strings.ToLower(fmt.Sprint(item)) == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(fmt.Sprint(actual)), needle)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
