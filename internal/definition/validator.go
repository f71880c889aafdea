package definition

import (
	"fmt"
	"strings"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions before they are persisted. A
// definition that passes never makes the engine guess at runtime: delays are
// non-negative with a known unit, actions are well formed, and step order is
// strictly increasing.
type Validator struct {
	handlers map[string]bool
}

// NewValidator creates a new Validator. When handlers is non-empty, custom
// actions must name one of them.
func NewValidator(handlers ...string) *Validator {
	v := &Validator{}
	if len(handlers) > 0 {
		v.handlers = make(map[string]bool, len(handlers))
		for _, h := range handlers {
			v.handlers[h] = true
		}
	}
	return v
}

// ValidateAll checks every definition and reports ids duplicated within one
// tenant.
func (v *Validator) ValidateAll(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, def := range defs {
		prefix := fmt.Sprintf("workflows[%d]", i)
		errs = append(errs, v.validate(prefix, def)...)

		if def.ID == "" {
			continue
		}
		key := def.TenantID + "/" + def.ID
		if first, dup := seen[key]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("workflow id %q already defined by workflows[%d]", def.ID, first),
			})
			continue
		}
		seen[key] = i
	}
	return errs
}

// Validate checks a single definition.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	return v.validate("", def)
}

// Check validates def and returns a VALIDATION_ERROR envelope, or nil.
func (v *Validator) Check(def model.WorkflowDefinition) error {
	return AsError(v.Validate(def))
}

// AsError converts validation errors into the API error envelope.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}

func (v *Validator) validate(prefix string, def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.TenantID == "" {
		errs = append(errs, VError{Path: join(prefix, "tenant_id"), Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, VError{Path: join(prefix, "name"), Code: "REQUIRED", Message: "name is required"})
	}
	if len(def.Triggers) == 0 {
		errs = append(errs, VError{Path: join(prefix, "triggers"), Code: "REQUIRED", Message: "at least one trigger is required"})
	}
	for i, trig := range def.Triggers {
		if strings.TrimSpace(trig) == "" {
			errs = append(errs, VError{Path: join(prefix, fmt.Sprintf("triggers[%d]", i)), Code: "REQUIRED", Message: "trigger name must not be blank"})
		}
	}
	if def.ABTest.SplitPercentage < 0 || def.ABTest.SplitPercentage > 100 {
		errs = append(errs, VError{
			Path:    join(prefix, "ab_test.split_percentage"),
			Code:    "OUT_OF_RANGE",
			Message: fmt.Sprintf("split_percentage must be within 0..100, got %d", def.ABTest.SplitPercentage),
		})
	}
	errs = append(errs, validateCondition(join(prefix, "trigger_conditions"), def.TriggerConditions)...)

	prevOrder := 0
	for i, step := range def.Steps {
		sp := join(prefix, fmt.Sprintf("steps[%d]", i))
		if i > 0 && step.Order <= prevOrder {
			errs = append(errs, VError{
				Path:    sp + ".order",
				Code:    "NOT_INCREASING",
				Message: fmt.Sprintf("step order %d must be greater than %d", step.Order, prevOrder),
			})
		}
		prevOrder = step.Order
		errs = append(errs, v.validateStep(sp, step)...)
	}

	return errs
}

func (v *Validator) validateStep(prefix string, step model.Step) []VError {
	var errs []VError

	switch {
	case step.Delay.Value < 0:
		errs = append(errs, VError{Path: prefix + ".delay.value", Code: "OUT_OF_RANGE", Message: "delay must not be negative"})
	case step.Delay.Unit.Valid() && step.Delay.Value > step.Delay.Unit.MaxValue():
		errs = append(errs, VError{
			Path:    prefix + ".delay.value",
			Code:    "OUT_OF_RANGE",
			Message: fmt.Sprintf("delay must not exceed %d %s", step.Delay.Unit.MaxValue(), step.Delay.Unit),
		})
	}
	if !step.Delay.Unit.Valid() {
		errs = append(errs, VError{
			Path:    prefix + ".delay.unit",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("unknown delay unit %q", step.Delay.Unit),
		})
	}

	// A gate step with no action only pauses for a decision.
	if !(step.HITL && step.Action.Kind == "") {
		errs = append(errs, v.validateAction(prefix+".action", step.Action)...)
	}
	if step.VariantB != nil {
		errs = append(errs, v.validateAction(prefix+".variant_b", *step.VariantB)...)
	}
	errs = append(errs, validateCondition(prefix+".condition", step.Condition)...)

	return errs
}

func (v *Validator) validateAction(path string, a model.Action) []VError {
	if err := a.Validate(); err != nil {
		return []VError{{Path: path, Code: "INVALID_ACTION", Message: err.Error()}}
	}
	if a.Kind == model.ActionCustom && v.handlers != nil && !v.handlers[a.Custom.Handler] {
		return []VError{{
			Path:    path + ".custom.handler",
			Code:    "UNKNOWN_HANDLER",
			Message: fmt.Sprintf("custom handler %q is not registered", a.Custom.Handler),
		}}
	}
	return nil
}

func validateCondition(path string, c *model.Condition) []VError {
	if c == nil {
		return nil
	}
	var errs []VError
	switch strings.ToLower(c.Match) {
	case "", "all", "any":
	default:
		errs = append(errs, VError{Path: path + ".match", Code: "INVALID_ENUM", Message: fmt.Sprintf("match must be all or any, got %q", c.Match)})
	}
	for i, r := range c.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", path, i)
		if strings.TrimSpace(r.Field) == "" {
			errs = append(errs, VError{Path: rp + ".field", Code: "REQUIRED", Message: "field is required"})
		}
		if !model.ValidOperator(r.Operator) {
			errs = append(errs, VError{Path: rp + ".operator", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown operator %q", r.Operator)})
		}
	}
	return errs
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
