package model

import (
	"fmt"
	"slices"
	"time"
)

// DelayUnit is the unit of a step's relative delay.
type DelayUnit string

// Supported delay units.
const (
	DelayMinutes DelayUnit = "MINUTES"
	DelayHours   DelayUnit = "HOURS"
	DelayDays    DelayUnit = "DAYS"
)

// MaxDelay is the longest wait a single step may declare.
const MaxDelay = 3650 * 24 * time.Hour

// Valid reports whether u is a known unit.
func (u DelayUnit) Valid() bool {
	return u.Duration() > 0
}

// Duration is the length of one u, or zero for an unknown unit.
func (u DelayUnit) Duration() time.Duration {
	switch u {
	case DelayMinutes:
		return time.Minute
	case DelayHours:
		return time.Hour
	case DelayDays:
		return 24 * time.Hour
	}
	return 0
}

// MaxValue is the largest Value allowed in unit u without exceeding
// MaxDelay.
func (u DelayUnit) MaxValue() int {
	if d := u.Duration(); d > 0 {
		return int(MaxDelay / d)
	}
	return 0
}

// Delay is the relative wait before a step becomes due.
type Delay struct {
	Value int       `json:"value" yaml:"value"`
	Unit  DelayUnit `json:"unit" yaml:"unit"`
}

// ActionKind discriminates the Action union.
type ActionKind string

// Action kinds.
const (
	ActionSendEmail ActionKind = "send_email"
	ActionSendSMS   ActionKind = "send_sms"
	ActionPlaceCall ActionKind = "place_call"
	ActionCustom    ActionKind = "custom"
)

// Channel identifies the transport a dispatched message went out on.
type Channel string

// Channels.
const (
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelVoice  Channel = "voice"
	ChannelCustom Channel = "custom"
)

// EmailAction is the payload of a send_email step.
type EmailAction struct {
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}

// SMSAction is the payload of a send_sms step.
type SMSAction struct {
	Body string `json:"body" yaml:"body"`
}

// CallAction is the payload of a place_call step.
type CallAction struct {
	Script string `json:"script" yaml:"script"`
}

// CustomAction names a registered handler and its parameters.
type CustomAction struct {
	Handler string         `json:"handler" yaml:"handler"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Action is a tagged union: Kind selects which one of the payload pointers
// is set. Exactly one payload must be present and it must match Kind.
type Action struct {
	Kind   ActionKind    `json:"kind" yaml:"kind"`
	Email  *EmailAction  `json:"email,omitempty" yaml:"email,omitempty"`
	SMS    *SMSAction    `json:"sms,omitempty" yaml:"sms,omitempty"`
	Call   *CallAction   `json:"call,omitempty" yaml:"call,omitempty"`
	Custom *CustomAction `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Channel returns the transport channel for the action kind.
func (a Action) Channel() Channel {
	switch a.Kind {
	case ActionSendEmail:
		return ChannelEmail
	case ActionSendSMS:
		return ChannelSMS
	case ActionPlaceCall:
		return ChannelVoice
	default:
		return ChannelCustom
	}
}

// Validate checks that the union is well formed.
func (a Action) Validate() error {
	set := 0
	for _, present := range []bool{a.Email != nil, a.SMS != nil, a.Call != nil, a.Custom != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("action %q must carry exactly one payload, got %d", a.Kind, set)
	}

	switch a.Kind {
	case ActionSendEmail:
		if a.Email == nil {
			return fmt.Errorf("send_email action requires an email payload")
		}
		if a.Email.Subject == "" || a.Email.Body == "" {
			return fmt.Errorf("send_email action requires subject and body")
		}
	case ActionSendSMS:
		if a.SMS == nil {
			return fmt.Errorf("send_sms action requires an sms payload")
		}
		if a.SMS.Body == "" {
			return fmt.Errorf("send_sms action requires a body")
		}
	case ActionPlaceCall:
		if a.Call == nil {
			return fmt.Errorf("place_call action requires a call payload")
		}
		if a.Call.Script == "" {
			return fmt.Errorf("place_call action requires a script")
		}
	case ActionCustom:
		if a.Custom == nil {
			return fmt.Errorf("custom action requires a custom payload")
		}
		if a.Custom.Handler == "" {
			return fmt.Errorf("custom action requires a handler name")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Condition is a list of rules combined with AND (Match "all", the default)
// or OR (Match "any").
type Condition struct {
	Match string          `json:"match,omitempty" yaml:"match,omitempty"`
	Rules []ConditionRule `json:"rules" yaml:"rules"`
}

// ConditionRule compares a field of the evaluation scope with a literal.
type ConditionRule struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpExists      = "exists"
)

// ValidOperator reports whether op is a supported condition operator.
func ValidOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpExists:
		return true
	}
	return false
}

// Step is one ordered unit of a workflow definition.
type Step struct {
	Order     int        `json:"order" yaml:"order"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Delay     Delay      `json:"delay" yaml:"delay"`
	Action    Action     `json:"action" yaml:"action"`
	VariantB  *Action    `json:"variant_b,omitempty" yaml:"variant_b,omitempty"`
	HITL      bool       `json:"hitl,omitempty" yaml:"hitl,omitempty"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ABTest configures variant bucketing for new enrollments.
type ABTest struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	SplitPercentage int  `json:"split_percentage" yaml:"split_percentage"`
}

// WorkflowDefinition is a tenant-owned ordered list of steps.
type WorkflowDefinition struct {
	ID                string     `json:"id" yaml:"id"`
	TenantID          string     `json:"tenant_id" yaml:"tenant_id"`
	Name              string     `json:"name" yaml:"name"`
	Description       string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version           int        `json:"version" yaml:"version"`
	Triggers          []string   `json:"triggers" yaml:"triggers"`
	TriggerConditions *Condition `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty"`
	ABTest            ABTest     `json:"ab_test" yaml:"ab_test"`
	Active            bool       `json:"active" yaml:"active"`
	Steps             []Step     `json:"steps" yaml:"steps"`
	CreatedAt         time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"-"`

	// Populated by the file loader.
	SourceFile string `json:"-" yaml:"-"`
	Checksum   string `json:"-" yaml:"-"`
}

// SubscribesTo reports whether the definition auto-enrolls on trigger.
func (d *WorkflowDefinition) SubscribesTo(trigger string) bool {
	return slices.Contains(d.Triggers, trigger)
}

// StepAt returns the step at index i, or false when i is past the end.
func (d *WorkflowDefinition) StepAt(i int) (Step, bool) {
	if i < 0 || i >= len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[i], true
}
