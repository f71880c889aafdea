package model

import "testing"

func TestAction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{
			name:   "email",
			action: Action{Kind: ActionSendEmail, Email: &EmailAction{Subject: "Hi", Body: "Hello"}},
		},
		{
			name:   "sms",
			action: Action{Kind: ActionSendSMS, SMS: &SMSAction{Body: "Hello"}},
		},
		{
			name:   "call",
			action: Action{Kind: ActionPlaceCall, Call: &CallAction{Script: "Introduce yourself"}},
		},
		{
			name:   "custom",
			action: Action{Kind: ActionCustom, Custom: &CustomAction{Handler: "crm.tag_lead"}},
		},
		{
			name:    "kind does not match payload",
			action:  Action{Kind: ActionSendSMS, Email: &EmailAction{Subject: "Hi", Body: "Hello"}},
			wantErr: true,
		},
		{
			name: "two payloads",
			action: Action{
				Kind:  ActionSendEmail,
				Email: &EmailAction{Subject: "Hi", Body: "Hello"},
				SMS:   &SMSAction{Body: "Hello"},
			},
			wantErr: true,
		},
		{
			name:    "empty email body",
			action:  Action{Kind: ActionSendEmail, Email: &EmailAction{Subject: "Hi"}},
			wantErr: true,
		},
		{
			name:    "no payload",
			action:  Action{Kind: ActionSendEmail},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			action:  Action{Kind: "fax", SMS: &SMSAction{Body: "x"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAction_Channel(t *testing.T) {
	cases := map[ActionKind]Channel{
		ActionSendEmail: ChannelEmail,
		ActionSendSMS:   ChannelSMS,
		ActionPlaceCall: ChannelVoice,
		ActionCustom:    ChannelCustom,
	}
	for kind, want := range cases {
		if got := (Action{Kind: kind}).Channel(); got != want {
			t.Errorf("Channel(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestWorkflowDefinition_StepAt(t *testing.T) {
	def := &WorkflowDefinition{Steps: []Step{{Order: 1}, {Order: 2}}}
	if s, ok := def.StepAt(1); !ok || s.Order != 2 {
		t.Errorf("StepAt(1) = %v, %v", s, ok)
	}
	if _, ok := def.StepAt(2); ok {
		t.Error("StepAt(2) ok = true, want false")
	}
	if !(&WorkflowDefinition{Triggers: []string{"form_submitted"}}).SubscribesTo("form_submitted") {
		t.Error("SubscribesTo(form_submitted) = false")
	}
}

func TestEnrollmentStatus_Terminal(t *testing.T) {
	for _, s := range AllEnrollmentStatuses {
		want := s == EnrollmentCompleted || s == EnrollmentCancelled || s == EnrollmentFailed
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
	if EnrollmentStatus("RUNNING").Valid() {
		t.Error("Valid(RUNNING) = true")
	}
}

func TestDelayUnit_MaxValue(t *testing.T) {
	for unit, want := range map[DelayUnit]int{
		DelayMinutes: 3650 * 24 * 60,
		DelayHours:   3650 * 24,
		DelayDays:    3650,
		"WEEKS":      0,
	} {
		if got := unit.MaxValue(); got != want {
			t.Errorf("%s.MaxValue() = %d, want %d", unit, got, want)
		}
	}
}
