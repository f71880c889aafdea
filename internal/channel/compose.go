package channel

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Compose turns a step action into a personalized Message for lead. With a
// tracker, HTML emails get an open pixel and their links are wrapped for
// click tracking. Lead fields placed into an HTML email body are escaped.
func Compose(action model.Action, lead model.LeadSnapshot, trackingID string, tracker *Tracker) (Message, error) {
	if err := action.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	r := personalizer(lead, nil)
	msg := Message{
		Channel:    action.Channel(),
		TenantID:   lead.TenantID,
		TrackingID: trackingID,
		Lead:       lead,
	}

	switch action.Kind {
	case model.ActionSendEmail:
		msg.To = lead.Email
		msg.Subject = r.Replace(action.Email.Subject)
		if !looksLikeHTML(action.Email.Body) {
			msg.Body = r.Replace(action.Email.Body)
			break
		}
		// Links are wrapped before personalization so only template links
		// are tracked.
		body := action.Email.Body
		if tracker != nil {
			body = tracker.wrapLinks(body, trackingID)
		}
		msg.Body = personalizer(lead, html.EscapeString).Replace(body)
		if tracker != nil {
			msg.Body += tracker.pixel(trackingID)
		}
	case model.ActionSendSMS:
		msg.To = lead.Phone
		msg.Body = r.Replace(action.SMS.Body)
	case model.ActionPlaceCall:
		msg.To = lead.Phone
		msg.Script = r.Replace(action.Call.Script)
	case model.ActionCustom:
		msg.Handler = action.Custom.Handler
		msg.Params = make(map[string]any, len(action.Custom.Params))
		for k, v := range action.Custom.Params {
			if s, ok := v.(string); ok {
				v = r.Replace(s)
			}
			msg.Params[k] = v
		}
	}
	return msg, nil
}

// personalizer replaces {{field}} placeholders with lead fields, passed
// through escape when it is set.
func personalizer(lead model.LeadSnapshot, escape func(string) string) *strings.Replacer {
	if escape == nil {
		escape = func(s string) string { return s }
	}
	return strings.NewReplacer(
		"{{first_name}}", escape(lead.FirstName),
		"{{last_name}}", escape(lead.LastName),
		"{{full_name}}", escape(lead.FullName()),
		"{{email}}", escape(lead.Email),
		"{{phone}}", escape(lead.Phone),
		"{{company}}", escape(lead.Company),
		"{{score}}", strconv.Itoa(lead.Score),
	)
}

func looksLikeHTML(body string) bool {
	return strings.Contains(body, "<") && strings.Contains(body, ">")
}
