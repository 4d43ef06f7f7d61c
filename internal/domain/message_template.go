package domain

import (
	"fmt"
	"time"
)

// MessageTemplate stores per-channel content variants under one name so bulk
// sends can pick the variant matching the requested channel.
type MessageTemplate struct {
	ID           string
	ClinicID     string
	Name         string
	SMSBody      string
	EmailSubject string
	EmailBody    string
	EmailHTML    string
	PushTitle    string
	PushBody     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ContentFor selects the template content for a channel. In-app messages
// reuse the SMS body, falling back to the push body when no SMS variant is
// maintained.
func (t *MessageTemplate) ContentFor(channel Channel) (subject string, body string, htmlBody string, err error) {
	switch channel {
	case ChannelSMS:
		if t.SMSBody == "" {
			return "", "", "", fmt.Errorf("%w: template %q has no SMS content", ErrValidation, t.Name)
		}
		return "", t.SMSBody, "", nil
	case ChannelEmail:
		if t.EmailBody == "" {
			return "", "", "", fmt.Errorf("%w: template %q has no email content", ErrValidation, t.Name)
		}
		return t.EmailSubject, t.EmailBody, t.EmailHTML, nil
	case ChannelPush:
		if t.PushBody == "" {
			return "", "", "", fmt.Errorf("%w: template %q has no push content", ErrValidation, t.Name)
		}
		return t.PushTitle, t.PushBody, "", nil
	case ChannelInApp:
		if t.SMSBody != "" {
			return t.PushTitle, t.SMSBody, "", nil
		}
		if t.PushBody != "" {
			return t.PushTitle, t.PushBody, "", nil
		}
		return "", "", "", fmt.Errorf("%w: template %q has no in-app content", ErrValidation, t.Name)
	}
	return "", "", "", fmt.Errorf("%w: invalid channel %q", ErrValidation, channel)
}
