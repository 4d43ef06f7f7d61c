package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageStatus represents the lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusScheduled MessageStatus = "SCHEDULED"
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusFailed    MessageStatus = "FAILED"
	MessageStatusBounced   MessageStatus = "BOUNCED"
)

// messageStatusRank orders statuses along the lifecycle so transitions can
// only move forward. DELIVERED, FAILED and BOUNCED share the terminal rank.
var messageStatusRank = map[MessageStatus]int{
	MessageStatusScheduled: 0,
	MessageStatusPending:   1,
	MessageStatusSent:      2,
	MessageStatusDelivered: 3,
	MessageStatusFailed:    3,
	MessageStatusBounced:   3,
}

func (s MessageStatus) String() string { return string(s) }

func (s MessageStatus) IsValid() bool {
	_, ok := messageStatusRank[s]
	return ok
}

func (s MessageStatus) IsTerminal() bool {
	return messageStatusRank[s] == 3 && s.IsValid()
}

// CanTransitionTo reports whether moving to next advances the lifecycle.
// Terminal statuses never transition; the retry sweep reopens FAILED
// messages explicitly and does not go through this check.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	current, ok := messageStatusRank[s]
	if !ok {
		return false
	}
	target, ok := messageStatusRank[next]
	if !ok {
		return false
	}
	return target > current
}

// PriorStatuses returns every status a message may still hold before it can
// move to s. Conditional updates use this as their WHERE guard so concurrent
// writers cannot walk a message backwards.
func (s MessageStatus) PriorStatuses() []MessageStatus {
	target, ok := messageStatusRank[s]
	if !ok {
		return nil
	}

	prior := make([]MessageStatus, 0, len(messageStatusRank))
	for status, rank := range messageStatusRank {
		if rank < target {
			prior = append(prior, status)
		}
	}
	return prior
}

func ParseMessageStatusFromString(s string) (MessageStatus, error) {
	st := MessageStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid message status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// UsesProvider reports whether the channel goes through an external provider.
// In-app messages are stored and surfaced directly without an adapter.
func (c Channel) UsesProvider() bool {
	return c != ChannelInApp
}

func ParseChannelFromString(s string) (Channel, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	ch := Channel(normalized)
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Direction distinguishes messages the system sends from messages it receives.
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

func (d Direction) String() string { return string(d) }

func (d Direction) IsValid() bool {
	switch d {
	case DirectionOutbound, DirectionInbound:
		return true
	}
	return false
}

// MaxSendRetries caps automated retry attempts per message.
const MaxSendRetries = 3

// Content limits per channel (in characters).
const (
	MaxSMSBody   = 1600
	MaxPushBody  = 4000
	MaxEmailBody = 100000
)

// Message is the core entity tracked through the delivery lifecycle.
type Message struct {
	ID             string
	ClinicID       string
	PatientID      string
	CampaignID     *string
	ConversationID *string
	CorrelationID  string
	Channel        Channel
	Direction      Direction
	ToAddress      string
	Subject        *string
	Body           string
	HTMLBody       *string
	Status         MessageStatus
	RetryCount     int
	ErrorMessage   *string
	ScheduledAt    *time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (m *Message) Validate() error {
	if !m.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, m.Channel)
	}
	if !m.Direction.IsValid() {
		return fmt.Errorf("%w: invalid direction %q", ErrValidation, m.Direction)
	}
	if m.Body == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if m.ToAddress == "" && m.Channel != ChannelInApp {
		return fmt.Errorf("%w: recipient address is required", ErrValidation)
	}

	bodyLen := len([]rune(m.Body))
	switch m.Channel {
	case ChannelSMS:
		if bodyLen > MaxSMSBody {
			return fmt.Errorf("%w: SMS body exceeds %d characters (got %d)", ErrValidation, MaxSMSBody, bodyLen)
		}
	case ChannelPush:
		if bodyLen > MaxPushBody {
			return fmt.Errorf("%w: push body exceeds %d characters (got %d)", ErrValidation, MaxPushBody, bodyLen)
		}
	case ChannelEmail:
		if bodyLen > MaxEmailBody {
			return fmt.Errorf("%w: email body exceeds %d characters (got %d)", ErrValidation, MaxEmailBody, bodyLen)
		}
	}

	return nil
}
