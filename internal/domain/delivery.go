package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus represents the state of a single provider delivery attempt.
// It is a superset of the message lifecycle: engagement events such as OPENED
// or CLICKED are recorded on the delivery without touching the message.
type DeliveryStatus string

const (
	DeliveryStatusPending      DeliveryStatus = "PENDING"
	DeliveryStatusSent         DeliveryStatus = "SENT"
	DeliveryStatusDelivered    DeliveryStatus = "DELIVERED"
	DeliveryStatusOpened       DeliveryStatus = "OPENED"
	DeliveryStatusClicked      DeliveryStatus = "CLICKED"
	DeliveryStatusFailed       DeliveryStatus = "FAILED"
	DeliveryStatusBounced      DeliveryStatus = "BOUNCED"
	DeliveryStatusUnsubscribed DeliveryStatus = "UNSUBSCRIBED"
	DeliveryStatusComplained   DeliveryStatus = "COMPLAINED"
)

// deliveryStatusRank orders delivery states coarsely: queued, handed off,
// concluded, then post-delivery engagement. Providers replay and reorder
// callbacks, so equal ranks reapply and lower ranks are ignored.
var deliveryStatusRank = map[DeliveryStatus]int{
	DeliveryStatusPending:      0,
	DeliveryStatusSent:         1,
	DeliveryStatusDelivered:    2,
	DeliveryStatusFailed:       2,
	DeliveryStatusBounced:      2,
	DeliveryStatusOpened:       3,
	DeliveryStatusClicked:      3,
	DeliveryStatusUnsubscribed: 3,
	DeliveryStatusComplained:   3,
}

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	_, ok := deliveryStatusRank[s]
	return ok
}

// CanAdvanceTo reports whether a provider callback carrying next should be
// applied over the current delivery state.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	current, ok := deliveryStatusRank[s]
	if !ok {
		return false
	}
	target, ok := deliveryStatusRank[next]
	if !ok {
		return false
	}
	return target >= current
}

// AdvanceSources returns every status a delivery may hold when a callback
// carrying s arrives, including statuses of equal rank so duplicate callbacks
// reapply cleanly. Used to guard conditional updates.
func (s DeliveryStatus) AdvanceSources() []DeliveryStatus {
	target, ok := deliveryStatusRank[s]
	if !ok {
		return nil
	}
	var sources []DeliveryStatus
	for status, rank := range deliveryStatusRank {
		if rank <= target {
			sources = append(sources, status)
		}
	}
	return sources
}

// MessageStatus returns the message-level status implied by a delivery event.
// Only terminal delivery outcomes promote the parent message; everything else
// stays on the delivery record.
func (s DeliveryStatus) MessageStatus() (MessageStatus, bool) {
	switch s {
	case DeliveryStatusDelivered:
		return MessageStatusDelivered, true
	case DeliveryStatusFailed:
		return MessageStatusFailed, true
	case DeliveryStatusBounced:
		return MessageStatusBounced, true
	}
	return "", false
}

func ParseDeliveryStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery status %q", ErrValidation, s)
	}
	return st, nil
}

// InternalProvider names the pseudo-provider recorded for in-app deliveries.
const InternalProvider = "internal"

// MessageDelivery is an append-only record of one delivery attempt. A message
// that is retried accumulates one row per attempt.
type MessageDelivery struct {
	ID                string
	MessageID         string
	Provider          string
	ProviderMessageID *string
	Status            DeliveryStatus
	StatusDetails     *string
	RawPayload        *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
	BouncedAt         *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
