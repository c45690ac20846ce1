// Package events defines delivery outcome events and the publishers that emit them.
package events

import (
	"time"

	"github.com/morezero/peer-broker/pkg/model"
)

// Delivery outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// DeliveryEvent is emitted once per tracked send when its delivery policy concludes
// or the send is abandoned.
type DeliveryEvent struct {
	MessageID model.Identifier `json:"messageId"`
	Receiver  model.Identifier `json:"receiver"`
	Policy    string           `json:"policy"`
	Outcome   string           `json:"outcome"`
	Acks      int64            `json:"acks"`
	Errors    int64            `json:"errors"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// NewDeliveryEvent stamps an event with the current UTC time.
func NewDeliveryEvent(msgID, receiver model.Identifier, policy, outcome string) *DeliveryEvent {
	return &DeliveryEvent{
		MessageID: msgID,
		Receiver:  receiver,
		Policy:    policy,
		Outcome:   outcome,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
