package model

// RoutingRule redirects messages matching a pattern to Route instead of the default
// resolution. Empty fields match anything.
type RoutingRule struct {
	Type     string     `json:"type,omitempty"`
	Subtype  string     `json:"subtype,omitempty"`
	Sender   Identifier `json:"sender,omitempty"`
	Receiver Identifier `json:"receiver,omitempty"`
	Route    Identifier `json:"route"`
}

// Matches reports whether msg satisfies every non-empty field of the rule.
func (r RoutingRule) Matches(msg Message) bool {
	if r.Type != "" && r.Type != msg.Type() {
		return false
	}
	if r.Subtype != "" && r.Subtype != msg.Subtype() {
		return false
	}
	if !r.Sender.IsZero() && r.Sender != msg.SenderID() {
		return false
	}
	if !r.Receiver.IsZero() && r.Receiver != msg.ReceiverID() {
		return false
	}
	return true
}

// MessageInfo documents a message type/subtype pair for peers and components.
type MessageInfo struct {
	Type             string   `json:"type"`
	Subtype          string   `json:"subtype"`
	Purpose          string   `json:"purpose,omitempty"`
	ValidAnswer      string   `json:"validAnswer,omitempty"`
	ValidAnswerTypes []string `json:"validAnswerTypes,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
}
