package model

import (
	"encoding/json"
	"fmt"
)

// Message types.
const (
	TypeControl = "CONTROL"
	TypeAuth    = "AUTH"
	TypeData    = "DATA"
	TypeMetrics = "METRICS"
	TypeLog     = "LOG"
)

// Control and auth subtypes.
const (
	SubtypeAck                = "ACK"
	SubtypeError              = "ERROR"
	SubtypeCommunicationError = "COMMUNICATION_ERROR"
	SubtypeTimeout            = "TIMEOUT"
	SubtypeRequest            = "REQUEST"
	SubtypeReply              = "REPLY"
	SubtypeFailed             = "FAILED"
)

// Message is immutable once built. Use NewBuilder, or Builder on an existing message to
// derive a new one.
type Message struct {
	id             Identifier
	senderID       Identifier
	receiverID     Identifier
	conversationID string
	msgType        string
	subtype        string
	content        string
	ttl            int64
	language       string
	securityToken  string
	refersTo       Identifier
}

func (m Message) ID() Identifier         { return m.id }
func (m Message) SenderID() Identifier   { return m.senderID }
func (m Message) ReceiverID() Identifier { return m.receiverID }
func (m Message) ConversationID() string { return m.conversationID }
func (m Message) Type() string           { return m.msgType }
func (m Message) Subtype() string        { return m.subtype }
func (m Message) Content() string        { return m.content }
func (m Message) TTL() int64             { return m.ttl }
func (m Message) Language() string       { return m.language }
func (m Message) SecurityToken() string  { return m.securityToken }
func (m Message) RefersTo() Identifier   { return m.refersTo }
func (m Message) IsZero() bool           { return m == Message{} }

// IsControl reports whether the message is a CONTROL message of the given subtype.
func (m Message) IsControl(subtype string) bool {
	return m.msgType == TypeControl && m.subtype == subtype
}

func (m Message) String() string {
	return fmt.Sprintf("Message{ID: %s, Sender: %s, Receiver: %s, Type: %s/%s}",
		m.id, m.senderID, m.receiverID, m.msgType, m.subtype)
}

// Builder returns a builder seeded with this message's fields.
func (m Message) Builder() *MessageBuilder {
	return &MessageBuilder{message: m}
}

type wireMessage struct {
	ID             Identifier `json:"id"`
	SenderID       Identifier `json:"senderId"`
	ReceiverID     Identifier `json:"receiverId"`
	ConversationID string     `json:"conversationId,omitempty"`
	Type           string     `json:"type"`
	Subtype        string     `json:"subtype,omitempty"`
	Content        string     `json:"content,omitempty"`
	TTL            int64      `json:"ttl,omitempty"`
	Language       string     `json:"language,omitempty"`
	SecurityToken  string     `json:"securityToken,omitempty"`
	RefersTo       Identifier `json:"refersTo,omitempty"`
}

// MarshalJSON encodes the message for transport.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:             m.id,
		SenderID:       m.senderID,
		ReceiverID:     m.receiverID,
		ConversationID: m.conversationID,
		Type:           m.msgType,
		Subtype:        m.subtype,
		Content:        m.content,
		TTL:            m.ttl,
		Language:       m.language,
		SecurityToken:  m.securityToken,
		RefersTo:       m.refersTo,
	})
}

// UnmarshalJSON decodes a transported message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		id:             w.ID,
		senderID:       w.SenderID,
		receiverID:     w.ReceiverID,
		conversationID: w.ConversationID,
		msgType:        w.Type,
		subtype:        w.Subtype,
		content:        w.Content,
		ttl:            w.TTL,
		language:       w.Language,
		securityToken:  w.SecurityToken,
		refersTo:       w.RefersTo,
	}
	return nil
}
