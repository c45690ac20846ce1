package model

import "github.com/google/uuid"

// MessageBuilder assembles a Message. A builder is not safe for concurrent use.
type MessageBuilder struct {
	message Message
}

// NewBuilder returns an empty builder.
func NewBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// NewControl starts a CONTROL message of the given subtype referring to another message.
func NewControl(subtype string, sender, receiver, refersTo Identifier) *MessageBuilder {
	return NewBuilder().
		Type(TypeControl).
		Subtype(subtype).
		SenderID(sender).
		ReceiverID(receiver).
		RefersTo(refersTo)
}

func (b *MessageBuilder) ID(id Identifier) *MessageBuilder {
	b.message.id = id
	return b
}

func (b *MessageBuilder) SenderID(id Identifier) *MessageBuilder {
	b.message.senderID = id
	return b
}

func (b *MessageBuilder) ReceiverID(id Identifier) *MessageBuilder {
	b.message.receiverID = id
	return b
}

func (b *MessageBuilder) ConversationID(id string) *MessageBuilder {
	b.message.conversationID = id
	return b
}

func (b *MessageBuilder) Type(t string) *MessageBuilder {
	b.message.msgType = t
	return b
}

func (b *MessageBuilder) Subtype(s string) *MessageBuilder {
	b.message.subtype = s
	return b
}

func (b *MessageBuilder) Content(c string) *MessageBuilder {
	b.message.content = c
	return b
}

func (b *MessageBuilder) TTL(ttl int64) *MessageBuilder {
	b.message.ttl = ttl
	return b
}

func (b *MessageBuilder) Language(l string) *MessageBuilder {
	b.message.language = l
	return b
}

func (b *MessageBuilder) SecurityToken(t string) *MessageBuilder {
	b.message.securityToken = t
	return b
}

func (b *MessageBuilder) RefersTo(id Identifier) *MessageBuilder {
	b.message.refersTo = id
	return b
}

// Build returns the message, assigning a fresh MESSAGE id when none was set.
// The builder can be reused; later changes do not affect returned messages.
func (b *MessageBuilder) Build() Message {
	m := b.message
	if m.id.IsZero() {
		m.id = MessageID(generateID())
	}
	return m
}

func generateID() string {
	return uuid.Must(uuid.NewV7()).String()
}
