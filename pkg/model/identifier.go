// Package model defines the value types shared by the broker, adapters, routing and delivery policies.
package model

import (
	"fmt"
	"strings"
)

// IdentifierType classifies what an Identifier names.
type IdentifierType string

const (
	TypePeer       IdentifierType = "PEER"
	TypeComponent  IdentifierType = "COMPONENT"
	TypeCollective IdentifierType = "COLLECTIVE"
	TypeAdapter    IdentifierType = "ADAPTER"
	TypeMessage    IdentifierType = "MESSAGE"
	TypeRouting    IdentifierType = "ROUTING"
)

var identifierTypes = map[string]IdentifierType{
	"peer":       TypePeer,
	"component":  TypeComponent,
	"collective": TypeCollective,
	"adapter":    TypeAdapter,
	"message":    TypeMessage,
	"routing":    TypeRouting,
}

// Identifier is an immutable tagged id. Two identifiers are equal when type, id and
// postfix are equal, so the struct can be used directly as a map key.
type Identifier struct {
	Type    IdentifierType `json:"type"`
	ID      string         `json:"id"`
	Postfix string         `json:"postfix,omitempty"`
}

// Peer returns a PEER identifier.
func Peer(id string) Identifier { return Identifier{Type: TypePeer, ID: id} }

// Component returns a COMPONENT identifier.
func Component(id string) Identifier { return Identifier{Type: TypeComponent, ID: id} }

// Collective returns a COLLECTIVE identifier.
func Collective(id string) Identifier { return Identifier{Type: TypeCollective, ID: id} }

// Adapter returns the ADAPTER identifier of an adapter type.
func Adapter(name string) Identifier { return Identifier{Type: TypeAdapter, ID: name} }

// MessageID returns a MESSAGE identifier.
func MessageID(id string) Identifier { return Identifier{Type: TypeMessage, ID: id} }

// Routing returns a ROUTING identifier.
func Routing(id string) Identifier { return Identifier{Type: TypeRouting, ID: id} }

// AdapterInstance returns the identifier of a stateful adapter instance serving one peer.
func AdapterInstance(adapter, peer Identifier) Identifier {
	return Identifier{Type: TypeAdapter, ID: adapter.ID, Postfix: peer.ID}
}

// Base strips the postfix, e.g. the adapter type of a stateful instance.
func (i Identifier) Base() Identifier {
	return Identifier{Type: i.Type, ID: i.ID}
}

// IsZero reports whether the identifier is unset.
func (i Identifier) IsZero() bool {
	return i.Type == "" && i.ID == "" && i.Postfix == ""
}

// String renders "<type>.<id>[.<postfix>]", e.g. "adapter.email.peer1".
func (i Identifier) String() string {
	if i.IsZero() {
		return ""
	}
	s := strings.ToLower(string(i.Type)) + "." + i.ID
	if i.Postfix != "" {
		s += "." + i.Postfix
	}
	return s
}

// ParseIdentifier is the inverse of Identifier.String. Ids containing dots cannot carry
// a postfix unambiguously, so everything after the type prefix is taken as the id unless
// the type is ADAPTER, where a trailing segment is the peer postfix.
func ParseIdentifier(s string) (Identifier, error) {
	prefix, rest, ok := strings.Cut(s, ".")
	if !ok || rest == "" {
		return Identifier{}, fmt.Errorf("invalid identifier %q", s)
	}
	t, ok := identifierTypes[prefix]
	if !ok {
		return Identifier{}, fmt.Errorf("invalid identifier type %q in %q", prefix, s)
	}
	if t == TypeAdapter {
		if id, postfix, ok := strings.Cut(rest, "."); ok {
			return Identifier{Type: t, ID: id, Postfix: postfix}, nil
		}
	}
	return Identifier{Type: t, ID: rest}, nil
}
