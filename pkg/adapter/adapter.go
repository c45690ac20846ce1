// Package adapter defines the pluggable peer I/O units run by the execution engine.
//
// Output adapters push messages to a peer through one contact address. Input adapters
// bring peer responses back in, either by being polled (pull) or by calling back
// (push); both are wrapped behind the Feedback facade so the engine drives them the
// same way.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/morezero/peer-broker/pkg/model"
)

// ErrInvalidAddress is returned by factories that reject a peer address.
var ErrInvalidAddress = errors.New("invalid peer address")

// OutputAdapter delivers a message to a peer.
type OutputAdapter interface {
	Push(ctx context.Context, msg model.Message, addr *model.PeerChannelAddress) error
}

// PushFunc adapts a function to OutputAdapter.
type PushFunc func(ctx context.Context, msg model.Message, addr *model.PeerChannelAddress) error

// Push implements OutputAdapter.
func (f PushFunc) Push(ctx context.Context, msg model.Message, addr *model.PeerChannelAddress) error {
	return f(ctx, msg, addr)
}

// InputPullAdapter is polled for peer responses. ok is false when nothing is waiting.
type InputPullAdapter interface {
	Pull(ctx context.Context) (msg model.Message, ok bool, err error)
}

// PullFunc adapts a function to InputPullAdapter.
type PullFunc func(ctx context.Context) (model.Message, bool, error)

// Pull implements InputPullAdapter.
func (f PullFunc) Pull(ctx context.Context) (model.Message, bool, error) {
	return f(ctx)
}

// InputPushAdapter produces peer responses on its own schedule. Start must hand every
// response to publish and return once the adapter is running; the adapter stops when
// ctx is cancelled.
type InputPushAdapter interface {
	Start(ctx context.Context, publish func(model.Message)) error
}

// Factory builds an output adapter. Stateless types are built once with a nil address;
// stateful types are built per peer with the address being served.
type Factory func(addr *model.PeerChannelAddress) (OutputAdapter, error)

// Metadata describes an output adapter type.
type Metadata struct {
	Name     string `json:"name"`
	Stateful bool   `json:"stateful"`
	// Version is a semantic version; empty means 0.0.0.
	Version string `json:"version,omitempty"`
}

// Registration is everything needed to run an output adapter type.
type Registration struct {
	Metadata
	Factory Factory
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ID returns the adapter type identifier, "adapter.<name>".
func (r Registration) ID() model.Identifier {
	return model.Adapter(r.Name)
}

// Validate checks the name and factory. Names may not contain dots because the peer
// postfix of a stateful instance follows the name.
func (r Registration) Validate() error {
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("invalid adapter name %q: must match %s", r.Name, namePattern)
	}
	if r.Factory == nil {
		return fmt.Errorf("adapter %q has no factory", r.Name)
	}
	return nil
}

// Close releases an adapter's resources if it holds any.
func Close(a any) error {
	if c, ok := a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
