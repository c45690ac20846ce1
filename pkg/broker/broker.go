// Package broker decouples producers and consumers of messages across named channels.
//
// Every channel works in one of two modes. Without a listener, published messages are
// queued in FIFO order for Receive. With a listener, each publish is handed to the
// listener instead. Registering a listener drains any queued backlog into it, in order,
// before later publishes are delivered; cancelling the listener returns the channel to
// queue mode.
package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/morezero/peer-broker/pkg/model"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
	// ErrListenerExists is returned when a channel already has a listener.
	ErrListenerExists = errors.New("listener already registered for channel")
	// ErrTransportClosed is returned after the underlying transport connection is lost.
	ErrTransportClosed = errors.New("broker transport closed")
)

// Channel names a message path inside the broker.
type Channel string

// Fixed system channels.
const (
	ChannelInput       Channel = "input"
	ChannelControl     Channel = "control"
	ChannelAuth        Channel = "auth"
	ChannelMessageInfo Channel = "message-info"
	ChannelMetrics     Channel = "metrics"
	ChannelLog         Channel = "log"
)

// SystemChannels lists the fixed channels.
var SystemChannels = []Channel{
	ChannelInput, ChannelControl, ChannelAuth, ChannelMessageInfo, ChannelMetrics, ChannelLog,
}

const (
	requestPrefix = "request."
	taskPrefix    = "task."
)

// Request returns the per-identifier channel an output adapter instance consumes.
func Request(id model.Identifier) Channel {
	return Channel(requestPrefix + id.String())
}

// Task returns the per-identifier channel a compute/worker component consumes.
func Task(id model.Identifier) Channel {
	return Channel(taskPrefix + id.String())
}

// Kind returns the channel's metric label: the fixed name, "request" or "task".
func (c Channel) Kind() string {
	s := string(c)
	switch {
	case strings.HasPrefix(s, requestPrefix):
		return "request"
	case strings.HasPrefix(s, taskPrefix):
		return "task"
	}
	return s
}

// Listener receives every message published on a channel while registered.
type Listener func(msg model.Message)

// Cancel stops a listener. It is safe to call more than once.
type Cancel func()

// ChannelStats are counters observed on one channel.
type ChannelStats struct {
	Published int64
	Delivered int64
	Pending   int64
	Listening bool
}

// Broker is the message broker abstraction shared by all components.
type Broker interface {
	// Publish hands msg to the channel's listener, or queues it for Receive.
	Publish(ctx context.Context, ch Channel, msg model.Message) error
	// Receive blocks until a message is available on ch. It returns ctx.Err() when the
	// wait is cancelled and ErrClosed when the broker shuts down. There is no broker
	// level timeout.
	Receive(ctx context.Context, ch Channel) (model.Message, error)
	// RegisterListener installs l for every subsequent message on ch.
	RegisterListener(ch Channel, l Listener) (Cancel, error)
	// Declare creates ch if it does not exist yet. It is idempotent.
	Declare(ch Channel) error
	// Stats returns the channel's counters.
	Stats(ch Channel) ChannelStats
	// Close wakes blocked receivers and releases transport resources.
	Close() error
}
