// Package communication is the entry point the rest of the platform uses: it sends
// messages, edits routing overrides, plugs adapters in and out, and keeps the message
// documentation peers and components rely on.
package communication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/delivery"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/manager"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/routing"
)

const logPrefix = "communication:communication"

const defaultStopTimeout = 5 * time.Second

// ErrNotStarted is returned by Close before Start.
var ErrNotStarted = errors.New("communication not started")

// MessageInfoStore keeps message documentation. GetMessageInfo returns nil, nil for
// unknown pairs.
type MessageInfoStore interface {
	AddMessageInfo(ctx context.Context, info model.MessageInfo) error
	GetMessageInfo(ctx context.Context, msgType, subtype string) (*model.MessageInfo, error)
	ListMessageInfo(ctx context.Context) ([]model.MessageInfo, error)
}

// Params holds the collaborators of a Communication. Tracker, MessageInfo and Ping are
// optional.
type Params struct {
	Broker      broker.Broker
	Engine      *execution.Engine
	Manager     *manager.Manager
	Router      *routing.Router
	Tracker     *delivery.Tracker
	MessageInfo MessageInfoStore
	// Ping checks the backing store for Health.
	Ping func(ctx context.Context) error
	// StopTimeout bounds the wait for input workers in Close (default 5s).
	StopTimeout time.Duration
}

// Communication wires the broker, the adapter manager, the router and the delivery
// tracker together.
type Communication struct {
	b           broker.Broker
	engine      *execution.Engine
	mgr         *manager.Manager
	router      *routing.Router
	tracker     *delivery.Tracker
	info        MessageInfoStore
	ping        func(ctx context.Context) error
	stopTimeout time.Duration

	cancelInfo broker.Cancel
	started    bool
}

// New creates a stopped Communication.
func New(p Params) *Communication {
	c := &Communication{
		b:           p.Broker,
		engine:      p.Engine,
		mgr:         p.Manager,
		router:      p.Router,
		tracker:     p.Tracker,
		info:        p.MessageInfo,
		ping:        p.Ping,
		stopTimeout: p.StopTimeout,
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = defaultStopTimeout
	}
	return c
}

// Start begins tracking deliveries, consuming the input channel and collecting message
// documentation announced on the message-info channel.
func (c *Communication) Start(ctx context.Context) error {
	for _, ch := range broker.SystemChannels {
		if err := c.b.Declare(ch); err != nil {
			return fmt.Errorf("%s - failed to declare %s: %w", logPrefix, ch, err)
		}
	}
	if c.tracker != nil {
		if err := c.tracker.Start(ctx); err != nil {
			return err
		}
	}
	if c.info != nil {
		cancel, err := c.b.RegisterListener(broker.ChannelMessageInfo, func(msg model.Message) {
			c.announce(ctx, msg)
		})
		if err != nil {
			c.abortStart()
			return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, broker.ChannelMessageInfo, err)
		}
		c.cancelInfo = cancel
	}
	if err := c.router.Start(ctx); err != nil {
		c.abortStart()
		return err
	}
	c.started = true
	slog.Info(fmt.Sprintf("%s - Communication started", logPrefix))
	return nil
}

// abortStart undoes a partial Start.
func (c *Communication) abortStart() {
	if c.cancelInfo != nil {
		c.cancelInfo()
		c.cancelInfo = nil
	}
	if c.tracker != nil {
		if err := c.tracker.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to stop tracker: %v", logPrefix, err))
		}
	}
}

// Send routes msg and returns its id.
func (c *Communication) Send(ctx context.Context, msg model.Message) (model.Identifier, error) {
	return c.router.Send(ctx, msg)
}

// AddRouting installs a routing override and returns its id.
func (c *Communication) AddRouting(rule model.RoutingRule) (model.Identifier, error) {
	id, err := c.router.Table().Add(rule)
	if err != nil {
		return model.Identifier{}, err
	}
	slog.Info(fmt.Sprintf("%s - Added routing %s -> %s", logPrefix, id, rule.Route))
	return id, nil
}

// RemoveRouting deletes a routing override.
func (c *Communication) RemoveRouting(id model.Identifier) error {
	return c.router.Table().Remove(id)
}

// RoutingRules returns the installed overrides keyed by id.
func (c *Communication) RoutingRules() map[model.Identifier]model.RoutingRule {
	return c.router.Table().Rules()
}

// AddPushAdapter starts an input adapter that calls back with peer responses.
func (c *Communication) AddPushAdapter(name string, a adapter.InputPushAdapter) (model.Identifier, error) {
	return c.mgr.AddPushAdapter(name, a)
}

// AddPullAdapter starts an input adapter polled every interval.
func (c *Communication) AddPullAdapter(name string, a adapter.InputPullAdapter, interval time.Duration) (model.Identifier, error) {
	return c.mgr.AddPullAdapter(name, a, interval)
}

// RemoveInputAdapter stops a push or pull input adapter.
func (c *Communication) RemoveInputAdapter(id model.Identifier) error {
	return c.mgr.RemoveFeedbackAdapter(id)
}

// RegisterOutputAdapter registers an output adapter type.
func (c *Communication) RegisterOutputAdapter(ctx context.Context, reg adapter.Registration) (model.Identifier, error) {
	return c.mgr.RegisterPeerAdapter(ctx, reg)
}

// RemoveOutputAdapter removes an output adapter type or one stateful instance.
func (c *Communication) RemoveOutputAdapter(ctx context.Context, id model.Identifier) error {
	return c.mgr.RemovePeerAdapter(ctx, id)
}

// AdapterInfo returns the registration metadata matching ref ("name" or "name@range").
func (c *Communication) AdapterInfo(ref string) (adapter.Metadata, error) {
	return c.mgr.Lookup(ref)
}

// Adapters lists the registered output adapter types.
func (c *Communication) Adapters() []adapter.Metadata {
	return c.mgr.Registrations()
}

// Close stops the input workers and the tracker, destroys every adapter and closes the
// broker. It keeps going after the first failure and returns the joined errors.
func (c *Communication) Close() error {
	var errs []error
	if c.started {
		if err := c.router.Stop(c.stopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cancelInfo != nil {
		c.cancelInfo()
		c.cancelInfo = nil
	}
	if c.tracker != nil && c.started {
		if err := c.tracker.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.mgr.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := c.b.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
		errs = append(errs, err)
	}
	c.started = false
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s - close: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Communication closed", logPrefix))
	return nil
}
