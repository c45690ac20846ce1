// Package routing decides where a message goes.
//
// Routing rules are consulted first. Without a matching rule the receiver decides:
// peers are reached through the endpoints the adapter manager creates for them,
// collectives through the first endpoint of each member, and components through their
// task channel. Sends to peers and collectives are handed to the delivery tracker,
// which judges them with the receiver's delivery policy.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/delivery"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/policy"
	"github.com/morezero/peer-broker/pkg/replication"
)

const logPrefix = "routing:router"

// ErrUnroutable is returned for messages whose receiver cannot be routed.
var ErrUnroutable = errors.New("message cannot be routed")

// Endpoints creates adapter endpoints for peers.
type Endpoints interface {
	CreateEndpointForPeer(ctx context.Context, peer model.Identifier) (model.Identifier, error)
	CreateEndpointsForPeer(ctx context.Context, peer model.Identifier) ([]model.Identifier, error)
}

// RouterOpts configures a Router. Tracker and Table may be nil.
type RouterOpts struct {
	Table       *Table
	Tracker     *delivery.Tracker
	Replication replication.ReplicaSetConfig
}

// Router sends messages and consumes the input channel.
type Router struct {
	b         broker.Broker
	endpoints Endpoints
	info      model.PeerInfoProvider
	table     *Table
	tracker   *delivery.Tracker
	repCfg    replication.ReplicaSetConfig
	replicas  *replication.ReplicaSet
}

// NewRouter creates a router publishing on b.
func NewRouter(b broker.Broker, endpoints Endpoints, info model.PeerInfoProvider, opts RouterOpts) *Router {
	r := &Router{
		b:         b,
		endpoints: endpoints,
		info:      info,
		table:     opts.Table,
		tracker:   opts.Tracker,
		repCfg:    opts.Replication,
	}
	if r.table == nil {
		r.table = NewTable()
	}
	if r.repCfg.Name == "" {
		r.repCfg.Name = string(broker.ChannelInput)
	}
	return r
}

// Table returns the router's routing table.
func (r *Router) Table() *Table { return r.table }

// Send routes msg and returns its id.
func (r *Router) Send(ctx context.Context, msg model.Message) (model.Identifier, error) {
	if routes := r.table.Match(msg); len(routes) > 0 {
		return msg.ID(), r.sendRoutes(ctx, msg, routes)
	}

	receiver := msg.ReceiverID()
	var err error
	switch receiver.Type {
	case model.TypePeer:
		err = r.sendPeer(ctx, msg)
	case model.TypeCollective:
		err = r.sendCollective(ctx, msg)
	case model.TypeComponent:
		err = r.publish(ctx, broker.Task(receiver), msg)
	case "":
		err = r.sendSystem(ctx, msg)
	default:
		err = fmt.Errorf("%s - receiver %s: %w", logPrefix, receiver, ErrUnroutable)
	}
	if err != nil {
		return model.Identifier{}, err
	}
	return msg.ID(), nil
}

func (r *Router) sendRoutes(ctx context.Context, msg model.Message, routes []model.Identifier) error {
	for _, route := range routes {
		ch := broker.Task(route)
		if route.Type == model.TypeAdapter {
			ch = broker.Request(route)
		}
		if err := r.publish(ctx, ch, msg); err != nil {
			return err
		}
	}
	slog.Debug(fmt.Sprintf("%s - %s routed by rule to %v", logPrefix, msg.ID(), routes))
	return nil
}

func (r *Router) sendPeer(ctx context.Context, msg model.Message) error {
	peer := msg.ReceiverID()
	kind, err := r.info.PeerDeliveryPolicy(ctx, peer)
	if err != nil {
		return fmt.Errorf("%s - delivery policy of %s: %w", logPrefix, peer, err)
	}

	var endpoints []model.Identifier
	if kind == model.PeerPreferred || kind == "" {
		ep, err := r.endpoints.CreateEndpointForPeer(ctx, peer)
		if err != nil {
			return err
		}
		endpoints = []model.Identifier{ep}
	} else {
		endpoints, err = r.endpoints.CreateEndpointsForPeer(ctx, peer)
		if err != nil {
			return err
		}
	}

	p, err := policy.ForPeer(kind, len(endpoints))
	if err != nil {
		return fmt.Errorf("%s - %s: %w", logPrefix, peer, err)
	}
	if err := r.track(msg, p); err != nil {
		return err
	}

	sent := 0
	for _, ep := range endpoints {
		if err := r.publish(ctx, broker.Request(ep), msg); err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
			r.communicationError(ctx, msg, ep)
			continue
		}
		sent++
	}
	if sent == 0 {
		r.forget(msg)
		return fmt.Errorf("%s - no endpoint of %s accepted %s: %w", logPrefix, peer, msg.ID(), ErrUnroutable)
	}
	return nil
}

func (r *Router) sendCollective(ctx context.Context, msg model.Message) error {
	info, err := r.info.CollectiveInfo(ctx, msg.ReceiverID())
	if err != nil {
		return fmt.Errorf("%s - collective %s: %w", logPrefix, msg.ReceiverID(), err)
	}
	if len(info.Members) == 0 {
		return fmt.Errorf("%s - collective %s has no members: %w", logPrefix, info.ID, ErrUnroutable)
	}

	p, err := policy.ForCollective(info.DeliveryPolicy, len(info.Members))
	if err != nil {
		return fmt.Errorf("%s - %s: %w", logPrefix, info.ID, err)
	}
	if err := r.track(msg, p); err != nil {
		return err
	}

	// Each member gets a copy carrying the logical message id, so every member's
	// ACK or ERROR counts against the one collective policy.
	for _, member := range info.Members {
		if member.Type != model.TypePeer {
			slog.Warn(fmt.Sprintf("%s - member %s of %s is not a peer", logPrefix, member, info.ID))
			r.communicationError(ctx, msg, member)
			continue
		}
		ep, err := r.endpoints.CreateEndpointForPeer(ctx, member)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - no endpoint for member %s of %s: %v", logPrefix, member, info.ID, err))
			r.communicationError(ctx, msg, member)
			continue
		}
		memberMsg := msg.Builder().ReceiverID(member).Build()
		if err := r.publish(ctx, broker.Request(ep), memberMsg); err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
			r.communicationError(ctx, msg, member)
		}
	}
	return nil
}

// sendSystem routes receiver-less messages to the fixed channel of their type.
func (r *Router) sendSystem(ctx context.Context, msg model.Message) error {
	var ch broker.Channel
	switch msg.Type() {
	case model.TypeAuth:
		ch = broker.ChannelAuth
	case model.TypeControl:
		ch = broker.ChannelControl
	case model.TypeMetrics:
		ch = broker.ChannelMetrics
	case model.TypeLog:
		ch = broker.ChannelLog
	default:
		return fmt.Errorf("%s - %s has no receiver: %w", logPrefix, msg.ID(), ErrUnroutable)
	}
	return r.publish(ctx, ch, msg)
}

func (r *Router) publish(ctx context.Context, ch broker.Channel, msg model.Message) error {
	if err := r.b.Publish(ctx, ch, msg); err != nil {
		return fmt.Errorf("%s - failed to publish %s to %s: %w", logPrefix, msg.ID(), ch, err)
	}
	return nil
}

func (r *Router) track(msg model.Message, p policy.Policy) error {
	if r.tracker == nil {
		return nil
	}
	ttl := time.Duration(msg.TTL()) * time.Second
	return r.tracker.Track(msg.ID(), msg.ReceiverID(), p, ttl)
}

func (r *Router) forget(msg model.Message) {
	if r.tracker != nil {
		r.tracker.Forget(msg.ID())
	}
}

// communicationError reports an unreachable channel or member of msg on the control
// channel, where the tracker counts it as an error.
func (r *Router) communicationError(ctx context.Context, msg model.Message, target model.Identifier) {
	if r.tracker == nil {
		return
	}
	report := model.NewControl(model.SubtypeCommunicationError, target, msg.SenderID(), msg.ID()).
		Content(fmt.Sprintf("%s unreachable", target)).
		Build()
	if err := r.b.Publish(ctx, broker.ChannelControl, report); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to report communication error for %s: %v", logPrefix, msg.ID(), err))
	}
}

// Start consumes the input channel with a replica set of workers, each routing what
// it receives through Send.
func (r *Router) Start(ctx context.Context) error {
	if err := r.b.Declare(broker.ChannelInput); err != nil {
		return fmt.Errorf("%s - failed to declare %s: %w", logPrefix, broker.ChannelInput, err)
	}
	cfg := r.repCfg
	if cfg.Stats == nil {
		cfg.Stats = func() broker.ChannelStats { return r.b.Stats(broker.ChannelInput) }
	}
	r.replicas = replication.NewReplicaSet(cfg, r.consume)
	return r.replicas.Start(ctx)
}

// Replicas returns the current number of input workers.
func (r *Router) Replicas() int {
	if r.replicas == nil {
		return 0
	}
	return r.replicas.Replicas()
}

// Stop stops the input workers.
func (r *Router) Stop(timeout time.Duration) error {
	if r.replicas == nil {
		return nil
	}
	return r.replicas.Stop(timeout)
}

func (r *Router) consume(ctx context.Context) {
	for {
		msg, err := r.b.Receive(ctx, broker.ChannelInput)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, broker.ErrClosed) {
				slog.Error(fmt.Sprintf("%s - receive on %s failed: %v", logPrefix, broker.ChannelInput, err))
			}
			return
		}
		if _, err := r.Send(ctx, msg); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping input %s: %v", logPrefix, msg.ID(), err))
		}
	}
}
