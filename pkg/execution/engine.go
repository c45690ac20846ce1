// Package execution runs adapter instances as independently cancellable goroutines.
//
// Peer adapters consume the request channel of their identifier and push each message
// to the peer, reporting CONTROL/ACK or CONTROL/ERROR on the control channel. Feedback
// adapters are polled and their responses are published to the input channel.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/metrics"
	"github.com/morezero/peer-broker/pkg/model"
)

const logPrefix = "execution:engine"

// DefaultGracePeriod bounds how long Destroy waits for running adapters.
const DefaultGracePeriod = time.Second

const feedbackErrorBackoff = 100 * time.Millisecond

var (
	ErrAdapterExists   = errors.New("adapter already running")
	ErrAdapterNotFound = errors.New("adapter not found")
	ErrEngineDestroyed = errors.New("execution engine destroyed")
	ErrShutdownTimeout = errors.New("adapters did not stop within the grace period")
)

// State is the lifecycle position of one adapter instance.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCancelling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	rolePeer     = "peer"
	roleFeedback = "feedback"
)

type instance struct {
	id       model.Identifier
	role     string
	stateful bool
	output   adapter.OutputAdapter
	feedback adapter.Feedback

	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32
}

func (in *instance) setState(s State) { in.state.Store(int32(s)) }

func (in *instance) getState() State { return State(in.state.Load()) }

// EngineOpts configures an Engine. Zero values use defaults.
type EngineOpts struct {
	// Resolver maps peers to contact parameters (default: empty cache-only resolver).
	Resolver *AddressResolver
	// GracePeriod bounds Destroy (default DefaultGracePeriod).
	GracePeriod time.Duration
	Metrics     *metrics.Metrics
}

// Engine owns the running adapter instances.
type Engine struct {
	broker   broker.Broker
	resolver *AddressResolver
	metrics  *metrics.Metrics
	grace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	peers     map[model.Identifier]*instance
	feedback  map[model.Identifier]*instance
	destroyed bool
}

// NewEngine creates an engine publishing and consuming through b.
func NewEngine(b broker.Broker, opts *EngineOpts) *Engine {
	e := &Engine{
		broker:   b,
		grace:    DefaultGracePeriod,
		peers:    make(map[model.Identifier]*instance),
		feedback: make(map[model.Identifier]*instance),
	}
	if opts != nil {
		e.resolver = opts.Resolver
		e.metrics = opts.Metrics
		if opts.GracePeriod > 0 {
			e.grace = opts.GracePeriod
		}
	}
	if e.resolver == nil {
		e.resolver = NewAddressResolver(nil)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Resolver returns the engine's address resolver.
func (e *Engine) Resolver() *AddressResolver {
	return e.resolver
}

// AddPeerAdapter starts a goroutine that pushes every message on Request(id) through a.
// The request channel is declared before AddPeerAdapter returns.
func (e *Engine) AddPeerAdapter(a adapter.OutputAdapter, id model.Identifier, stateful bool) error {
	if a == nil {
		return fmt.Errorf("%s - nil adapter for %s", logPrefix, id)
	}
	if err := e.broker.Declare(broker.Request(id)); err != nil {
		return fmt.Errorf("%s - failed to declare request channel for %s: %w", logPrefix, id, err)
	}
	in := &instance{id: id, role: rolePeer, stateful: stateful, output: a}
	if err := e.start(e.peers, in, e.runPeer); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Started peer adapter %s (stateful=%t)", logPrefix, id, stateful))
	return nil
}

// AddFeedbackAdapter starts a goroutine polling f and publishing responses to input.
func (e *Engine) AddFeedbackAdapter(f adapter.Feedback, id model.Identifier) error {
	if f == nil {
		return fmt.Errorf("%s - nil feedback adapter for %s", logPrefix, id)
	}
	in := &instance{id: id, role: roleFeedback, feedback: f}
	if err := e.start(e.feedback, in, e.runFeedback); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Started feedback adapter %s", logPrefix, id))
	return nil
}

func (e *Engine) start(pool map[model.Identifier]*instance, in *instance, run func(context.Context, *instance)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrEngineDestroyed
	}
	if _, ok := pool[in.id]; ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, in.id, ErrAdapterExists)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	in.cancel = cancel
	in.done = make(chan struct{})
	in.setState(StateCreated)
	pool[in.id] = in

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(in.done)
		defer in.setState(StateStopped)
		defer e.metrics.AdapterRunning(in.role, -1)

		e.metrics.AdapterRunning(in.role, 1)
		in.setState(StateRunning)
		run(ctx, in)
	}()
	return nil
}

// RemovePeerAdapter cancels the adapter running under id and returns it. A second
// call for the same id returns ErrAdapterNotFound.
func (e *Engine) RemovePeerAdapter(id model.Identifier) (adapter.OutputAdapter, error) {
	in, err := e.remove(e.peers, id)
	if err != nil {
		return nil, err
	}
	return in.output, nil
}

// RemoveFeedbackAdapter cancels the feedback adapter running under id and returns it.
func (e *Engine) RemoveFeedbackAdapter(id model.Identifier) (adapter.Feedback, error) {
	in, err := e.remove(e.feedback, id)
	if err != nil {
		return nil, err
	}
	return in.feedback, nil
}

func (e *Engine) remove(pool map[model.Identifier]*instance, id model.Identifier) (*instance, error) {
	e.mu.Lock()
	in, ok := pool[id]
	if ok {
		delete(pool, id)
	}
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s - %s: %w", logPrefix, id, ErrAdapterNotFound)
	}
	in.state.CompareAndSwap(int32(StateRunning), int32(StateCancelling))
	in.state.CompareAndSwap(int32(StateCreated), int32(StateCancelling))
	in.cancel()
	slog.Info(fmt.Sprintf("%s - Removed %s adapter %s", logPrefix, in.role, id))
	return in, nil
}

// StopPeerAdapter removes the adapter like RemovePeerAdapter and then waits until its
// goroutine has returned or ctx is done. The adapter is returned in both cases.
func (e *Engine) StopPeerAdapter(ctx context.Context, id model.Identifier) (adapter.OutputAdapter, error) {
	in, err := e.remove(e.peers, id)
	if err != nil {
		return nil, err
	}
	select {
	case <-in.done:
		return in.output, nil
	case <-ctx.Done():
		return in.output, fmt.Errorf("%s - waiting for %s: %w", logPrefix, id, ctx.Err())
	}
}

// HasPeerAdapter reports whether a peer adapter runs under id.
func (e *Engine) HasPeerAdapter(id model.Identifier) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peers[id]
	return ok
}

// PeerAdapters lists the running peer adapter ids in string order.
func (e *Engine) PeerAdapters() []model.Identifier {
	return e.list(e.peers)
}

// FeedbackAdapters lists the running feedback adapter ids in string order.
func (e *Engine) FeedbackAdapters() []model.Identifier {
	return e.list(e.feedback)
}

func (e *Engine) list(pool map[model.Identifier]*instance) []model.Identifier {
	e.mu.RLock()
	ids := make([]model.Identifier, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// State returns the lifecycle state of a registered instance.
func (e *Engine) State(id model.Identifier) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if in, ok := e.peers[id]; ok {
		return in.getState(), true
	}
	if in, ok := e.feedback[id]; ok {
		return in.getState(), true
	}
	return StateStopped, false
}

// Destroy cancels every adapter and waits up to the grace period for them to stop.
// Further adds fail with ErrEngineDestroyed.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	for _, pool := range []map[model.Identifier]*instance{e.peers, e.feedback} {
		for id, in := range pool {
			in.state.CompareAndSwap(int32(StateRunning), int32(StateCancelling))
			delete(pool, id)
		}
	}
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s - All adapters stopped", logPrefix))
		return nil
	case <-time.After(e.grace):
		slog.Warn(fmt.Sprintf("%s - Adapters still running after %s, abandoning shutdown", logPrefix, e.grace))
		return ErrShutdownTimeout
	}
}

func (e *Engine) runPeer(ctx context.Context, in *instance) {
	ch := broker.Request(in.id)
	for {
		msg, err := e.broker.Receive(ctx, ch)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, broker.ErrClosed) {
				slog.Error(fmt.Sprintf("%s - %s stopped receiving: %v", logPrefix, in.id, err))
			}
			return
		}
		e.deliver(ctx, in, msg)
	}
}

// deliver resolves the receiver's address, pushes msg and reports the result.
func (e *Engine) deliver(ctx context.Context, in *instance, msg model.Message) {
	addr, err := e.resolver.Resolve(ctx, msg.ReceiverID(), in.id)
	if err != nil {
		e.metrics.AdapterError("resolve")
		slog.Warn(fmt.Sprintf("%s - %s cannot resolve %s: %v", logPrefix, in.id, msg.ReceiverID(), err))
		e.report(ctx, in, msg, err)
		return
	}

	if err := safePush(ctx, in.output, msg, addr); err != nil {
		e.metrics.Push("error")
		e.metrics.AdapterError("push")
		slog.Error(fmt.Sprintf("%s - %s failed to push %s: %v", logPrefix, in.id, msg.ID(), err))
		e.report(ctx, in, msg, err)
		return
	}
	e.metrics.Push("ok")
	e.report(ctx, in, msg, nil)
}

func (e *Engine) report(ctx context.Context, in *instance, msg model.Message, cause error) {
	subtype := model.SubtypeAck
	if cause != nil {
		subtype = model.SubtypeError
	}
	b := model.NewControl(subtype, in.id, msg.SenderID(), msg.ID()).ConversationID(msg.ConversationID())
	if cause != nil {
		b = b.Content(cause.Error())
	}
	if err := e.broker.Publish(ctx, broker.ChannelControl, b.Build()); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to report %s for %s: %v", logPrefix, subtype, msg.ID(), err))
	}
}

func safePush(ctx context.Context, a adapter.OutputAdapter, msg model.Message, addr *model.PeerChannelAddress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panicked: %v", r)
		}
	}()
	return a.Push(ctx, msg, addr)
}

func (e *Engine) runFeedback(ctx context.Context, in *instance) {
	f := in.feedback
	if err := f.Start(ctx); err != nil {
		e.metrics.AdapterError("feedback")
		slog.Error(fmt.Sprintf("%s - failed to start feedback adapter %s: %v", logPrefix, in.id, err))
		return
	}
	defer func() {
		if err := f.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to stop feedback adapter %s: %v", logPrefix, in.id, err))
		}
	}()

	for ctx.Err() == nil {
		msg, ok, err := safeCheck(ctx, f)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, adapter.ErrFacadeStopped) {
				return
			}
			e.metrics.AdapterError("feedback")
			slog.Error(fmt.Sprintf("%s - feedback adapter %s: %v", logPrefix, in.id, err))
			sleep(ctx, feedbackErrorBackoff)
			continue
		}
		if !ok {
			continue
		}
		if err := e.broker.Publish(ctx, broker.ChannelInput, msg); err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return
			}
			slog.Error(fmt.Sprintf("%s - failed to publish feedback from %s: %v", logPrefix, in.id, err))
		}
	}
}

func safeCheck(ctx context.Context, f adapter.Feedback) (msg model.Message, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feedback adapter panicked: %v", r)
		}
	}()
	return f.CheckForResponse(ctx)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
