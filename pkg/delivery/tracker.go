// Package delivery binds delivery policies to in-flight sends.
//
// The Tracker listens on the control channel. Every CONTROL message whose RefersTo
// names a tracked message is fed to that send's policy; once the policy concludes, or
// the send outlives its deadline, the entry is dropped and exactly one DeliveryEvent is
// published.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/events"
	"github.com/morezero/peer-broker/pkg/metrics"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/policy"
)

const logPrefix = "delivery:tracker"

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = time.Second
)

var (
	// ErrAlreadyTracked is returned when a message id is tracked twice.
	ErrAlreadyTracked = errors.New("message already tracked")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("tracker not started")
)

// TrackerOpts configures a Tracker. Zero values use defaults.
type TrackerOpts struct {
	Publisher     events.EventPublisher
	Timeout       time.Duration
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
}

type entry struct {
	receiver model.Identifier
	policy   policy.Policy
	deadline time.Time
}

// Tracker owns the policy of every in-flight send.
type Tracker struct {
	b       broker.Broker
	pub     events.EventPublisher
	timeout time.Duration
	sweepIv time.Duration
	m       *metrics.Metrics

	mu      sync.Mutex
	entries map[model.Identifier]*entry

	cancelListener broker.Cancel
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewTracker creates a tracker fed from b's control channel.
func NewTracker(b broker.Broker, opts TrackerOpts) *Tracker {
	t := &Tracker{
		b:       b,
		pub:     opts.Publisher,
		timeout: opts.Timeout,
		sweepIv: opts.SweepInterval,
		m:       opts.Metrics,
		entries: make(map[model.Identifier]*entry),
	}
	if t.pub == nil {
		t.pub = &events.NoOpPublisher{}
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.sweepIv <= 0 {
		t.sweepIv = DefaultSweepInterval
	}
	return t
}

// Start registers the control listener and the expiry sweeper.
func (t *Tracker) Start(ctx context.Context) error {
	cancel, err := t.b.RegisterListener(broker.ChannelControl, t.Handle)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, broker.ChannelControl, err)
	}
	ctx, stop := context.WithCancel(ctx)
	t.cancelListener = cancel
	t.cancel = stop
	t.done = make(chan struct{})
	go t.sweepLoop(ctx)
	slog.Info(fmt.Sprintf("%s - Tracking deliveries (timeout %s)", logPrefix, t.timeout))
	return nil
}

// Stop removes the listener and stops the sweeper. Entries still in flight are kept
// and reported by Pending.
func (t *Tracker) Stop() error {
	if t.cancel == nil {
		return ErrNotStarted
	}
	t.cancelListener()
	t.cancel()
	<-t.done
	return nil
}

// Track starts judging the send of msgID to receiver with p. A ttl of zero uses the
// tracker's default timeout.
func (t *Tracker) Track(msgID, receiver model.Identifier, p policy.Policy, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.timeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[msgID]; ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, msgID, ErrAlreadyTracked)
	}
	t.entries[msgID] = &entry{receiver: receiver, policy: p, deadline: time.Now().Add(ttl)}
	t.m.Tracked(1)
	return nil
}

// Forget drops a tracked send without publishing an event, e.g. when its publish
// failed before anything was sent.
func (t *Tracker) Forget(msgID model.Identifier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[msgID]; !ok {
		return false
	}
	delete(t.entries, msgID)
	t.m.Tracked(-1)
	return true
}

// Pending returns the number of sends awaiting a conclusive result.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Handle feeds one control message to the policy of the send it refers to.
func (t *Tracker) Handle(msg model.Message) {
	if msg.Type() != model.TypeControl || msg.RefersTo().IsZero() {
		return
	}
	ev, ok := policy.EventFor(msg.Subtype())
	if !ok {
		return
	}

	t.mu.Lock()
	e, ok := t.entries[msg.RefersTo()]
	t.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - %s for untracked message %s", logPrefix, msg.Subtype(), msg.RefersTo()))
		return
	}

	outcome, err := e.policy.Check(ev)
	switch {
	case err != nil:
		t.conclude(msg.RefersTo(), e, events.OutcomeFailed, err.Error())
	case outcome == policy.Succeeded:
		t.conclude(msg.RefersTo(), e, events.OutcomeSucceeded, "")
	default:
		slog.Debug(fmt.Sprintf("%s - %s on %s, %s pending", logPrefix, ev, msg.RefersTo(), e.policy.Name()))
	}
}

// conclude removes e and publishes its event, unless another goroutine already did.
func (t *Tracker) conclude(msgID model.Identifier, e *entry, outcome, reason string) {
	t.mu.Lock()
	if t.entries[msgID] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, msgID)
	t.mu.Unlock()

	t.m.Tracked(-1)
	t.m.Outcome(outcome)

	event := events.NewDeliveryEvent(msgID, e.receiver, e.policy.Name(), outcome)
	event.Acks, event.Errors = e.policy.Counts()
	event.Reason = reason
	if err := t.pub.PublishDelivery(context.Background(), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event for %s: %v", logPrefix, outcome, msgID, err))
	}
	if outcome == events.OutcomeSucceeded {
		slog.Debug(fmt.Sprintf("%s - Delivered %s to %s", logPrefix, msgID, e.receiver))
	} else {
		slog.Warn(fmt.Sprintf("%s - Delivery of %s to %s %s: %s", logPrefix, msgID, e.receiver, outcome, reason))
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.sweepIv)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// sweep abandons every send whose deadline is before now.
func (t *Tracker) sweep(now time.Time) int {
	t.mu.Lock()
	expired := make(map[model.Identifier]*entry)
	for id, e := range t.entries {
		if now.After(e.deadline) {
			expired[id] = e
		}
	}
	t.mu.Unlock()

	for id, e := range expired {
		t.conclude(id, e, events.OutcomeExpired, "no conclusive result before deadline")
	}
	return len(expired)
}
