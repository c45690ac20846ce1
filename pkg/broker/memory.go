package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/morezero/peer-broker/pkg/metrics"
	"github.com/morezero/peer-broker/pkg/model"
)

const memoryLogPrefix = "broker:memory"

// MemoryBroker is an in-process Broker. Each instance is isolated; construct one per
// process (or per test) and pass it to the components that need it.
type MemoryBroker struct {
	mu       sync.RWMutex
	channels map[Channel]*channelState
	metrics  *metrics.Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBroker creates an empty in-memory broker with the system channels declared.
// m may be nil.
func NewMemoryBroker(m *metrics.Metrics) *MemoryBroker {
	b := &MemoryBroker{
		channels: make(map[Channel]*channelState),
		metrics:  m,
		done:     make(chan struct{}),
	}
	for _, ch := range SystemChannels {
		b.channel(ch)
	}
	return b
}

// channel returns the state for ch, creating it on first use.
func (b *MemoryBroker) channel(ch Channel) *channelState {
	b.mu.RLock()
	cs, ok := b.channels[ch]
	b.mu.RUnlock()
	if ok {
		return cs
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check after acquiring write lock
	if cs, ok := b.channels[ch]; ok {
		return cs
	}
	cs = newChannelState(ch)
	b.channels[ch] = cs
	return cs
}

func (b *MemoryBroker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Publish implements Broker. With a listener registered the listener runs on the
// caller's goroutine before Publish returns.
func (b *MemoryBroker) Publish(_ context.Context, ch Channel, msg model.Message) error {
	if b.closed() {
		return ErrClosed
	}
	b.metrics.Published(ch.Kind())
	b.deliver(ch, msg)
	return nil
}

// deliver routes msg into the channel state without touching publish metrics. The NATS
// broker feeds received messages through here.
func (b *MemoryBroker) deliver(ch Channel, msg model.Message) {
	mode := b.channel(ch).push(msg)
	if mode == modeListener {
		b.metrics.Delivered(ch.Kind(), mode)
	}
}

// Receive implements Broker.
func (b *MemoryBroker) Receive(ctx context.Context, ch Channel) (model.Message, error) {
	if b.closed() {
		return model.Message{}, ErrClosed
	}
	msg, err := b.channel(ch).pop(ctx, b.done)
	if err != nil {
		return model.Message{}, err
	}
	b.metrics.Delivered(ch.Kind(), modeQueue)
	return msg, nil
}

// RegisterListener implements Broker. Queued messages are drained into l before it
// sees any later publish.
func (b *MemoryBroker) RegisterListener(ch Channel, l Listener) (Cancel, error) {
	if b.closed() {
		return nil, ErrClosed
	}
	if l == nil {
		return nil, fmt.Errorf("%s - nil listener for %s", memoryLogPrefix, ch)
	}
	cancel, drained, err := b.channel(ch).listen(l)
	if err != nil {
		return nil, fmt.Errorf("%s - %s: %w", memoryLogPrefix, ch, err)
	}
	if drained > 0 {
		slog.Debug(fmt.Sprintf("%s - Drained %d queued messages into new listener on %s", memoryLogPrefix, drained, ch))
	}
	return cancel, nil
}

// Declare implements Broker.
func (b *MemoryBroker) Declare(ch Channel) error {
	if b.closed() {
		return ErrClosed
	}
	b.channel(ch)
	return nil
}

// Stats implements Broker. Unknown channels report zero values.
func (b *MemoryBroker) Stats(ch Channel) ChannelStats {
	b.mu.RLock()
	cs, ok := b.channels[ch]
	b.mu.RUnlock()
	if !ok {
		return ChannelStats{}
	}
	return cs.stats()
}

// Close implements Broker. Blocked receivers return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		slog.Debug(fmt.Sprintf("%s - Broker closed", memoryLogPrefix))
	})
	return nil
}

const (
	modeQueue    = "queue"
	modeListener = "listener"
)

type listenerEntry struct {
	fn Listener
}

// channelState holds one channel. mu guards the mode, queue and wake-up channel.
// deliverMu serialises listener invocations so a backlog drain and later publishes
// reach the listener in FIFO order. A listener must not publish to its own channel.
type channelState struct {
	name Channel

	mu       sync.Mutex
	queue    []model.Message
	notify   chan struct{}
	listener *listenerEntry

	deliverMu sync.Mutex

	published atomic.Int64
	delivered atomic.Int64
}

func newChannelState(name Channel) *channelState {
	return &channelState{name: name, notify: make(chan struct{})}
}

func (cs *channelState) push(msg model.Message) string {
	cs.mu.Lock()
	cs.published.Add(1)
	if l := cs.listener; l != nil {
		cs.deliverMu.Lock()
		cs.mu.Unlock()
		cs.invoke(l.fn, msg)
		cs.deliverMu.Unlock()
		return modeListener
	}
	cs.queue = append(cs.queue, msg)
	close(cs.notify)
	cs.notify = make(chan struct{})
	cs.mu.Unlock()
	return modeQueue
}

func (cs *channelState) invoke(fn Listener, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - listener on %s panicked: %v", memoryLogPrefix, cs.name, r))
		}
	}()
	fn(msg)
	cs.delivered.Add(1)
}

func (cs *channelState) pop(ctx context.Context, done <-chan struct{}) (model.Message, error) {
	for {
		cs.mu.Lock()
		if len(cs.queue) > 0 {
			msg := cs.queue[0]
			cs.queue[0] = model.Message{}
			cs.queue = cs.queue[1:]
			cs.mu.Unlock()
			cs.delivered.Add(1)
			return msg, nil
		}
		wait := cs.notify
		cs.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		case <-done:
			return model.Message{}, ErrClosed
		}
	}
}

func (cs *channelState) listen(fn Listener) (Cancel, int, error) {
	cs.mu.Lock()
	if cs.listener != nil {
		cs.mu.Unlock()
		return nil, 0, ErrListenerExists
	}
	entry := &listenerEntry{fn: fn}
	cs.listener = entry
	backlog := cs.queue
	cs.queue = nil
	cs.deliverMu.Lock()
	cs.mu.Unlock()

	for _, msg := range backlog {
		cs.invoke(fn, msg)
	}
	cs.deliverMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cs.mu.Lock()
			if cs.listener == entry {
				cs.listener = nil
			}
			cs.mu.Unlock()
		})
	}
	return cancel, len(backlog), nil
}

func (cs *channelState) stats() ChannelStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return ChannelStats{
		Published: cs.published.Load(),
		Delivered: cs.delivered.Load(),
		Pending:   int64(len(cs.queue)),
		Listening: cs.listener != nil,
	}
}
