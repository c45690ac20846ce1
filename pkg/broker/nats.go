package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-broker/pkg/commsutil"
	"github.com/morezero/peer-broker/pkg/metrics"
	"github.com/morezero/peer-broker/pkg/model"
)

const natsLogPrefix = "broker:nats"

const defaultQueueGroup = "peerbroker"

// NATSBrokerOpts configures NATSBroker. Zero values use defaults.
type NATSBrokerOpts struct {
	// SubjectPrefix is prepended to every channel subject (default "peerbroker").
	SubjectPrefix string
	// QueueGroup is shared by all processes consuming the same channels, so each message
	// reaches one logical consumer (default "peerbroker").
	QueueGroup string
	Metrics    *metrics.Metrics
}

// NATSBroker carries channels over COMMS subjects. Received messages are fed into the
// same local channel state as MemoryBroker, so listener and queue semantics are
// identical. Core COMMS does not retain messages, so every channel is subscribed
// before the first publish to it and queued locally until received. System channels
// are declared on construction.
type NATSBroker struct {
	nc            *comms.Conn
	local         *MemoryBroker
	subjectPrefix string
	queueGroup    string
	metrics       *metrics.Metrics

	mu   sync.RWMutex
	subs map[Channel]*comms.Subscription
}

// NewNATSBroker creates a broker on an established connection. The connection stays
// owned by the caller.
func NewNATSBroker(nc *comms.Conn, opts *NATSBrokerOpts) (*NATSBroker, error) {
	b := &NATSBroker{
		nc:            nc,
		subjectPrefix: commsutil.SubjectBrokerPrefix,
		queueGroup:    defaultQueueGroup,
		subs:          make(map[Channel]*comms.Subscription),
	}
	if opts != nil {
		if opts.SubjectPrefix != "" {
			b.subjectPrefix = opts.SubjectPrefix
		}
		if opts.QueueGroup != "" {
			b.queueGroup = opts.QueueGroup
		}
		b.metrics = opts.Metrics
	}
	b.local = NewMemoryBroker(b.metrics)

	for _, ch := range SystemChannels {
		if err := b.Declare(ch); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// Subject returns the COMMS subject carrying ch.
func (b *NATSBroker) Subject(ch Channel) string {
	return b.subjectPrefix + "." + sanitizeSubject(string(ch))
}

// Publish implements Broker.
func (b *NATSBroker) Publish(_ context.Context, ch Channel, msg model.Message) error {
	if b.local.closed() {
		return ErrClosed
	}
	if b.nc.IsClosed() {
		return fmt.Errorf("%s - publish to %s: %w", natsLogPrefix, ch, ErrTransportClosed)
	}
	if err := b.Declare(ch); err != nil {
		return err
	}
	data, err := commsutil.EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message %s: %w", natsLogPrefix, msg.ID(), err)
	}
	if err := b.nc.Publish(b.Subject(ch), data); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", natsLogPrefix, ch, err)
	}
	b.metrics.Published(ch.Kind())
	return nil
}

// Receive implements Broker.
func (b *NATSBroker) Receive(ctx context.Context, ch Channel) (model.Message, error) {
	if err := b.Declare(ch); err != nil {
		return model.Message{}, err
	}
	return b.local.Receive(ctx, ch)
}

// RegisterListener implements Broker. Listeners run on the subscription's delivery
// goroutine rather than the publisher's.
func (b *NATSBroker) RegisterListener(ch Channel, l Listener) (Cancel, error) {
	if err := b.Declare(ch); err != nil {
		return nil, err
	}
	return b.local.RegisterListener(ch, l)
}

// Declare implements Broker by subscribing to the channel's subject once.
func (b *NATSBroker) Declare(ch Channel) error {
	if b.local.closed() {
		return ErrClosed
	}

	b.mu.RLock()
	_, ok := b.subs[ch]
	b.mu.RUnlock()
	if ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check after acquiring write lock
	if _, ok := b.subs[ch]; ok {
		return nil
	}

	subject := b.Subject(ch)
	sub, err := b.nc.QueueSubscribe(subject, b.queueGroup, func(m *comms.Msg) {
		msg, err := commsutil.DecodePayload[model.Message](m.Data)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode message on %s: %v", natsLogPrefix, subject, err))
			return
		}
		b.local.deliver(ch, msg)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, subject, err)
	}
	if err := b.local.Declare(ch); err != nil {
		sub.Unsubscribe()
		return err
	}
	b.subs[ch] = sub
	slog.Debug(fmt.Sprintf("%s - Subscribed to %s", natsLogPrefix, subject))
	return nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBroker) Flush() error {
	return b.nc.Flush()
}

// Stats implements Broker with the local view of the channel.
func (b *NATSBroker) Stats(ch Channel) ChannelStats {
	return b.local.Stats(ch)
}

// Close implements Broker. The connection itself is left open.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	for ch, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !b.nc.IsClosed() {
			slog.Warn(fmt.Sprintf("%s - failed to unsubscribe %s: %v", natsLogPrefix, ch, err))
		}
	}
	b.subs = make(map[Channel]*comms.Subscription)
	b.mu.Unlock()
	return b.local.Close()
}

var subjectReplacer = strings.NewReplacer(" ", "_", "\t", "_", "*", "_", ">", "_")

func sanitizeSubject(s string) string {
	return subjectReplacer.Replace(s)
}
