package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/morezero/peer-broker/pkg/model"
)

const feedbackLogPrefix = "adapter:feedback"

// ErrFacadeStopped is returned by a push facade after Stop.
var ErrFacadeStopped = errors.New("feedback facade stopped")

// Feedback is the uniform polling surface over pull and push input adapters.
type Feedback interface {
	// Start prepares the facade. It is called once before the first CheckForResponse.
	Start(ctx context.Context) error
	// CheckForResponse returns the next peer response. ok is false when nothing arrived
	// within one poll.
	CheckForResponse(ctx context.Context) (msg model.Message, ok bool, err error)
	// Stop releases the underlying adapter.
	Stop() error
}

// DefaultPollInterval is the wait between empty pulls.
const DefaultPollInterval = time.Second

// PullFacade polls an InputPullAdapter, sleeping Interval after an empty pull.
type PullFacade struct {
	Adapter  InputPullAdapter
	Interval time.Duration
}

// NewPullFacade wraps a pull adapter. interval <= 0 uses DefaultPollInterval.
func NewPullFacade(a InputPullAdapter, interval time.Duration) *PullFacade {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PullFacade{Adapter: a, Interval: interval}
}

// Start implements Feedback.
func (f *PullFacade) Start(context.Context) error { return nil }

// CheckForResponse implements Feedback.
func (f *PullFacade) CheckForResponse(ctx context.Context) (model.Message, bool, error) {
	msg, ok, err := f.Adapter.Pull(ctx)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("%s - pull failed: %w", feedbackLogPrefix, err)
	}
	if ok {
		return msg, true, nil
	}

	timer := time.NewTimer(f.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return model.Message{}, false, ctx.Err()
	case <-timer.C:
		return model.Message{}, false, nil
	}
}

// Stop implements Feedback.
func (f *PullFacade) Stop() error {
	return Close(f.Adapter)
}

// PushFacade buffers the messages an InputPushAdapter calls back with. The callback
// blocks while the buffer is full, so a slow consumer applies backpressure to the
// adapter rather than dropping responses.
type PushFacade struct {
	Adapter InputPushAdapter

	msgs     chan model.Message
	stopped  chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewPushFacade wraps a push adapter with a buffer of the given size (minimum 1).
func NewPushFacade(a InputPushAdapter, buffer int) *PushFacade {
	if buffer < 1 {
		buffer = 1
	}
	return &PushFacade{
		Adapter: a,
		msgs:    make(chan model.Message, buffer),
		stopped: make(chan struct{}),
	}
}

// Start implements Feedback by starting the adapter with the buffering callback.
func (f *PushFacade) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	if err := f.Adapter.Start(ctx, f.publish); err != nil {
		cancel()
		return fmt.Errorf("%s - failed to start push adapter: %w", feedbackLogPrefix, err)
	}
	return nil
}

func (f *PushFacade) publish(msg model.Message) {
	select {
	case f.msgs <- msg:
	case <-f.stopped:
	}
}

// CheckForResponse implements Feedback. It waits for the next callback.
func (f *PushFacade) CheckForResponse(ctx context.Context) (model.Message, bool, error) {
	select {
	case msg := <-f.msgs:
		return msg, true, nil
	case <-ctx.Done():
		return model.Message{}, false, ctx.Err()
	case <-f.stopped:
		return model.Message{}, false, ErrFacadeStopped
	}
}

// Stop implements Feedback. Pending callbacks are released.
func (f *PushFacade) Stop() error {
	f.stopOnce.Do(func() {
		close(f.stopped)
		if f.cancel != nil {
			f.cancel()
		}
	})
	return Close(f.Adapter)
}
