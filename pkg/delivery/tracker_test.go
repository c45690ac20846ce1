package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/events"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/policy"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.DeliveryEvent
}

func (r *recorder) publisher() *events.CallbackPublisher {
	return events.NewCallbackPublisher(func(_ context.Context, e *events.DeliveryEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
		return nil
	})
}

func (r *recorder) snapshot() []*events.DeliveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.DeliveryEvent(nil), r.events...)
}

func newTestTracker(t *testing.T, opts TrackerOpts) (*Tracker, broker.Broker, *recorder) {
	t.Helper()
	b := broker.NewMemoryBroker(nil)
	rec := &recorder{}
	opts.Publisher = rec.publisher()
	tr := NewTracker(b, opts)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("delivery:tracker_test - Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Stop()
		_ = b.Close()
	})
	return tr, b, rec
}

func control(t *testing.T, b broker.Broker, subtype string, refersTo model.Identifier) {
	t.Helper()
	msg := model.NewControl(subtype, model.Adapter("email"), model.Peer("alice"), refersTo).Build()
	if err := b.Publish(context.Background(), broker.ChannelControl, msg); err != nil {
		t.Fatalf("delivery:tracker_test - publish %s failed: %v", subtype, err)
	}
}

func TestTracker_SucceedsOnAck(t *testing.T) {
	tr, b, rec := newTestTracker(t, TrackerOpts{})

	id := model.MessageID("m1")
	if err := tr.Track(id, model.Peer("alice"), policy.NewPreferred(), 0); err != nil {
		t.Fatalf("delivery:tracker_test - Track failed: %v", err)
	}
	control(t, b, model.SubtypeError, id)
	if tr.Pending() != 1 {
		t.Fatalf("delivery:tracker_test - preferred send concluded on error")
	}
	control(t, b, model.SubtypeAck, id)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("delivery:tracker_test - got %d events, want 1", len(got))
	}
	if got[0].Outcome != events.OutcomeSucceeded || got[0].MessageID != id || got[0].Policy != "PREFERRED" {
		t.Errorf("delivery:tracker_test - unexpected event %+v", got[0])
	}
	if got[0].Acks != 1 || got[0].Errors != 1 {
		t.Errorf("delivery:tracker_test - counts = %d/%d, want 1/1", got[0].Acks, got[0].Errors)
	}
	if tr.Pending() != 0 {
		t.Errorf("delivery:tracker_test - Pending() = %d after conclusion", tr.Pending())
	}
}

func TestTracker_FailsAndPublishesOnce(t *testing.T) {
	tr, b, rec := newTestTracker(t, TrackerOpts{})

	id := model.MessageID("m2")
	if err := tr.Track(id, model.Peer("alice"), policy.NewToAllChannels(2), 0); err != nil {
		t.Fatalf("delivery:tracker_test - Track failed: %v", err)
	}
	control(t, b, model.SubtypeCommunicationError, id)
	control(t, b, model.SubtypeAck, id)
	control(t, b, model.SubtypeAck, id)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("delivery:tracker_test - got %d events, want exactly 1", len(got))
	}
	if got[0].Outcome != events.OutcomeFailed || got[0].Reason == "" {
		t.Errorf("delivery:tracker_test - unexpected event %+v", got[0])
	}
}

func TestTracker_IgnoresUnrelatedControl(t *testing.T) {
	tr, b, rec := newTestTracker(t, TrackerOpts{})

	id := model.MessageID("m3")
	_ = tr.Track(id, model.Peer("alice"), policy.NewPreferred(), 0)

	control(t, b, model.SubtypeAck, model.MessageID("other"))
	control(t, b, model.SubtypeReply, id)
	control(t, b, model.SubtypeAck, model.Identifier{})

	if len(rec.snapshot()) != 0 || tr.Pending() != 1 {
		t.Errorf("delivery:tracker_test - unrelated control messages changed the tracker")
	}
}

func TestTracker_DuplicateTrack(t *testing.T) {
	tr, _, _ := newTestTracker(t, TrackerOpts{})

	id := model.MessageID("m4")
	_ = tr.Track(id, model.Peer("alice"), policy.NewPreferred(), 0)
	err := tr.Track(id, model.Peer("alice"), policy.NewPreferred(), 0)
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("delivery:tracker_test - expected ErrAlreadyTracked, got %v", err)
	}
}

func TestTracker_Forget(t *testing.T) {
	tr, b, rec := newTestTracker(t, TrackerOpts{})

	id := model.MessageID("m5")
	_ = tr.Track(id, model.Peer("alice"), policy.NewPreferred(), 0)
	if !tr.Forget(id) {
		t.Fatal("delivery:tracker_test - Forget returned false for a tracked id")
	}
	if tr.Forget(id) {
		t.Error("delivery:tracker_test - second Forget returned true")
	}
	control(t, b, model.SubtypeAck, id)
	if len(rec.snapshot()) != 0 {
		t.Error("delivery:tracker_test - forgotten send produced an event")
	}
}

func TestTracker_SweepExpires(t *testing.T) {
	tr, _, rec := newTestTracker(t, TrackerOpts{SweepInterval: time.Hour})

	_ = tr.Track(model.MessageID("short"), model.Peer("alice"), policy.NewPreferred(), time.Millisecond)
	_ = tr.Track(model.MessageID("long"), model.Collective("ops"), policy.NewToAnyMember(2), time.Hour)

	if n := tr.sweep(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("delivery:tracker_test - sweep expired %d sends, want 1", n)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0].Outcome != events.OutcomeExpired || got[0].MessageID != model.MessageID("short") {
		t.Errorf("delivery:tracker_test - unexpected events %+v", got)
	}
	if tr.Pending() != 1 {
		t.Errorf("delivery:tracker_test - Pending() = %d, want 1", tr.Pending())
	}
}

func TestTracker_SweepLoop(t *testing.T) {
	tr, _, rec := newTestTracker(t, TrackerOpts{SweepInterval: 10 * time.Millisecond})

	_ = tr.Track(model.MessageID("m6"), model.Peer("alice"), policy.NewPreferred(), 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0].Outcome != events.OutcomeExpired {
		t.Fatalf("delivery:tracker_test - expected one expired event, got %+v", got)
	}
}

func TestTracker_ConcurrentAcksPublishOnce(t *testing.T) {
	tr, b, rec := newTestTracker(t, TrackerOpts{})

	const members = 20
	id := model.MessageID("m7")
	_ = tr.Track(id, model.Collective("ops"), policy.NewToAnyMember(members), 0)

	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := model.NewControl(model.SubtypeAck, model.Adapter("email"), model.Peer("alice"), id).Build()
			_ = b.Publish(context.Background(), broker.ChannelControl, msg)
		}()
	}
	wg.Wait()

	if got := rec.snapshot(); len(got) != 1 {
		t.Errorf("delivery:tracker_test - got %d events, want 1", len(got))
	}
}

func TestTracker_StopBeforeStart(t *testing.T) {
	tr := NewTracker(broker.NewMemoryBroker(nil), TrackerOpts{})
	if err := tr.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("delivery:tracker_test - expected ErrNotStarted, got %v", err)
	}
}
