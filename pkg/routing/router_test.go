package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/delivery"
	"github.com/morezero/peer-broker/pkg/events"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/manager"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/replication"
)

const testPrefix = "routing:router_test"

// directory is a PeerInfoProvider over fixed peers and collectives.
type directory struct {
	addrs       map[model.Identifier][]model.PeerChannelAddress
	policies    map[model.Identifier]model.PeerDeliveryPolicy
	collectives map[model.Identifier]*model.CollectiveInfo
}

func (d *directory) PeerAddresses(_ context.Context, peer model.Identifier) ([]model.PeerChannelAddress, error) {
	addrs, ok := d.addrs[peer]
	if !ok {
		return nil, model.ErrNoSuchPeer
	}
	return addrs, nil
}

func (d *directory) PeerDeliveryPolicy(_ context.Context, peer model.Identifier) (model.PeerDeliveryPolicy, error) {
	if _, ok := d.addrs[peer]; !ok {
		return "", model.ErrNoSuchPeer
	}
	return d.policies[peer], nil
}

func (d *directory) CollectiveInfo(_ context.Context, id model.Identifier) (*model.CollectiveInfo, error) {
	info, ok := d.collectives[id]
	if !ok {
		return nil, model.ErrNoSuchCollective
	}
	return info, nil
}

func addr(peer, adapterName string) model.PeerChannelAddress {
	return model.PeerChannelAddress{PeerID: model.Peer(peer), AdapterID: model.Adapter(adapterName), ContactParameters: []any{peer + "@" + adapterName}}
}

type harness struct {
	b       broker.Broker
	mgr     *manager.Manager
	router  *Router
	tracker *delivery.Tracker

	mu     sync.Mutex
	events []*events.DeliveryEvent
}

func newHarness(t *testing.T, dir *directory) *harness {
	t.Helper()
	h := &harness{b: broker.NewMemoryBroker(nil)}
	engine := execution.NewEngine(h.b, nil)
	h.mgr = manager.New(engine, dir, nil)
	h.tracker = delivery.NewTracker(h.b, delivery.TrackerOpts{
		Publisher: events.NewCallbackPublisher(func(_ context.Context, e *events.DeliveryEvent) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
			return nil
		}),
	})
	if err := h.tracker.Start(context.Background()); err != nil {
		t.Fatalf("%s - tracker start failed: %v", testPrefix, err)
	}
	h.router = NewRouter(h.b, h.mgr, dir, RouterOpts{Tracker: h.tracker})
	t.Cleanup(func() {
		_ = h.tracker.Stop()
		_ = h.mgr.Destroy()
		_ = h.b.Close()
	})
	return h
}

// register adds a stateless adapter type whose pushes fail when fail is set.
func (h *harness) register(t *testing.T, name string, fail bool) {
	t.Helper()
	push := adapter.PushFunc(func(context.Context, model.Message, *model.PeerChannelAddress) error {
		if fail {
			return errors.New("mailbox full")
		}
		return nil
	})
	reg := adapter.Registration{
		Metadata: adapter.Metadata{Name: name, Version: "1.0.0"},
		Factory:  func(*model.PeerChannelAddress) (adapter.OutputAdapter, error) { return push, nil },
	}
	if _, err := h.mgr.RegisterPeerAdapter(context.Background(), reg); err != nil {
		t.Fatalf("%s - register %s failed: %v", testPrefix, name, err)
	}
}

func (h *harness) waitEvent(t *testing.T) *events.DeliveryEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.events) > 0 {
			e := h.events[0]
			h.mu.Unlock()
			return e
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s - no delivery event", testPrefix)
	return nil
}

func data(receiver model.Identifier) model.Message {
	return model.NewBuilder().Type(model.TypeData).SenderID(model.Component("crm")).ReceiverID(receiver).Content("hello").Build()
}

func receive(t *testing.T, b broker.Broker, ch broker.Channel) model.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.Receive(ctx, ch)
	if err != nil {
		t.Fatalf("%s - receive on %s failed: %v", testPrefix, ch, err)
	}
	return msg
}

func TestSend_ComponentGoesToTaskChannel(t *testing.T) {
	h := newHarness(t, &directory{})

	msg := data(model.Component("billing"))
	id, err := h.router.Send(context.Background(), msg)
	if err != nil || id != msg.ID() {
		t.Fatalf("%s - Send = %v, %v", testPrefix, id, err)
	}
	if got := receive(t, h.b, broker.Task(model.Component("billing"))); got.ID() != msg.ID() {
		t.Errorf("%s - task channel got %s", testPrefix, got)
	}
}

func TestSend_PreferredPeerSucceeds(t *testing.T) {
	dir := &directory{addrs: map[model.Identifier][]model.PeerChannelAddress{
		model.Peer("alice"): {addr("alice", "sms"), addr("alice", "email")},
	}}
	h := newHarness(t, dir)
	h.register(t, "email", false)

	msg := data(model.Peer("alice"))
	if _, err := h.router.Send(context.Background(), msg); err != nil {
		t.Fatalf("%s - Send failed: %v", testPrefix, err)
	}
	e := h.waitEvent(t)
	if e.Outcome != events.OutcomeSucceeded || e.MessageID != msg.ID() || e.Policy != "PREFERRED" {
		t.Errorf("%s - unexpected event %+v", testPrefix, e)
	}
}

func TestSend_ToAllChannelsFailsOnOneError(t *testing.T) {
	dir := &directory{
		addrs: map[model.Identifier][]model.PeerChannelAddress{
			model.Peer("bob"): {addr("bob", "email"), addr("bob", "sms")},
		},
		policies: map[model.Identifier]model.PeerDeliveryPolicy{model.Peer("bob"): model.PeerToAllChannels},
	}
	h := newHarness(t, dir)
	h.register(t, "email", false)
	h.register(t, "sms", true)

	if _, err := h.router.Send(context.Background(), data(model.Peer("bob"))); err != nil {
		t.Fatalf("%s - Send failed: %v", testPrefix, err)
	}
	if e := h.waitEvent(t); e.Outcome != events.OutcomeFailed || e.Policy != "TO_ALL_CHANNELS" {
		t.Errorf("%s - unexpected event %+v", testPrefix, e)
	}
}

func TestSend_AtLeastOneSurvivesOneError(t *testing.T) {
	dir := &directory{
		addrs: map[model.Identifier][]model.PeerChannelAddress{
			model.Peer("bob"): {addr("bob", "sms"), addr("bob", "email")},
		},
		policies: map[model.Identifier]model.PeerDeliveryPolicy{model.Peer("bob"): model.PeerAtLeastOne},
	}
	h := newHarness(t, dir)
	h.register(t, "email", false)
	h.register(t, "sms", true)

	if _, err := h.router.Send(context.Background(), data(model.Peer("bob"))); err != nil {
		t.Fatalf("%s - Send failed: %v", testPrefix, err)
	}
	if e := h.waitEvent(t); e.Outcome != events.OutcomeSucceeded {
		t.Errorf("%s - unexpected event %+v", testPrefix, e)
	}
}

func TestSend_CollectiveToAnyCountsUnreachableMembers(t *testing.T) {
	ops := model.Collective("ops")
	dir := &directory{
		addrs: map[model.Identifier][]model.PeerChannelAddress{
			model.Peer("alice"): {addr("alice", "email")},
		},
		collectives: map[model.Identifier]*model.CollectiveInfo{
			ops: {ID: ops, Members: []model.Identifier{model.Peer("ghost"), model.Peer("alice")}, DeliveryPolicy: model.CollectiveToAny},
		},
	}
	h := newHarness(t, dir)
	h.register(t, "email", false)

	msg := data(ops)
	if _, err := h.router.Send(context.Background(), msg); err != nil {
		t.Fatalf("%s - Send failed: %v", testPrefix, err)
	}
	e := h.waitEvent(t)
	if e.Outcome != events.OutcomeSucceeded || e.Receiver != ops || e.MessageID != msg.ID() {
		t.Errorf("%s - unexpected event %+v", testPrefix, e)
	}
	if e.Errors != 1 {
		t.Errorf("%s - errors = %d, want 1 for the unreachable member", testPrefix, e.Errors)
	}
}

func TestSend_CollectiveToAllMembersFailsOnUnreachableMember(t *testing.T) {
	ops := model.Collective("ops")
	dir := &directory{
		addrs: map[model.Identifier][]model.PeerChannelAddress{},
		collectives: map[model.Identifier]*model.CollectiveInfo{
			ops: {ID: ops, Members: []model.Identifier{model.Peer("ghost"), model.Peer("phantom")}, DeliveryPolicy: model.CollectiveToAllMembers},
		},
	}
	h := newHarness(t, dir)

	if _, err := h.router.Send(context.Background(), data(ops)); err != nil {
		t.Fatalf("%s - Send failed: %v", testPrefix, err)
	}
	if e := h.waitEvent(t); e.Outcome != events.OutcomeFailed {
		t.Errorf("%s - unexpected event %+v", testPrefix, e)
	}
}

func TestSend_RuleOverridesReceiver(t *testing.T) {
	dir := &directory{addrs: map[model.Identifier][]model.PeerChannelAddress{}}
	h := newHarness(t, dir)

	if _, err := h.router.Table().Add(model.RoutingRule{Type: model.TypeData, Receiver: model.Peer("carol"), Route: model.Component("archive")}); err != nil {
		t.Fatalf("%s - Add failed: %v", testPrefix, err)
	}

	msg := data(model.Peer("carol"))
	if _, err := h.router.Send(context.Background(), msg); err != nil {
		t.Fatalf("%s - Send failed: %v", testPrefix, err)
	}
	if got := receive(t, h.b, broker.Task(model.Component("archive"))); got.ID() != msg.ID() {
		t.Errorf("%s - archive got %s", testPrefix, got)
	}
	if h.tracker.Pending() != 0 {
		t.Errorf("%s - rule-routed send was tracked", testPrefix)
	}
}

func TestSend_SystemChannels(t *testing.T) {
	h := newHarness(t, &directory{})

	tests := []struct {
		msgType string
		ch      broker.Channel
	}{
		{model.TypeAuth, broker.ChannelAuth},
		{model.TypeMetrics, broker.ChannelMetrics},
		{model.TypeLog, broker.ChannelLog},
	}
	for _, tt := range tests {
		msg := model.NewBuilder().Type(tt.msgType).SenderID(model.Peer("alice")).Build()
		if _, err := h.router.Send(context.Background(), msg); err != nil {
			t.Fatalf("%s - Send %s failed: %v", testPrefix, tt.msgType, err)
		}
		if got := receive(t, h.b, tt.ch); got.ID() != msg.ID() {
			t.Errorf("%s - %s got %s", testPrefix, tt.ch, got)
		}
	}

	_, err := h.router.Send(context.Background(), model.NewBuilder().Type(model.TypeData).Build())
	if !errors.Is(err, ErrUnroutable) {
		t.Errorf("%s - receiver-less DATA: expected ErrUnroutable, got %v", testPrefix, err)
	}
}

func TestSend_Errors(t *testing.T) {
	dir := &directory{addrs: map[model.Identifier][]model.PeerChannelAddress{
		model.Peer("dave"): {addr("dave", "fax")},
	}}
	h := newHarness(t, dir)

	if _, err := h.router.Send(context.Background(), data(model.Peer("nobody"))); !errors.Is(err, model.ErrNoSuchPeer) {
		t.Errorf("%s - unknown peer: got %v", testPrefix, err)
	}
	if _, err := h.router.Send(context.Background(), data(model.Peer("dave"))); !errors.Is(err, manager.ErrNoEndpoint) {
		t.Errorf("%s - unroutable peer: got %v", testPrefix, err)
	}
	if _, err := h.router.Send(context.Background(), data(model.Collective("none"))); !errors.Is(err, model.ErrNoSuchCollective) {
		t.Errorf("%s - unknown collective: got %v", testPrefix, err)
	}
	if h.tracker.Pending() != 0 {
		t.Errorf("%s - failed sends left %d tracked entries", testPrefix, h.tracker.Pending())
	}
}

func TestStart_ConsumesInput(t *testing.T) {
	h := newHarness(t, &directory{})
	h.router.repCfg = replication.ReplicaSetConfig{Name: "input", Initial: 2, Interval: time.Hour}

	if err := h.router.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start failed: %v", testPrefix, err)
	}
	defer h.router.Stop(time.Second)

	if h.router.Replicas() != 2 {
		t.Errorf("%s - Replicas() = %d, want 2", testPrefix, h.router.Replicas())
	}

	msg := data(model.Component("billing"))
	if err := h.b.Publish(context.Background(), broker.ChannelInput, msg); err != nil {
		t.Fatalf("%s - publish input failed: %v", testPrefix, err)
	}
	if got := receive(t, h.b, broker.Task(model.Component("billing"))); got.ID() != msg.ID() {
		t.Errorf("%s - task channel got %s", testPrefix, got)
	}
}
