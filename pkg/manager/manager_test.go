package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/model"
)

const testPrefix = "manager:manager_test"

// directory is a PeerInfoProvider over a fixed address book.
type directory map[model.Identifier][]model.PeerChannelAddress

func (d directory) PeerAddresses(_ context.Context, peer model.Identifier) ([]model.PeerChannelAddress, error) {
	addrs, ok := d[peer]
	if !ok {
		return nil, model.ErrNoSuchPeer
	}
	return addrs, nil
}

func (d directory) PeerDeliveryPolicy(_ context.Context, peer model.Identifier) (model.PeerDeliveryPolicy, error) {
	if _, ok := d[peer]; !ok {
		return "", model.ErrNoSuchPeer
	}
	return model.PeerAtLeastOne, nil
}

func (d directory) CollectiveInfo(context.Context, model.Identifier) (*model.CollectiveInfo, error) {
	return nil, model.ErrNoSuchCollective
}

func address(peer, adapterName string, params ...any) model.PeerChannelAddress {
	return model.PeerChannelAddress{PeerID: model.Peer(peer), AdapterID: model.Adapter(adapterName), ContactParameters: params}
}

// fakeAdapter records pushes and whether it was closed.
type fakeAdapter struct {
	addr   *model.PeerChannelAddress
	pushed chan *model.PeerChannelAddress
	closed atomic.Bool
}

func (a *fakeAdapter) Push(_ context.Context, _ model.Message, addr *model.PeerChannelAddress) error {
	a.pushed <- addr
	return nil
}

func (a *fakeAdapter) Close() error {
	a.closed.Store(true)
	return nil
}

// factory builds fakeAdapters, rejecting addresses without contact parameters.
type factory struct {
	mu    sync.Mutex
	built []*fakeAdapter
}

func (f *factory) New(addr *model.PeerChannelAddress) (adapter.OutputAdapter, error) {
	if addr != nil && len(addr.ContactParameters) == 0 {
		return nil, adapter.ErrInvalidAddress
	}
	a := &fakeAdapter{addr: addr, pushed: make(chan *model.PeerChannelAddress, 4)}
	f.mu.Lock()
	f.built = append(f.built, a)
	f.mu.Unlock()
	return a, nil
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func newRegistration(name string, stateful bool, version string, f *factory) adapter.Registration {
	return adapter.Registration{
		Metadata: adapter.Metadata{Name: name, Stateful: stateful, Version: version},
		Factory:  f.New,
	}
}

type fixture struct {
	broker  *broker.MemoryBroker
	engine  *execution.Engine
	manager *Manager
}

func newFixture(t *testing.T, dir directory) *fixture {
	t.Helper()
	b := broker.NewMemoryBroker(nil)
	e := execution.NewEngine(b, nil)
	m := New(e, dir, &Opts{StopTimeout: time.Second, PullInterval: 5 * time.Millisecond})
	t.Cleanup(func() {
		m.Destroy()
		b.Close()
	})
	return &fixture{broker: b, engine: e, manager: m}
}

func TestRegisterPeerAdapter_Stateless(t *testing.T) {
	fx := newFixture(t, directory{})
	ctx := context.Background()
	f := &factory{}

	id, err := fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "1.0.0", f))
	if err != nil {
		t.Fatalf("%s - RegisterPeerAdapter: %v", testPrefix, err)
	}
	if id.String() != "adapter.email" {
		t.Errorf("%s - id = %s, want adapter.email", testPrefix, id)
	}
	if !fx.engine.HasPeerAdapter(id) || f.count() != 1 {
		t.Fatalf("%s - stateless adapter not started once (built=%d)", testPrefix, f.count())
	}

	if _, err := fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "1.0.0", f)); !errors.Is(err, ErrAdapterExists) {
		t.Errorf("%s - same version err = %v, want ErrAdapterExists", testPrefix, err)
	}
	if _, err := fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "0.9.0", f)); !errors.Is(err, ErrAdapterExists) {
		t.Errorf("%s - older version err = %v, want ErrAdapterExists", testPrefix, err)
	}

	if _, err := fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "1.1.0", f)); err != nil {
		t.Fatalf("%s - upgrade: %v", testPrefix, err)
	}
	if f.count() != 2 || !f.built[0].closed.Load() {
		t.Errorf("%s - upgrade did not replace and close the old instance", testPrefix)
	}
	if !fx.engine.HasPeerAdapter(id) {
		t.Errorf("%s - upgraded adapter is not running", testPrefix)
	}
	if md := fx.manager.Registrations(); len(md) != 1 || md[0].Version != "1.1.0" {
		t.Errorf("%s - registrations = %+v", testPrefix, md)
	}
}

func TestRegisterPeerAdapter_Invalid(t *testing.T) {
	fx := newFixture(t, directory{})
	ctx := context.Background()
	f := &factory{}

	tests := []struct {
		name string
		reg  adapter.Registration
	}{
		{"dotted name", newRegistration("mail.smtp", false, "", f)},
		{"bad version", newRegistration("email", false, "one", f)},
		{"no factory", adapter.Registration{Metadata: adapter.Metadata{Name: "email"}}},
		{"factory fails", adapter.Registration{
			Metadata: adapter.Metadata{Name: "broken"},
			Factory: func(*model.PeerChannelAddress) (adapter.OutputAdapter, error) {
				return nil, errors.New("no credentials")
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.manager.RegisterPeerAdapter(ctx, tt.reg); err == nil {
				t.Errorf("%s - expected error", testPrefix)
			}
		})
	}
	if len(fx.manager.Registrations()) != 0 {
		t.Errorf("%s - failed registrations were recorded", testPrefix)
	}
}

func TestCreateEndpointForPeer_FirstMatchWins(t *testing.T) {
	dir := directory{
		model.Peer("alice"): {
			address("alice", "sms", "+100"),
			address("alice", "email", "alice@example.com"),
			address("alice", "rest", "https://alice"),
		},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("rest", false, "", &factory{}))
	emailFactory := &factory{}
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "", emailFactory))

	ep, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice"))
	if err != nil {
		t.Fatalf("%s - CreateEndpointForPeer: %v", testPrefix, err)
	}
	if ep != model.Adapter("email") {
		t.Errorf("%s - endpoint = %s, want adapter.email (first matching address)", testPrefix, ep)
	}

	// The address is now resolvable, so a message on the endpoint reaches the adapter
	// with alice's contact parameters.
	msg := model.NewBuilder().Type(model.TypeData).ReceiverID(model.Peer("alice")).Build()
	fx.broker.Publish(ctx, broker.Request(ep), msg)
	select {
	case addr := <-emailFactory.built[0].pushed:
		if addr.ContactParameters[0] != "alice@example.com" {
			t.Errorf("%s - pushed to %v", testPrefix, addr.ContactParameters)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - adapter was not pushed", testPrefix)
	}

	all, err := fx.manager.CreateEndpointsForPeer(ctx, model.Peer("alice"))
	if err != nil {
		t.Fatalf("%s - CreateEndpointsForPeer: %v", testPrefix, err)
	}
	if len(all) != 2 || all[0] != model.Adapter("email") || all[1] != model.Adapter("rest") {
		t.Errorf("%s - endpoints = %v, want [email rest]", testPrefix, all)
	}
}

func TestCreateEndpointsForPeer_FirstAddressPerType(t *testing.T) {
	dir := directory{
		model.Peer("p1"): {
			address("p1", "email", "first@example.com"),
			address("p1", "email", "second@example.com"),
		},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "", &factory{}))

	eps, err := fx.manager.CreateEndpointsForPeer(ctx, model.Peer("p1"))
	if err != nil {
		t.Fatalf("%s - CreateEndpointsForPeer: %v", testPrefix, err)
	}
	if len(eps) != 1 || eps[0] != model.Adapter("email") {
		t.Fatalf("%s - endpoints = %v, want [adapter.email]", testPrefix, eps)
	}
	addr, err := fx.engine.Resolver().Resolve(ctx, model.Peer("p1"), model.Adapter("email"))
	if err != nil {
		t.Fatalf("%s - Resolve: %v", testPrefix, err)
	}
	if len(addr.ContactParameters) != 1 || addr.ContactParameters[0] != "first@example.com" {
		t.Errorf("%s - resolved %v, want the first address", testPrefix, addr.ContactParameters)
	}
}

func TestCreateEndpointForPeer_NoEndpoint(t *testing.T) {
	dir := directory{
		model.Peer("bob"): {address("bob", "fax", "+1")},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "", &factory{}))

	if _, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("bob")); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("%s - err = %v, want ErrNoEndpoint", testPrefix, err)
	}
	if _, err := fx.manager.CreateEndpointsForPeer(ctx, model.Peer("bob")); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("%s - plural err = %v, want ErrNoEndpoint", testPrefix, err)
	}
	if _, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("nobody")); !errors.Is(err, model.ErrNoSuchPeer) {
		t.Errorf("%s - unknown peer err = %v, want ErrNoSuchPeer", testPrefix, err)
	}
}

func TestCreateEndpointForPeer_StatefulInstance(t *testing.T) {
	dir := directory{
		model.Peer("alice"): {address("alice", "chat", "alice-session")},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	f := &factory{}
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("chat", true, "", f))
	if f.count() != 0 {
		t.Fatalf("%s - stateful type instantiated at registration", testPrefix)
	}

	ep, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice"))
	if err != nil {
		t.Fatalf("%s - CreateEndpointForPeer: %v", testPrefix, err)
	}
	if ep.String() != "adapter.chat.alice" {
		t.Errorf("%s - endpoint = %s, want adapter.chat.alice", testPrefix, ep)
	}
	if !fx.engine.HasPeerAdapter(ep) {
		t.Errorf("%s - instance not running in engine", testPrefix)
	}
	if f.built[0].addr == nil || f.built[0].addr.ContactParameters[0] != "alice-session" {
		t.Errorf("%s - factory got address %+v", testPrefix, f.built[0].addr)
	}

	again, _ := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice"))
	if again != ep || f.count() != 1 {
		t.Errorf("%s - second call = %s with %d instances, want reuse", testPrefix, again, f.count())
	}
}

func TestCreateEndpointForPeer_FallsThroughAfterInstantiationFailure(t *testing.T) {
	dir := directory{
		model.Peer("carol"): {
			address("carol", "chat"), // no contact parameters: rejected by the factory
			address("carol", "email", "carol@example.com"),
		},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("chat", true, "", &factory{}))
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "", &factory{}))

	ep, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("carol"))
	if err != nil {
		t.Fatalf("%s - CreateEndpointForPeer: %v", testPrefix, err)
	}
	if ep != model.Adapter("email") {
		t.Errorf("%s - endpoint = %s, want fall-through to adapter.email", testPrefix, ep)
	}
	if ids := fx.manager.Instances(model.Adapter("chat")); len(ids) != 0 {
		t.Errorf("%s - failed instantiation left instances %v", testPrefix, ids)
	}
}

func TestRemovePeerAdapter_StatefulRemovesEveryInstance(t *testing.T) {
	dir := directory{
		model.Peer("alice"): {address("alice", "chat", "a")},
		model.Peer("bob"):   {address("bob", "chat", "b")},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	f := &factory{}
	chat, _ := fx.manager.RegisterPeerAdapter(ctx, newRegistration("chat", true, "", f))

	aliceEP, _ := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice"))
	bobEP, _ := fx.manager.CreateEndpointForPeer(ctx, model.Peer("bob"))
	if n := len(fx.manager.Instances(chat)); n != 2 {
		t.Fatalf("%s - %d instances, want 2", testPrefix, n)
	}

	if err := fx.manager.RemovePeerAdapter(ctx, chat); err != nil {
		t.Fatalf("%s - RemovePeerAdapter: %v", testPrefix, err)
	}
	for _, id := range []model.Identifier{aliceEP, bobEP} {
		if fx.engine.HasPeerAdapter(id) {
			t.Errorf("%s - %s still running", testPrefix, id)
		}
		if _, err := fx.engine.RemovePeerAdapter(id); !errors.Is(err, execution.ErrAdapterNotFound) {
			t.Errorf("%s - engine lookup of %s err = %v, want not found", testPrefix, id, err)
		}
		if err := fx.manager.RemovePeerAdapter(ctx, id); !errors.Is(err, ErrAdapterNotFound) {
			t.Errorf("%s - manager lookup of %s err = %v, want not found", testPrefix, id, err)
		}
	}
	for _, a := range f.built {
		if !a.closed.Load() {
			t.Errorf("%s - instance for %s not closed", testPrefix, a.addr.PeerID)
		}
	}
	if err := fx.manager.RemovePeerAdapter(ctx, chat); !errors.Is(err, ErrAdapterNotFound) {
		t.Errorf("%s - second removal err = %v, want ErrAdapterNotFound", testPrefix, err)
	}
	if _, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice")); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("%s - endpoint after removal err = %v, want ErrNoEndpoint", testPrefix, err)
	}
}

func TestRemovePeerAdapter_SingleInstance(t *testing.T) {
	dir := directory{
		model.Peer("alice"): {address("alice", "chat", "a")},
		model.Peer("bob"):   {address("bob", "chat", "b")},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()
	chat, _ := fx.manager.RegisterPeerAdapter(ctx, newRegistration("chat", true, "", &factory{}))
	aliceEP, _ := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice"))
	bobEP, _ := fx.manager.CreateEndpointForPeer(ctx, model.Peer("bob"))

	if err := fx.manager.RemovePeerAdapter(ctx, aliceEP); err != nil {
		t.Fatalf("%s - RemovePeerAdapter: %v", testPrefix, err)
	}
	if ids := fx.manager.Instances(chat); len(ids) != 1 || ids[0] != bobEP {
		t.Errorf("%s - instances = %v, want [%s]", testPrefix, ids, bobEP)
	}
}

func TestRemovePeerAdapter_Stateless(t *testing.T) {
	fx := newFixture(t, directory{})
	ctx := context.Background()
	f := &factory{}
	id, _ := fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "", f))

	if err := fx.manager.RemovePeerAdapter(ctx, id); err != nil {
		t.Fatalf("%s - RemovePeerAdapter: %v", testPrefix, err)
	}
	if fx.engine.HasPeerAdapter(id) || !f.built[0].closed.Load() {
		t.Errorf("%s - stateless adapter not stopped and closed", testPrefix)
	}
	if err := fx.manager.RemovePeerAdapter(ctx, model.Adapter("ghost")); !errors.Is(err, ErrAdapterNotFound) {
		t.Errorf("%s - unknown err = %v, want ErrAdapterNotFound", testPrefix, err)
	}
}

func TestRemovePeerAdapter_DoesNotBlockEndpoints(t *testing.T) {
	dir := directory{
		model.Peer("alice"): {address("alice", "chat", "a")},
		model.Peer("bob"):   {address("bob", "email", "bob@example.com")},
	}
	fx := newFixture(t, dir)
	ctx := context.Background()

	busy := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	chatReg := adapter.Registration{
		Metadata: adapter.Metadata{Name: "chat", Stateful: true},
		Factory: func(*model.PeerChannelAddress) (adapter.OutputAdapter, error) {
			return adapter.PushFunc(func(context.Context, model.Message, *model.PeerChannelAddress) error {
				once.Do(func() { close(busy) })
				<-release
				return nil
			}), nil
		},
	}
	defer close(release)

	chat, _ := fx.manager.RegisterPeerAdapter(ctx, chatReg)
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "", &factory{}))
	ep, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("alice"))
	if err != nil {
		t.Fatalf("%s - CreateEndpointForPeer(alice): %v", testPrefix, err)
	}
	fx.broker.Publish(ctx, broker.Request(ep), model.NewBuilder().Type(model.TypeData).ReceiverID(model.Peer("alice")).Build())
	select {
	case <-busy:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - chat adapter never became busy", testPrefix)
	}

	removed := make(chan error, 1)
	go func() { removed <- fx.manager.RemovePeerAdapter(ctx, chat) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if _, err := fx.manager.CreateEndpointForPeer(ctx, model.Peer("bob")); err != nil {
		t.Fatalf("%s - CreateEndpointForPeer(bob): %v", testPrefix, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("%s - CreateEndpointForPeer waited %v behind a removal", testPrefix, elapsed)
	}
	if err := <-removed; err != nil {
		t.Errorf("%s - RemovePeerAdapter: %v", testPrefix, err)
	}
}

func TestFeedbackAdapters(t *testing.T) {
	fx := newFixture(t, directory{})
	reply := model.NewBuilder().Type(model.TypeData).SenderID(model.Peer("alice")).Build()

	var once sync.Once
	pullID, err := fx.manager.AddPullAdapter("imap", adapter.PullFunc(func(context.Context) (model.Message, bool, error) {
		ok := false
		once.Do(func() { ok = true })
		return reply, ok, nil
	}), 0)
	if err != nil || pullID != model.Adapter("imap") {
		t.Fatalf("%s - AddPullAdapter = %s, %v", testPrefix, pullID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got, err := fx.broker.Receive(ctx, broker.ChannelInput); err != nil || got != reply {
		t.Errorf("%s - input = %s, %v", testPrefix, got, err)
	}

	pushID, err := fx.manager.AddPushAdapter("", pushStub{})
	if err != nil {
		t.Fatalf("%s - AddPushAdapter: %v", testPrefix, err)
	}
	if pushID.Type != model.TypeAdapter || pushID.ID == "" {
		t.Errorf("%s - generated id = %+v", testPrefix, pushID)
	}

	if err := fx.manager.RemoveFeedbackAdapter(pullID); err != nil {
		t.Errorf("%s - RemoveFeedbackAdapter: %v", testPrefix, err)
	}
	if err := fx.manager.RemoveFeedbackAdapter(pullID); !errors.Is(err, ErrAdapterNotFound) {
		t.Errorf("%s - second remove err = %v, want ErrAdapterNotFound", testPrefix, err)
	}
}

type pushStub struct{}

func (pushStub) Start(context.Context, func(model.Message)) error { return nil }

func TestLookup(t *testing.T) {
	fx := newFixture(t, directory{})
	ctx := context.Background()
	fx.manager.RegisterPeerAdapter(ctx, newRegistration("email", false, "1.4.0", &factory{}))

	tests := []struct {
		ref     string
		wantErr error
	}{
		{"email", nil},
		{"email@1", nil},
		{"email@^1.2.0", nil},
		{"adapter.email@~1.4.0", nil},
		{"email@2", ErrVersionMismatch},
		{"sms", ErrAdapterNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			md, err := fx.manager.Lookup(tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("%s - Lookup(%q) err = %v, want %v", testPrefix, tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil || md.Name != "email" {
				t.Errorf("%s - Lookup(%q) = %+v, %v", testPrefix, tt.ref, md, err)
			}
		})
	}
}
