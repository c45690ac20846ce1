// Package manager decides which adapter serves a peer and owns the lifecycle of adapter
// type registrations.
//
// Stateless adapter types run one shared instance under "adapter.<name>". Stateful
// types are instantiated on demand, one per peer, under "adapter.<name>.<peer>".
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/semver"
)

const logPrefix = "manager:manager"

var (
	// ErrNoEndpoint is returned when none of a peer's addresses matches a registered
	// adapter type.
	ErrNoEndpoint = errors.New("no endpoint for peer")
	// ErrAdapterExists is returned when a name is registered again without a newer version.
	ErrAdapterExists = errors.New("adapter type already registered")
	// ErrAdapterNotFound is shared with the execution engine.
	ErrAdapterNotFound = execution.ErrAdapterNotFound
	// ErrVersionMismatch is returned by Lookup when the registered version is outside the range.
	ErrVersionMismatch = errors.New("registered adapter version does not satisfy range")
)

type registration struct {
	adapter.Registration
	shared    adapter.OutputAdapter
	instances map[model.Identifier]adapter.OutputAdapter
}

// Opts configures a Manager. Zero values use defaults.
type Opts struct {
	// StopTimeout bounds the wait for a removed adapter's goroutine before it is closed
	// (default execution.DefaultGracePeriod).
	StopTimeout time.Duration
	// PullInterval is used for pull adapters added without an explicit interval.
	PullInterval time.Duration
	// PushBuffer sizes push adapter buffers (default 64).
	PushBuffer int
}

// Manager maps peers to adapter instances running in an execution engine.
type Manager struct {
	engine *execution.Engine
	info   model.PeerInfoProvider

	stopTimeout  time.Duration
	pullInterval time.Duration
	pushBuffer   int

	mu    sync.Mutex
	types map[model.Identifier]*registration
}

// New creates a manager driving engine and looking peers up through info.
func New(engine *execution.Engine, info model.PeerInfoProvider, opts *Opts) *Manager {
	m := &Manager{
		engine:       engine,
		info:         info,
		stopTimeout:  execution.DefaultGracePeriod,
		pullInterval: adapter.DefaultPollInterval,
		pushBuffer:   64,
		types:        make(map[model.Identifier]*registration),
	}
	if opts != nil {
		if opts.StopTimeout > 0 {
			m.stopTimeout = opts.StopTimeout
		}
		if opts.PullInterval > 0 {
			m.pullInterval = opts.PullInterval
		}
		if opts.PushBuffer > 0 {
			m.pushBuffer = opts.PushBuffer
		}
	}
	return m
}

// RegisterPeerAdapter records an output adapter type under "adapter.<name>". Stateless
// types are instantiated and started immediately; stateful ones wait for
// CreateEndpointForPeer. A name that is already registered is replaced only by a
// strictly newer version.
func (m *Manager) RegisterPeerAdapter(ctx context.Context, reg adapter.Registration) (model.Identifier, error) {
	if err := reg.Validate(); err != nil {
		return model.Identifier{}, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if _, err := semver.ParseVersion(reg.Version); err != nil {
		return model.Identifier{}, fmt.Errorf("%s - adapter %q: %w", logPrefix, reg.Name, err)
	}
	id := reg.ID()

	m.mu.Lock()
	var stale []running
	if old, ok := m.types[id]; ok {
		newer, _ := semver.IsNewer(reg.Version, old.Version)
		if !newer {
			m.mu.Unlock()
			return model.Identifier{}, fmt.Errorf("%s - %s at version %q: %w", logPrefix, id, old.Version, ErrAdapterExists)
		}
		slog.Info(fmt.Sprintf("%s - Replacing %s %q with %q", logPrefix, id, old.Version, reg.Version))
		delete(m.types, id)
		stale = m.detachLocked(id, old)
	}
	m.mu.Unlock()
	m.stopAll(ctx, stale)

	r := &registration{Registration: reg, instances: make(map[model.Identifier]adapter.OutputAdapter)}
	if !reg.Stateful {
		a, err := instantiate(reg.Factory, nil)
		if err != nil {
			return model.Identifier{}, fmt.Errorf("%s - failed to instantiate %s: %w", logPrefix, id, err)
		}
		r.shared = a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.types[id]; ok {
		adapter.Close(r.shared)
		return model.Identifier{}, fmt.Errorf("%s - %s at version %q: %w", logPrefix, id, cur.Version, ErrAdapterExists)
	}
	if r.shared != nil {
		if err := m.engine.AddPeerAdapter(r.shared, id, false); err != nil {
			adapter.Close(r.shared)
			return model.Identifier{}, fmt.Errorf("%s - failed to start %s: %w", logPrefix, id, err)
		}
	}
	m.types[id] = r

	slog.Info(fmt.Sprintf("%s - Registered %s (stateful=%t, version=%q)", logPrefix, id, reg.Stateful, reg.Version))
	return id, nil
}

// CreateEndpointForPeer returns the adapter id that should carry messages to peer. The
// peer's addresses are tried in order and the first one whose adapter type is
// registered wins. A stateful type is instantiated for the peer unless an instance is
// already running; an instantiation failure is logged and the next address is tried.
func (m *Manager) CreateEndpointForPeer(ctx context.Context, peer model.Identifier) (model.Identifier, error) {
	addrs, err := m.info.PeerAddresses(ctx, peer)
	if err != nil {
		return model.Identifier{}, fmt.Errorf("%s - failed to get addresses of %s: %w", logPrefix, peer, err)
	}
	for _, addr := range addrs {
		if ep, ok := m.endpointFor(ctx, addr); ok {
			return ep, nil
		}
	}
	return model.Identifier{}, fmt.Errorf("%s - %s: %w", logPrefix, peer, ErrNoEndpoint)
}

// CreateEndpointsForPeer is CreateEndpointForPeer for every address, returning each
// distinct endpoint in address order.
func (m *Manager) CreateEndpointsForPeer(ctx context.Context, peer model.Identifier) ([]model.Identifier, error) {
	addrs, err := m.info.PeerAddresses(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to get addresses of %s: %w", logPrefix, peer, err)
	}
	var endpoints []model.Identifier
	served := make(map[model.Identifier]bool)
	for _, addr := range addrs {
		// The first address of a type owns the resolver entry for the peer.
		typeID := addr.AdapterID.Base()
		if served[typeID] {
			continue
		}
		ep, ok := m.endpointFor(ctx, addr)
		if !ok {
			continue
		}
		served[typeID] = true
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%s - %s: %w", logPrefix, peer, ErrNoEndpoint)
	}
	return endpoints, nil
}

func (m *Manager) endpointFor(ctx context.Context, addr model.PeerChannelAddress) (model.Identifier, bool) {
	typeID := addr.AdapterID.Base()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.types[typeID]
	if !ok {
		return model.Identifier{}, false
	}

	if !r.Stateful {
		if err := m.engine.Resolver().Insert(ctx, addr); err != nil {
			slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
			return model.Identifier{}, false
		}
		return typeID, true
	}

	instID := model.AdapterInstance(typeID, addr.PeerID)
	if _, running := r.instances[instID]; running {
		return instID, true
	}

	a, err := instantiate(r.Factory, &addr)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s rejected address of %s: %v", logPrefix, typeID, addr.PeerID, err))
		return model.Identifier{}, false
	}
	if err := m.engine.Resolver().Insert(ctx, addr); err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		adapter.Close(a)
		return model.Identifier{}, false
	}
	if err := m.engine.AddPeerAdapter(a, instID, true); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to start %s: %v", logPrefix, instID, err))
		adapter.Close(a)
		return model.Identifier{}, false
	}
	r.instances[instID] = a
	slog.Info(fmt.Sprintf("%s - Instantiated %s", logPrefix, instID))
	return instID, true
}

// instantiate calls the factory, turning a panic into an error.
func instantiate(f adapter.Factory, addr *model.PeerChannelAddress) (a adapter.OutputAdapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter factory panicked: %v", r)
		}
	}()
	a, err = f(addr)
	if err == nil && a == nil {
		err = errors.New("adapter factory returned nil")
	}
	return a, err
}

// RemovePeerAdapter removes an adapter type, or a single stateful instance when id has
// a peer postfix. Removing a stateful type stops every instance spawned from it.
func (m *Manager) RemovePeerAdapter(ctx context.Context, id model.Identifier) error {
	m.mu.Lock()
	r, ok := m.types[id.Base()]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s - %s: %w", logPrefix, id, ErrAdapterNotFound)
	}

	if id.Postfix != "" {
		a, ok := r.instances[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%s - %s: %w", logPrefix, id, ErrAdapterNotFound)
		}
		delete(r.instances, id)
		m.mu.Unlock()
		m.stop(ctx, id, a)
		return nil
	}

	stale := m.detachLocked(id, r)
	delete(m.types, id)
	m.mu.Unlock()

	m.stopAll(ctx, stale)
	slog.Info(fmt.Sprintf("%s - Removed adapter type %s", logPrefix, id))
	return nil
}

type running struct {
	id model.Identifier
	a  adapter.OutputAdapter
}

// detachLocked unhooks every instance of r and returns them for stopping once m.mu is
// released.
func (m *Manager) detachLocked(id model.Identifier, r *registration) []running {
	var out []running
	if r.shared != nil {
		out = append(out, running{id: id, a: r.shared})
		r.shared = nil
	}
	for instID, a := range r.instances {
		out = append(out, running{id: instID, a: a})
		delete(r.instances, instID)
	}
	m.engine.Resolver().Evict(id)
	return out
}

func (m *Manager) stopAll(ctx context.Context, rs []running) {
	for _, r := range rs {
		m.stop(ctx, r.id, r.a)
	}
}

func (m *Manager) stop(ctx context.Context, id model.Identifier, a adapter.OutputAdapter) {
	ctx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()
	if _, err := m.engine.StopPeerAdapter(ctx, id); err != nil && !errors.Is(err, execution.ErrAdapterNotFound) {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}
	if err := adapter.Close(a); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to close %s: %v", logPrefix, id, err))
	}
}

// AddPushAdapter starts an input adapter that calls back with peer responses. An empty
// name gets a generated one. It returns the feedback adapter id.
func (m *Manager) AddPushAdapter(name string, a adapter.InputPushAdapter) (model.Identifier, error) {
	return m.addFeedback(name, adapter.NewPushFacade(a, m.pushBuffer))
}

// AddPullAdapter starts an input adapter polled every interval (the manager default
// when zero).
func (m *Manager) AddPullAdapter(name string, a adapter.InputPullAdapter, interval time.Duration) (model.Identifier, error) {
	if interval <= 0 {
		interval = m.pullInterval
	}
	return m.addFeedback(name, adapter.NewPullFacade(a, interval))
}

func (m *Manager) addFeedback(name string, f adapter.Feedback) (model.Identifier, error) {
	if name == "" {
		name = "input-" + uuid.NewString()
	}
	id := model.Adapter(name)
	if err := m.engine.AddFeedbackAdapter(f, id); err != nil {
		return model.Identifier{}, fmt.Errorf("%s - failed to add feedback adapter %s: %w", logPrefix, id, err)
	}
	return id, nil
}

// RemoveFeedbackAdapter stops a push or pull input adapter.
func (m *Manager) RemoveFeedbackAdapter(id model.Identifier) error {
	if _, err := m.engine.RemoveFeedbackAdapter(id); err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	return nil
}

// Lookup returns the metadata registered for ref ("name" or "name@range").
func (m *Manager) Lookup(ref string) (adapter.Metadata, error) {
	parsed, err := semver.ParseAdapterRef(ref)
	if err != nil {
		return adapter.Metadata{}, err
	}

	m.mu.Lock()
	r, ok := m.types[model.Adapter(parsed.Name)]
	m.mu.Unlock()
	if !ok {
		return adapter.Metadata{}, fmt.Errorf("%s - %s: %w", logPrefix, parsed.Name, ErrAdapterNotFound)
	}
	if !semver.SatisfiesRange(r.Version, parsed.Range) {
		return adapter.Metadata{}, fmt.Errorf("%s - %s at %q, want %q: %w", logPrefix, parsed.Name, r.Version, parsed.Range, ErrVersionMismatch)
	}
	return r.Metadata, nil
}

// Registrations lists the registered adapter types by name.
func (m *Manager) Registrations() []adapter.Metadata {
	m.mu.Lock()
	out := make([]adapter.Metadata, 0, len(m.types))
	for _, r := range m.types {
		out = append(out, r.Metadata)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instances lists the running stateful instances of an adapter type.
func (m *Manager) Instances(typeID model.Identifier) []model.Identifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.types[typeID.Base()]
	if !ok {
		return nil
	}
	ids := make([]model.Identifier, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Destroy stops every adapter through the engine and closes the output adapters.
func (m *Manager) Destroy() error {
	err := m.engine.Destroy()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.types {
		if r.shared != nil {
			adapter.Close(r.shared)
		}
		for _, a := range r.instances {
			adapter.Close(a)
		}
		delete(m.types, id)
	}
	return err
}
