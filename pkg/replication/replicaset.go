package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/metrics"
)

const replicaSetLogPrefix = "replication:replicaset"

var (
	ErrAlreadyStarted = errors.New("replica set already started")
	ErrNotStarted     = errors.New("replica set not started")
	ErrStopTimeout    = errors.New("replica set stop timed out")
)

// Worker is one replica. It must return once ctx is cancelled.
type Worker func(ctx context.Context)

// StatsFunc reports the cumulative counters of the consumed channel.
type StatsFunc func() broker.ChannelStats

// ReplicaSetConfig configures a ReplicaSet. Zero values use defaults.
type ReplicaSetConfig struct {
	// Name labels the replica set in logs and metrics.
	Name string
	// Policy decides each evaluation step (default DefaultThreshold).
	Policy Policy
	// Interval between evaluations (default 5s).
	Interval time.Duration
	// Initial replica count (default 1).
	Initial int
	// Min is never undercut by downscaling (default 1).
	Min int
	// Max caps the replica count; zero means unbounded.
	Max int
	// Stats feeds the evaluation window.
	Stats   StatsFunc
	Metrics *metrics.Metrics
}

type replica struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ReplicaSet runs a scaling group of identical workers consuming one channel.
type ReplicaSet struct {
	cfg  ReplicaSetConfig
	work Worker

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	replicas []*replica
	wg       sync.WaitGroup
	last     broker.ChannelStats

	started bool
	loopWG  sync.WaitGroup
}

// NewReplicaSet creates a stopped replica set.
func NewReplicaSet(cfg ReplicaSetConfig, work Worker) *ReplicaSet {
	if cfg.Policy == nil {
		cfg.Policy = DefaultThreshold()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Max > 0 && cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &ReplicaSet{cfg: cfg, work: work}
}

// Start launches the initial replicas and the evaluation loop.
func (rs *ReplicaSet) Start(ctx context.Context) error {
	rs.mu.Lock()
	if rs.started {
		rs.mu.Unlock()
		return ErrAlreadyStarted
	}
	rs.started = true
	rs.ctx, rs.cancel = context.WithCancel(ctx)
	if rs.cfg.Stats != nil {
		rs.last = rs.cfg.Stats()
	}
	rs.scaleUpLocked(rs.cfg.Initial)
	rs.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Started %q with %d replicas", replicaSetLogPrefix, rs.cfg.Name, rs.cfg.Initial))

	if rs.cfg.Stats == nil {
		return nil
	}
	rs.loopWG.Add(1)
	go rs.loop()
	return nil
}

func (rs *ReplicaSet) loop() {
	defer rs.loopWG.Done()
	ticker := time.NewTicker(rs.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.Evaluate()
		}
	}
}

// Evaluate runs one policy step against the counters observed since the previous step
// and applies it. It returns the decision that was applied after clamping to bounds.
func (rs *ReplicaSet) Evaluate() Result {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.started || rs.ctx.Err() != nil || rs.cfg.Stats == nil {
		return noScale
	}

	now := rs.cfg.Stats()
	c := Counters{
		Handlers:         len(rs.replicas),
		MessagesReceived: nonNegative(now.Published - rs.last.Published),
		MessagesHandled:  nonNegative(now.Delivered - rs.last.Delivered),
		MessagesPending:  now.Pending,
	}
	rs.last = now

	res := rs.cfg.Policy.Decide(c)
	switch res.Type {
	case Upscale:
		amount := res.Amount
		if rs.cfg.Max > 0 {
			amount = min(amount, rs.cfg.Max-len(rs.replicas))
		}
		if amount <= 0 {
			return noScale
		}
		rs.scaleUpLocked(amount)
		res.Amount = amount
	case Downscale:
		amount := min(res.Amount, len(rs.replicas)-rs.cfg.Min)
		if amount <= 0 {
			return noScale
		}
		rs.scaleDownLocked(amount)
		res.Amount = amount
	default:
		return noScale
	}

	slog.Debug(fmt.Sprintf("%s - %q %s by %d to %d replicas (received=%d handled=%d pending=%d)",
		replicaSetLogPrefix, rs.cfg.Name, res.Type, res.Amount, len(rs.replicas),
		c.MessagesReceived, c.MessagesHandled, c.MessagesPending))
	return res
}

// Replicas returns the current replica count.
func (rs *ReplicaSet) Replicas() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.replicas)
}

// Stop cancels every replica and waits up to timeout for them to return.
func (rs *ReplicaSet) Stop(timeout time.Duration) error {
	rs.mu.Lock()
	if !rs.started {
		rs.mu.Unlock()
		return ErrNotStarted
	}
	rs.cancel()
	rs.mu.Unlock()

	rs.loopWG.Wait()

	rs.mu.Lock()
	rs.scaleDownLocked(len(rs.replicas))
	rs.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s - Stopped %q", replicaSetLogPrefix, rs.cfg.Name))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s - %q: %w", replicaSetLogPrefix, rs.cfg.Name, ErrStopTimeout)
	}
}

func (rs *ReplicaSet) scaleUpLocked(n int) {
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(rs.ctx)
		r := &replica{cancel: cancel, done: make(chan struct{})}
		rs.replicas = append(rs.replicas, r)
		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			defer close(r.done)
			rs.work(ctx)
		}()
	}
	rs.cfg.Metrics.SetReplicas(rs.cfg.Name, len(rs.replicas))
}

// scaleDownLocked cancels the newest n replicas.
func (rs *ReplicaSet) scaleDownLocked(n int) {
	for i := 0; i < n && len(rs.replicas) > 0; i++ {
		last := len(rs.replicas) - 1
		rs.replicas[last].cancel()
		rs.replicas[last] = nil
		rs.replicas = rs.replicas[:last]
	}
	rs.cfg.Metrics.SetReplicas(rs.cfg.Name, len(rs.replicas))
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
