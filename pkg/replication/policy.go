// Package replication decides how many listener replicas should consume a channel.
package replication

import "math"

// ScaleType is the direction of a replication decision.
type ScaleType string

const (
	Upscale   ScaleType = "UPSCALE"
	Downscale ScaleType = "DOWNSCALE"
	NoScale   ScaleType = "NOSCALE"
)

// Result is a transient scaling recommendation.
type Result struct {
	Type   ScaleType
	Amount int
}

var noScale = Result{Type: NoScale}

// Counters are observed over one evaluation window.
type Counters struct {
	Handlers         int
	MessagesReceived int64
	MessagesHandled  int64
	MessagesPending  int64
}

// Policy recommends a scaling step from recent counters.
type Policy interface {
	Decide(c Counters) Result
}

// Threshold scales on messages received per handler.
type Threshold struct {
	// UpscaleThreshold is the per-handler load above which replicas are added.
	UpscaleThreshold float64
	// DownscaleThreshold is the per-handler load below which one replica is removed.
	DownscaleThreshold float64
	// MaxUpscale caps the replicas added by one decision.
	MaxUpscale int
	// MinHandlers is the floor that downscaling never crosses.
	MinHandlers int
}

// DefaultThreshold returns the threshold policy used when nothing is configured.
func DefaultThreshold() Threshold {
	return Threshold{UpscaleThreshold: 100, DownscaleThreshold: 10, MaxUpscale: 5, MinHandlers: 1}
}

// Decide implements Policy.
func (p Threshold) Decide(c Counters) Result {
	if c.Handlers <= 0 {
		if c.MessagesReceived > 0 || c.MessagesPending > 0 {
			return Result{Type: Upscale, Amount: 1}
		}
		return noScale
	}

	perHandler := float64(c.MessagesReceived) / float64(c.Handlers)
	switch {
	case perHandler > p.UpscaleThreshold:
		amount := 1
		if p.UpscaleThreshold > 0 {
			amount = int(math.Ceil(float64(c.MessagesPending) / p.UpscaleThreshold))
		}
		return Result{Type: Upscale, Amount: clamp(amount, 1, maxOrOne(p.MaxUpscale))}
	case perHandler < p.DownscaleThreshold && c.Handlers > p.MinHandlers:
		return Result{Type: Downscale, Amount: 1}
	}
	return noScale
}

// Dynamic compares incoming load (received + pending) against handled load with a
// relative margin. Every division is guarded: zero handlers or a zero handled rate
// yields a step of one.
type Dynamic struct {
	// Margin is the relative tolerance, 0.01 for 1%.
	Margin      float64
	MaxUpscale  int
	MinHandlers int
}

// DefaultDynamic returns the dynamic policy used when nothing is configured.
func DefaultDynamic() Dynamic {
	return Dynamic{Margin: 0.01, MaxUpscale: 5, MinHandlers: 1}
}

// Decide implements Policy.
func (p Dynamic) Decide(c Counters) Result {
	incoming := float64(c.MessagesReceived + c.MessagesPending)
	handled := float64(c.MessagesHandled)

	if c.Handlers <= 0 {
		if incoming > 0 {
			return Result{Type: Upscale, Amount: 1}
		}
		return noScale
	}

	handledPerHandler := handled / float64(c.Handlers)
	switch {
	case incoming > handled*(1+p.Margin):
		amount := 1
		if handledPerHandler > 0 {
			amount = int(math.Ceil((incoming - handled) / handledPerHandler))
		}
		return Result{Type: Upscale, Amount: clamp(amount, 1, maxOrOne(p.MaxUpscale))}
	case incoming < handled*(1-p.Margin):
		room := c.Handlers - p.MinHandlers
		if room <= 0 {
			return noScale
		}
		amount := 1
		if handledPerHandler > 0 {
			amount = int(math.Floor((handled - incoming) / handledPerHandler))
		}
		return Result{Type: Downscale, Amount: clamp(amount, 1, room)}
	}
	return noScale
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxOrOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
