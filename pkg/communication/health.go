package communication

import (
	"context"
	"time"

	"github.com/morezero/peer-broker/pkg/broker"
)

// HealthChecks reports the individual checks.
type HealthChecks struct {
	Broker bool `json:"broker"`
	Store  bool `json:"store"`
}

// HealthOutput is the result of Health.
type HealthOutput struct {
	Status          string       `json:"status"`
	Checks          HealthChecks `json:"checks"`
	OutputAdapters  int          `json:"outputAdapters"`
	InputAdapters   int          `json:"inputAdapters"`
	PendingDelivery int          `json:"pendingDelivery"`
	InputReplicas   int          `json:"inputReplicas"`
	InputBacklog    int64        `json:"inputBacklog"`
	Timestamp       string       `json:"timestamp"`
}

// Health checks the broker and the backing store and reports adapter and delivery
// counts.
func (c *Communication) Health(ctx context.Context) *HealthOutput {
	brokerOk := c.b.Declare(broker.ChannelControl) == nil
	storeOk := true
	if c.ping != nil {
		storeOk = c.ping(ctx) == nil
	}

	status := "healthy"
	if !brokerOk || !storeOk {
		status = "unhealthy"
	}

	out := &HealthOutput{
		Status:        status,
		Checks:        HealthChecks{Broker: brokerOk, Store: storeOk},
		InputReplicas: c.router.Replicas(),
		InputBacklog:  c.b.Stats(broker.ChannelInput).Pending,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if c.engine != nil {
		out.OutputAdapters = len(c.engine.PeerAdapters())
		out.InputAdapters = len(c.engine.FeedbackAdapters())
	}
	if c.tracker != nil {
		out.PendingDelivery = c.tracker.Pending()
	}
	return out
}
