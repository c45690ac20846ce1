package replication

import "testing"

func TestThreshold_Decide(t *testing.T) {
	p := Threshold{UpscaleThreshold: 10, DownscaleThreshold: 2, MaxUpscale: 3, MinHandlers: 1}

	tests := []struct {
		name string
		c    Counters
		want Result
	}{
		{"zero handlers idle", Counters{}, Result{Type: NoScale}},
		{"zero handlers with load", Counters{MessagesReceived: 5}, Result{Type: Upscale, Amount: 1}},
		{"zero handlers with backlog", Counters{MessagesPending: 5}, Result{Type: Upscale, Amount: 1}},
		{"overloaded small backlog", Counters{Handlers: 1, MessagesReceived: 20, MessagesPending: 15}, Result{Type: Upscale, Amount: 2}},
		{"overloaded clamped", Counters{Handlers: 1, MessagesReceived: 100, MessagesPending: 100}, Result{Type: Upscale, Amount: 3}},
		{"overloaded no backlog", Counters{Handlers: 2, MessagesReceived: 30}, Result{Type: Upscale, Amount: 1}},
		{"underloaded", Counters{Handlers: 3, MessagesReceived: 3}, Result{Type: Downscale, Amount: 1}},
		{"underloaded at floor", Counters{Handlers: 1, MessagesReceived: 0}, Result{Type: NoScale}},
		{"steady", Counters{Handlers: 2, MessagesReceived: 10}, Result{Type: NoScale}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.c); got != tt.want {
				t.Errorf("replication:policy_test - Decide(%+v) = %+v, want %+v", tt.c, got, tt.want)
			}
		})
	}
}

func TestDynamic_Decide(t *testing.T) {
	p := Dynamic{Margin: 0.01, MaxUpscale: 4, MinHandlers: 1}

	tests := []struct {
		name string
		c    Counters
		want Result
	}{
		{"idle without handlers", Counters{}, Result{Type: NoScale}},
		{"load without handlers", Counters{MessagesReceived: 1}, Result{Type: Upscale, Amount: 1}},
		{"nothing handled yet", Counters{Handlers: 2, MessagesReceived: 10}, Result{Type: Upscale, Amount: 1}},
		{"falling behind", Counters{Handlers: 2, MessagesReceived: 20, MessagesHandled: 10}, Result{Type: Upscale, Amount: 2}},
		{"far behind clamped", Counters{Handlers: 1, MessagesReceived: 100, MessagesHandled: 1}, Result{Type: Upscale, Amount: 4}},
		{"within margin", Counters{Handlers: 2, MessagesReceived: 1000, MessagesHandled: 1005}, Result{Type: NoScale}},
		{"overprovisioned", Counters{Handlers: 4, MessagesReceived: 10, MessagesHandled: 40}, Result{Type: Downscale, Amount: 3}},
		{"overprovisioned capped by floor", Counters{Handlers: 2, MessagesReceived: 0, MessagesHandled: 40}, Result{Type: Downscale, Amount: 1}},
		{"overprovisioned at floor", Counters{Handlers: 1, MessagesHandled: 40}, Result{Type: NoScale}},
		{"pending counts as incoming", Counters{Handlers: 1, MessagesReceived: 10, MessagesHandled: 10, MessagesPending: 10}, Result{Type: Upscale, Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.c); got != tt.want {
				t.Errorf("replication:policy_test - Decide(%+v) = %+v, want %+v", tt.c, got, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	if d := DefaultDynamic(); d.Margin != 0.01 || d.MinHandlers != 1 {
		t.Errorf("replication:policy_test - DefaultDynamic = %+v", d)
	}
	if th := DefaultThreshold(); th.UpscaleThreshold <= th.DownscaleThreshold {
		t.Errorf("replication:policy_test - DefaultThreshold thresholds inverted: %+v", th)
	}
}
