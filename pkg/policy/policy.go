// Package policy decides when a send to several channels or recipients has
// conclusively succeeded or failed.
//
// A policy is fed the ACK and ERROR events of one logical send. Check returns
// Succeeded once the quorum is reached, Pending while undecided, and a *FailedError
// once failure is certain. After a conclusive result every further Check returns that
// same result without touching the counters.
package policy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/morezero/peer-broker/pkg/model"
)

// Event is an acknowledgement signal for one channel or recipient.
type Event string

const (
	Ack   Event = "ACK"
	Error Event = "ERROR"
)

// EventFor maps a control message subtype to an Event. ok is false for subtypes that
// carry no delivery signal.
func EventFor(subtype string) (Event, bool) {
	switch subtype {
	case model.SubtypeAck:
		return Ack, true
	case model.SubtypeError, model.SubtypeCommunicationError, model.SubtypeTimeout:
		return Error, true
	}
	return "", false
}

// Outcome is a non-failing Check result.
type Outcome string

const (
	Pending   Outcome = "PENDING"
	Succeeded Outcome = "SUCCEEDED"
)

// ErrDeliveryFailed matches every *FailedError.
var ErrDeliveryFailed = errors.New("delivery policy failed")

// FailedError reports a conclusive failure.
type FailedError struct {
	Policy string
	Acks   int64
	Errors int64
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s: %s after %d acks and %d errors", ErrDeliveryFailed, e.Policy, e.Acks, e.Errors)
}

// Is makes errors.Is(err, ErrDeliveryFailed) true.
func (e *FailedError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// Policy is the per-send state machine. Implementations are safe for concurrent Check
// calls.
type Policy interface {
	Check(ev Event) (Outcome, error)
	// Name identifies the rule, e.g. "AT_LEAST_ONE".
	Name() string
	// Counts returns the ACK and ERROR events recorded before the policy concluded.
	Counts() (acks, errs int64)
}

type result struct {
	outcome Outcome
	err     *FailedError
}

// base holds the counters and the conclusive result shared by every rule.
type base struct {
	name   string
	acks   atomic.Int64
	errs   atomic.Int64
	result atomic.Pointer[result]
}

func (b *base) Name() string { return b.name }

func (b *base) Counts() (acks, errs int64) { return b.acks.Load(), b.errs.Load() }

// concluded returns the stored result, if any.
func (b *base) concluded() (*result, bool) {
	r := b.result.Load()
	return r, r != nil
}

// conclude stores r unless another event concluded first, and returns the winner.
func (b *base) conclude(r *result) (Outcome, error) {
	if !b.result.CompareAndSwap(nil, r) {
		r = b.result.Load()
	}
	return unpack(r)
}

func (b *base) succeed() (Outcome, error) {
	return b.conclude(&result{outcome: Succeeded})
}

func (b *base) fail() (Outcome, error) {
	return b.conclude(&result{err: &FailedError{Policy: b.name, Acks: b.acks.Load(), Errors: b.errs.Load()}})
}

func unpack(r *result) (Outcome, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.outcome, nil
}

// record counts ev and reports the running totals, or the stored result if the policy
// has already concluded.
func (b *base) record(ev Event) (acks, errs int64, done *result) {
	if r, ok := b.concluded(); ok {
		return 0, 0, r
	}
	switch ev {
	case Ack:
		return b.acks.Add(1), b.errs.Load(), nil
	case Error:
		return b.acks.Load(), b.errs.Add(1), nil
	}
	return b.acks.Load(), b.errs.Load(), nil
}

// AtLeastOne succeeds on any ACK and fails once every channel has reported an error.
type AtLeastOne struct {
	base
	channels int64
}

// NewAtLeastOne creates the policy for a peer reached over channels channels.
func NewAtLeastOne(channels int) *AtLeastOne {
	return &AtLeastOne{base: base{name: string(model.PeerAtLeastOne)}, channels: atLeast1(channels)}
}

// Check implements Policy.
func (p *AtLeastOne) Check(ev Event) (Outcome, error) {
	_, errs, done := p.record(ev)
	switch {
	case done != nil:
		return unpack(done)
	case ev == Ack:
		return p.succeed()
	case errs >= p.channels:
		return p.fail()
	}
	return Pending, nil
}

// ToAllChannels succeeds once every channel has acknowledged and fails on the first
// error.
type ToAllChannels struct {
	base
	channels int64
}

// NewToAllChannels creates the policy for a peer reached over channels channels.
func NewToAllChannels(channels int) *ToAllChannels {
	return &ToAllChannels{base: base{name: string(model.PeerToAllChannels)}, channels: atLeast1(channels)}
}

// Check implements Policy.
func (p *ToAllChannels) Check(ev Event) (Outcome, error) {
	acks, _, done := p.record(ev)
	switch {
	case done != nil:
		return unpack(done)
	case ev == Error:
		return p.fail()
	case acks >= p.channels:
		return p.succeed()
	}
	return Pending, nil
}

// Preferred succeeds on the single channel's ACK. It has no failure path; an error
// leaves the send pending until it expires.
type Preferred struct {
	base
}

// NewPreferred creates the single-channel peer policy.
func NewPreferred() *Preferred {
	return &Preferred{base: base{name: string(model.PeerPreferred)}}
}

// Check implements Policy.
func (p *Preferred) Check(ev Event) (Outcome, error) {
	_, _, done := p.record(ev)
	switch {
	case done != nil:
		return unpack(done)
	case ev == Ack:
		return p.succeed()
	}
	return Pending, nil
}

// ToAllMembers succeeds once every member has acknowledged and fails on the first
// error.
type ToAllMembers struct {
	base
	members int64
}

// NewToAllMembers creates the policy for a collective of members members.
func NewToAllMembers(members int) *ToAllMembers {
	return &ToAllMembers{base: base{name: string(model.CollectiveToAllMembers)}, members: atLeast1(members)}
}

// Check implements Policy.
func (p *ToAllMembers) Check(ev Event) (Outcome, error) {
	acks, _, done := p.record(ev)
	switch {
	case done != nil:
		return unpack(done)
	case ev == Error:
		return p.fail()
	case acks >= p.members:
		return p.succeed()
	}
	return Pending, nil
}

// ToAnyMember succeeds on the first ACK and fails once members-1 failures have been
// allowed and one more error arrives.
type ToAnyMember struct {
	base
	allowedFailures int64
}

// NewToAnyMember creates the policy for a collective of members members.
func NewToAnyMember(members int) *ToAnyMember {
	return &ToAnyMember{base: base{name: string(model.CollectiveToAny)}, allowedFailures: atLeast1(members) - 1}
}

// Check implements Policy.
func (p *ToAnyMember) Check(ev Event) (Outcome, error) {
	_, errs, done := p.record(ev)
	switch {
	case done != nil:
		return unpack(done)
	case ev == Ack:
		return p.succeed()
	case errs > p.allowedFailures:
		return p.fail()
	}
	return Pending, nil
}

// ForPeer returns the policy for a peer send over channels channels.
func ForPeer(kind model.PeerDeliveryPolicy, channels int) (Policy, error) {
	switch kind {
	case model.PeerAtLeastOne:
		return NewAtLeastOne(channels), nil
	case model.PeerToAllChannels:
		return NewToAllChannels(channels), nil
	case model.PeerPreferred, "":
		return NewPreferred(), nil
	}
	return nil, fmt.Errorf("unknown peer delivery policy %q", kind)
}

// ForCollective returns the policy for a send to a collective of members members.
func ForCollective(kind model.CollectiveDeliveryPolicy, members int) (Policy, error) {
	switch kind {
	case model.CollectiveToAllMembers:
		return NewToAllMembers(members), nil
	case model.CollectiveToAny, "":
		return NewToAnyMember(members), nil
	}
	return nil, fmt.Errorf("unknown collective delivery policy %q", kind)
}

func atLeast1(n int) int64 {
	if n < 1 {
		return 1
	}
	return int64(n)
}
