package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

const (
	OutcomeSuccess          = "SUCCESS"
	OutcomeTransportFailure = "TRANSPORT_FAILURE"
	OutcomeDeclined         = "DECLINED"
	OutcomePending          = "PENDING"
	OutcomeManualReview     = "MANUAL_REVIEW"
	OutcomeFailed           = "FAILED"
)

// Data is the context recorded with a history entry.
type Data struct {
	PSP       string `json:"psp,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	RawStatus string `json:"rawStatus,omitempty"`
	Code      string `json:"code,omitempty"`
	Reference string `json:"reference,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Action    string `json:"action,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Entry struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Data  Data      `json:"data"`
}

type Refund struct {
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

// Compensator reverses the PSP side of a failed saga. The returned Data is
// recorded with the COMPENSATED entry.
type Compensator func(ctx context.Context, snap *Snapshot) (Data, error)

type Option func(*Saga)

func WithCompensator(c Compensator) Option {
	return func(s *Saga) { s.compensator = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Saga) { s.now = now }
}

// Saga tracks one transaction through its lifecycle. The current state is
// always the state of the last history entry.
type Saga struct {
	mu sync.Mutex

	tx         payments.Transaction
	state      State
	history    []Entry
	candidates []string
	current    int

	authorized        int64
	captured          int64
	refunded          int64
	reference         string
	reachedAuthorized bool
	refunds           []Refund

	compensator  Compensator
	compensating bool
	now          func() time.Time
}

func New(tx payments.Transaction, opts ...Option) *Saga {
	s := &Saga{
		tx:      tx,
		current: -1,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = Created
	s.history = []Entry{{State: Created, At: s.now().UTC()}}
	return s
}

func (s *Saga) ID() string { return s.tx.ID }

func (s *Saga) Transaction() payments.Transaction { return s.tx }

func (s *Saga) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Saga) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// SetCompensator replaces the compensator, e.g. after Restore.
func (s *Saga) SetCompensator(c Compensator) {
	s.mu.Lock()
	s.compensator = c
	s.mu.Unlock()
}

// Begin records the failover chain the saga will walk.
func (s *Saga) Begin(candidates []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append([]string(nil), candidates...)
	s.current = -1
}

// Use marks candidate i as the PSP in use.
func (s *Saga) Use(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.candidates) {
		return fmt.Errorf("saga %s: candidate index %d out of range", s.tx.ID, i)
	}
	s.current = i
	return nil
}

// PSP returns the PSP currently in use, or "" before the first attempt.
func (s *Saga) PSP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pspLocked()
}

func (s *Saga) pspLocked() string {
	if s.current < 0 || s.current >= len(s.candidates) {
		return ""
	}
	return s.candidates[s.current]
}

// Terminal reports whether the saga is finished. A FAILED saga that reached
// AUTHORIZED still owes compensation.
func (s *Saga) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalLocked()
}

func (s *Saga) terminalLocked() bool {
	if s.state.Terminal() {
		return true
	}
	return s.state == Failed && !s.reachedAuthorized
}

func (s *Saga) Transition(to State, data Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, data)
}

func (s *Saga) transitionLocked(to State, data Data) error {
	if !CanTransition(s.state, to) {
		return &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: fmt.Sprintf("%s -> %s", s.state, to),
			State:   string(s.state),
		}
	}

	switch to {
	case Authorized:
		s.authorized = s.tx.Amount
		s.reachedAuthorized = true
	case Captured:
		if data.Amount > 0 {
			s.captured = data.Amount
		} else {
			s.captured = s.tx.CaptureTarget()
		}
	}
	if data.Reference != "" {
		s.reference = data.Reference
	}

	s.state = to
	s.history = append(s.history, Entry{State: to, At: s.now().UTC(), Data: data})
	return nil
}

// Fail moves the saga to FAILED and, when it had authorized, compensates it
// before returning.
func (s *Saga) Fail(ctx context.Context, reason string, data Data) error {
	data.Reason = reason

	s.mu.Lock()
	err := s.transitionLocked(Failed, data)
	needsCompensation := s.reachedAuthorized
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !needsCompensation {
		return nil
	}
	return s.Compensate(ctx)
}

// Compensate runs FAILED -> COMPENSATING -> COMPENSATED. It is a no-op on a
// compensated saga and on a failed saga that never authorized. A compensator
// error leaves the saga COMPENSATING so a later call resumes it. A call made
// while another one is running the compensator returns nil without running it.
func (s *Saga) Compensate(ctx context.Context) error {
	s.mu.Lock()
	if s.compensating {
		s.mu.Unlock()
		return nil
	}
	switch s.state {
	case Compensated:
		s.mu.Unlock()
		return nil
	case Failed:
		if !s.reachedAuthorized {
			s.mu.Unlock()
			return nil
		}
		if err := s.transitionLocked(Compensating, Data{PSP: s.pspLocked()}); err != nil {
			s.mu.Unlock()
			return err
		}
	case Compensating:
	default:
		s.mu.Unlock()
		return &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: "compensation requires a failed saga",
			State:   string(s.state),
		}
	}
	snap := s.snapshotLocked()
	compensator := s.compensator
	s.compensating = true
	s.mu.Unlock()

	var data Data
	var err error
	if compensator != nil {
		data, err = compensator(ctx, snap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensating = false
	if err != nil {
		return fmt.Errorf("compensate saga %s: %w", snap.ID, err)
	}
	if s.state != Compensating {
		return nil
	}
	return s.transitionLocked(Compensated, data)
}

// Balance returns the authorized, captured and refunded amounts.
func (s *Saga) Balance() (authorized, captured, refunded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized, s.captured, s.refunded
}

// RecordRefund books a refund against the captured balance. Refunds do not
// change state.
func (s *Saga) RecordRefund(amount int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Captured && s.state != Settled {
		return &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: "refunds require a captured saga",
			State:   string(s.state),
		}
	}
	remaining := s.captured - s.refunded
	if amount <= 0 || amount > remaining {
		return &payments.Error{
			Kind:      payments.KindLimitExceeded,
			Message:   fmt.Sprintf("refund of %d exceeds remaining balance %d", amount, remaining),
			State:     string(s.state),
			Remaining: remaining,
		}
	}
	s.refunded += amount
	s.refunds = append(s.refunds, Refund{Amount: amount, Reference: reference, At: s.now().UTC()})
	return nil
}

// Snapshot is the persisted form of a saga.
type Snapshot struct {
	ID                string               `json:"id"`
	Transaction       payments.Transaction `json:"transaction"`
	State             State                `json:"state"`
	History           []Entry              `json:"history"`
	Candidates        []string             `json:"candidates,omitempty"`
	Current           int                  `json:"current"`
	Authorized        int64                `json:"authorized"`
	Captured          int64                `json:"captured"`
	Refunded          int64                `json:"refunded"`
	Reference         string               `json:"reference,omitempty"`
	ReachedAuthorized bool                 `json:"reachedAuthorized"`
	Refunds           []Refund             `json:"refunds,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// PSP returns the PSP in use when the snapshot was taken.
func (snap *Snapshot) PSP() string {
	if snap.Current < 0 || snap.Current >= len(snap.Candidates) {
		return ""
	}
	return snap.Candidates[snap.Current]
}

func (s *Saga) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Saga) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ID:                s.tx.ID,
		Transaction:       s.tx,
		State:             s.state,
		History:           make([]Entry, len(s.history)),
		Candidates:        append([]string(nil), s.candidates...),
		Current:           s.current,
		Authorized:        s.authorized,
		Captured:          s.captured,
		Refunded:          s.refunded,
		Reference:         s.reference,
		ReachedAuthorized: s.reachedAuthorized,
		Refunds:           append([]Refund(nil), s.refunds...),
		UpdatedAt:         s.history[len(s.history)-1].At,
	}
	copy(snap.History, s.history)
	return snap
}

var ErrCorruptSnapshot = errors.New("saga: corrupt snapshot")

// Restore rebuilds a saga from its persisted form.
func Restore(snap *Snapshot, opts ...Option) (*Saga, error) {
	if snap == nil || len(snap.History) == 0 {
		return nil, fmt.Errorf("%w: empty history", ErrCorruptSnapshot)
	}
	if last := snap.History[len(snap.History)-1].State; last != snap.State || !snap.State.Valid() {
		return nil, fmt.Errorf("%w: state %q does not match history", ErrCorruptSnapshot, snap.State)
	}

	s := &Saga{
		tx:                snap.Transaction,
		state:             snap.State,
		history:           append([]Entry(nil), snap.History...),
		candidates:        append([]string(nil), snap.Candidates...),
		current:           snap.Current,
		authorized:        snap.Authorized,
		captured:          snap.Captured,
		refunded:          snap.Refunded,
		reference:         snap.Reference,
		reachedAuthorized: snap.ReachedAuthorized,
		refunds:           append([]Refund(nil), snap.Refunds...),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}
