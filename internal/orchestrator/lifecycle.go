package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/config"
	"github.com/JosineyJr/psp-orchestrator/internal/psp"
	"github.com/JosineyJr/psp-orchestrator/internal/refund"
	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	"github.com/JosineyJr/psp-orchestrator/internal/webhook"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

const eventTTL = 72 * time.Hour

// Reversal is the result of a refund or void request.
type Reversal struct {
	Action  refund.Action  `json:"action"`
	Amount  int64          `json:"amount"`
	Warning string         `json:"warning,omitempty"`
	Saga    *saga.Snapshot `json:"saga"`
}

func (o *Orchestrator) newSaga(tx payments.Transaction) *saga.Saga {
	return saga.New(tx, saga.WithCompensator(o.compensate), saga.WithClock(o.now))
}

// load returns the live saga for id, restoring it from the store when it is
// not in memory. Callers hold the id's lock.
func (o *Orchestrator) load(ctx context.Context, id string) (*saga.Saga, error) {
	o.mu.RLock()
	s, ok := o.live[id]
	o.mu.RUnlock()
	if ok {
		return s, nil
	}

	snap, err := o.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &payments.Error{Kind: payments.KindNotFound, Message: "no saga for transaction " + id}
	}
	if err != nil {
		return nil, err
	}
	s, err = saga.Restore(snap, saga.WithCompensator(o.compensate), saga.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	if !s.Terminal() {
		o.track(s)
	}
	return s, nil
}

func (o *Orchestrator) track(s *saga.Saga) {
	o.mu.Lock()
	o.live[s.ID()] = s
	o.mu.Unlock()
}

// persist saves s and archives it from memory once it is terminal. Saves are
// not cancelled with the caller's context.
func (o *Orchestrator) persist(ctx context.Context, s *saga.Saga) error {
	if err := o.store.Save(context.WithoutCancel(ctx), s.Snapshot()); err != nil {
		o.logger.Error().Err(err).Str("transaction_id", s.ID()).Msg("Failed to persist saga")
		return fmt.Errorf("persist saga %s: %w", s.ID(), err)
	}
	if s.Terminal() {
		o.mu.Lock()
		delete(o.live, s.ID())
		o.mu.Unlock()
	}
	return nil
}

func (o *Orchestrator) step(ctx context.Context, s *saga.Saga, to saga.State, data saga.Data) error {
	if err := s.Transition(to, data); err != nil {
		return err
	}
	return o.persist(ctx, s)
}

// fail runs the saga's failure path and persists whatever state it reached,
// including a compensation left half-done.
func (o *Orchestrator) fail(ctx context.Context, s *saga.Saga, reason string, data saga.Data) error {
	failErr := s.Fail(ctx, reason, data)
	if err := o.persist(ctx, s); err != nil {
		return errors.Join(failErr, err)
	}
	return failErr
}

func (o *Orchestrator) call(ctx context.Context, cfg *config.Snapshot, pspID string, fn func(context.Context) (payments.RawResponse, error)) (payments.RawResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout(pspID, o.attemptTimeout))
	defer cancel()
	start := o.now()
	raw, err := fn(callCtx)
	o.health.Observe(pspID, o.now().Sub(start), err != nil)
	return raw, err
}

// compensate reverses the PSP side of a failed saga: a refund of whatever
// was captured, otherwise a void of the authorization.
func (o *Orchestrator) compensate(ctx context.Context, snap *saga.Snapshot) (saga.Data, error) {
	ctx = context.WithoutCancel(ctx)
	cfg := o.config.Current()
	action, amount := refund.Compensation(refund.Balance{
		Authorized: snap.Authorized,
		Captured:   snap.Captured,
		Refunded:   snap.Refunded,
	})
	pspID := snap.PSP()
	data := saga.Data{PSP: pspID, Action: string(action), Amount: amount}
	if action == refund.ActionNone {
		return data, nil
	}

	adapter, err := cfg.Registry.Get(pspID)
	if err != nil {
		return data, err
	}
	req := psp.Request{
		OrderID:   snap.ID,
		Reference: snap.Reference,
		Amount:    amount,
		Currency:  snap.Transaction.Currency,
	}
	op, want := adapter.Void, payments.StatusVoided
	if action == refund.ActionRefund {
		op, want = adapter.Refund, payments.StatusRefunded
	}

	raw, err := o.call(ctx, cfg, pspID, func(ctx context.Context) (payments.RawResponse, error) {
		return op(ctx, req)
	})
	if err != nil {
		o.logger.Error().Err(err).Str("transaction_id", snap.ID).Str("psp", pspID).Str("action", string(action)).
			Msg("Compensation call failed, saga left compensating")
		return data, err
	}
	data.RawStatus = raw.Status
	data.Code = raw.Code
	if canonical := cfg.Normalizer.Normalize(adapter.Provider(), raw.Status); canonical != want {
		return data, &payments.Error{
			Kind:    payments.KindPSPFailure,
			Message: fmt.Sprintf("%s answered %s (%s)", action, raw.Status, canonical),
			PSP:     pspID,
			State:   string(saga.Compensating),
		}
	}
	o.logger.Info().Str("transaction_id", snap.ID).Str("psp", pspID).Str("action", string(action)).
		Int64("amount", amount).Msg("Saga compensated")
	return data, nil
}

// Capture captures amount (0 = the transaction's capture target) of an
// authorized saga. A capture that fails compensates the authorization.
func (o *Orchestrator) Capture(ctx context.Context, id string, amount int64) (*Outcome, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.capture(ctx, s, o.config.Current(), amount)
}

func (o *Orchestrator) capture(ctx context.Context, s *saga.Saga, cfg *config.Snapshot, amount int64) (*Outcome, error) {
	tx := s.Transaction()
	authorized, _, _ := s.Balance()
	if amount == 0 {
		amount = tx.CaptureTarget()
	}
	if amount < 0 || (s.State() == saga.Authorized && amount > authorized) {
		return nil, &payments.Error{
			Kind:      payments.KindLimitExceeded,
			Message:   fmt.Sprintf("capture of %d exceeds authorized amount %d", amount, authorized),
			State:     string(s.State()),
			Remaining: authorized,
		}
	}

	pspID := s.PSP()
	if err := o.step(ctx, s, saga.Capturing, saga.Data{PSP: pspID, Amount: amount}); err != nil {
		return nil, err
	}
	out := &Outcome{PSP: pspID}

	adapter, err := cfg.Registry.Get(pspID)
	var raw payments.RawResponse
	if err == nil {
		raw, err = o.call(ctx, cfg, pspID, func(ctx context.Context) (payments.RawResponse, error) {
			return adapter.Capture(ctx, psp.Request{
				OrderID:   tx.ID,
				Reference: s.Snapshot().Reference,
				Amount:    amount,
				Currency:  tx.Currency,
			})
		})
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("transaction_id", tx.ID).Str("psp", pspID).Msg("Capture failed, compensating")
		failErr := o.fail(ctx, s, "CAPTURE_"+string(payments.KindTransportFailure), saga.Data{PSP: pspID, Error: err.Error()})
		out.Status = payments.StatusFailed
		out.Saga = s.Snapshot()
		return out, errors.Join(&payments.Error{
			Kind:  payments.KindTransportFailure,
			PSP:   pspID,
			State: string(s.State()),
			Err:   err,
		}, failErr)
	}

	canonical := cfg.Normalizer.Normalize(adapter.Provider(), raw.Status)
	out.Status = canonical
	data := saga.Data{PSP: pspID, RawStatus: raw.Status, Code: raw.Code, Amount: amount}

	switch canonical {
	case payments.StatusCaptured, payments.StatusSettled:
		data.Outcome = saga.OutcomeSuccess
		if err := o.step(ctx, s, saga.Captured, data); err != nil {
			return nil, err
		}
		out.Status = payments.StatusCaptured
		out.Fee = o.fee(cfg, pspID, amount)

	case payments.StatusDeclined, payments.StatusFailed:
		kind := payments.KindDefinitiveDecline
		if canonical == payments.StatusFailed {
			kind = payments.KindPSPFailure
		}
		data.Outcome = string(canonical)
		failErr := o.fail(ctx, s, "CAPTURE_"+string(kind), data)
		out.Saga = s.Snapshot()
		return out, errors.Join(&payments.Error{
			Kind:    kind,
			Message: fmt.Sprintf("capture %s %s", raw.Code, raw.Message),
			PSP:     pspID,
			State:   string(s.State()),
		}, failErr)

	case payments.StatusPending:
		// resolved by a later webhook

	default:
		out.ManualReview = true
		o.logger.Warn().Str("transaction_id", tx.ID).Str("psp", pspID).Str("raw_status", raw.Status).
			Msg("Unmapped capture status, saga held for manual review")
	}

	out.Saga = s.Snapshot()
	return out, nil
}

// Settle marks a captured saga as settled by the PSP.
func (o *Orchestrator) Settle(ctx context.Context, id string) (*saga.Snapshot, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.step(ctx, s, saga.Settled, saga.Data{PSP: s.PSP()}); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// Reverse refunds or voids amount as the decision engine allows for the
// saga's state: a full void while authorized, refunds up to the captured
// balance afterwards.
func (o *Orchestrator) Reverse(ctx context.Context, id string, amount int64) (*Reversal, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.reverse(ctx, s, amount)
}

// Refund refunds amount of a captured or settled saga.
func (o *Orchestrator) Refund(ctx context.Context, id string, amount int64) (*Reversal, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != saga.Captured && st != saga.Settled {
		return &Reversal{Action: refund.ActionNone, Amount: amount, Saga: s.Snapshot()}, &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: "refunds require a captured saga",
			State:   string(st),
		}
	}
	return o.reverse(ctx, s, amount)
}

// Void releases the full authorization of an authorized saga.
func (o *Orchestrator) Void(ctx context.Context, id string) (*Reversal, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != saga.Authorized {
		return &Reversal{Action: refund.ActionNone, Saga: s.Snapshot()}, &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: "void requires an authorized saga",
			State:   string(st),
		}
	}
	authorized, _, _ := s.Balance()
	return o.reverse(ctx, s, authorized)
}

func (o *Orchestrator) reverse(ctx context.Context, s *saga.Saga, amount int64) (*Reversal, error) {
	id := s.ID()
	cfg := o.config.Current()
	state := s.State()
	authorized, captured, refunded := s.Balance()
	d := refund.Decide(state, refund.Balance{Authorized: authorized, Captured: captured, Refunded: refunded}, amount)
	rev := &Reversal{Action: d.Action, Amount: amount, Warning: d.Warning}

	if !d.Valid {
		rev.Saga = s.Snapshot()
		switch {
		case d.Err != nil:
			return rev, d.Err
		case d.Warning != "":
			return rev, &payments.Error{
				Kind:      payments.KindLimitExceeded,
				Message:   d.Warning,
				State:     string(state),
				Remaining: authorized,
			}
		default:
			return rev, &payments.Error{
				Kind:    payments.KindIllegalTransition,
				Message: "no refund or void is permitted",
				State:   string(state),
			}
		}
	}

	if d.Action == refund.ActionVoid {
		err := o.fail(ctx, s, "VOID_REQUESTED", saga.Data{PSP: s.PSP(), Amount: amount})
		rev.Saga = s.Snapshot()
		return rev, err
	}

	pspID := s.PSP()
	adapter, err := cfg.Registry.Get(pspID)
	if err != nil {
		return rev, err
	}
	snap := s.Snapshot()
	raw, err := o.call(ctx, cfg, pspID, func(ctx context.Context) (payments.RawResponse, error) {
		return adapter.Refund(ctx, psp.Request{
			OrderID:   id,
			Reference: snap.Reference,
			Amount:    amount,
			Currency:  snap.Transaction.Currency,
		})
	})
	if err != nil {
		rev.Saga = snap
		return rev, err
	}

	canonical := cfg.Normalizer.Normalize(adapter.Provider(), raw.Status)
	if canonical != payments.StatusRefunded {
		rev.Saga = snap
		kind := payments.KindPSPFailure
		if canonical == payments.StatusDeclined {
			kind = payments.KindDefinitiveDecline
		}
		return rev, &payments.Error{
			Kind:    kind,
			Message: fmt.Sprintf("refund answered %s (%s)", raw.Status, canonical),
			PSP:     pspID,
			State:   string(state),
		}
	}
	if err := s.RecordRefund(amount, raw.Reference); err != nil {
		return rev, err
	}
	if err := o.persist(ctx, s); err != nil {
		return rev, err
	}
	o.logger.Info().Str("transaction_id", id).Str("psp", pspID).Int64("amount", amount).Msg("Refund booked")
	rev.Saga = s.Snapshot()
	return rev, nil
}

// Saga returns the current snapshot of a transaction's saga.
func (o *Orchestrator) Saga(ctx context.Context, id string) (*saga.Snapshot, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// History returns the audit trail of a saga, read from the store's own
// history table when it keeps one.
func (o *Orchestrator) History(ctx context.Context, id string) ([]saga.Entry, error) {
	if hs, ok := o.store.(storage.HistoryStore); ok {
		entries, err := hs.History(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load history of saga %s: %w", id, err)
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}
	snap, err := o.Saga(ctx, id)
	if err != nil {
		return nil, err
	}
	return snap.History, nil
}

// ApplyEvent applies an already authenticated PSP callback. Duplicate event
// ids and repeated statuses are accepted without effect.
func (o *Orchestrator) ApplyEvent(ctx context.Context, ev *webhook.Event) (*saga.Snapshot, error) {
	unlock := o.locks.Lock(ev.TransactionID)
	defer unlock()

	s, err := o.load(ctx, ev.TransactionID)
	if err != nil {
		return nil, err
	}
	if o.events != nil {
		if _, err := o.events.Get(ctx, eventKey(ev.ID)); err == nil {
			return s.Snapshot(), nil
		}
	}

	if ev.PSP != s.PSP() {
		return nil, &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: fmt.Sprintf("event from %s for a saga on %s", ev.PSP, s.PSP()),
			PSP:     ev.PSP,
			State:   string(s.State()),
		}
	}

	cfg := o.config.Current()
	adapter, err := cfg.Registry.Get(ev.PSP)
	if err != nil {
		return nil, err
	}
	canonical := cfg.Normalizer.Normalize(adapter.Provider(), ev.Status)
	if err := o.applyStatus(ctx, s, ev, canonical); err != nil {
		return nil, err
	}

	if o.events != nil {
		if err := o.events.Set(ctx, eventKey(ev.ID), []byte(ev.TransactionID), eventTTL); err != nil {
			o.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to remember webhook event")
		}
	}
	return s.Snapshot(), nil
}

func (o *Orchestrator) applyStatus(ctx context.Context, s *saga.Saga, ev *webhook.Event, canonical payments.CanonicalStatus) error {
	state := s.State()
	data := saga.Data{
		PSP:       ev.PSP,
		RawStatus: ev.Status,
		Code:      ev.Code,
		Reference: ev.Reference,
		Amount:    ev.Amount,
		Reason:    "WEBHOOK",
	}

	switch {
	case canonical == payments.StatusUnknown:
		o.logger.Warn().Str("transaction_id", s.ID()).Str("psp", ev.PSP).Str("raw_status", ev.Status).
			Msg("Unmapped webhook status, saga held for manual review")
		return ErrManualReview

	case statusOf(state) == canonical:
		return nil

	case state == saga.Authorizing && canonical == payments.StatusAuthorized:
		data.Outcome = saga.OutcomeSuccess
		return o.step(ctx, s, saga.Authorized, data)

	case state == saga.Authorizing && canonical == payments.StatusCaptured:
		data.Outcome = saga.OutcomeSuccess
		for _, st := range []saga.State{saga.Authorized, saga.Capturing, saga.Captured} {
			if err := o.step(ctx, s, st, data); err != nil {
				return err
			}
		}
		return nil

	case state == saga.Capturing && (canonical == payments.StatusCaptured || canonical == payments.StatusSettled):
		data.Outcome = saga.OutcomeSuccess
		return o.step(ctx, s, saga.Captured, data)

	case state == saga.Captured && canonical == payments.StatusSettled:
		return o.step(ctx, s, saga.Settled, data)

	case (state == saga.Authorizing || state == saga.Capturing) &&
		(canonical == payments.StatusDeclined || canonical == payments.StatusFailed):
		kind := payments.KindDefinitiveDecline
		if canonical == payments.StatusFailed {
			kind = payments.KindPSPFailure
		}
		data.Outcome = string(canonical)
		return o.fail(ctx, s, string(kind), data)

	default:
		return &payments.Error{
			Kind:    payments.KindIllegalTransition,
			Message: fmt.Sprintf("event status %s does not apply", canonical),
			PSP:     ev.PSP,
			State:   string(state),
		}
	}
}

func eventKey(id string) string {
	return "webhook:" + id
}
