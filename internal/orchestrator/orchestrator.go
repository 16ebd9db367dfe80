package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/config"
	"github.com/JosineyJr/psp-orchestrator/internal/fees"
	"github.com/JosineyJr/psp-orchestrator/internal/health"
	"github.com/JosineyJr/psp-orchestrator/internal/psp"
	"github.com/JosineyJr/psp-orchestrator/internal/routing"
	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	"github.com/JosineyJr/psp-orchestrator/internal/status"
	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultAttemptTimeout = 2 * time.Second

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrManualReview       = errors.New("psp status requires manual review")
)

type Options struct {
	// AttemptTimeout bounds every adapter call unless the PSP config sets
	// its own timeout.
	AttemptTimeout time.Duration
	AutoCapture    bool
	Store          storage.SagaStore
	// Events, when set, remembers applied webhook event ids.
	Events storage.KV
	Health *health.Tracker
	Logger *zerolog.Logger
}

// Outcome reports where a saga stands after an operation.
type Outcome struct {
	Saga         *saga.Snapshot           `json:"saga"`
	Status       payments.CanonicalStatus `json:"status"`
	PSP          string                   `json:"psp,omitempty"`
	ManualReview bool                     `json:"manualReview,omitempty"`
	Duplicate    bool                     `json:"duplicate,omitempty"`
	Fee          *fees.Result             `json:"fee,omitempty"`
}

// Orchestrator drives sagas through PSP adapters. Operations on the same
// transaction id are serialized; different transactions run in parallel.
type Orchestrator struct {
	config         *config.Holder
	store          storage.SagaStore
	events         storage.KV
	health         *health.Tracker
	logger         *zerolog.Logger
	locks          *saga.KeyedMutex
	attemptTimeout time.Duration
	autoCapture    bool
	now            func() time.Time

	mu   sync.RWMutex
	live map[string]*saga.Saga
}

func New(holder *config.Holder, opts Options) *Orchestrator {
	o := &Orchestrator{
		config:         holder,
		store:          opts.Store,
		events:         opts.Events,
		health:         opts.Health,
		logger:         opts.Logger,
		locks:          saga.NewKeyedMutex(),
		attemptTimeout: opts.AttemptTimeout,
		autoCapture:    opts.AutoCapture,
		now:            time.Now,
		live:           make(map[string]*saga.Saga),
	}
	if o.store == nil {
		o.store = storage.NewMemorySagaStore()
	}
	if o.health == nil {
		o.health = health.NewTracker()
	}
	if o.logger == nil {
		nop := zerolog.Nop()
		o.logger = &nop
	}
	if o.attemptTimeout <= 0 {
		o.attemptTimeout = defaultAttemptTimeout
	}
	return o
}

func (o *Orchestrator) Health() *health.Tracker {
	return o.health
}

// Handle processes tx against the currently configured routing rules.
func (o *Orchestrator) Handle(ctx context.Context, tx payments.Transaction) (*Outcome, error) {
	return o.Process(ctx, tx, o.config.Current().Rules)
}

// Process routes tx with rules and authorizes it, failing over to the next
// candidate only when a PSP cannot be reached in time. A transaction id that
// already has a saga past CREATED is not processed again.
func (o *Orchestrator) Process(ctx context.Context, tx payments.Transaction, rules []routing.Rule) (*Outcome, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Amount <= 0 || tx.Currency == "" {
		return nil, fmt.Errorf("%w: amount %d, currency %q", ErrInvalidTransaction, tx.Amount, tx.Currency)
	}
	if tx.RequestedAt.IsZero() {
		tx.RequestedAt = o.now().UTC()
	}

	unlock := o.locks.Lock(tx.ID)
	defer unlock()

	cfg := o.config.Current()

	s, err := o.load(ctx, tx.ID)
	switch {
	case err == nil && s.State() != saga.Created:
		return &Outcome{Saga: s.Snapshot(), Status: statusOf(s.State()), PSP: s.PSP(), Duplicate: true}, nil
	case err == nil:
		tx = s.Transaction()
	case errors.Is(err, payments.ErrNotFound):
		s = o.newSaga(tx)
	default:
		return nil, err
	}

	log := o.logger.With().Str("transaction_id", tx.ID).Logger()

	candidates, err := routing.Evaluate(&tx, rules)
	if err != nil {
		log.Warn().Err(err).Msg("No route for transaction")
		return &Outcome{Saga: s.Snapshot(), Status: payments.StatusFailed}, err
	}
	s.Begin(candidates)
	o.track(s)

	for i, pspID := range candidates {
		attempt := i + 1
		if err := s.Use(i); err != nil {
			return nil, err
		}
		if err := o.step(ctx, s, saga.Authorizing, saga.Data{PSP: pspID, Attempt: attempt}); err != nil {
			return nil, err
		}

		adapter, err := cfg.Registry.Get(pspID)
		if err != nil {
			log.Error().Err(err).Str("psp", pspID).Msg("Routing target has no adapter")
			if err := o.recordTransportFailure(ctx, s, pspID, attempt, err); err != nil {
				return nil, err
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout(pspID, o.attemptTimeout))
		start := o.now()
		raw, err := adapter.Authorize(callCtx, psp.Request{
			OrderID:    tx.ID,
			Amount:     tx.Amount,
			Currency:   tx.Currency,
			Instrument: tx.Instrument,
		})
		cancel()
		latency := o.now().Sub(start)
		o.health.Observe(pspID, latency, err != nil)

		if err != nil {
			log.Warn().
				Err(err).
				Str("psp", pspID).
				Int("attempt", attempt).
				Dur("latency", latency).
				Msg("Authorize attempt failed on transport, failing over")
			if err := o.recordTransportFailure(ctx, s, pspID, attempt, err); err != nil {
				return nil, err
			}
			continue
		}

		canonical := cfg.Normalizer.Normalize(adapter.Provider(), raw.Status)
		log.Info().
			Str("psp", pspID).
			Int("attempt", attempt).
			Str("raw_status", raw.Status).
			Str("status", string(canonical)).
			Dur("latency", latency).
			Msg("Authorize attempt answered")

		return o.concludeAuthorization(ctx, s, cfg, pspID, attempt, raw, canonical)
	}

	exhausted := &payments.Error{
		Kind:       payments.KindAllPSPsExhausted,
		Message:    "every candidate failed on transport",
		State:      string(saga.Failed),
		Candidates: candidates,
	}
	if err := s.Fail(ctx, string(payments.KindAllPSPsExhausted), saga.Data{Error: exhausted.Message}); err != nil {
		return nil, err
	}
	if err := o.persist(ctx, s); err != nil {
		return nil, err
	}
	log.Error().Strs("candidates", candidates).Msg("All PSPs exhausted")
	return &Outcome{Saga: s.Snapshot(), Status: payments.StatusFailed}, exhausted
}

func (o *Orchestrator) recordTransportFailure(ctx context.Context, s *saga.Saga, pspID string, attempt int, cause error) error {
	return o.step(ctx, s, saga.Authorizing, saga.Data{
		PSP:     pspID,
		Attempt: attempt,
		Outcome: saga.OutcomeTransportFailure,
		Error:   cause.Error(),
	})
}

func (o *Orchestrator) concludeAuthorization(
	ctx context.Context,
	s *saga.Saga,
	cfg *config.Snapshot,
	pspID string,
	attempt int,
	raw payments.RawResponse,
	canonical payments.CanonicalStatus,
) (*Outcome, error) {
	data := saga.Data{
		PSP:       pspID,
		Attempt:   attempt,
		RawStatus: raw.Status,
		Code:      raw.Code,
		Reference: raw.Reference,
	}
	out := &Outcome{Status: canonical, PSP: pspID}
	tx := s.Transaction()

	switch canonical {
	case payments.StatusAuthorized:
		data.Outcome = saga.OutcomeSuccess
		if err := o.step(ctx, s, saga.Authorized, data); err != nil {
			return nil, err
		}
		out.Fee = o.fee(cfg, pspID, tx.Amount)
		if o.autoCapture {
			return o.capture(ctx, s, cfg, 0)
		}

	case payments.StatusCaptured:
		data.Outcome = saga.OutcomeSuccess
		for _, st := range []saga.State{saga.Authorized, saga.Capturing, saga.Captured} {
			d := data
			if st == saga.Captured {
				d.Amount = tx.Amount
			}
			if err := o.step(ctx, s, st, d); err != nil {
				return nil, err
			}
		}
		out.Fee = o.fee(cfg, pspID, tx.Amount)

	case payments.StatusDeclined, payments.StatusFailed:
		kind := payments.KindDefinitiveDecline
		data.Outcome = saga.OutcomeDeclined
		if canonical == payments.StatusFailed {
			kind = payments.KindPSPFailure
			data.Outcome = saga.OutcomeFailed
		}
		if err := s.Fail(ctx, string(kind), data); err != nil {
			return nil, err
		}
		if err := o.persist(ctx, s); err != nil {
			return nil, err
		}
		out.Saga = s.Snapshot()
		declined := &payments.Error{
			Kind:    kind,
			Message: fmt.Sprintf("%s %s", raw.Code, raw.Message),
			PSP:     pspID,
			State:   string(saga.Failed),
		}
		if kind == payments.KindDefinitiveDecline {
			declined.Reason = status.DiagnoseDecline(raw.Code).Reason
		}
		return out, declined

	case payments.StatusPending:
		data.Outcome = saga.OutcomePending
		if err := o.step(ctx, s, saga.Authorizing, data); err != nil {
			return nil, err
		}

	default:
		data.Outcome = saga.OutcomeManualReview
		if err := o.step(ctx, s, saga.Authorizing, data); err != nil {
			return nil, err
		}
		out.ManualReview = true
		o.logger.Warn().
			Str("transaction_id", tx.ID).
			Str("psp", pspID).
			Str("raw_status", raw.Status).
			Msg("Unmapped PSP status, saga held for manual review")
	}

	out.Saga = s.Snapshot()
	return out, nil
}

func (o *Orchestrator) fee(cfg *config.Snapshot, pspID string, amount int64) *fees.Result {
	res, err := fees.Compute(amount, cfg.Pricing[pspID])
	if err != nil {
		o.logger.Error().Err(err).Str("psp", pspID).Msg("Failed to compute fee")
		return nil
	}
	return &res
}

func statusOf(st saga.State) payments.CanonicalStatus {
	switch st {
	case saga.Authorized:
		return payments.StatusAuthorized
	case saga.Captured:
		return payments.StatusCaptured
	case saga.Settled:
		return payments.StatusSettled
	case saga.Failed, saga.Compensating, saga.Compensated:
		return payments.StatusFailed
	default:
		return payments.StatusPending
	}
}
