package psp

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/status"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/google/uuid"
)

// Simulator is a test PSP driven by the minor-unit remainder of the amount:
//
//	.00 approved          .51 declined, insufficient funds
//	.05 declined, do not honor   .31 3DS required
//	.99 never answers (times out)
//
// Anything else is approved.
type Simulator struct {
	id        string
	latency   time.Duration
	available atomic.Bool
}

var ErrSimulatedOutage = errors.New("simulated outage")

func NewSimulator(id string, latency time.Duration) *Simulator {
	s := &Simulator{id: id, latency: latency}
	s.available.Store(true)
	return s
}

func (s *Simulator) ID() string { return s.id }

func (s *Simulator) Provider() string { return status.ProviderSimulator }

// SetAvailable toggles a simulated outage; while unavailable every call is a
// transport failure.
func (s *Simulator) SetAvailable(ok bool) {
	s.available.Store(ok)
}

func (s *Simulator) Authorize(ctx context.Context, r Request) (payments.RawResponse, error) {
	if err := s.wait(ctx); err != nil {
		return payments.RawResponse{}, err
	}

	switch r.Amount % 100 {
	case 51:
		return s.response("DECLINED", "51", "insufficient funds", ""), nil
	case 5:
		return s.response("DECLINED", "05", "do not honor", ""), nil
	case 31:
		return s.response("3DS_REQUIRED", "31", "authentication required", "sim_"+uuid.NewString()), nil
	case 99:
		<-ctx.Done()
		return payments.RawResponse{}, TransportError(s.id, ctx.Err())
	default:
		return s.response("APPROVED", "00", "approved", "sim_"+uuid.NewString()), nil
	}
}

func (s *Simulator) Capture(ctx context.Context, r Request) (payments.RawResponse, error) {
	return s.followUp(ctx, r, "CAPTURED")
}

func (s *Simulator) Refund(ctx context.Context, r Request) (payments.RawResponse, error) {
	return s.followUp(ctx, r, "REFUNDED")
}

func (s *Simulator) Void(ctx context.Context, r Request) (payments.RawResponse, error) {
	return s.followUp(ctx, r, "VOIDED")
}

func (s *Simulator) followUp(ctx context.Context, r Request, raw string) (payments.RawResponse, error) {
	if err := s.wait(ctx); err != nil {
		return payments.RawResponse{}, err
	}
	if !strings.HasPrefix(r.Reference, "sim_") {
		return s.response("ERROR", "12", "unknown payment reference", r.Reference), nil
	}
	return s.response(raw, "00", strings.ToLower(raw), r.Reference), nil
}

func (s *Simulator) wait(ctx context.Context) error {
	if !s.available.Load() {
		return TransportError(s.id, ErrSimulatedOutage)
	}
	if s.latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return TransportError(s.id, ctx.Err())
	case <-t.C:
		return nil
	}
}

func (s *Simulator) response(raw, code, msg, ref string) payments.RawResponse {
	return payments.RawResponse{
		PSP:       s.id,
		Status:    raw,
		Code:      code,
		Message:   msg,
		Reference: ref,
	}
}
