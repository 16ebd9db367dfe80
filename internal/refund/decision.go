package refund

import (
	"fmt"

	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

type Action string

const (
	ActionNone   Action = "NONE"
	ActionVoid   Action = "VOID"
	ActionRefund Action = "REFUND"
)

const WarningPartialVoid = "partial void is not supported; void the full authorized amount"

// Balance holds the monetary position of a saga in minor units.
type Balance struct {
	Authorized int64
	Captured   int64
	Refunded   int64
}

func (b Balance) Refundable() int64 {
	return b.Captured - b.Refunded
}

type Decision struct {
	Action  Action
	Valid   bool
	Warning string
	Err     error
}

// Decide returns the reversing action allowed for a saga in state with
// balance b, and whether requested can be honoured.
func Decide(state saga.State, b Balance, requested int64) Decision {
	switch state {
	case saga.Authorized:
		d := Decision{Action: ActionVoid}
		switch {
		case requested == b.Authorized && requested > 0:
			d.Valid = true
		case requested > 0 && requested < b.Authorized:
			d.Warning = WarningPartialVoid
		default:
			d.Err = &payments.Error{
				Kind:      payments.KindLimitExceeded,
				Message:   fmt.Sprintf("void of %d does not match authorized amount %d", requested, b.Authorized),
				State:     string(state),
				Remaining: b.Authorized,
			}
		}
		return d

	case saga.Captured, saga.Settled:
		remaining := b.Refundable()
		if requested <= 0 || requested > remaining {
			return Decision{
				Action: ActionRefund,
				Err: &payments.Error{
					Kind:      payments.KindLimitExceeded,
					Message:   fmt.Sprintf("refund of %d exceeds remaining balance (%d)", requested, remaining),
					State:     string(state),
					Remaining: remaining,
				},
			}
		}
		return Decision{Action: ActionRefund, Valid: true}

	default:
		return Decision{Action: ActionNone}
	}
}

// Compensation picks the reversing action for a failed saga: refund whatever
// was captured and not yet refunded, otherwise void the authorization.
func Compensation(b Balance) (Action, int64) {
	if remaining := b.Refundable(); remaining > 0 {
		return ActionRefund, remaining
	}
	if b.Captured > 0 {
		return ActionNone, 0
	}
	return ActionVoid, b.Authorized
}
