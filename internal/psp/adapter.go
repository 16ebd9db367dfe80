package psp

import (
	"context"
	"fmt"
	"sort"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

// Request is the input of every adapter operation. Reference is the PSP's
// own id for the payment and is empty on Authorize.
type Request struct {
	OrderID    string              `json:"orderId"`
	Reference  string              `json:"reference,omitempty"`
	Amount     int64               `json:"amount"`
	Currency   string              `json:"currency"`
	Instrument payments.Instrument `json:"instrument"`
}

// Adapter is one PSP. A returned error always means the PSP could not be
// reached or did not answer in time; business outcomes, declines included,
// come back as a RawResponse.
type Adapter interface {
	ID() string
	Provider() string
	Authorize(ctx context.Context, r Request) (payments.RawResponse, error)
	Capture(ctx context.Context, r Request) (payments.RawResponse, error)
	Refund(ctx context.Context, r Request) (payments.RawResponse, error)
	Void(ctx context.Context, r Request) (payments.RawResponse, error)
}

func TransportError(pspID string, err error) error {
	return &payments.Error{
		Kind: payments.KindTransportFailure,
		PSP:  pspID,
		Err:  err,
	}
}

// Registry resolves PSP ids to adapters. It is not modified after
// construction.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.ID()]; dup {
			return nil, fmt.Errorf("psp: duplicate adapter id %q", a.ID())
		}
		r.adapters[a.ID()] = a
	}
	return r, nil
}

func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, &payments.Error{
			Kind:    payments.KindNotFound,
			Message: fmt.Sprintf("unknown provider %q", id),
			PSP:     id,
		}
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
