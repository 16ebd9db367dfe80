package server

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

type paymentRequest struct {
	ID            string              `json:"id"`
	Amount        int64               `json:"amount"`
	Currency      string              `json:"currency"`
	CardBIN       string              `json:"cardBin"`
	CaptureAmount int64               `json:"captureAmount"`
	Instrument    payments.Instrument `json:"instrument"`
}

type accepted struct {
	ID string `json:"id"`
}

// Intake validates payment requests and forwards them to the worker as one
// datagram each.
type Intake struct {
	worker io.Writer
	logger *zerolog.Logger
	now    func() time.Time
}

func NewIntake(worker io.Writer, logger *zerolog.Logger) *Intake {
	return &Intake{worker: worker, logger: logger, now: time.Now}
}

func (in *Intake) Handle(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) {
	if string(req.URI().Path()) != "/payments" {
		resp.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	if !req.Header.IsPost() {
		resp.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	var p paymentRequest
	if err := json.Unmarshal(req.Body(), &p); err != nil {
		WriteJSON(resp, fasthttp.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Amount <= 0 || len(p.Currency) != 3 || p.CaptureAmount < 0 || p.CaptureAmount > p.Amount {
		WriteJSON(resp, fasthttp.StatusBadRequest, errorBody{Error: "amount must be positive and currency a 3-letter code"})
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CardBIN == "" {
		p.CardBIN = p.Instrument.BIN
	}

	tx := payments.Transaction{
		ID:            p.ID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		CardBIN:       p.CardBIN,
		CaptureAmount: p.CaptureAmount,
		Instrument:    p.Instrument,
		RequestedAt:   in.now().UTC(),
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		WriteError(resp, err)
		return
	}
	if _, err := in.worker.Write(payload); err != nil {
		in.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to send payment to worker via UDP")
		WriteJSON(resp, fasthttp.StatusServiceUnavailable, errorBody{Error: "worker unavailable"})
		return
	}
	WriteJSON(resp, fasthttp.StatusAccepted, accepted{ID: tx.ID})
}
