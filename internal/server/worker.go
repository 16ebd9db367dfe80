package server

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/JosineyJr/psp-orchestrator/internal/orchestrator"
	"github.com/JosineyJr/psp-orchestrator/internal/session"
	"github.com/JosineyJr/psp-orchestrator/internal/webhook"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
)

type sessionRequest struct {
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Worker serves saga lookups, history and operations, PSP webhooks, payment sessions
// and the PSP health report.
type Worker struct {
	orch     *orchestrator.Orchestrator
	verifier *webhook.Verifier
	sessions *session.Manager
	logger   *zerolog.Logger
}

func NewWorker(orch *orchestrator.Orchestrator, verifier *webhook.Verifier, sessions *session.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{orch: orch, verifier: verifier, sessions: sessions, logger: logger}
}

func (w *Worker) Handle(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) {
	path := strings.Trim(string(req.URI().Path()), "/")
	parts := strings.Split(path, "/")
	method := string(req.Header.Method())

	switch {
	case path == "psp-health" && method == fasthttp.MethodGet:
		WriteJSON(resp, fasthttp.StatusOK, w.orch.Health().Report())

	case parts[0] == "sagas" && len(parts) == 2 && method == fasthttp.MethodGet:
		snap, err := w.orch.Saga(ctx, parts[1])
		if err != nil {
			WriteError(resp, err)
			return
		}
		WriteJSON(resp, fasthttp.StatusOK, snap)

	case parts[0] == "sagas" && len(parts) == 3 && parts[2] == "history" && method == fasthttp.MethodGet:
		history, err := w.orch.History(ctx, parts[1])
		if err != nil {
			WriteError(resp, err)
			return
		}
		WriteJSON(resp, fasthttp.StatusOK, history)

	case parts[0] == "sagas" && len(parts) == 3 && method == fasthttp.MethodPost:
		w.sagaOperation(ctx, parts[1], parts[2], req, resp)

	case parts[0] == "webhooks" && len(parts) == 2 && method == fasthttp.MethodPost:
		w.webhook(ctx, parts[1], req, resp)

	case parts[0] == "sessions" && len(parts) == 1 && method == fasthttp.MethodPost:
		var sr sessionRequest
		if err := json.Unmarshal(req.Body(), &sr); err != nil || sr.OrderID == "" || sr.Amount <= 0 {
			WriteJSON(resp, fasthttp.StatusBadRequest, errorBody{Error: "orderId and a positive amount are required"})
			return
		}
		s, err := w.sessions.Create(ctx, sr.OrderID, sr.Amount, strings.ToUpper(sr.Currency))
		if err != nil {
			WriteError(resp, err)
			return
		}
		WriteJSON(resp, fasthttp.StatusCreated, s)

	case parts[0] == "sessions" && len(parts) == 2 && method == fasthttp.MethodGet:
		s, err := w.sessions.Validate(ctx, parts[1])
		switch {
		case errors.Is(err, session.ErrNotFound):
			WriteJSON(resp, fasthttp.StatusNotFound, errorBody{Error: err.Error()})
		case errors.Is(err, session.ErrExpired):
			WriteJSON(resp, fasthttp.StatusGone, errorBody{Error: err.Error()})
		case err != nil:
			WriteError(resp, err)
		default:
			WriteJSON(resp, fasthttp.StatusOK, s)
		}

	case parts[0] == "sessions" && len(parts) == 2 && method == fasthttp.MethodDelete:
		if err := w.sessions.Close(ctx, parts[1]); err != nil {
			WriteError(resp, err)
			return
		}
		resp.SetStatusCode(fasthttp.StatusNoContent)

	default:
		resp.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (w *Worker) sagaOperation(ctx context.Context, id, op string, req *fasthttp.Request, resp *fasthttp.Response) {
	var amount int64
	if raw := req.URI().QueryArgs().Peek("amount"); len(raw) > 0 {
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			WriteJSON(resp, fasthttp.StatusBadRequest, errorBody{Error: "amount must be an integer in minor units"})
			return
		}
		amount = v
	}

	var (
		result any
		err    error
	)
	switch op {
	case "capture":
		result, err = w.orch.Capture(ctx, id, amount)
	case "settle":
		result, err = w.orch.Settle(ctx, id)
	case "refund":
		result, err = w.orch.Refund(ctx, id, amount)
	case "void":
		result, err = w.orch.Void(ctx, id)
	case "reverse":
		result, err = w.orch.Reverse(ctx, id, amount)
	default:
		resp.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("transaction_id", id).Str("operation", op).Msg("Saga operation rejected")
		WriteError(resp, err)
		return
	}
	WriteJSON(resp, fasthttp.StatusOK, result)
}

func (w *Worker) webhook(ctx context.Context, pspID string, req *fasthttp.Request, resp *fasthttp.Response) {
	body := req.Body()
	signature := string(req.Header.Peek(headerSignature))
	timestamp := string(req.Header.Peek(headerTimestamp))

	if err := w.verifier.Verify(signature, timestamp, body); err != nil {
		w.logger.Warn().Err(err).Str("psp", pspID).Msg("Webhook rejected")
		WriteError(resp, err)
		return
	}
	ev, err := webhook.ParseEvent(pspID, body)
	if err != nil {
		WriteJSON(resp, fasthttp.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	snap, err := w.orch.ApplyEvent(ctx, ev)
	switch {
	case errors.Is(err, orchestrator.ErrManualReview):
		WriteJSON(resp, fasthttp.StatusAccepted, errorBody{Error: err.Error()})
	case err != nil:
		w.logger.Warn().Err(err).Str("psp", pspID).Str("event_id", ev.ID).Str("transaction_id", ev.TransactionID).
			Msg("Webhook event not applied")
		WriteError(resp, err)
	default:
		WriteJSON(resp, fasthttp.StatusOK, snap)
	}
}
