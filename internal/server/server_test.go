package server

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/config"
	"github.com/JosineyJr/psp-orchestrator/internal/orchestrator"
	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	"github.com/JosineyJr/psp-orchestrator/internal/session"
	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	"github.com/JosineyJr/psp-orchestrator/internal/webhook"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

const secret = "whsec_test"

func TestParseRequest(t *testing.T) {
	get := "GET /sagas/tx-1 HTTP/1.1\r\nHost: worker\r\n\r\n"
	post := "POST /payments HTTP/1.1\r\nHost: api\r\nContent-Length: 13\r\n\r\n{\"amount\":10}"

	var req fasthttp.Request
	n, err := ParseRequest([]byte(get+post), &req)
	require.NoError(t, err)
	assert.Equal(t, len(get), n)
	assert.Equal(t, "/sagas/tx-1", string(req.URI().Path()))

	req.Reset()
	n, err = ParseRequest([]byte(post), &req)
	require.NoError(t, err)
	assert.Equal(t, len(post), n)
	assert.Equal(t, `{"amount":10}`, string(req.Body()))

	n, err = ParseRequest([]byte(post[:len(post)-3]), &req)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ParseRequest([]byte("GET / HTTP/1.1\r\nHost"), &req)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = ParseRequest([]byte("POST /x HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n"), &req)
	assert.Error(t, err)
}

func TestConnQueueKeepsArrivalOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	q := &connQueue{}
	run := func(batch []*fasthttp.Request) {
		defer wg.Done()
		for _, req := range batch {
			if string(req.URI().Path()) == "/slow" {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, string(req.URI().Path()))
			mu.Unlock()
		}
	}
	request := func(path string) *fasthttp.Request {
		req := &fasthttp.Request{}
		req.SetRequestURI(path)
		return req
	}

	wg.Add(3)
	q.enqueue([]*fasthttp.Request{request("/slow")}, run)
	q.enqueue([]*fasthttp.Request{request("/fast-1"), request("/fast-2")}, run)
	q.enqueue([]*fasthttp.Request{request("/fast-3")}, run)
	wg.Wait()

	assert.Equal(t, []string{"/slow", "/fast-1", "/fast-2", "/fast-3"}, order)

	wg.Add(1)
	q.enqueue([]*fasthttp.Request{request("/again")}, run)
	wg.Wait()
	assert.Equal(t, "/again", order[len(order)-1])
}

func TestWriteErrorIncludesDeclineReason(t *testing.T) {
	var resp fasthttp.Response
	WriteError(&resp, &payments.Error{Kind: payments.KindDefinitiveDecline, PSP: "sim", Reason: "card expired"})
	assert.Equal(t, fasthttp.StatusPaymentRequired, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"reason":"card expired"`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{payments.ErrNotFound, fasthttp.StatusNotFound},
		{payments.ErrNoRoute, fasthttp.StatusUnprocessableEntity},
		{payments.ErrLimitExceeded, fasthttp.StatusUnprocessableEntity},
		{payments.ErrIllegalTransition, fasthttp.StatusConflict},
		{payments.ErrSignatureInvalid, fasthttp.StatusUnauthorized},
		{payments.ErrReplayDetected, fasthttp.StatusUnauthorized},
		{payments.ErrDefinitiveDecline, fasthttp.StatusPaymentRequired},
		{payments.ErrAllPSPsExhausted, fasthttp.StatusServiceUnavailable},
		{errors.New("boom"), fasthttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("no route to worker") }

func TestIntake(t *testing.T) {
	logger := zerolog.Nop()
	var sent bytes.Buffer
	in := NewIntake(&sent, &logger)

	do := func(method, path, body string) *fasthttp.Response {
		var req fasthttp.Request
		req.Header.SetMethod(method)
		req.SetRequestURI(path)
		req.SetBodyString(body)
		resp := &fasthttp.Response{}
		in.Handle(context.Background(), &req, resp)
		return resp
	}

	resp := do(fasthttp.MethodPost, "/payments", `{"amount":1250,"currency":"eur","instrument":{"token":"tok_1","bin":"411111"}}`)
	require.Equal(t, fasthttp.StatusAccepted, resp.StatusCode())
	var ack accepted
	require.NoError(t, json.Unmarshal(resp.Body(), &ack))
	assert.NotEmpty(t, ack.ID)

	var tx payments.Transaction
	require.NoError(t, json.Unmarshal(sent.Bytes(), &tx))
	assert.Equal(t, ack.ID, tx.ID)
	assert.Equal(t, "EUR", tx.Currency)
	assert.Equal(t, "411111", tx.CardBIN)
	assert.False(t, tx.RequestedAt.IsZero())

	assert.Equal(t, fasthttp.StatusBadRequest, do(fasthttp.MethodPost, "/payments", `{"amount":0,"currency":"EUR"}`).StatusCode())
	assert.Equal(t, fasthttp.StatusBadRequest, do(fasthttp.MethodPost, "/payments", `{"amount":10,"currency":"EURO"}`).StatusCode())
	assert.Equal(t, fasthttp.StatusBadRequest, do(fasthttp.MethodPost, "/payments", `not json`).StatusCode())
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, do(fasthttp.MethodGet, "/payments", "").StatusCode())
	assert.Equal(t, fasthttp.StatusNotFound, do(fasthttp.MethodPost, "/elsewhere", "").StatusCode())

	in = NewIntake(failingWriter{}, &logger)
	assert.Equal(t, fasthttp.StatusServiceUnavailable,
		do(fasthttp.MethodPost, "/payments", `{"amount":10,"currency":"USD"}`).StatusCode())
}

func newWorker(t *testing.T) (*Worker, *orchestrator.Orchestrator) {
	t.Helper()
	snap, err := config.LoadSnapshot("")
	require.NoError(t, err)
	logger := zerolog.Nop()
	kv := storage.NewMemoryKV()
	orch := orchestrator.New(config.NewHolder(snap), orchestrator.Options{Events: kv, Logger: &logger})
	w := NewWorker(orch, webhook.NewVerifier(secret), session.NewManager(kv, 0), &logger)
	return w, orch
}

func serve(w *Worker, method, uri string, body []byte, headers map[string]string) *fasthttp.Response {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.SetBody(body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := &fasthttp.Response{}
	w.Handle(context.Background(), &req, resp)
	return resp
}

func TestWorkerSagaOperations(t *testing.T) {
	w, orch := newWorker(t)
	_, err := orch.Handle(context.Background(), payments.Transaction{ID: "tx-1", Amount: 10000, Currency: "USD"})
	require.NoError(t, err)

	resp := serve(w, fasthttp.MethodGet, "/sagas/tx-1", nil, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"state":"AUTHORIZED"`)

	assert.Equal(t, fasthttp.StatusNotFound, serve(w, fasthttp.MethodGet, "/sagas/nope", nil, nil).StatusCode())
	assert.Equal(t, fasthttp.StatusBadRequest, serve(w, fasthttp.MethodPost, "/sagas/tx-1/capture?amount=abc", nil, nil).StatusCode())

	resp = serve(w, fasthttp.MethodPost, "/sagas/tx-1/capture", nil, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	resp = serve(w, fasthttp.MethodPost, "/sagas/tx-1/refund?amount=9000", nil, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	resp = serve(w, fasthttp.MethodPost, "/sagas/tx-1/refund?amount=2000", nil, nil)
	require.Equal(t, fasthttp.StatusUnprocessableEntity, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"remaining":1000`)

	resp = serve(w, fasthttp.MethodPost, "/sagas/tx-1/void", nil, nil)
	assert.Equal(t, fasthttp.StatusConflict, resp.StatusCode())

	resp = serve(w, fasthttp.MethodPost, "/sagas/tx-1/settle", nil, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"state":"SETTLED"`)

	resp = serve(w, fasthttp.MethodGet, "/sagas/tx-1/history", nil, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	var history []saga.Entry
	require.NoError(t, json.Unmarshal(resp.Body(), &history))
	require.Len(t, history, 6)
	assert.Equal(t, saga.Created, history[0].State)
	assert.Equal(t, saga.Settled, history[5].State)
	assert.Equal(t, fasthttp.StatusNotFound, serve(w, fasthttp.MethodGet, "/sagas/nope/history", nil, nil).StatusCode())

	resp = serve(w, fasthttp.MethodGet, "/psp-health", nil, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"sim-primary"`)
}

func TestWorkerWebhook(t *testing.T) {
	w, orch := newWorker(t)
	// .31 asks for 3DS and leaves the saga authorizing
	_, err := orch.Handle(context.Background(), payments.Transaction{ID: "tx-3ds", Amount: 1031, Currency: "USD"})
	require.NoError(t, err)

	body := []byte(`{"id":"evt-1","transactionId":"tx-3ds","status":"APPROVED"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	signed := map[string]string{
		headerSignature: webhook.Sign(secret, ts, body),
		headerTimestamp: ts,
	}

	resp := serve(w, fasthttp.MethodPost, "/webhooks/sim-primary", body, map[string]string{
		headerSignature: webhook.Sign("wrong", ts, body),
		headerTimestamp: ts,
	})
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), string(payments.KindSignatureInvalid))

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	resp = serve(w, fasthttp.MethodPost, "/webhooks/sim-primary", body, map[string]string{
		headerSignature: webhook.Sign(secret, stale, body),
		headerTimestamp: stale,
	})
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), string(payments.KindReplayDetected))

	snap, err := orch.Saga(context.Background(), "tx-3ds")
	require.NoError(t, err)
	assert.Equal(t, "AUTHORIZING", string(snap.State))

	resp = serve(w, fasthttp.MethodPost, "/webhooks/sim-primary", body, signed)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"state":"AUTHORIZED"`)

	malformed := []byte(`{"id":"evt-2"}`)
	resp = serve(w, fasthttp.MethodPost, "/webhooks/sim-primary", malformed, map[string]string{
		headerSignature: webhook.Sign(secret, ts, malformed),
		headerTimestamp: ts,
	})
	assert.Equal(t, fasthttp.StatusBadRequest, resp.StatusCode())
}

func TestWorkerSessions(t *testing.T) {
	w, _ := newWorker(t)

	resp := serve(w, fasthttp.MethodPost, "/sessions", []byte(`{"orderId":"ord-1","amount":500,"currency":"usd"}`), nil)
	require.Equal(t, fasthttp.StatusCreated, resp.StatusCode())
	var s session.Session
	require.NoError(t, json.Unmarshal(resp.Body(), &s))
	assert.Equal(t, "USD", s.Currency)

	resp = serve(w, fasthttp.MethodGet, "/sessions/"+s.Token, nil, nil)
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	resp = serve(w, fasthttp.MethodDelete, "/sessions/"+s.Token, nil, nil)
	assert.Equal(t, fasthttp.StatusNoContent, resp.StatusCode())

	resp = serve(w, fasthttp.MethodGet, "/sessions/"+s.Token, nil, nil)
	assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode())

	resp = serve(w, fasthttp.MethodPost, "/sessions", []byte(`{"amount":500}`), nil)
	assert.Equal(t, fasthttp.StatusBadRequest, resp.StatusCode())
}

func TestWorkerExpiredSession(t *testing.T) {
	snap, err := config.LoadSnapshot("")
	require.NoError(t, err)
	logger := zerolog.Nop()
	kv := storage.NewMemoryKV()
	orch := orchestrator.New(config.NewHolder(snap), orchestrator.Options{Events: kv, Logger: &logger})
	w := NewWorker(orch, webhook.NewVerifier(secret), session.NewManager(kv, 30*time.Millisecond), &logger)

	resp := serve(w, fasthttp.MethodPost, "/sessions", []byte(`{"orderId":"ord-2","amount":500,"currency":"EUR"}`), nil)
	require.Equal(t, fasthttp.StatusCreated, resp.StatusCode())
	var s session.Session
	require.NoError(t, json.Unmarshal(resp.Body(), &s))

	time.Sleep(60 * time.Millisecond)
	resp = serve(w, fasthttp.MethodGet, "/sessions/"+s.Token, nil, nil)
	assert.Equal(t, fasthttp.StatusGone, resp.StatusCode())
}
