package psp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigFastest

const defaultHTTPTimeout = 2 * time.Second

// HTTPAdapter talks to a PSP that exposes POST {base}/{authorize,capture,
// refund,void} with JSON bodies.
type HTTPAdapter struct {
	id       string
	provider string
	baseURL  string
	timeout  time.Duration
	client   *fasthttp.Client
}

type HTTPOption func(*HTTPAdapter)

func WithHTTPClient(c *fasthttp.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

func NewHTTPAdapter(id, provider, baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPAdapter {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	a := &HTTPAdapter{
		id:       id,
		provider: strings.ToUpper(provider),
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = &fasthttp.Client{
			Name:                     "psp-orchestrator",
			MaxConnsPerHost:          512,
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			NoDefaultUserAgentHeader: true,
		}
	}
	return a
}

func (a *HTTPAdapter) ID() string { return a.id }

func (a *HTTPAdapter) Provider() string { return a.provider }

func (a *HTTPAdapter) Authorize(ctx context.Context, r Request) (payments.RawResponse, error) {
	return a.do(ctx, "authorize", r)
}

func (a *HTTPAdapter) Capture(ctx context.Context, r Request) (payments.RawResponse, error) {
	return a.do(ctx, "capture", r)
}

func (a *HTTPAdapter) Refund(ctx context.Context, r Request) (payments.RawResponse, error) {
	return a.do(ctx, "refund", r)
}

func (a *HTTPAdapter) Void(ctx context.Context, r Request) (payments.RawResponse, error) {
	return a.do(ctx, "void", r)
}

type wireResponse struct {
	Status    string            `json:"status"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Reference string            `json:"reference"`
	Fields    map[string]string `json:"fields"`
}

func (a *HTTPAdapter) do(ctx context.Context, op string, r Request) (payments.RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return payments.RawResponse{}, TransportError(a.id, err)
	}

	body, err := json.Marshal(r)
	if err != nil {
		return payments.RawResponse{}, fmt.Errorf("marshal %s request: %w", op, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseURL + "/" + op)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", r.OrderID+":"+op)
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(a.timeout)
	}
	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		return payments.RawResponse{}, TransportError(a.id, err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 500, code == fasthttp.StatusRequestTimeout, code == fasthttp.StatusTooManyRequests:
		return payments.RawResponse{}, TransportError(a.id, fmt.Errorf("%s returned status %d", op, code))
	}

	var wr wireResponse
	if err := json.Unmarshal(resp.Body(), &wr); err != nil {
		// The PSP answered; leave the status empty so it normalizes to UNKNOWN.
		return payments.RawResponse{
			PSP:     a.id,
			Code:    fmt.Sprint(code),
			Message: "unparseable response body",
		}, nil
	}

	return payments.RawResponse{
		PSP:       a.id,
		Status:    wr.Status,
		Code:      wr.Code,
		Message:   wr.Message,
		Reference: wr.Reference,
		Fields:    wr.Fields,
	}, nil
}
