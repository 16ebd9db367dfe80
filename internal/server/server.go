package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigFastest

var (
	headerEnd = []byte("\r\n\r\n")

	errChunked = errors.New("chunked request bodies are not supported")
)

// Handler serves one parsed request. It may block; connections run their
// handlers off the event loop.
type Handler func(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response)

// HTTPServer speaks just enough HTTP/1.1 on top of gnet for the internal
// endpoints: keep-alive, pipelining and Content-Length bodies.
type HTTPServer struct {
	gnet.BuiltinEventEngine

	name    string
	handler Handler
	logger  *zerolog.Logger
	ctx     context.Context

	mu  sync.Mutex
	eng gnet.Engine
}

func NewHTTPServer(ctx context.Context, name string, handler Handler, logger *zerolog.Logger) *HTTPServer {
	return &HTTPServer{name: name, handler: handler, logger: logger, ctx: ctx}
}

// Run blocks until the engine stops.
func (s *HTTPServer) Run(addr string) error {
	return gnet.Run(s, addr,
		gnet.WithReusePort(true),
		gnet.WithMulticore(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()
	return eng.Stop(ctx)
}

func (s *HTTPServer) OnBoot(eng gnet.Engine) (action gnet.Action) {
	s.mu.Lock()
	s.eng = eng
	s.mu.Unlock()
	s.logger.Info().Str("server", s.name).Msg("gnet HTTP server started")
	return
}

func (s *HTTPServer) OnTraffic(c gnet.Conn) (action gnet.Action) {
	buf, err := c.Peek(-1)
	if err != nil {
		return gnet.Close
	}

	var reqs []*fasthttp.Request
	consumed := 0
	for consumed < len(buf) {
		req := fasthttp.AcquireRequest()
		n, err := ParseRequest(buf[consumed:], req)
		if err != nil {
			fasthttp.ReleaseRequest(req)
			s.logger.Debug().Err(err).Str("server", s.name).Msg("Malformed request")
			c.Write(badRequest)
			return gnet.Close
		}
		if n == 0 {
			fasthttp.ReleaseRequest(req)
			break
		}
		reqs = append(reqs, req)
		consumed += n
	}
	if _, err := c.Discard(consumed); err != nil {
		return gnet.Close
	}
	if len(reqs) == 0 {
		return gnet.None
	}

	q, _ := c.Context().(*connQueue)
	if q == nil {
		q = &connQueue{}
		c.SetContext(q)
	}
	q.enqueue(reqs, func(batch []*fasthttp.Request) { s.serve(c, batch) })
	return gnet.None
}

func (s *HTTPServer) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	c.SetContext(&connQueue{})
	return
}

// connQueue runs the request batches of one connection in arrival order, on
// at most one goroutine at a time, so pipelined responses keep their order.
type connQueue struct {
	mu      sync.Mutex
	pending [][]*fasthttp.Request
	running bool
}

func (q *connQueue) enqueue(reqs []*fasthttp.Request, run func([]*fasthttp.Request)) {
	q.mu.Lock()
	q.pending = append(q.pending, reqs)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go func() {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.running = false
				q.mu.Unlock()
				return
			}
			batch := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			run(batch)
		}
	}()
}

func (s *HTTPServer) serve(c gnet.Conn, reqs []*fasthttp.Request) {
	var out bytes.Buffer
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	for _, req := range reqs {
		resp.Reset()
		s.handler(s.ctx, req, resp)
		if _, err := resp.WriteTo(&out); err != nil {
			s.logger.Error().Err(err).Str("server", s.name).Msg("Failed to encode response")
		}
		fasthttp.ReleaseRequest(req)
	}
	if err := c.AsyncWrite(out.Bytes(), nil); err != nil {
		s.logger.Debug().Err(err).Str("server", s.name).Msg("Failed to write response")
	}
}

var badRequest = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

// ParseRequest reads one request from the front of buf into req. It returns
// 0 and no error while the request is still incomplete.
func ParseRequest(buf []byte, req *fasthttp.Request) (int, error) {
	end := bytes.Index(buf, headerEnd)
	if end == -1 {
		return 0, nil
	}
	head := end + len(headerEnd)

	var hdr fasthttp.RequestHeader
	if err := hdr.Read(bufio.NewReader(bytes.NewReader(buf[:head]))); err != nil {
		return 0, fmt.Errorf("read request header: %w", err)
	}
	length := hdr.ContentLength()
	if length == -1 {
		return 0, errChunked
	}
	if length < 0 {
		length = 0
	}
	total := head + length
	if len(buf) < total {
		return 0, nil
	}
	if err := req.Read(bufio.NewReader(bytes.NewReader(buf[:total]))); err != nil {
		return 0, fmt.Errorf("read request: %w", err)
	}
	return total, nil
}

// WriteJSON encodes v as the response body.
func WriteJSON(resp *fasthttp.Response, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		resp.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	resp.SetStatusCode(status)
	resp.Header.SetContentType("application/json")
	resp.SetBody(body)
}

type errorBody struct {
	Error      string   `json:"error"`
	Kind       string   `json:"kind,omitempty"`
	State      string   `json:"state,omitempty"`
	PSP        string   `json:"psp,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Remaining  *int64   `json:"remaining,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// WriteError maps err onto a status code and a JSON error body.
func WriteError(resp *fasthttp.Response, err error) {
	body := errorBody{Error: err.Error()}
	var pe *payments.Error
	if errors.As(err, &pe) {
		body.Kind = string(pe.Kind)
		body.State = pe.State
		body.PSP = pe.PSP
		body.Reason = pe.Reason
		body.Candidates = pe.Candidates
		if pe.Kind == payments.KindLimitExceeded {
			remaining := pe.Remaining
			body.Remaining = &remaining
		}
	}
	WriteJSON(resp, StatusFor(err), body)
}

func StatusFor(err error) int {
	switch payments.KindOf(err) {
	case payments.KindNotFound:
		return fasthttp.StatusNotFound
	case payments.KindNoRoute, payments.KindLimitExceeded:
		return fasthttp.StatusUnprocessableEntity
	case payments.KindIllegalTransition:
		return fasthttp.StatusConflict
	case payments.KindSignatureInvalid, payments.KindReplayDetected:
		return fasthttp.StatusUnauthorized
	case payments.KindDefinitiveDecline:
		return fasthttp.StatusPaymentRequired
	case payments.KindPSPFailure:
		return fasthttp.StatusBadGateway
	case payments.KindTransportFailure:
		return fasthttp.StatusGatewayTimeout
	case payments.KindAllPSPsExhausted:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}
