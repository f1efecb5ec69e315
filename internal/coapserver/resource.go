package coapserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/mux"

	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/metrics"
	"github.com/tternquist/datagram-dns-proxy/internal/proxy"
)

// application/dns-message content format identifiers. 553 is the IANA
// registration and the one emitted; 65053 is the pre-registration value
// some deployed clients still send, accepted on ingress only.
const (
	mediaTypeDNSMessage       message.MediaType = 553
	mediaTypeDNSMessageLegacy message.MediaType = 65053
)

// resolveTimeout bounds the rendezvous wait for queries the dispatcher
// never answers (rate-limited or unparseable).
const resolveTimeout = 10 * time.Second

// codesFETCH is the RFC 8132 FETCH method code. go-coap/v2's codes
// package does not define it.
const codesFETCH codes.Code = 5

func isDNSMessageFormat(mt message.MediaType) bool {
	return mt == mediaTypeDNSMessage || mt == mediaTypeDNSMessageLegacy
}

// resource serves the DNS query resource: GET with a base64url dns
// parameter, POST and FETCH with an application/dns-message payload.
//
// Each request mints a rendezvous token and parks on its response slot;
// the dispatcher completes the slot from the upstream task. Tokens are
// minted per request, so identical concurrent queries resolve
// independently.
type resource struct {
	dispatcher *proxy.Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	nextTok uint64
	pending map[uint64]chan []byte
}

func newResource(dispatcher *proxy.Dispatcher, logger *slog.Logger) *resource {
	return &resource{
		dispatcher: dispatcher,
		logger:     logging.OrDiscard(logger),
		pending:    make(map[uint64]chan []byte),
	}
}

func (rs *resource) handle(w mux.ResponseWriter, r *mux.Message) {
	switch r.Code {
	case codes.GET:
		rs.handleGet(w, r)
	case codes.POST:
		rs.handleWithPayload(w, r, codes.Changed)
	case codesFETCH:
		rs.handleWithPayload(w, r, codes.Content)
	default:
		rs.respondError(w, codes.MethodNotAllowed)
	}
}

func (rs *resource) handleGet(w mux.ResponseWriter, r *mux.Message) {
	var encoded string
	var found bool
	for _, opt := range r.Options {
		if opt.ID != message.URIQuery {
			continue
		}
		if key, value, ok := strings.Cut(string(opt.Value), "="); ok && key == "dns" {
			encoded, found = value, true
		}
	}
	if !found {
		rs.respondError(w, codes.BadRequest)
		return
	}
	query, err := base64.URLEncoding.DecodeString(padBase64(encoded))
	if err != nil {
		rs.respondError(w, codes.BadRequest)
		return
	}
	rs.respond(w, r, query, codes.Content)
}

func (rs *resource) handleWithPayload(w mux.ResponseWriter, r *mux.Message, successCode codes.Code) {
	contentFormat, err := r.Options.ContentFormat()
	if err != nil || !isDNSMessageFormat(contentFormat) {
		rs.respondError(w, codes.UnsupportedMediaType)
		return
	}
	query := readBody(r)
	if len(query) == 0 {
		rs.respondError(w, codes.BadRequest)
		return
	}
	rs.respond(w, r, query, successCode)
}

// respond validates the Accept option, resolves the query through the
// dispatcher and renders the DNS response.
func (rs *resource) respond(w mux.ResponseWriter, r *mux.Message, query []byte, successCode codes.Code) {
	if accept, err := r.Options.GetUint32(message.Accept); err == nil {
		if !isDNSMessageFormat(message.MediaType(accept)) {
			rs.respondError(w, codes.NotAcceptable)
			return
		}
	}

	response, ok := rs.resolve(r, query)
	if !ok {
		rs.respondError(w, codes.ServiceUnavailable)
		return
	}
	if err := w.SetResponse(successCode, mediaTypeDNSMessage, bytes.NewReader(response)); err != nil {
		rs.logger.Warn("coap response write failed", "error", err)
	}
}

// resolve parks the request on a fresh rendezvous slot until the upstream
// task completes it.
func (rs *resource) resolve(r *mux.Message, query []byte) ([]byte, bool) {
	rs.mu.Lock()
	rs.nextTok++
	token := rs.nextTok
	slot := make(chan []byte, 1)
	rs.pending[token] = slot
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		delete(rs.pending, token)
		rs.mu.Unlock()
	}()

	rs.dispatcher.Dispatch(query, token, rs.sendResponseToRequester)

	// The upstream client answers every parseable query (SERVFAIL at
	// worst); the timer covers queries the dispatcher dropped.
	guard := time.NewTimer(resolveTimeout)
	defer guard.Stop()
	ctx := r.Context
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case response := <-slot:
		return response, true
	case <-guard.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// sendResponseToRequester completes the rendezvous slot for the request
// the response belongs to. A missing slot means the requester gave up
// (request context cancelled) before the upstream finished.
func (rs *resource) sendResponseToRequester(response []byte, requester any) {
	token := requester.(uint64)
	rs.mu.Lock()
	slot, ok := rs.pending[token]
	rs.mu.Unlock()
	if !ok {
		rs.logger.Debug("dropping response for abandoned coap request", "token", token)
		return
	}
	slot <- response
}

func (rs *resource) respondError(w mux.ResponseWriter, code codes.Code) {
	metrics.CoAPErrorsTotal.WithLabelValues(code.String()).Inc()
	if err := w.SetResponse(code, message.TextPlain, nil); err != nil {
		rs.logger.Warn("coap error response write failed", "code", code, "error", err)
	}
}

// padBase64 restores the '=' padding RFC 8484 clients strip.
func padBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		return s + strings.Repeat("=", 4-rem)
	}
	return s
}

func readBody(r *mux.Message) []byte {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	return body
}
