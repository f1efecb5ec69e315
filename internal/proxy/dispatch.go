package proxy

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/metrics"
	"github.com/tternquist/datagram-dns-proxy/internal/upstream"
)

// Server is a started client-facing DNS server. Close is idempotent.
type Server interface {
	Close(ctx context.Context) error
}

// SendFunc delivers a resolved response back to the requester the query
// arrived with. The requester token is opaque to the dispatcher: a socket
// address for UDP/DTLS, a rendezvous token for CoAP.
type SendFunc func(response []byte, requester any)

// Dispatcher fans queries out to the shared upstream client. Every
// client-facing server embeds one; the (query bytes, requester token)
// contract is the only coupling between a server and the upstream.
type Dispatcher struct {
	upstream  upstream.Exchanger
	timeout   time.Duration
	limiter   *rate.Limiter
	transport string
	logger    *slog.Logger
}

// NewDispatcher builds a dispatcher for one server. transport labels logs
// and metrics. maxQPS > 0 installs an inbound rate limit; queries beyond
// it are dropped before dispatch.
func NewDispatcher(ex upstream.Exchanger, timeout time.Duration, maxQPS int, transport string, logger *slog.Logger) *Dispatcher {
	var limiter *rate.Limiter
	if maxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxQPS), maxQPS)
	}
	return &Dispatcher{
		upstream:  ex,
		timeout:   timeout,
		limiter:   limiter,
		transport: transport,
		logger:    logging.OrDiscard(logger),
	}
}

// Dispatch schedules one upstream query and returns immediately. The
// response reaches send in upstream-completion order, not arrival order;
// there is no per-requester serialization. Unparseable queries are logged
// and dropped without a response.
func (d *Dispatcher) Dispatch(query []byte, requester any, send SendFunc) {
	if d.limiter != nil && !d.limiter.Allow() {
		d.logger.Warn("query dropped by rate limit", "transport", d.transport)
		metrics.DroppedQueriesTotal.WithLabelValues(d.transport).Inc()
		return
	}
	metrics.RecordQuery(d.transport)

	go func() {
		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		response, err := d.upstream.Query(ctx, query)
		if err != nil {
			d.logger.Warn("dropping unparseable query", "transport", d.transport, "error", err)
			return
		}
		send(response, requester)
		metrics.RecordResponse(d.transport)
	}()
}
