// Package coap is the public surface of the message-exchange engine:
// an Endpoint that owns one transport and drives Confirmable
// reliability, token correlation, block-wise transfer, and Observe
// subscriptions on top of it.
package coap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"coap/internal/config"
	"coap/internal/exchange"
	"coap/internal/message"
	"coap/internal/metrics"
	"coap/internal/obslog"
	"coap/internal/observe"
	"coap/internal/timerwheel"
	"coap/internal/transaction"
	"coap/internal/transport"
)

// Notification is one delivered Observe update.
type Notification struct {
	Sequence uint32
	Response *Response
}

// ObserveStream is the handle returned by SendObserve: a channel of
// ordered, de-duplicated notifications and a way to deregister.
type ObserveStream struct {
	Notifications <-chan Notification
	cancelFn      func(ctx context.Context) error
}

// Cancel deregisters the subscription, emitting a best-effort GET with
// Observe=1, and stops delivery.
func (s *ObserveStream) Cancel(ctx context.Context) error {
	return s.cancelFn(ctx)
}

// EndpointOption customizes a new Endpoint's ambient dependencies.
type EndpointOption func(*Endpoint)

// WithLogger overrides the default stderr text logger.
func WithLogger(log logrus.FieldLogger) EndpointOption {
	return func(e *Endpoint) { e.log = obslog.Component(log, "endpoint") }
}

// WithMetricsRegisterer registers this endpoint's metrics on reg
// instead of a private, unexported registry.
func WithMetricsRegisterer(reg prometheus.Registerer, namespace string) EndpointOption {
	return func(e *Endpoint) { e.metrics = metrics.NewSet(reg, namespace) }
}

// Endpoint owns a Transport, the transaction/exchange tables, the
// Observe registry, and the single background receive pump goroutine
// that drives all of them.
type Endpoint struct {
	cfg config.EndpointConfig
	tr  transport.Transport

	wheel   *timerwheel.Wheel
	txLayer *transaction.Layer
	exTable *exchange.Table
	obsReg  *observe.Registry

	log     *logrus.Entry
	metrics *metrics.Set

	midMu sync.Mutex
	midCt uint16

	handlerMu sync.RWMutex
	handler   Handler

	seqMu     sync.Mutex
	seqByPath map[string]*observe.SequenceCounter

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	shutdownOnce sync.Once
}

// NewEndpoint builds an Endpoint bound to tr and starts its receive
// pump immediately; Serve only installs the Handler that pump
// dispatches inbound requests to.
func NewEndpoint(tr transport.Transport, cfg config.EndpointConfig, opts ...EndpointOption) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	wheel := timerwheel.New(cfg.TimerWheelGranularity)

	e := &Endpoint{
		cfg:       cfg,
		tr:        tr,
		wheel:     wheel,
		exTable:   exchange.NewTable(cfg),
		obsReg:    observe.NewRegistry(),
		log:       obslog.Component(obslog.New("info", false), "endpoint"),
		metrics:   metrics.NewSet(prometheus.NewRegistry(), "coap"),
		midCt:     randomSeed16(),
		seqByPath: make(map[string]*observe.SequenceCounter),
		ctx:       gctx,
		cancel:    cancel,
		group:     group,
	}
	e.txLayer = transaction.New(cfg, wheel, tr.Send)
	e.txLayer.SetHooks(transaction.Hooks{
		OnRetransmit: func() { e.metrics.Retransmissions.Inc() },
		OnAckTimeout: func() { e.metrics.AckTimeouts.Inc() },
	})

	for _, opt := range opts {
		opt(e)
	}

	group.Go(func() error { return e.pump(gctx) })
	return e
}

func randomSeed16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (e *Endpoint) nextMessageID() uint16 {
	e.midMu.Lock()
	defer e.midMu.Unlock()
	e.midCt++
	return e.midCt
}

// Serve installs handler as the resource handler for inbound requests
// and blocks until the endpoint is shut down or the receive pump fails.
func (e *Endpoint) Serve(handler Handler) error {
	e.handlerMu.Lock()
	e.handler = handler
	e.handlerMu.Unlock()
	return e.group.Wait()
}

// Shutdown stops the receive pump and closes the transport. It is
// idempotent.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		e.cancel()
		err = e.tr.Close()
		e.wheel.Stop()
	})
	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) resolvePeer(uriHost string, uriPort uint16) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", uriHost, uriPort))
}

// Send performs a one-shot request/response exchange. It blocks until
// a response is correlated, the context expires, or the Confirmable
// transaction fails.
func (e *Endpoint) Send(ctx context.Context, req *Request, opts ...Option) (*Response, error) {
	for _, opt := range opts {
		opt(req)
	}

	peer, err := e.resolvePeer(req.URI.Host(), req.URI.Port())
	if err != nil {
		return nil, newError("Send", KindTransportError, err)
	}

	token, err := e.exTable.NewToken()
	if err != nil {
		return nil, newError("Send", KindTransportError, err)
	}

	pr, err := e.exTable.Register(token, peer, false)
	if err != nil {
		return nil, newError("Send", KindTransportError, err)
	}
	defer e.exTable.Deregister(token)

	pr.OnPartial(func(bv message.BlockValue) {
		e.sendNextBlock(ctx, req, token, peer, pr, bv)
	})

	mid := e.nextMessageID()
	typ := message.Confirmable
	if req.NonConfirmable {
		typ = message.NonConfirmable
	}
	wire := requestToMessage(req, typ, token, mid)
	datagram, err := wire.Marshal()
	if err != nil {
		return nil, newError("Send", KindMalformedHeader, err)
	}

	e.metrics.TransactionsStarted.Inc()
	e.metrics.ExchangesActive.Inc()
	defer e.metrics.ExchangesActive.Dec()

	if req.NonConfirmable {
		if err := e.txLayer.SendNonConfirmable(ctx, peer, datagram); err != nil {
			return nil, newError("Send", KindTransportError, err)
		}
		resp, err := pr.Wait(ctx)
		if err != nil {
			return nil, e.classifyWaitErr(ctx, err)
		}
		return messageToResponse(resp.Message), nil
	}

	outcome, err := e.txLayer.SendConfirmable(ctx, peer, mid, datagram)
	if err != nil {
		return nil, e.classifyWaitErr(ctx, err)
	}
	if outcome.Err != nil {
		if errors.Is(outcome.Err, transaction.ErrReset) {
			return nil, newError("Send", KindReset, outcome.Err)
		}
		if errors.Is(outcome.Err, transaction.ErrTimeout) {
			return nil, newError("Send", KindTimeout, outcome.Err)
		}
		return nil, newError("Send", KindTransportError, outcome.Err)
	}

	ack, err := message.Unmarshal(outcome.Ack)
	if err != nil {
		return nil, newError("Send", KindMalformedHeader, err)
	}
	if !ack.IsEmpty() {
		_ = e.exTable.HandleResponse(peer, ack)
	}

	resp, err := pr.Wait(ctx)
	if err != nil {
		return nil, e.classifyWaitErr(ctx, err)
	}
	return messageToResponse(resp.Message), nil
}

func (e *Endpoint) classifyWaitErr(ctx context.Context, err error) error {
	if errors.Is(err, exchange.ErrPayloadTooLarge) {
		return newError("Send", KindPayloadTooLarge, err)
	}
	if errors.Is(err, exchange.ErrBlockwiseFailure) {
		return newError("Send", KindBlockwiseFailure, err)
	}
	if ctx.Err() != nil {
		return newError("Send", KindCancelled, ctx.Err())
	}
	return newError("Send", KindTimeout, err)
}

// sendNextBlock requests the block following bv, retrying that single
// block up to MaxRetransmit times before failing the whole exchange
// with ErrBlockwiseFailure: a missing or out-of-order block is retried
// in place rather than abandoning the transfer after the first hiccup.
func (e *Endpoint) sendNextBlock(ctx context.Context, req *Request, token []byte, peer net.Addr, pr *exchange.Pending, bv message.BlockValue) {
	want := message.BlockValue{Num: bv.Num + 1, More: false, SZX: bv.SZX}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetransmit; attempt++ {
		if attempt > 0 {
			e.metrics.BlockwiseRetries.Inc()
		}

		mid := e.nextMessageID()
		next := &Request{Code: req.Code, URI: req.URI}
		wire := requestToMessage(next, message.Confirmable, token, mid)
		wire.SetOption(message.Block2, message.EncodeBlock(want))
		datagram, err := wire.Marshal()
		if err != nil {
			lastErr = err
			continue
		}

		outcome, err := e.txLayer.SendConfirmable(ctx, peer, mid, datagram)
		if err != nil {
			lastErr = err
			continue
		}
		if outcome.Err != nil {
			lastErr = outcome.Err
			continue
		}

		ack, err := message.Unmarshal(outcome.Ack)
		if err != nil {
			lastErr = err
			continue
		}
		if ack.IsEmpty() {
			lastErr = fmt.Errorf("coap: empty ACK carried no block %d response", want.Num)
			continue
		}
		if vals := ack.OptionValues(message.Block2); len(vals) > 0 {
			if got, err := message.DecodeBlock(vals[len(vals)-1]); err == nil && got.Num != want.Num {
				lastErr = fmt.Errorf("coap: asked for block %d, got block %d", want.Num, got.Num)
				continue
			}
		}

		if err := e.exTable.HandleResponse(peer, ack); err != nil {
			lastErr = err
			continue
		}
		return
	}

	e.exTable.Fail(token, fmt.Errorf("%w: block %d: %v", exchange.ErrBlockwiseFailure, want.Num, lastErr))
}

// SendObserve registers a long-lived Observe subscription and streams
// ordered, de-duplicated notifications until Cancel is called or the
// server stops answering.
func (e *Endpoint) SendObserve(ctx context.Context, req *Request) (*ObserveStream, error) {
	req.Observe = true
	peer, err := e.resolvePeer(req.URI.Host(), req.URI.Port())
	if err != nil {
		return nil, newError("SendObserve", KindTransportError, err)
	}

	token, err := e.exTable.NewToken()
	if err != nil {
		return nil, newError("SendObserve", KindTransportError, err)
	}
	pr, err := e.exTable.Register(token, peer, true)
	if err != nil {
		return nil, newError("SendObserve", KindTransportError, err)
	}

	mid := e.nextMessageID()
	wire := requestToMessage(req, message.Confirmable, token, mid)
	datagram, err := wire.Marshal()
	if err != nil {
		e.exTable.Deregister(token)
		return nil, newError("SendObserve", KindMalformedHeader, err)
	}

	outcome, err := e.txLayer.SendConfirmable(ctx, peer, mid, datagram)
	if err == nil && outcome.Err != nil {
		err = outcome.Err
	}
	if err != nil {
		e.exTable.Deregister(token)
		kind := KindTimeout
		if errors.Is(err, transaction.ErrReset) {
			kind = KindReset
		}
		return nil, newError("SendObserve", kind, err)
	}

	out := make(chan Notification, 8)
	state := &observe.ClientState{}

	go func() {
		defer close(out)
		for {
			select {
			case resp := <-pr.Results():
				seq, _ := observeSequence(resp.Message)
				if !state.Accept(seq) {
					continue
				}
				e.metrics.ObserveNotifications.Inc()
				select {
				case out <- Notification{Sequence: seq, Response: messageToResponse(resp.Message)}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	stream := &ObserveStream{
		Notifications: out,
		cancelFn: func(cctx context.Context) error {
			defer e.exTable.Deregister(token)
			cancelReq := &Request{Code: message.GET, URI: req.URI}
			cancelReq.extraOptions = []message.Option{{Number: message.Observe, Value: []byte{1}}}
			cmid := e.nextMessageID()
			cwire := requestToMessage(cancelReq, message.Confirmable, token, cmid)
			datagram, err := cwire.Marshal()
			if err != nil {
				return nil
			}
			_, _ = e.txLayer.SendConfirmable(cctx, peer, cmid, datagram)
			return nil
		},
	}
	return stream, nil
}

// Notify pushes an updated representation of path to every registered
// Observe subscriber, stamping a fresh sequence number. Subscribers
// that RST the notification are deregistered.
func (e *Endpoint) Notify(ctx context.Context, path string, resp *Response) error {
	subs := e.obsReg.Subscribers(path)
	seq := e.sequenceFor(path).Next()

	for _, sub := range subs {
		mid := e.nextMessageID()
		wire := responseToMessage(resp, message.Confirmable, []byte(sub.Token), mid)
		wire.SetOption(message.Observe, message.EncodeObserve(seq))
		datagram, err := wire.Marshal()
		if err != nil {
			continue
		}
		outcome, err := e.txLayer.SendConfirmable(ctx, sub.Peer, mid, datagram)
		if err != nil {
			continue
		}
		if outcome.IsReset {
			e.obsReg.Deregister(path, sub.Token)
		}
	}
	return nil
}

// SendMulticast issues a NonConfirmable request to group and gathers
// every distinct response arriving with the matching token for the
// configured multicast window. A CON reply to a multicast token is
// rejected with RST rather than ACKed, since no CON reply is ever
// expected here.
func (e *Endpoint) SendMulticast(ctx context.Context, req *Request, group net.Addr) (<-chan *Response, error) {
	req.NonConfirmable = true

	token, err := e.exTable.NewToken()
	if err != nil {
		return nil, newError("SendMulticast", KindTransportError, err)
	}
	pr, err := e.exTable.RegisterMulticast(token, group)
	if err != nil {
		return nil, newError("SendMulticast", KindTransportError, err)
	}

	mid := e.nextMessageID()
	wire := requestToMessage(req, message.NonConfirmable, token, mid)
	datagram, err := wire.Marshal()
	if err != nil {
		e.exTable.Deregister(token)
		return nil, newError("SendMulticast", KindMalformedHeader, err)
	}
	if err := e.txLayer.SendNonConfirmable(ctx, group, datagram); err != nil {
		e.exTable.Deregister(token)
		return nil, newError("SendMulticast", KindTransportError, err)
	}

	out := make(chan *Response, 16)
	go func() {
		defer close(out)
		e.exTable.GatherWindow(ctx, token, pr, func(r exchange.Response) {
			out <- messageToResponse(r.Message)
		})
	}()
	return out, nil
}

// JoinMulticastGroup enables receiving datagrams addressed to group,
// letting a server listen for multicast requests as well as unicast
// ones.
func (e *Endpoint) JoinMulticastGroup(group net.Addr) error {
	return e.tr.JoinMulticastGroup(group)
}

func (e *Endpoint) sequenceFor(path string) *observe.SequenceCounter {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	sc, ok := e.seqByPath[path]
	if !ok {
		sc = &observe.SequenceCounter{}
		e.seqByPath[path] = sc
	}
	return sc
}
