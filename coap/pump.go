package coap

import (
	"context"
	"errors"
	"net"

	"coap/internal/exchange"
	"coap/internal/message"
	"coap/internal/observe"
)

// pump is the single background task that owns all inbound
// decode/dispatch, leaving Send/SendObserve/Notify to only ever write
// to the transport or push into channels this goroutine also reads
// from.
func (e *Endpoint) pump(ctx context.Context) error {
	for {
		peer, raw, err := e.tr.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		m, err := message.Unmarshal(raw)
		if err != nil {
			e.metrics.MalformedDatagrams.Inc()
			e.log.WithError(err).Debug("dropped malformed datagram")
			continue
		}
		e.dispatch(ctx, peer, m)
	}
}

func (e *Endpoint) dispatch(ctx context.Context, peer net.Addr, m *message.Message) {
	switch m.Type {
	case message.Acknowledgement:
		e.handleAck(peer, m)
	case message.Reset:
		e.handleReset(peer, m)
	case message.Confirmable:
		e.handleConfirmableInbound(ctx, peer, m)
	case message.NonConfirmable:
		e.handleNonConfirmableInbound(ctx, peer, m)
	}
}

func (e *Endpoint) handleAck(peer net.Addr, m *message.Message) {
	raw, err := m.Marshal()
	if err != nil {
		return
	}
	if resolved := e.txLayer.HandleIncoming(peer, m.MessageID, raw, false); resolved {
		return
	}
	// Unmatched ACK: either stale or a notification's own ACK already
	// consumed by the sender goroutine. Nothing further to do.
}

func (e *Endpoint) handleReset(peer net.Addr, m *message.Message) {
	e.metrics.ResetsReceived.Inc()
	if resolved := e.txLayer.HandleIncoming(peer, m.MessageID, nil, true); resolved {
		return
	}
	// Unsolicited RST against a token we hold (e.g. client rejected a
	// notification mid-stream): fall through to the exchange table so
	// any gather-mode subscription can be torn down by its own sender.
	if len(m.Token) > 0 {
		_ = e.exTable.HandleResponse(peer, m)
	}
}

// handleConfirmableInbound handles CON datagrams that are not ACK/RST:
// either a fresh/duplicate request (server role) or a separate-response
// notification carrying a response code (client role, Observe or
// delayed response).
func (e *Endpoint) handleConfirmableInbound(ctx context.Context, peer net.Addr, m *message.Message) {
	if m.Code.IsRequest() {
		e.handleInboundRequest(ctx, peer, m, true)
		return
	}
	// A CON carrying a response code: a multicast exchange never
	// expects one, so reject it with RST instead of ACKing; a token that
	// matches no exchange is rejected with RST too. Otherwise correlate
	// it by token and ACK it.
	if len(m.Token) > 0 && e.exTable.IsMulticastToken(m.Token) {
		e.sendReset(peer, m.MessageID)
		return
	}
	if err := e.exTable.HandleResponse(peer, m); errors.Is(err, exchange.ErrUnknownToken) {
		e.sendReset(peer, m.MessageID)
		return
	}
	e.sendEmptyAck(peer, m.MessageID)
}

func (e *Endpoint) handleNonConfirmableInbound(ctx context.Context, peer net.Addr, m *message.Message) {
	if m.Code.IsRequest() {
		e.handleInboundRequest(ctx, peer, m, false)
		return
	}
	_ = e.exTable.HandleResponse(peer, m)
}

func (e *Endpoint) sendEmptyAck(peer net.Addr, mid uint16) {
	ack := &message.Message{Version: 1, Type: message.Acknowledgement, Code: message.Empty, MessageID: mid}
	raw, err := ack.Marshal()
	if err != nil {
		return
	}
	_ = e.tr.Send(e.ctx, peer, raw)
}

func (e *Endpoint) sendReset(peer net.Addr, mid uint16) {
	rst := &message.Message{Version: 1, Type: message.Reset, Code: message.Empty, MessageID: mid}
	raw, err := rst.Marshal()
	if err != nil {
		return
	}
	_ = e.tr.Send(e.ctx, peer, raw)
}

// handleInboundRequest runs the server-side request path: duplicate
// detection, dispatch to the registered Handler, and reply framing
// (piggybacked ACK for CON, plain datagram for NON).
func (e *Endpoint) handleInboundRequest(ctx context.Context, peer net.Addr, m *message.Message, confirmable bool) {
	if confirmable {
		if cached, dup := e.txLayer.IsDuplicate(peer, m.MessageID); dup {
			e.metrics.DuplicateCacheHits.Inc()
			if cached != nil {
				_ = e.tr.Send(e.ctx, peer, cached)
			} else {
				e.sendEmptyAck(peer, m.MessageID)
			}
			return
		}
	}

	e.handlerMu.RLock()
	handler := e.handler
	e.handlerMu.RUnlock()
	if handler == nil {
		if confirmable {
			e.sendReset(peer, m.MessageID)
		}
		return
	}

	req := messageToInboundRequest(m, peer)
	path := "/" + joinPath(req.Path())

	if req.Observe {
		// RFC 7641 §3.6: Observe=0 (or any non-1 value, per convention
		// only 0 is sent) registers; Observe=1 deregisters. A GET that
		// carries neither is handled as a plain one-shot request.
		if seq, ok := observeSequence(m); ok && seq == 1 {
			e.obsReg.Deregister(path, string(m.Token))
		} else {
			e.obsReg.Register(path, observe.Registration{Peer: peer, Token: string(m.Token), Path: path})
		}
	}

	go func() {
		resp, err := handler.ServeCoAP(ctx, req)
		if err != nil {
			resp = NewResponse(message.InternalServerError, nil)
		}
		if resp == nil {
			resp = NewResponse(message.Changed, nil)
		}

		mid := m.MessageID // ACK must echo the request's own message id
		typ := message.Acknowledgement
		if !confirmable {
			// NON responses are untied from the request's mid; they
			// correlate purely by token.
			typ = message.NonConfirmable
			mid = e.nextMessageID()
		}
		wire := responseToMessage(resp, typ, m.Token, mid)
		raw, err := wire.Marshal()
		if err != nil {
			return
		}
		if confirmable {
			e.txLayer.RememberResponse(peer, m.MessageID, raw)
		}
		_ = e.tr.Send(e.ctx, peer, raw)
	}()
}

func joinPath(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}
