package coap

import (
	"net"
	"strings"

	"coap/internal/coapuri"
	"coap/internal/message"
)

// requestToMessage renders an outbound Request into wire form, turning
// the decoded URI path/query back into repeated Uri-Path/Uri-Query
// options per RFC 7252 §6.4; the core never parses URIs itself (it
// only ever re-serializes what coapuri already decoded).
func requestToMessage(req *Request, typ message.Type, token []byte, mid uint16) *message.Message {
	m := &message.Message{
		Version:   1,
		Type:      typ,
		Code:      req.Code,
		MessageID: mid,
		Token:     token,
		Payload:   req.Payload,
	}
	for _, seg := range req.URI.PathSegments() {
		m.AddOption(message.UriPath, []byte(seg))
	}
	for _, q := range req.URI.Queries() {
		val := q.Key
		if q.Value != "" {
			val = q.Key + "=" + q.Value
		}
		m.AddOption(message.UriQuery, []byte(val))
	}
	if req.Observe {
		m.SetOption(message.Observe, []byte{0})
	}
	for _, o := range req.extraOptions {
		m.Options = append(m.Options, o)
	}
	return m
}

// messageToInboundRequest reconstructs a server-facing Request from a
// decoded wire message and the peer it arrived from.
func messageToInboundRequest(m *message.Message, peer net.Addr) *Request {
	var path []string
	var queries []coapuri.QueryPair
	for _, o := range m.Options {
		switch o.Number {
		case message.UriPath:
			path = append(path, string(o.Value))
		case message.UriQuery:
			kv := strings.SplitN(string(o.Value), "=", 2)
			if len(kv) == 2 {
				queries = append(queries, coapuri.QueryPair{Key: kv[0], Value: kv[1]})
			} else {
				queries = append(queries, coapuri.QueryPair{Key: kv[0]})
			}
		}
	}
	req := &Request{
		Code:         m.Code,
		URI:          coapuri.FromParts("coap", "", 0, path, queries),
		Payload:      m.Payload,
		extraOptions: m.Options,
		Peer:         peer,
	}
	if vals := m.OptionValues(message.Observe); len(vals) > 0 {
		req.Observe = true
	}
	return req
}

// responseToMessage renders a Response into wire form for a given
// token/type/message id.
func responseToMessage(resp *Response, typ message.Type, token []byte, mid uint16) *message.Message {
	m := &message.Message{
		Version:   1,
		Type:      typ,
		Code:      resp.Code,
		MessageID: mid,
		Token:     token,
		Payload:   resp.Payload,
	}
	if resp.HasContentFormat {
		m.SetOption(message.ContentFormat, encodeUint(resp.ContentFormat))
	}
	if len(resp.ETag) > 0 {
		m.SetOption(message.ETag, resp.ETag)
	}
	for _, o := range resp.extraOptions {
		m.Options = append(m.Options, o)
	}
	return m
}

// messageToResponse extracts the user-facing Response from a decoded
// wire message (used both for piggybacked ACK payloads and for
// separate/notification responses).
func messageToResponse(m *message.Message) *Response {
	resp := &Response{Code: m.Code, Payload: m.Payload}
	for _, o := range m.Options {
		switch o.Number {
		case message.ContentFormat:
			resp.ContentFormat = decodeUint(o.Value)
			resp.HasContentFormat = true
		case message.ETag:
			resp.ETag = o.Value
		default:
			resp.extraOptions = append(resp.extraOptions, o)
		}
	}
	return resp
}

func decodeUint(b []byte) uint16 {
	var v uint16
	for _, c := range b {
		v = v<<8 | uint16(c)
	}
	return v
}

func observeSequence(m *message.Message) (uint32, bool) {
	vals := m.OptionValues(message.Observe)
	if len(vals) == 0 {
		return 0, false
	}
	seq, err := message.DecodeObserve(vals[0])
	if err != nil {
		return 0, false
	}
	return seq, true
}
