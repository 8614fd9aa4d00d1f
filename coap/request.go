package coap

import (
	"net"

	"coap/internal/coapuri"
	"coap/internal/message"
)

// Request is a user-facing CoAP request, either one the caller is
// about to send or one an inbound Handler is asked to answer.
type Request struct {
	Code    message.Code
	URI     coapuri.URI
	Payload []byte

	// NonConfirmable selects NON instead of the default CON for an
	// outbound request. The zero value is Confirmable.
	NonConfirmable bool

	// Observe, when true, registers an Observe subscription instead of
	// a one-shot exchange.
	Observe bool

	// Peer is set on inbound requests delivered to a Handler; it is
	// ignored (derived from URI) for outbound requests.
	Peer net.Addr

	// extraOptions carries options verbatim: on an outbound request,
	// the ones added by Option functions (Accept, Content-Format,
	// If-Match, ...); on an inbound request, every option the datagram
	// carried, Uri-Path and Uri-Query included.
	extraOptions []message.Option
}

// Option customizes an outbound Request before Send/SendObserve.
type Option func(*Request)

// WithAccept sets the Accept option to the given Content-Format code.
func WithAccept(format uint16) Option {
	return func(r *Request) {
		r.extraOptions = append(r.extraOptions, message.Option{
			Number: message.Accept,
			Value:  encodeUint(format),
		})
	}
}

// WithContentFormat sets the Content-Format option on an outbound
// request carrying a payload (e.g. a PUT/POST body).
func WithContentFormat(format uint16) Option {
	return func(r *Request) {
		r.extraOptions = append(r.extraOptions, message.Option{
			Number: message.ContentFormat,
			Value:  encodeUint(format),
		})
	}
}

// WithETag attaches an If-Match ETag to a conditional request.
func WithETag(tag []byte) Option {
	return func(r *Request) {
		r.extraOptions = append(r.extraOptions, message.Option{
			Number: message.IfMatch,
			Value:  tag,
		})
	}
}

// AsNonConfirmable marks an outbound request as NON instead of CON.
func AsNonConfirmable() Option {
	return func(r *Request) { r.NonConfirmable = true }
}

func encodeUint(v uint16) []byte {
	if v == 0 {
		return nil
	}
	if v < 256 {
		return []byte{byte(v)}
	}
	return []byte{byte(v >> 8), byte(v)}
}

// Path returns the decoded Uri-Path segments.
func (r *Request) Path() []string { return r.URI.PathSegments() }

// Query returns the decoded Uri-Query pairs.
func (r *Request) Query() []coapuri.QueryPair { return r.URI.Queries() }
