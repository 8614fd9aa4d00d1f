package coap

import "coap/internal/message"

// Response is a user-facing CoAP response, produced by a Handler or
// returned to the caller of Send.
type Response struct {
	Code    message.Code
	Payload []byte

	ContentFormat uint16
	HasContentFormat bool

	ETag []byte

	extraOptions []message.Option
}

// NewResponse builds a Response with the given code and payload.
func NewResponse(code message.Code, payload []byte) *Response {
	return &Response{Code: code, Payload: payload}
}

// WithResponseContentFormat sets the Content-Format option on a
// Response a Handler is returning.
func (r *Response) WithResponseContentFormat(format uint16) *Response {
	r.ContentFormat = format
	r.HasContentFormat = true
	return r
}
