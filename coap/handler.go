package coap

import "context"

// Handler answers an inbound Request: given a decoded request it
// produces a response, or returns an error that becomes the
// response/failure delivered to the peer. Handlers must be safe for
// concurrent use.
type Handler interface {
	ServeCoAP(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a plain function to the Handler interface, the
// same net/http-derived idiom used for mux registration.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeCoAP calls f(ctx, req).
func (f HandlerFunc) ServeCoAP(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
