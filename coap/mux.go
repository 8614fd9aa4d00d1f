package coap

import (
	"context"
	"strings"
	"sync"

	"coap/internal/message"
)

// ServeMux routes inbound requests to a registered Handler by exact
// Uri-Path match, the CoAP analogue of net/http.ServeMux restricted to
// the path segments this protocol actually carries (no host routing,
// no query matching — those stay available to the handler via
// Request.Query).
type ServeMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServeMux builds an empty resource router.
func NewServeMux() *ServeMux {
	return &ServeMux{handlers: make(map[string]Handler)}
}

// Handle registers handler for the exact path (e.g. "/sensors/temp").
func (m *ServeMux) Handle(path string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[normalizePath(path)] = handler
}

// HandleFunc registers a plain function as a Handler.
func (m *ServeMux) HandleFunc(path string, f func(ctx context.Context, req *Request) (*Response, error)) {
	m.Handle(path, HandlerFunc(f))
}

// ServeCoAP implements Handler by dispatching to the registered
// resource, or answering NotFound if none matches.
func (m *ServeMux) ServeCoAP(ctx context.Context, req *Request) (*Response, error) {
	path := "/" + strings.Join(req.Path(), "/")

	m.mu.RLock()
	h, ok := m.handlers[path]
	m.mu.RUnlock()

	if !ok {
		return NewResponse(message.NotFound, nil), nil
	}
	return h.ServeCoAP(ctx, req)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
