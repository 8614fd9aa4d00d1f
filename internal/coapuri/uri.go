// Package coapuri is the "URI value type" the core consumes but never
// parses itself: it owns percent-decoding and segmentation so the
// exchange layer only ever deals with already-decoded path segments
// and query components.
package coapuri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/fredbi/uri"
)

// URI is a parsed, percent-decoded CoAP resource locator.
type URI struct {
	scheme  string
	host    string
	port    uint16
	path    []string
	queries []QueryPair
	raw     string
}

// QueryPair is one decoded `key=value` (or bare `key`) Uri-Query component.
type QueryPair struct {
	Key   string
	Value string
}

// Parse validates and decomposes a raw "coap://host:port/path?query" (or
// "coaps://") string using github.com/fredbi/uri for RFC 3986 structure,
// then percent-decodes each path segment and query component itself.
func Parse(raw string) (URI, error) {
	parsed, err := uri.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("coapuri: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme())
	if scheme != "coap" && scheme != "coaps" {
		return URI{}, fmt.Errorf("coapuri: unsupported scheme %q", scheme)
	}

	authority := parsed.Authority()
	host := authority.Host()

	port := uint16(5683)
	if scheme == "coaps" {
		port = 5684
	}
	if p := authority.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return URI{}, fmt.Errorf("coapuri: invalid port %q: %w", p, err)
		}
		port = uint16(n)
	}

	segments, err := decodePath(parsed.Path())
	if err != nil {
		return URI{}, err
	}

	queries, err := decodeQuery(parsed.Query())
	if err != nil {
		return URI{}, err
	}

	return URI{
		scheme:  scheme,
		host:    host,
		port:    port,
		path:    segments,
		queries: queries,
		raw:     raw,
	}, nil
}

func decodePath(rawPath string) ([]string, error) {
	rawPath = strings.Trim(rawPath, "/")
	if rawPath == "" {
		return nil, nil
	}
	parts := strings.Split(rawPath, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		decoded, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("coapuri: invalid path segment %q: %w", p, err)
		}
		segments = append(segments, decoded)
	}
	return segments, nil
}

func decodeQuery(rawQuery string) ([]QueryPair, error) {
	if rawQuery == "" {
		return nil, nil
	}
	parts := strings.Split(rawQuery, "&")
	pairs := make([]QueryPair, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, fmt.Errorf("coapuri: invalid query key %q: %w", kv[0], err)
		}
		var value string
		if len(kv) == 2 {
			value, err = url.QueryUnescape(kv[1])
			if err != nil {
				return nil, fmt.Errorf("coapuri: invalid query value %q: %w", kv[1], err)
			}
		}
		pairs = append(pairs, QueryPair{Key: key, Value: value})
	}
	return pairs, nil
}

// FromParts builds a URI directly from already-decoded components, for
// a server reconstructing a resource locator from inbound Uri-Path and
// Uri-Query wire options rather than parsing a raw string.
func FromParts(scheme, host string, port uint16, path []string, queries []QueryPair) URI {
	u := URI{scheme: scheme, host: host, port: port, path: path, queries: queries}
	u.raw = u.Path()
	return u
}

func (u URI) Scheme() string          { return u.scheme }
func (u URI) Host() string            { return u.host }
func (u URI) Port() uint16            { return u.port }
func (u URI) PathSegments() []string  { return u.path }
func (u URI) Queries() []QueryPair    { return u.queries }
func (u URI) String() string          { return u.raw }

// Path renders the decoded segments back into a "/"-joined path, primarily
// for logging and test assertions.
func (u URI) Path() string {
	if len(u.path) == 0 {
		return "/"
	}
	return "/" + strings.Join(u.path, "/")
}
