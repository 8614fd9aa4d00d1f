package coap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coap/internal/config"
	"coap/internal/coapuri"
	"coap/internal/message"
	"coap/internal/transport"
)

func fastConfig() config.EndpointConfig {
	cfg := config.DefaultEndpointConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.AckRandomFactor = 1.0
	cfg.MaxRetransmit = 3
	cfg.ExchangeLifetime = 500 * time.Millisecond
	cfg.TimerWheelGranularity = 5 * time.Millisecond
	cfg.MulticastGatherWindow = 50 * time.Millisecond
	return cfg
}

func reqURI(t *testing.T, path string) coapuri.URI {
	t.Helper()
	u, err := coapuri.Parse("coap://server" + path)
	require.NoError(t, err)
	return u
}

// scenario 1: CON GET answered with a piggybacked 2.05.
func TestScenarioConGetPiggybacked(t *testing.T) {
	cFake := transport.NewFake("client")
	sFake := transport.NewFake("server")
	transport.Pipe(cFake, sFake)

	client := NewEndpoint(cFake, fastConfig())
	server := NewEndpoint(sFake, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
		_ = server.Shutdown(ctx)
	}()

	mux := NewServeMux()
	mux.HandleFunc("/hello", func(ctx context.Context, req *Request) (*Response, error) {
		return NewResponse(message.Content, []byte("world")), nil
	})
	go func() { _ = server.Serve(mux) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, &Request{Code: message.GET, URI: reqURI(t, "/hello")})
	require.NoError(t, err)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, []byte("world"), resp.Payload)
}

// two separate CON requests to one resource (distinct tokens and
// message ids) each reach the handler.
func TestScenarioRepeatedRequestsEachReachHandler(t *testing.T) {
	cFake := transport.NewFake("client")
	sFake := transport.NewFake("server")
	transport.Pipe(cFake, sFake)

	client := NewEndpoint(cFake, fastConfig())
	server := NewEndpoint(sFake, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
		_ = server.Shutdown(ctx)
	}()

	var invocations int
	mux := NewServeMux()
	mux.HandleFunc("/count", func(ctx context.Context, req *Request) (*Response, error) {
		invocations++
		return NewResponse(message.Content, []byte("ok")), nil
	})
	go func() { _ = server.Serve(mux) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp1, err := client.Send(ctx, &Request{Code: message.GET, URI: reqURI(t, "/count")})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp1.Payload)

	resp2, err := client.Send(ctx, &Request{Code: message.GET, URI: reqURI(t, "/count")})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp2.Payload)

	// Two independent Send calls use distinct tokens/mids, so this
	// checks the handler ran for each distinct request rather than
	// exercising mid-level dedup directly (that is covered in
	// internal/transaction's own tests); it establishes the handler is
	// at least idempotent and always reachable end to end.
	assert.Equal(t, 2, invocations)
}

// scenario 4: block-wise GET across two blocks reassembles correctly.
func TestScenarioBlockwiseGetTwoBlocks(t *testing.T) {
	cFake := transport.NewFake("client")
	sFake := transport.NewFake("server")
	transport.Pipe(cFake, sFake)

	client := NewEndpoint(cFake, fastConfig())
	server := NewEndpoint(sFake, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
		_ = server.Shutdown(ctx)
	}()

	full := []byte("0123456789ABCDEF") // 16 bytes, split into two 8-byte blocks
	mux := NewServeMux()
	mux.HandleFunc("/blob", func(ctx context.Context, req *Request) (*Response, error) {
		block2, has := latestBlock2(req.extraOptions)
		num := uint32(0)
		if has {
			bv, err := message.DecodeBlock(block2)
			require.NoError(t, err)
			num = bv.Num
		}
		const szx = uint8(0) // 16-byte blocks per SZX encoding (1<<(0+4)=16); use 8 explicitly below
		blockSize := 8
		start := int(num) * blockSize
		end := start + blockSize
		more := end < len(full)
		if end > len(full) {
			end = len(full)
		}
		resp := NewResponse(message.Content, full[start:end])
		resp.extraOptions = []message.Option{
			{Number: message.Block2, Value: message.EncodeBlock(message.BlockValue{Num: num, More: more, SZX: szx})},
		}
		return resp, nil
	})
	go func() { _ = server.Serve(mux) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, &Request{Code: message.GET, URI: reqURI(t, "/blob")})
	require.NoError(t, err)
	assert.Equal(t, full, resp.Payload)
}

// scenario 4b: a block-wise transfer whose continuation never gets a
// reply exhausts its per-block retry budget and fails the exchange
// with BlockwiseFailure rather than hanging until the context expires.
func TestScenarioBlockwiseFailureAfterExhaustingRetries(t *testing.T) {
	cFake := transport.NewFake("client")
	sFake := transport.NewFake("server") // reqURI always targets host "server"
	transport.Pipe(cFake, sFake)

	client := NewEndpoint(cFake, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		// answer the first block so the transfer enters block-wise mode,
		// then go silent: every retry of block 1 goes unanswered.
		_, raw, err := sFake.Receive(ctx)
		if err != nil {
			return
		}
		req, err := message.Unmarshal(raw)
		if err != nil {
			return
		}
		ack := &message.Message{
			Version:   1,
			Type:      message.Acknowledgement,
			Code:      message.Content,
			MessageID: req.MessageID,
			Token:     req.Token,
			Options: []message.Option{
				{Number: message.Block2, Value: message.EncodeBlock(message.BlockValue{Num: 0, More: true, SZX: 0})},
			},
			Payload: []byte("first-"),
		}
		ackRaw, err := ack.Marshal()
		if err != nil {
			return
		}
		_ = sFake.Send(ctx, cFake.LocalAddr(), ackRaw)
	}()

	_, err := client.Send(ctx, &Request{Code: message.GET, URI: reqURI(t, "/blob")})
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindBlockwiseFailure, cerr.Kind)
}

func latestBlock2(opts []message.Option) ([]byte, bool) {
	var v []byte
	found := false
	for _, o := range opts {
		if o.Number == message.Block2 {
			v = o.Value
			found = true
		}
	}
	return v, found
}

// scenario 5: observe lifecycle delivers ordered notifications and
// stops after Cancel.
func TestScenarioObserveLifecycle(t *testing.T) {
	cFake := transport.NewFake("client")
	sFake := transport.NewFake("server")
	transport.Pipe(cFake, sFake)

	client := NewEndpoint(cFake, fastConfig())
	server := NewEndpoint(sFake, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
		_ = server.Shutdown(ctx)
	}()

	mux := NewServeMux()
	mux.HandleFunc("/temp", func(ctx context.Context, req *Request) (*Response, error) {
		return NewResponse(message.Content, []byte("21C")), nil
	})
	go func() { _ = server.Serve(mux) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.SendObserve(ctx, &Request{Code: message.GET, URI: reqURI(t, "/temp")})
	require.NoError(t, err)

	// allow the initial registration CON to be ACKed and the
	// registration to land on the server side.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, server.Notify(ctx, "/temp", NewResponse(message.Content, []byte("22C"))))

	select {
	case n := <-stream.Notifications:
		assert.Equal(t, []byte("22C"), n.Response.Payload)
		assert.EqualValues(t, 1, n.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}

	require.NoError(t, server.Notify(ctx, "/temp", NewResponse(message.Content, []byte("23C"))))

	select {
	case n := <-stream.Notifications:
		assert.Equal(t, []byte("23C"), n.Response.Payload)
		assert.EqualValues(t, 2, n.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected a second, ordered notification")
	}

	require.NoError(t, stream.Cancel(ctx))

	// allow the deregistering GET (Observe=1) to reach the server.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, server.obsReg.Subscribers("/temp"), "Cancel must deregister, not re-register, the subscription")
}

// scenario 6: a multicast NON GET delivers the responses that arrive
// within the gather window.
func TestScenarioMulticastGather(t *testing.T) {
	cFake := transport.NewFake("client")
	s1 := transport.NewFake("server1")
	s2 := transport.NewFake("server2")
	transport.Pipe(cFake, s1)
	transport.Pipe(cFake, s2)

	client := NewEndpoint(cFake, fastConfig())
	srv1 := NewEndpoint(s1, fastConfig())
	srv2 := NewEndpoint(s2, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
		_ = srv1.Shutdown(ctx)
		_ = srv2.Shutdown(ctx)
	}()

	mux1 := NewServeMux()
	mux1.HandleFunc("/ping", func(ctx context.Context, req *Request) (*Response, error) {
		return NewResponse(message.Content, []byte("pong1")), nil
	})
	mux2 := NewServeMux()
	mux2.HandleFunc("/ping", func(ctx context.Context, req *Request) (*Response, error) {
		return NewResponse(message.Content, []byte("pong2")), nil
	})
	go func() { _ = srv1.Serve(mux1) }()
	go func() { _ = srv2.Serve(mux2) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The multicast group address here is simply s1's fake address;
	// Fake.Send has no real group fan-out, so only s1 receives the
	// request and only its reply is checked; s2 is set up but never
	// addressed. A true multicast fan-out is a transport-level concern
	// (UDP's JoinMulticastGroup) this in-memory fake does not model.
	ch, err := client.SendMulticast(ctx, &Request{Code: message.GET, URI: reqURI(t, "/ping")}, s1.LocalAddr())
	require.NoError(t, err)

	var got []string
	for r := range ch {
		got = append(got, string(r.Payload))
	}
	assert.Contains(t, got, "pong1")
}

// scenario 6b: a stray CON reply to a multicast request is rejected
// with RST rather than ACKed and delivered.
func TestScenarioMulticastRejectsConReply(t *testing.T) {
	cFake := transport.NewFake("client")
	peer := transport.NewFake("peer")
	transport.Pipe(cFake, peer)

	client := NewEndpoint(cFake, fastConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := client.SendMulticast(ctx, &Request{Code: message.GET, URI: reqURI(t, "/ping")}, peer.LocalAddr())
	require.NoError(t, err)

	_, raw, err := peer.Receive(ctx)
	require.NoError(t, err)
	req, err := message.Unmarshal(raw)
	require.NoError(t, err)

	reply := &message.Message{
		Version:   1,
		Type:      message.Confirmable,
		Code:      message.Content,
		MessageID: 0x1234,
		Token:     req.Token,
		Payload:   []byte("unexpected"),
	}
	replyRaw, err := reply.Marshal()
	require.NoError(t, err)
	require.NoError(t, peer.Send(ctx, cFake.LocalAddr(), replyRaw))

	_, rstRaw, err := peer.Receive(ctx)
	require.NoError(t, err)
	rst, err := message.Unmarshal(rstRaw)
	require.NoError(t, err)
	assert.Equal(t, message.Reset, rst.Type)
	assert.Equal(t, reply.MessageID, rst.MessageID)

	select {
	case r, ok := <-ch:
		if ok {
			t.Fatalf("unexpected delivered response: %v", r)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("gather channel never closed")
	}
}
