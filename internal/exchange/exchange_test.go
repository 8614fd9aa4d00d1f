package exchange

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coap/internal/config"
	"coap/internal/message"
)

func peerAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
}

func TestRegisterAndHandleResponseDelivers(t *testing.T) {
	tbl := NewTable(config.DefaultEndpointConfig())
	token := []byte{0x01, 0x02}
	pr, err := tbl.Register(token, peerAddr(), false)
	require.NoError(t, err)

	m := &message.Message{Code: message.Content, Token: token, Payload: []byte("hello")}
	require.NoError(t, tbl.HandleResponse(peerAddr(), m))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := pr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Message.Payload)
}

func TestHandleResponseUnknownToken(t *testing.T) {
	tbl := NewTable(config.DefaultEndpointConfig())
	m := &message.Message{Code: message.Content, Token: []byte{0xAA}}
	err := tbl.HandleResponse(peerAddr(), m)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestHandleResponseAssemblesBlock2(t *testing.T) {
	tbl := NewTable(config.DefaultEndpointConfig())
	token := []byte{0x09}
	pr, err := tbl.Register(token, peerAddr(), false)
	require.NoError(t, err)

	block0 := message.EncodeBlock(message.BlockValue{Num: 0, More: true, SZX: 0})
	m0 := &message.Message{
		Code:  message.Content,
		Token: token,
		Options: []message.Option{
			{Number: message.Block2, Value: block0},
		},
		Payload: []byte("first-"),
	}
	require.NoError(t, tbl.HandleResponse(peerAddr(), m0))

	select {
	case <-pr.Results():
		t.Fatal("should not deliver before final block")
	default:
	}

	block1 := message.EncodeBlock(message.BlockValue{Num: 1, More: false, SZX: 0})
	m1 := &message.Message{
		Code:  message.Content,
		Token: token,
		Options: []message.Option{
			{Number: message.Block2, Value: block1},
		},
		Payload: []byte("second"),
	}
	require.NoError(t, tbl.HandleResponse(peerAddr(), m1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := pr.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first-second"), resp.Message.Payload)
}

func TestHandleResponseOverflowSurfacesErrorToWaiter(t *testing.T) {
	cfg := config.DefaultEndpointConfig()
	cfg.MaxBlockwisePayload = 4
	tbl := NewTable(cfg)

	token := []byte{0x0D}
	pr, err := tbl.Register(token, peerAddr(), false)
	require.NoError(t, err)

	block0 := message.EncodeBlock(message.BlockValue{Num: 0, More: true, SZX: 0})
	m0 := &message.Message{
		Code:  message.Content,
		Token: token,
		Options: []message.Option{
			{Number: message.Block2, Value: block0},
		},
		Payload: []byte("toolong"),
	}
	err = tbl.HandleResponse(peerAddr(), m0)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, waitErr := pr.Wait(ctx)
	assert.ErrorIs(t, waitErr, ErrPayloadTooLarge, "pr.Wait must resolve with the overflow error, not time out")

	// the overflowed token's slot must actually be freed, not just
	// appear freed: re-registering the same token must succeed.
	_, err = tbl.Register(token, peerAddr(), false)
	assert.NoError(t, err, "overflowed token must be deregistered by its real key")
}

func TestFailDeliversErrorAndClosesSlot(t *testing.T) {
	tbl := NewTable(config.DefaultEndpointConfig())
	token := []byte{0x0E}
	pr, err := tbl.Register(token, peerAddr(), true) // gather slot too: Fail must close it regardless
	require.NoError(t, err)

	tbl.Fail(token, ErrBlockwiseFailure)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, waitErr := pr.Wait(ctx)
	assert.ErrorIs(t, waitErr, ErrBlockwiseFailure)

	_, err = tbl.Register(token, peerAddr(), false)
	assert.NoError(t, err, "Fail must release the slot even for a gather registration")
}

func TestGatherWindowCollectsMultipleResponses(t *testing.T) {
	cfg := config.DefaultEndpointConfig()
	cfg.MulticastGatherWindow = 30 * time.Millisecond
	tbl := NewTable(cfg)

	token := []byte{0x0A}
	pr, err := tbl.Register(token, peerAddr(), true)
	require.NoError(t, err)

	peerA := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5683}
	peerB := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5683}
	require.NoError(t, tbl.HandleResponse(peerA, &message.Message{Token: token, Payload: []byte("a")}))
	require.NoError(t, tbl.HandleResponse(peerB, &message.Message{Token: token, Payload: []byte("b")}))

	var got []string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tbl.GatherWindow(ctx, token, pr, func(r Response) {
		got = append(got, string(r.Message.Payload))
	})

	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestIsMulticastTokenDistinguishesFromPlainGather(t *testing.T) {
	tbl := NewTable(config.DefaultEndpointConfig())

	mcToken := []byte{0x0B}
	_, err := tbl.RegisterMulticast(mcToken, peerAddr())
	require.NoError(t, err)
	assert.True(t, tbl.IsMulticastToken(mcToken))

	obsToken := []byte{0x0C}
	_, err = tbl.Register(obsToken, peerAddr(), true)
	require.NoError(t, err)
	assert.False(t, tbl.IsMulticastToken(obsToken))

	assert.False(t, tbl.IsMulticastToken([]byte{0xFF}))
}

func TestNewTokenWithinConfiguredBounds(t *testing.T) {
	cfg := config.DefaultEndpointConfig()
	tbl := NewTable(cfg)
	for i := 0; i < 50; i++ {
		tok, err := tbl.NewToken()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(tok), cfg.MinTokenLength)
		assert.LessOrEqual(t, len(tok), cfg.MaxTokenLength)
	}
}
