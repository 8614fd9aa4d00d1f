package transaction

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coap/internal/config"
	"coap/internal/timerwheel"
)

func testConfig() config.EndpointConfig {
	cfg := config.DefaultEndpointConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.AckRandomFactor = 1.0
	cfg.MaxRetransmit = 3
	cfg.ExchangeLifetime = 200 * time.Millisecond
	return cfg
}

func TestSendConfirmableResolvesOnAck(t *testing.T) {
	wheel := timerwheel.New(5 * time.Millisecond)
	defer wheel.Stop()

	var sent int32
	layer := New(testConfig(), wheel, func(ctx context.Context, peer net.Addr, b []byte) error {
		atomic.AddInt32(&sent, 1)
		return nil
	})

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
	go func() {
		time.Sleep(10 * time.Millisecond)
		layer.HandleIncoming(peer, 42, []byte("ack-payload"), false)
	}()

	out, err := layer.SendConfirmable(context.Background(), peer, 42, []byte("request"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ack-payload"), out.Ack)
	assert.False(t, out.IsReset)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sent))
}

func TestSendConfirmableRetransmitsThenTimesOut(t *testing.T) {
	wheel := timerwheel.New(5 * time.Millisecond)
	defer wheel.Stop()

	var sent int32
	layer := New(testConfig(), wheel, func(ctx context.Context, peer net.Addr, b []byte) error {
		atomic.AddInt32(&sent, 1)
		return nil
	})

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
	out, err := layer.SendConfirmable(context.Background(), peer, 7, []byte("request"))
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	// initial send + MaxRetransmit retries
	assert.Equal(t, int32(1+testConfig().MaxRetransmit), atomic.LoadInt32(&sent))
}

func TestSendConfirmableResolvesOnReset(t *testing.T) {
	wheel := timerwheel.New(5 * time.Millisecond)
	defer wheel.Stop()

	layer := New(testConfig(), wheel, func(ctx context.Context, peer net.Addr, b []byte) error {
		return nil
	})

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
	go func() {
		time.Sleep(5 * time.Millisecond)
		layer.HandleIncoming(peer, 9, nil, true)
	}()

	out, err := layer.SendConfirmable(context.Background(), peer, 9, []byte("request"))
	require.NoError(t, err)
	assert.True(t, out.IsReset)
	assert.ErrorIs(t, out.Err, ErrReset)
}

func TestIsDuplicateDetectsRepeatedMessageID(t *testing.T) {
	wheel := timerwheel.New(5 * time.Millisecond)
	defer wheel.Stop()
	layer := New(testConfig(), wheel, func(ctx context.Context, peer net.Addr, b []byte) error { return nil })

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
	_, dup := layer.IsDuplicate(peer, 100)
	assert.False(t, dup)

	layer.RememberResponse(peer, 100, []byte("cached-response"))

	cached, dup := layer.IsDuplicate(peer, 100)
	assert.True(t, dup)
	assert.Equal(t, []byte("cached-response"), cached)
}

func TestDuplicateCacheEvictsAfterExchangeLifetime(t *testing.T) {
	wheel := timerwheel.New(5 * time.Millisecond)
	defer wheel.Stop()
	cfg := testConfig()
	cfg.ExchangeLifetime = 20 * time.Millisecond
	layer := New(cfg, wheel, func(ctx context.Context, peer net.Addr, b []byte) error { return nil })

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
	layer.IsDuplicate(peer, 11)

	assert.Eventually(t, func() bool {
		_, dup := layer.IsDuplicate(peer, 11)
		return !dup
	}, time.Second, 10*time.Millisecond)
}
