package routing

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/transport"
	"github.com/someipd/someipd/internal/wire"
)

func TestSharedEndpoints_ReportsMissWhenUnconfigured(t *testing.T) {
	eps := NewSharedEndpoints(nil, nil)

	key := registry.InstanceKey{ServiceID: 0x1234, InstanceID: 0x1}
	_, ok := eps.Reliable(key)
	require.False(t, ok)
	_, ok = eps.Unreliable(key)
	require.False(t, ok)
}

func TestSharedEndpoints_ReturnsSameEndpointRegardlessOfKey(t *testing.T) {
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcpServer, err := transport.NewTCPServerEndpoint("127.0.0.1:0", func() *wire.CookieDecoder {
		return wire.NewCookieDecoder(wire.NewCodec(4111), true)
	}, 4111, transport.NewQueueLimits(1<<20), func(net.Addr, wire.Message) {}, log)
	require.NoError(t, err)
	tcpServer.Open(ctx)
	defer tcpServer.Close()

	udpAddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	udpServer, err := transport.NewUDPServerEndpoint(udpAddr, wire.NewCodec(1400), transport.NewQueueLimits(1<<20), 1<<16, 500*time.Millisecond, func(*net.UDPAddr, wire.Message) {}, log)
	require.NoError(t, err)
	defer udpServer.Close()

	eps := NewSharedEndpoints(tcpServer, udpServer)

	keyA := registry.InstanceKey{ServiceID: 0x1111, InstanceID: 0x1}
	keyB := registry.InstanceKey{ServiceID: 0x2222, InstanceID: 0x2}

	reliableA, ok := eps.Reliable(keyA)
	require.True(t, ok)
	reliableB, ok := eps.Reliable(keyB)
	require.True(t, ok)
	require.Same(t, reliableA, reliableB)

	unreliableA, ok := eps.Unreliable(keyA)
	require.True(t, ok)
	unreliableB, ok := eps.Unreliable(keyB)
	require.True(t, ok)
	require.Same(t, unreliableA, unreliableB)
}

func TestSharedEndpoints_OneTransportConfiguredReportsMissForTheOther(t *testing.T) {
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcpServer, err := transport.NewTCPServerEndpoint("127.0.0.1:0", func() *wire.CookieDecoder {
		return wire.NewCookieDecoder(wire.NewCodec(4111), true)
	}, 4111, transport.NewQueueLimits(1<<20), func(net.Addr, wire.Message) {}, log)
	require.NoError(t, err)
	tcpServer.Open(ctx)
	defer tcpServer.Close()

	eps := NewSharedEndpoints(tcpServer, nil)

	key := registry.InstanceKey{ServiceID: 0x3333, InstanceID: 0x1}
	_, ok := eps.Reliable(key)
	require.True(t, ok)
	_, ok = eps.Unreliable(key)
	require.False(t, ok)
}
