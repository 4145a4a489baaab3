package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/someipd/someipd/internal/transport"
)

func TestSession_SendAndReceive(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	limits := transport.NewQueueLimits(1 << 20)
	log := zerolog.Nop()

	received := make(chan Frame, 1)

	clientEndpoint := transport.NewLocalClientEndpoint(clientConn, limits, nil, log)
	serverEndpoint := transport.NewLocalClientEndpoint(serverConn, limits, nil, log)

	codec := NewFrameCodec(4096)
	NewSession(clientEndpoint, codec, nil, log)
	NewSession(serverEndpoint, codec, func(f Frame) { received <- f }, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientEndpoint.Open(ctx)
	serverEndpoint.Open(ctx)

	clientSession := &Session{endpoint: clientEndpoint, codec: codec, log: log}
	if _, err := clientSession.Send(ctx, 9, RegisterApplication, EncodeRegisterApplication(RegisterApplicationPayload{EndpointName: "test-app"})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case f := <-received:
		if f.Command != RegisterApplication || f.ClientID != 9 {
			t.Errorf("received frame = %+v, unexpected", f)
		}
		payload, err := DecodeRegisterApplication(f.Payload)
		if err != nil {
			t.Fatalf("DecodeRegisterApplication() error = %v", err)
		}
		if payload.EndpointName != "test-app" {
			t.Errorf("EndpointName = %q, want test-app", payload.EndpointName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}
}

func TestSession_PongResetsMissedCounter(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	limits := transport.NewQueueLimits(1 << 20)
	log := zerolog.Nop()

	clientEndpoint := transport.NewLocalClientEndpoint(clientConn, limits, nil, log)
	serverEndpoint := transport.NewLocalClientEndpoint(serverConn, limits, nil, log)
	codec := NewFrameCodec(4096)

	clientSession := NewSession(clientEndpoint, codec, nil, log)
	NewSession(serverEndpoint, codec, nil, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientEndpoint.Open(ctx)
	serverEndpoint.Open(ctx)

	if _, err := clientSession.Send(ctx, 1, Ping, nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	serverSession := &Session{endpoint: serverEndpoint, codec: codec, log: log}
	if _, err := serverSession.Send(ctx, 1, Pong, nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// clientSession processed the inbound PONG via onBytes, which should have
	// reset its missedPongs counter to 0 regardless of prior keepalive state.
	if got := clientSession.missedPongs; got != 0 {
		t.Errorf("missedPongs = %d, want 0 after receiving PONG", got)
	}
}
