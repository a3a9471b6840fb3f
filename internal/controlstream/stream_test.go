package controlstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReceivesReply(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := New(serverConn, 0, nil, nil)
	defer server.Stop()
	server.RegisterHandler(KindInvoke, func(_ context.Context, env Envelope) Envelope {
		return Envelope{Kind: KindInvokeRsp, Payload: env.Payload}
	})

	client := New(clientConn, 0, nil, nil)
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, Envelope{Kind: KindInvoke, ID: "req-1", Payload: []byte(`"hi"`)})
	require.NoError(t, err)
	require.Equal(t, KindInvokeRsp, resp.Kind)
	require.Equal(t, "req-1", resp.ID)
}

func TestDuplicateSendReturnsSameFuture(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var invokeCount int
	server := New(serverConn, 0, nil, nil)
	defer server.Stop()
	server.RegisterHandler(KindInvoke, func(_ context.Context, env Envelope) Envelope {
		invokeCount++
		return Envelope{Kind: KindInvokeRsp}
	})

	client := New(clientConn, 0, nil, nil)
	defer client.Stop()

	ctx := context.Background()
	results := make(chan error, 2)
	send := func() {
		_, err := client.Send(ctx, Envelope{Kind: KindInvoke, ID: "dup-1"})
		results <- err
	}
	go send()
	time.Sleep(20 * time.Millisecond) // let the first Send register its pending entry
	go send()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
}

func TestStopFailsOutstandingPending(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	client := New(clientConn, 0, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), Envelope{Kind: KindInvoke, ID: "req-x"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send never returned after Stop")
	}
}
