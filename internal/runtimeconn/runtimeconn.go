// Package runtimeconn provides the agent-to-runtime control-stream
// transport: dial a runtime process (a plain TCP peer, or a Firecracker
// microVM guest over vsock) and hand the resulting net.Conn to
// internal/controlstream.New. Reconnect uses the backoff range spec §6
// names ([500,5000]ms); the stream itself is terminal on failure —
// reconnection is always a fresh Dial + registration handshake, per spec
// §4.3's "Stream failure is terminal" closure semantics.
//
// Grounded on the teacher's internal/firecracker/vsock.go ("dial on
// demand... long-lived connection is error-prone" — the same
// dial-per-attempt shape is kept here), using the real
// github.com/mdlayher/vsock dependency in place of the teacher's syscall
// helper (dialVsock was never retrieved with this pack; vsock.Dial is the
// idiomatic equivalent already in the teacher's own go.mod).
package runtimeconn

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/oriys/corefn/internal/logging"
)

// Transport identifies which dialer to use for a runtime endpoint.
type Transport string

const (
	TransportTCP   Transport = "tcp"
	TransportVsock Transport = "vsock"
)

// Target names one runtime connection endpoint.
type Target struct {
	Transport Transport
	// TCP
	Addr string
	// Vsock
	ContextID uint32
	Port      uint32
}

// Dial opens one connection to target, trying once. Callers that need
// retry should use DialWithBackoff.
func Dial(ctx context.Context, target Target) (net.Conn, error) {
	switch target.Transport {
	case TransportVsock:
		conn, err := vsock.Dial(target.ContextID, target.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("runtimeconn: vsock dial cid=%d port=%d: %w", target.ContextID, target.Port, err)
		}
		return conn, nil
	case TransportTCP, "":
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", target.Addr)
		if err != nil {
			return nil, fmt.Errorf("runtimeconn: tcp dial %s: %w", target.Addr, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("runtimeconn: unknown transport %q", target.Transport)
	}
}

// BackoffMin and BackoffMax bound reconnect cycles per spec §6.
const (
	BackoffMin = 500 * time.Millisecond
	BackoffMax = 5000 * time.Millisecond
)

// DialWithBackoff retries Dial with jittered exponential backoff bounded by
// [BackoffMin, BackoffMax] until it succeeds or ctx is cancelled.
func DialWithBackoff(ctx context.Context, target Target) (net.Conn, error) {
	backoff := BackoffMin
	for {
		conn, err := Dial(ctx, target)
		if err == nil {
			return conn, nil
		}
		logging.Op().Warn("runtimeconn: dial failed, backing off", "target", target.Addr, "backoff", backoff, "err", err)

		jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if jittered < BackoffMin {
			jittered = BackoffMin
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > BackoffMax {
			backoff = BackoffMax
		}
	}
}
