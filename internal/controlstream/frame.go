// Package controlstream implements the bidirectional control stream (C3):
// one long-lived connection per (instance, runtime) pair, demultiplexed by
// message id, with a FIFO write queue and a pending-reply map.
//
// The teacher's own generated-protobuf control-plane service
// (internal/grpc/server.go, api/proto/novapb) and its vsock protobuf codec
// (internal/pkg/vsockpb/codec.go, api/proto/agentpb) both depend on stub
// packages that were never retrieved with this codebase — there is no
// .proto source anywhere in the tree to regenerate them from. Rather than
// fabricate those stubs, this package is grounded on a wire format the
// teacher already ships without any codegen: internal/firecracker/vsock.go's
// tagged-union JSON message framed with a 4-byte big-endian length prefix.
// That framing is generalized here into the Envelope/Kind model spec §3
// describes, and works unmodified over a plain net.Conn or a
// github.com/mdlayher/vsock connection (see internal/runtimeconn).
package controlstream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags the concrete variant of a streaming message (spec §3). The core
// treats the body as opaque except for this tag.
type Kind string

const (
	KindInvoke        Kind = "Invoke"
	KindInvokeRsp     Kind = "InvokeRsp"
	KindCall          Kind = "Call"
	KindCallRsp       Kind = "CallRsp"
	KindCallResult    Kind = "CallResult"
	KindCallResultAck Kind = "CallResultAck"
	KindNotify        Kind = "Notify"
	KindNotifyRsp     Kind = "NotifyRsp"
	KindHeartbeat     Kind = "Heartbeat"
	KindHeartbeatRsp  Kind = "HeartbeatRsp"
	KindSave          Kind = "Save"
	KindSaveRsp       Kind = "SaveRsp"
	KindLoad          Kind = "Load"
	KindLoadRsp       Kind = "LoadRsp"
	KindKill          Kind = "Kill"
	KindKillRsp       Kind = "KillRsp"

	// KindRegister/KindRegistered carry the registration RPC (spec §4.2,
	// §6 "Registration RPC") over the same connection before it settles
	// into steady-state Invoke/Call traffic; cmd/schedulerd and
	// cmd/agentd wire internal/register's Sender/Responder closures onto
	// these two kinds.
	KindRegister   Kind = "Register"
	KindRegistered Kind = "Registered"

	// kindLastWrite is the sentinel frame a client writes after a read
	// failure, before dropping its holds (spec §4.3 closure semantics).
	kindLastWrite Kind = "LAST_WRITE"
)

// IsHeartbeat reports whether k is a heartbeat variant — these bypass
// signing and debug logging per spec §4.3/§4.6.
func (k Kind) IsHeartbeat() bool {
	return k == KindHeartbeat || k == KindHeartbeatRsp
}

// Envelope is the wire frame: a tagged union keyed by a message id used to
// correlate a reply with its request (spec §3). Sig carries an optional
// HMAC signature when an Interceptor is attached (spec §4.3).
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sig     []byte          `json:"sig,omitempty"`
}

// defaultMaxFrameBytes matches the spec §6 default; callers should pass
// config.Config.MaxFrameBytes instead in production.
const defaultMaxFrameBytes = 4 << 20

// WriteFrame marshals env as JSON and writes it to w prefixed by its
// 4-byte big-endian length, mirroring vsock.go's wire format.
func WriteFrame(w io.Writer, env Envelope, maxFrameBytes int) error {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame size %d exceeds max %d", len(data), maxFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON envelope from r.
func ReadFrame(r io.Reader, maxFrameBytes int) (Envelope, error) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxFrameBytes {
		return Envelope{}, fmt.Errorf("frame size %d exceeds max %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
