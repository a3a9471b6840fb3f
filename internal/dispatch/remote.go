// Remote cross-node forward-call transport (spec §4.5 call path step 2:
// "forward via a ForwardCall message to the owning proxy's task"). Grounded
// on the teacher's internal/cluster/proxy.go dial-cache pattern
// (getGRPCConn/grpcConns), but proxy.go's own RPC calls a generated
// novapb.NovaServiceClient that was never retrieved with this pack (no
// .proto source, codegen out of scope). Rather than fabricate that stub,
// this file registers a hand-authored grpc.ServiceDesc for a single
// "ForwardCall" method whose wire payload is exactly the raw
// controlstream.Envelope JSON frame, carried with a raw-bytes
// encoding.Codec instead of the default proto codec — real,
// uncompiled-stub use of google.golang.org/grpc, matching proxy.go's
// client-cache shape without inventing generated message types.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/oriys/corefn/internal/circuitbreaker"
	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/logging"
)

// forwardCallServiceName and forwardCallMethodName name the hand-authored
// unary RPC carrying a raw Envelope frame in both directions.
const (
	forwardCallServiceName = "corefn.dispatch.ForwardCall"
	forwardCallMethodName  = "Send"
	rawCodecName           = "corefn-raw"
)

// rawFrame is the wire type exchanged over the hand-authored RPC: exactly
// the bytes of a JSON-encoded controlstream.Envelope (or any other
// caller-chosen payload) with no further framing, since grpc already
// length-prefixes messages on the wire.
type rawFrame []byte

// rawCodec implements grpc/encoding.Codec by passing rawFrame through
// unchanged, avoiding any dependency on generated protobuf messages.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("dispatch: rawCodec.Marshal: unsupported type %T", v)
	}
	return *f, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("dispatch: rawCodec.Unmarshal: unsupported type %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// RemoteClient dials and caches one grpc.ClientConn per remote proxy
// address, guarding each with a circuitbreaker.Breaker so a consistently
// failing peer stops accepting new forward attempts until it recovers
// (SPEC_FULL §3 domain-stack row "Circuit breaking on cross-node
// forward").
type RemoteClient struct {
	dialTimeout time.Duration

	connsMu sync.Mutex
	conns   map[string]*grpc.ClientConn

	breakers *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
}

// NewRemoteClient constructs a RemoteClient. dialTimeout <= 0 defaults to
// 10s; breakerCfg configures the per-address breaker.
func NewRemoteClient(dialTimeout time.Duration, breakerCfg circuitbreaker.Config) *RemoteClient {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &RemoteClient{
		dialTimeout: dialTimeout,
		conns:       make(map[string]*grpc.ClientConn),
		breakers:    circuitbreaker.NewRegistry(),
		breakerCfg:  breakerCfg,
	}
}

func (c *RemoteClient) getConn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	c.connsMu.Lock()
	if conn, ok := c.conns[addr]; ok {
		c.connsMu.Unlock()
		return conn, nil
	}
	c.connsMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial remote proxy %s: %w", addr, err)
	}

	c.connsMu.Lock()
	if existing, ok := c.conns[addr]; ok {
		c.connsMu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.conns[addr] = conn
	c.connsMu.Unlock()
	return conn, nil
}

// Forward sends payload to addr's ForwardCall method and returns the reply
// bytes. It is the RemoteForwarder plumbing dispatch.Dispatcher calls when
// info.IsLocal is false (spec §4.5 call path step 2).
func (c *RemoteClient) Forward(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	// breaker is nil when breakerCfg is the zero value: circuit breaking is
	// opt-in, per circuitbreaker.Registry.Get's own "not configured" contract.
	breaker := c.breakers.Get(addr, c.breakerCfg)
	if breaker != nil && !breaker.Allow() {
		return nil, errs.Errorf(errs.CodeRequestBetweenRuntimeBus, "circuit open for remote proxy %s", addr)
	}

	conn, err := c.getConn(ctx, addr)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		return nil, errs.Errorf(errs.CodeRequestBetweenRuntimeBus, "%s", err)
	}

	in := rawFrame(payload)
	var out rawFrame
	fullMethod := fmt.Sprintf("/%s/%s", forwardCallServiceName, forwardCallMethodName)
	if err := conn.Invoke(ctx, fullMethod, &in, &out, grpc.CallContentSubtype(rawCodecName)); err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		logging.Op().Warn("dispatch: remote forward failed", "addr", addr, "err", err)
		return nil, errs.Errorf(errs.CodeRequestBetweenRuntimeBus, "remote forward to %s: %v", addr, err)
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	return out, nil
}

// Close tears down every cached connection.
func (c *RemoteClient) Close() {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
}

// forwardCallRequest is the JSON body sent to a remote proxy's ForwardCall
// endpoint: everything the remote dispatcher needs to recreate a
// CallRequestContext and, on completion, mail a CallResult back via
// ResponseForwardCall (spec §4.5 call path step 2).
type forwardCallRequest struct {
	InstanceID     string          `json:"instance_id"`
	RequestID      string          `json:"request_id"`
	TraceID        string          `json:"trace_id"`
	CallerTenantID string          `json:"caller_tenant_id"`
	CallerProxyID  string          `json:"caller_proxy_id"`
	Request        json.RawMessage `json:"request"`
}

// forwardCallAck is the synchronous reply to a ForwardCall send: it only
// confirms the remote proxy accepted the request into its own dispatcher
// buckets. The eventual CallResult arrives later, independently, over the
// CallResult path (spec §4.5: "the reply arrives later via OnCallResult").
type forwardCallAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// NewForwarder adapts client into a RemoteForwarder, serializing req as a
// forwardCallRequest and sending it to info.RemoteAddr.URL. A non-nil error
// here means the send itself failed (e.g. the peer is unreachable); it does
// not carry the call's eventual CallResult.
func NewForwarder(client *RemoteClient) RemoteForwarder {
	return func(ctx context.Context, info InstanceRouterInfo, req *CallRequestContext) error {
		body, err := json.Marshal(forwardCallRequest{
			InstanceID:     info.InstanceID,
			RequestID:      req.RequestID,
			TraceID:        req.TraceID,
			CallerTenantID: req.CallerTenantID,
			CallerProxyID:  req.CallerProxyID,
			Request:        req.Request,
		})
		if err != nil {
			return fmt.Errorf("dispatch: marshal forward call request: %w", err)
		}

		reply, err := client.Forward(ctx, info.RemoteAddr.URL, body)
		if err != nil {
			return err
		}

		var ack forwardCallAck
		if err := json.Unmarshal(reply, &ack); err != nil {
			return fmt.Errorf("dispatch: unmarshal forward call ack: %w", err)
		}
		if !ack.Accepted {
			return errs.Errorf(errs.CodeRequestBetweenRuntimeBus, "remote proxy declined forward: %s", ack.Reason)
		}
		return nil
	}
}

// ForwardCallHandler answers an inbound ForwardCall with the response
// bytes, mirroring the application's ResponseForwardCall relay (spec §4.5
// call path step 2).
type ForwardCallHandler func(ctx context.Context, payload []byte) ([]byte, error)

// NewForwardCallServiceDesc builds the grpc.ServiceDesc implementing the
// server side of the hand-authored ForwardCall RPC, so the scheduler's
// grpc.Server can register it alongside any other service without needing
// generated protobuf stubs.
func NewForwardCallServiceDesc(handler ForwardCallHandler) grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: forwardCallServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: forwardCallMethodName,
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
					var in rawFrame
					if err := dec(&in); err != nil {
						return nil, err
					}
					run := func(ctx context.Context, req interface{}) (interface{}, error) {
						payload, err := handler(ctx, []byte(req.(rawFrame)))
						if err != nil {
							return nil, err
						}
						out := rawFrame(payload)
						return &out, nil
					}
					if interceptor == nil {
						return run(ctx, in)
					}
					info := &grpc.UnaryServerInfo{FullMethod: fmt.Sprintf("/%s/%s", forwardCallServiceName, forwardCallMethodName)}
					return interceptor(ctx, in, info, run)
				},
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "corefn/dispatch/remote.go",
	}
}
