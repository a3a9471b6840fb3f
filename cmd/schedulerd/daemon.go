package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oriys/corefn/internal/addr"
	"github.com/oriys/corefn/internal/admission"
	"github.com/oriys/corefn/internal/circuitbreaker"
	"github.com/oriys/corefn/internal/config"
	"github.com/oriys/corefn/internal/controlstream"
	"github.com/oriys/corefn/internal/dispatch"
	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/heartbeat"
	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/metastore"
	"github.com/oriys/corefn/internal/metrics"
	"github.com/oriys/corefn/internal/placement"
	"github.com/oriys/corefn/internal/placement/plugins"
	"github.com/oriys/corefn/internal/register"
	"github.com/oriys/corefn/internal/resourceview"
)

// registerRequest is the wire shape of a KindRegister payload: the
// runtime's own address plus the resource unit it wants scheduled calls
// routed against (spec §4.2, §3 "Resource unit").
type registerRequest struct {
	InstanceID   string `json:"instance_id"`
	RuntimeID    string `json:"runtime_id"`
	Addr         string `json:"addr"`
	TenantID     string `json:"tenant_id"`
	FunctionName string `json:"function_name"`
}

// callRequestBody/callResultBody mirror the Call/CallResult envelope
// payloads exchanged over the control stream (spec §4.5 call path).
type callRequestBody struct {
	InstanceID string          `json:"instance_id"`
	RequestID  string          `json:"request_id"`
	TraceID    string          `json:"trace_id"`
	FunctionID string          `json:"function_id,omitempty"`
	BucketID   string          `json:"bucket_id,omitempty"`
	ObjectID   string          `json:"object_id,omitempty"`
	Request    json.RawMessage `json:"request"`
}

type callResultBody struct {
	InstanceID string          `json:"instance_id"`
	RequestID  string          `json:"request_id"`
	Code       string          `json:"code"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"`
}

// invokeRequestBody is the wire shape of a KindInvoke payload: a client's
// request to call an instance, routed through admission and, when the
// instance has no ready proxy yet, through the placement framework (spec
// §1 call path step 1-2).
type invokeRequestBody struct {
	InstanceID  string            `json:"instance_id"`
	TenantID    string            `json:"tenant_id"`
	FunctionID  string            `json:"function_id"`
	BucketID    string            `json:"bucket_id,omitempty"`
	ObjectID    string            `json:"object_id,omitempty"`
	RequestID   string            `json:"request_id"`
	TraceID     string            `json:"trace_id"`
	Priority    int               `json:"priority"`
	Labels      map[string]string `json:"labels,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Request     json.RawMessage   `json:"request"`
}

type invokeResponseBody struct {
	Code    string          `json:"code"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// forwardCallBody/forwardCallAckBody shadow dispatch's own unexported wire
// structs so the ForwardCall gRPC handler here can decode/encode them
// without reaching into that package's internals.
type forwardCallBody struct {
	InstanceID     string          `json:"instance_id"`
	RequestID      string          `json:"request_id"`
	TraceID        string          `json:"trace_id"`
	CallerTenantID string          `json:"caller_tenant_id"`
	CallerProxyID  string          `json:"caller_proxy_id"`
	Request        json.RawMessage `json:"request"`
}

type forwardCallAckBody struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// proxyRegistry is the scheduler's instanceID -> Proxy table (spec §4.5
// "one proxy task per instance name").
type proxyRegistry struct {
	mu   sync.RWMutex
	byID map[string]*dispatch.Proxy
}

func newProxyRegistry() *proxyRegistry {
	return &proxyRegistry{byID: make(map[string]*dispatch.Proxy)}
}

func (r *proxyRegistry) Put(id string, p *dispatch.Proxy) {
	r.mu.Lock()
	r.byID[id] = p
	r.mu.Unlock()
}

func (r *proxyRegistry) Get(id string) *dispatch.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *proxyRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler control-plane daemon",
		Long:  "Terminates the control stream from every runtime, supervises registration and heartbeats, runs the placement framework against the live resource view, and hosts the per-instance proxy/dispatcher layer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
			metrics.MustRegister(nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, err := metastore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return fmt.Errorf("connect metastore: %w", err)
			}
			defer store.Close()

			view := resourceview.New()

			var snapshotter *resourceview.Snapshotter
			if cfg.PostgresDSN != "" {
				snapshotter, err = resourceview.NewSnapshotter(ctx, cfg.PostgresDSN)
				if err != nil {
					return fmt.Errorf("connect resourceview snapshotter: %w", err)
				}
				defer snapshotter.Close()

				units, err := snapshotter.LoadAll(ctx)
				if err != nil {
					logging.Op().Warn("scheduler: failed preloading resource unit snapshots", "err", err)
				}
				for _, u := range units {
					view.Put(u)
				}
				logging.Op().Info("scheduler: preloaded resource unit snapshots", "count", len(units))
			}

			watchCh, err := store.WatchPrefix(ctx, "/corefn/resourceunit/")
			if err != nil {
				return fmt.Errorf("watch resource units: %w", err)
			}
			go watchResourceUnits(ctx, watchCh, view, snapshotter)

			framework := placement.NewFramework(cfg.RelaxedFeasible)
			framework.RegisterPrefilter(&plugins.LabelAffinityPrefilter{Key: "zone"})
			framework.RegisterFilter(&plugins.LabelAffinityFilter{})
			framework.RegisterScore(&plugins.ResourcePressureScore{}, 0)

			admissionRedis := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			defer admissionRedis.Close()
			gate := admission.New(admissionRedis, nil, admission.TenantQuota{
				Capacity:   cfg.TokenBucketCapacity,
				RatePerSec: cfg.TokenBucketRatePerS,
			}, cfg.MaxPriority)

			proxies := newProxyRegistry()
			remoteClient := dispatch.NewRemoteClient(10*time.Second, circuitbreaker.Config{
				ErrorPct:       50,
				WindowDuration: 30 * time.Second,
				OpenDuration:   10 * time.Second,
				HalfOpenProbes: 3,
			})
			defer remoteClient.Close()

			grpcServer, err := startForwardCallServer(cfg.GRPCForwardAddr, proxies)
			if err != nil {
				return fmt.Errorf("start forward-call server: %w", err)
			}
			defer grpcServer.Stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("scheduler: metrics server exited", "err", err)
				}
			}()
			defer metricsServer.Close()

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Listen, err)
			}
			logging.Op().Info("scheduler: control stream listening", "addr", cfg.Listen)

			go acceptLoop(ctx, ln, cfg, proxies, remoteClient, framework, gate, view)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("scheduler: shutdown signal received")
			cancel()
			_ = ln.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

// watchResourceUnits applies metastore change events to the live view,
// and mirrors Put events into the Postgres snapshot when one is
// configured (spec §6 "no other persistent state; all other maps are
// rebuilt from subscriptions at start").
func watchResourceUnits(ctx context.Context, events <-chan metastore.Event, view *resourceview.View, snapshotter *resourceview.Snapshotter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			id := strings.TrimPrefix(ev.Key, "/corefn/resourceunit/")
			switch ev.Type {
			case metastore.EventDelete:
				view.Delete(id)
				if snapshotter != nil {
					if err := snapshotter.Delete(ctx, id); err != nil {
						logging.Op().Warn("scheduler: snapshot delete failed", "id", id, "err", err)
					}
				}
			case metastore.EventPut:
				var unit placement.ResourceUnit
				if err := json.Unmarshal(ev.Value, &unit); err != nil {
					logging.Op().Warn("scheduler: skip malformed resource unit event", "key", ev.Key, "err", err)
					continue
				}
				if unit.ID == "" {
					unit.ID = id
				}
				view.Put(&unit)
				if snapshotter != nil {
					if err := snapshotter.Save(ctx, &unit); err != nil {
						logging.Op().Warn("scheduler: snapshot save failed", "id", unit.ID, "err", err)
					}
				}
			}
		}
	}
}

// acceptLoop accepts runtime connections and wires one controlstream.Stream
// per connection, along with a dedicated register.Coordinator/
// heartbeat.Supervisor pair for the single peer that stream will carry
// (spec §4.2/§4.3).
func acceptLoop(ctx context.Context, ln net.Listener, cfg *config.Config, proxies *proxyRegistry, remoteClient *dispatch.RemoteClient, framework *placement.Framework, gate *admission.Gate, view *resourceview.View) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logging.Op().Warn("scheduler: accept failed", "err", err)
			continue
		}
		go handleConn(ctx, conn, cfg, proxies, remoteClient, framework, gate, view)
	}
}

// selectResourceUnit runs the placement framework (C4) against every
// top-level unit currently held by the live resource view, returning the
// first feasible ranking found — spec §1 call path step 2: "If this
// requires a new instance, the proxy asks the scheduler (C4) for a
// resource unit."
func selectResourceUnit(framework *placement.Framework, view *resourceview.View, instance placement.InstanceInfo) (string, placement.FeasibleUnit, error) {
	units := view.Snapshot()
	var lastErr error
	for topID, unit := range units {
		feasible, err := framework.SelectFeasible(instance, unit, 1)
		if err != nil {
			lastErr = err
			continue
		}
		return topID, feasible[0], nil
	}
	if lastErr == nil {
		lastErr = errs.New(errs.CodeResourceNotEnough, "no resource units registered")
	}
	return "", placement.FeasibleUnit{}, lastErr
}

func handleConn(ctx context.Context, conn net.Conn, cfg *config.Config, proxies *proxyRegistry, remoteClient *dispatch.RemoteClient, framework *placement.Framework, gate *admission.Gate, view *resourceview.View) {
	var (
		mu           sync.Mutex
		pendingReply []byte
		peerAddr     addr.Address
		activeName   string
		coordinator  *register.Coordinator
	)

	onClosed := func(err error) {
		if coordinator != nil {
			coordinator.Stop()
		}
		if activeName != "" {
			proxies.Remove(activeName)
		}
		logging.Op().Info("scheduler: control stream closed", "peer", peerAddr.String(), "err", err)
	}

	stream := controlstream.New(conn, cfg.MaxFrameBytes, nil, onClosed)

	newDispatcherFor := func(instanceID string, local bool, remote addr.Address) *dispatch.Dispatcher {
		info := dispatch.InstanceRouterInfo{InstanceID: instanceID, IsLocal: local, IsReady: local, RemoteAddr: remote}
		localSend := func(ctx context.Context, info dispatch.InstanceRouterInfo, req *dispatch.CallRequestContext) error {
			body, err := json.Marshal(callRequestBody{
				InstanceID: info.InstanceID, RequestID: req.RequestID, TraceID: req.TraceID,
				FunctionID: req.FunctionID, BucketID: req.BucketID, ObjectID: req.ObjectID,
				Request: req.Request,
			})
			if err != nil {
				return err
			}
			_, err = stream.Send(ctx, controlstream.Envelope{Kind: controlstream.KindCall, ID: req.RequestID, Payload: body})
			return err
		}
		return dispatch.NewDispatcher(info, localSend, dispatch.NewForwarder(remoteClient))
	}

	pingSend := heartbeat.Pinger(func(target addr.Address) error {
		go func() {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.PingCycleMs)*time.Millisecond)
			defer cancel()
			_, err := stream.Send(pingCtx, controlstream.Envelope{Kind: controlstream.KindHeartbeat, ID: uuid.NewString()})
			if err != nil {
				return
			}
			if coordinator != nil {
				if sup := coordinator.HeartbeatFor(activeName, target); sup != nil {
					sup.Pong()
				}
			}
		}()
		return nil
	})

	onHeartbeatTimeout := heartbeat.TimeoutHandler(func(target addr.Address, reason heartbeat.Reason) {
		metrics.HeartbeatTimeouts.WithLabelValues(string(reason)).Inc()
		logging.Op().Warn("scheduler: heartbeat timeout", "peer", target.String(), "reason", reason)
		proxies.Remove(activeName)
		stream.Stop()
	})

	respond := register.Responder(func(to addr.Address, payload []byte) error {
		mu.Lock()
		pendingReply = payload
		mu.Unlock()
		return nil
	})

	onRegister := register.RegisterCallback(func(from addr.Address, name string, payload []byte) ([]byte, bool) {
		var reg registerRequest
		if err := json.Unmarshal(payload, &reg); err != nil {
			logging.Op().Warn("scheduler: malformed register payload", "err", err)
			metrics.RegistrationAttempts.WithLabelValues("rejected").Inc()
			return nil, false
		}
		d := newDispatcherFor(reg.InstanceID, true, from)
		p := dispatch.NewProxy(reg.InstanceID, d, func(dst string) *dispatch.Dispatcher {
			return newDispatcherFor(dst, false, addr.Address{})
		}, nil, nil, nil)
		proxies.Put(reg.InstanceID, p)
		activeName = reg.InstanceID
		metrics.RegistrationAttempts.WithLabelValues("accepted").Inc()
		ack, _ := json.Marshal(map[string]bool{"ok": true})
		return ack, true
	})

	coordinator = register.NewCoordinator(onRegister, respond, pingSend, onHeartbeatTimeout, cfg.PingCycleMs, cfg.MaxPingTimeoutNums)

	stream.RegisterHandler(controlstream.KindRegister, func(ctx context.Context, env controlstream.Envelope) controlstream.Envelope {
		var reg registerRequest
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			return controlstream.Envelope{Kind: controlstream.KindRegistered, Payload: payload}
		}
		from := addr.Address{Name: reg.InstanceID, URL: reg.Addr, Protocol: "tcp"}
		peerAddr = from
		coordinator.HandleRegister(from, reg.InstanceID, env.Payload)
		mu.Lock()
		payload := pendingReply
		mu.Unlock()
		return controlstream.Envelope{Kind: controlstream.KindRegistered, Payload: payload}
	})

	stream.RegisterHandler(controlstream.KindCallResult, func(ctx context.Context, env controlstream.Envelope) controlstream.Envelope {
		var body callResultBody
		if err := json.Unmarshal(env.Payload, &body); err == nil {
			if p := proxies.Get(body.InstanceID); p != nil {
				p.CallResult(ctx, body.InstanceID, body.RequestID, dispatch.CallResult{
					Code: errs.Code(body.Code), Payload: body.Payload, Reason: body.Reason,
				})
			}
		}
		return controlstream.Envelope{Kind: controlstream.KindCallResultAck}
	})

	stream.RegisterHandler(controlstream.KindInvoke, func(ctx context.Context, env controlstream.Envelope) controlstream.Envelope {
		invokeErr := func(code errs.Code, reason string) controlstream.Envelope {
			payload, _ := json.Marshal(invokeResponseBody{Code: string(code), Reason: reason})
			return controlstream.Envelope{Kind: controlstream.KindInvokeRsp, ID: env.ID, Payload: payload}
		}

		var body invokeRequestBody
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return invokeErr(errs.CodeParamInvalid, err.Error())
		}
		if err := gate.ValidatePriority(body.Priority); err != nil {
			code, _ := errs.Of(err)
			return invokeErr(code, err.Error())
		}
		if err := gate.AllowN(ctx, body.TenantID, 1); err != nil {
			metrics.InvokeAdmissionRejects.WithLabelValues("over_quota").Inc()
			code, ok := errs.Of(err)
			if !ok {
				code = errs.CodeInnerCommunication
			}
			return invokeErr(code, err.Error())
		}

		p := proxies.Get(body.InstanceID)
		if p == nil {
			instance := placement.InstanceInfo{
				RequestID:   body.RequestID,
				TraceID:     body.TraceID,
				Priority:    body.Priority,
				FunctionID:  body.FunctionID,
				Labels:      body.Labels,
				Constraints: body.Constraints,
			}
			unitID, feasible, err := selectResourceUnit(framework, view, instance)
			if err != nil {
				code, ok := errs.Of(err)
				if !ok {
					code = errs.CodeResourceNotEnough
				}
				return invokeErr(code, err.Error())
			}
			logging.Op().Info("scheduler: selected resource unit for new instance",
				"instance", body.InstanceID, "unit", unitID, "fragment", feasible.UnitID, "score", feasible.Score)
			return invokeErr(errs.CodeInstanceNotFound, fmt.Sprintf(
				"no ready instance; scheduled onto resource unit %s/%s, awaiting agent deployment and registration", unitID, feasible.UnitID))
		}

		req := &dispatch.CallRequestContext{
			InstanceID: body.InstanceID, RequestID: body.RequestID, TraceID: body.TraceID, CallerTenantID: body.TenantID,
			FunctionID: body.FunctionID, BucketID: body.BucketID, ObjectID: body.ObjectID,
			Request: body.Request,
		}
		start := time.Now()
		resultCh := p.Call(ctx, body.InstanceID, req, start)
		select {
		case res := <-resultCh:
			logging.Default().Log(&logging.RequestLog{
				RequestID: body.RequestID, TraceID: body.TraceID, Function: body.FunctionID, FunctionID: body.FunctionID,
				DurationMs: time.Since(start).Milliseconds(), Success: res.OK(), Error: res.Reason,
				InputSize: len(body.Request), OutputSize: len(res.Payload),
			})
			if !res.OK() {
				logging.OpWithTrace(body.TraceID, "").Warn("scheduler: invoke returned non-success", "request_id", body.RequestID, "code", res.Code, "reason", res.Reason)
			}
			payload, _ := json.Marshal(invokeResponseBody{Code: string(res.Code), Payload: res.Payload, Reason: res.Reason})
			return controlstream.Envelope{Kind: controlstream.KindInvokeRsp, ID: env.ID, Payload: payload}
		case <-ctx.Done():
			logging.Default().Log(&logging.RequestLog{
				RequestID: body.RequestID, TraceID: body.TraceID, Function: body.FunctionID, FunctionID: body.FunctionID,
				DurationMs: time.Since(start).Milliseconds(), Success: false, Error: "invoke cancelled",
				InputSize: len(body.Request),
			})
			return invokeErr(errs.CodeInnerCommunication, "invoke cancelled")
		}
	})

	<-ctx.Done()
	stream.Stop()
}

// startForwardCallServer hosts the cross-node ForwardCall RPC (spec §4.5
// call path step 2) alongside the control-stream listener, so a proxy on
// another scheduler instance can hand this node a call addressed to one of
// its local instances.
func startForwardCallServer(listenAddr string, proxies *proxyRegistry) (*grpcServerHandle, error) {
	handler := dispatch.ForwardCallHandler(func(ctx context.Context, payload []byte) ([]byte, error) {
		var body forwardCallBody
		if err := json.Unmarshal(payload, &body); err != nil {
			return json.Marshal(forwardCallAckBody{Accepted: false, Reason: err.Error()})
		}
		p := proxies.Get(body.InstanceID)
		if p == nil {
			return json.Marshal(forwardCallAckBody{Accepted: false, Reason: "instance not found"})
		}
		req := &dispatch.CallRequestContext{
			InstanceID:     body.InstanceID,
			RequestID:      body.RequestID,
			TraceID:        body.TraceID,
			CallerTenantID: body.CallerTenantID,
			CallerProxyID:  body.CallerProxyID,
			Request:        body.Request,
		}
		p.Call(ctx, body.InstanceID, req, time.Now())
		return json.Marshal(forwardCallAckBody{Accepted: true})
	})
	return newGRPCServerHandle(listenAddr, dispatch.NewForwardCallServiceDesc(handler))
}
