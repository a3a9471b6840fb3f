package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oriys/corefn/internal/addr"
	"github.com/oriys/corefn/internal/agent"
	"github.com/oriys/corefn/internal/config"
	"github.com/oriys/corefn/internal/controlstream"
	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/metrics"
	"github.com/oriys/corefn/internal/register"
	"github.com/oriys/corefn/internal/runtimeconn"
)

// callRspBody is the wire shape of a KindCallRsp payload: empty on a bare
// admission ack, populated with a code/reason when admission or deploy
// rejects the call before the runtime's own executor ever sees it (spec
// §4.6, §7).
type callRspBody struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// registerPayload is the agent's own Register body (spec §4.2), decoded
// by cmd/schedulerd's registerRequest.
type registerPayload struct {
	InstanceID   string `json:"instance_id"`
	RuntimeID    string `json:"runtime_id"`
	Addr         string `json:"addr"`
	TenantID     string `json:"tenant_id"`
	FunctionName string `json:"function_name"`
}

func daemonCmd() *cobra.Command {
	var (
		logLevel      string
		schedulerAddr string
		instanceID    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the runtime agent daemon",
		Long:  "Deploys function code on demand, enforces the memory admission gate, and maintains the registration/heartbeat control stream to the scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("scheduler") {
				cfg.Listen = schedulerAddr
			}
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
			metrics.MustRegister(nil)

			if instanceID == "" {
				instanceID = uuid.NewString()
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			destCache := agent.NewDestinationCache(cfg.ClearCodePackageInterval)
			if err := destCache.StartSweep("@every 30s"); err != nil {
				return fmt.Errorf("start destination cache sweep: %w", err)
			}
			defer destCache.Stop()

			var deployer agent.Deployer
			if cfg.S3Endpoint != "" {
				s3Deployer, err := agent.NewS3Deployer(ctx, cfg.S3Endpoint, cfg.S3AccessKeyID, cfg.S3SecretAccessKey,
					agent.CodePackageThresholds{UnzipFileSizeMaxBytes: 1 << 30}, false)
				if err != nil {
					return fmt.Errorf("init s3 deployer: %w", err)
				}
				deployer = s3Deployer
			} else {
				logging.Op().Warn("agent: no s3_endpoint configured, deploy pipeline will reject every request")
			}

			pipeline := agent.NewDeployPipeline(destCache, deployer, cfg.DownloadCodeRetryCount, cfg.DownloadCodeRetryInterval, false)
			deployerConfigured := cfg.S3Endpoint != ""

			collector := agent.NewCollector(cfg.MemLimitFraction)
			monitor := agent.NewMonitor(agent.MemoryConfig{
				Enable:           true,
				LowThreshold:     cfg.MemLowWatermark,
				HighThreshold:    cfg.MemHighWatermark,
				MsgSizeThreshold: cfg.MsgSizeThreshold,
			}, collector)
			refreshCtx, refreshCancel := context.WithCancel(ctx)
			defer refreshCancel()
			go refreshMemory(refreshCtx, collector)
			defer collector.Stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("agent: metrics server exited", "err", err)
				}
			}()
			defer metricsServer.Close()

			conn, err := runtimeconn.DialWithBackoff(ctx, runtimeconn.Target{Transport: runtimeconn.TransportTCP, Addr: cfg.Listen})
			if err != nil {
				return fmt.Errorf("dial scheduler: %w", err)
			}

			closedCh := make(chan struct{})
			stream := controlstream.New(conn, cfg.MaxFrameBytes, nil, func(err error) {
				logging.Op().Warn("agent: control stream closed", "err", err)
				close(closedCh)
			})

			stream.RegisterHandler(controlstream.KindHeartbeat, func(ctx context.Context, env controlstream.Envelope) controlstream.Envelope {
				return controlstream.Envelope{Kind: controlstream.KindHeartbeatRsp}
			})

			stream.RegisterHandler(controlstream.KindCall, func(ctx context.Context, env controlstream.Envelope) controlstream.Envelope {
				callErr := func(code errs.Code, reason string) controlstream.Envelope {
					payload, _ := json.Marshal(callRspBody{Code: string(code), Reason: reason})
					return controlstream.Envelope{Kind: controlstream.KindCallRsp, Payload: payload}
				}

				var body struct {
					InstanceID string          `json:"instance_id"`
					RequestID  string          `json:"request_id"`
					FunctionID string          `json:"function_id"`
					BucketID   string          `json:"bucket_id"`
					ObjectID   string          `json:"object_id"`
					Request    json.RawMessage `json:"request"`
				}
				if err := json.Unmarshal(env.Payload, &body); err != nil {
					return callErr(errs.CodeParamInvalid, err.Error())
				}

				if monitor.IsEnabled() && !monitor.Allow(body.InstanceID, body.RequestID, uint64(len(body.Request))) {
					metrics.MemoryAdmissionRejects.WithLabelValues("over_watermark").Inc()
					logging.Op().Warn("agent: call rejected by memory monitor", "instance", body.InstanceID, "request_id", body.RequestID)
					return callErr(errs.CodeInnerSystemError, "rejected by memory monitor")
				}

				if body.BucketID != "" && body.ObjectID != "" {
					if !deployerConfigured {
						return callErr(errs.CodeUserCodeLoad, "no code deployer configured")
					}
					dest := agent.Destination(cfg.DeployDir, body.BucketID, body.ObjectID, true)
					materialised, err := pipeline.Deploy(ctx, agent.DeployRequest{
						InstanceID: body.InstanceID,
						RequestID:  body.RequestID,
						Artefacts: []agent.Artefact{{
							Kind: agent.ArtefactFunction, BucketID: body.BucketID, ObjectID: body.ObjectID, Destination: dest,
						}},
					})
					if err != nil {
						logging.Op().Warn("agent: deploy failed", "instance", body.InstanceID, "request_id", body.RequestID, "err", err)
						return callErr(errs.CodeUserCodeLoad, err.Error())
					}
					for _, d := range materialised {
						destCache.Attach(d, body.ObjectID, body.InstanceID, deployer)
					}
				}

				// Actual invocation execution belongs to the runtime's own
				// executor (out of scope, spec §1); this daemon only guards
				// admission, deploys the function's artefacts on first call,
				// and acknowledges receipt.
				return controlstream.Envelope{Kind: controlstream.KindCallRsp}
			})

			payload, err := json.Marshal(registerPayload{
				InstanceID: instanceID,
				RuntimeID:  instanceID,
				Addr:       cfg.Listen,
				TenantID:   "",
			})
			if err != nil {
				return fmt.Errorf("marshal register payload: %w", err)
			}

			var initiator *register.Initiator
			sender := register.Sender(func(target addr.Address, name string, body []byte) error {
				go func() {
					sendCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.RegisterIntervalMs)*time.Millisecond)
					defer cancel()
					reply, err := stream.Send(sendCtx, controlstream.Envelope{Kind: controlstream.KindRegister, ID: uuid.NewString(), Payload: body})
					if err != nil {
						logging.Op().Warn("agent: register send failed", "err", err)
						return
					}
					initiator.HandleRegistered(reply.Payload)
				}()
				return nil
			})

			target := addr.Address{Name: instanceID, URL: cfg.Listen, Protocol: "tcp"}
			initiator = register.NewInitiator(instanceID, target, payload, cfg.RegisterIntervalMs, cfg.MaxRegisterTimes, sender,
				func(reply []byte) {
					logging.Op().Info("agent: registered with scheduler", "instance", instanceID)
				},
				func() {
					logging.Op().Error("agent: registration timed out, giving up", "instance", instanceID)
					cancel()
				},
			)
			initiator.Start()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("agent: shutdown signal received")
			case <-closedCh:
				logging.Op().Warn("agent: control stream to scheduler lost")
			case <-ctx.Done():
			}
			stream.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().StringVar(&schedulerAddr, "scheduler", "", "Scheduler control-stream address (overrides config listen)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "Stable instance id (random when unset)")
	return cmd
}

// refreshMemory starts the Collector's own periodic RSS refresh loop (spec
// §4.6) and blocks until ctx is cancelled.
func refreshMemory(ctx context.Context, collector agent.Collector) {
	collector.Refresh(ctx)
	<-ctx.Done()
}
