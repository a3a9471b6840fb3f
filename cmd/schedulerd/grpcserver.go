package main

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/oriys/corefn/internal/logging"
)

// grpcServerHandle wraps the *grpc.Server hosting the hand-authored
// ForwardCall service (internal/dispatch/remote.go) so daemon.go can stop
// it symmetrically with the control-stream listener.
type grpcServerHandle struct {
	server *grpc.Server
}

func newGRPCServerHandle(addr string, desc grpc.ServiceDesc) (*grpcServerHandle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := grpc.NewServer()
	server.RegisterService(&desc, nil)

	go func() {
		if err := server.Serve(ln); err != nil {
			logging.Op().Warn("scheduler: forward-call server exited", "err", err)
		}
	}()
	logging.Op().Info("scheduler: forward-call RPC listening", "addr", addr)

	return &grpcServerHandle{server: server}, nil
}

func (h *grpcServerHandle) Stop() {
	h.server.GracefulStop()
}
