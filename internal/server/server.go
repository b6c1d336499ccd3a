/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package server is the gRPC Surface (spec §4.9): it owns the Unix-socket
// listener lifecycle and serves the upstream k8s.io/cri-api RuntimeService
// and ImageService over google.golang.org/grpc, translating engine errors
// to grpc-status trailers.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/ananthb/systemd-cri-sub000/internal/imagepull"
	"github.com/ananthb/systemd-cri-sub000/internal/lifecycle"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
	"github.com/ananthb/systemd-cri-sub000/internal/streaming"
)

// Server owns the CRI gRPC listener.
type Server struct {
	addr string
	grpc *grpc.Server
	lis  net.Listener
}

// New constructs a Server bound to listenAddr (spec §6: "unix://<path>",
// "tcp://host:port", or a bare path). It opens the listener but accepts no
// connections until Serve is called. reg may
// be nil, in which case the gRPC surface's request-count/latency metrics
// are not collected.
func New(listenAddr string, engine *lifecycle.Engine, pool machineimage.Adapter, puller *imagepull.Puller, stream *streaming.Manager, reg prometheus.Registerer) (*Server, error) {
	network, address, err := parseListenAddr(listenAddr)
	if err != nil {
		return nil, err
	}

	lis, err := listen(network, address)
	if err != nil {
		return nil, err
	}

	unary := []grpc.UnaryServerInterceptor{instrumentUnary()}
	streamInts := []grpc.StreamServerInterceptor{streamPanicRecovery()}
	if reg != nil {
		srvMetrics := grpcprom.NewServerMetrics()
		reg.MustRegister(srvMetrics)
		unary = append(unary, srvMetrics.UnaryServerInterceptor())
		streamInts = append(streamInts, srvMetrics.StreamServerInterceptor())
	}

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(streamInts...),
	)
	runtimeapi.RegisterRuntimeServiceServer(gs, newRuntimeService(engine, stream))
	runtimeapi.RegisterImageServiceServer(gs, newImageService(pool, puller))

	return &Server{addr: listenAddr, grpc: gs, lis: lis}, nil
}

// parseListenAddr splits a spec §6 listener address into a net.Listen
// network and address pair. A bare path with no "://" separator is treated
// as a unix socket path, unless it contains a colon, in which case it is a
// bare host:port interpreted as TCP.
func parseListenAddr(raw string) (network, address string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty listen address")
	}
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme, rest := raw[:i], raw[i+3:]
		switch scheme {
		case "unix":
			return "unix", rest, nil
		case "tcp":
			return "tcp", rest, nil
		default:
			return "", "", fmt.Errorf("unsupported listen address scheme %q", scheme)
		}
	}
	if strings.Contains(raw, ":") {
		return "tcp", raw, nil
	}
	return "unix", raw, nil
}

// listen creates network's listener, applying the unix-socket lifecycle
// rules spec §4.9/§6 requires: parent directory created at 0755, any stale
// socket file removed first.
func listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		return net.Listen(network, address)
	}
	if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory for %q: %w", address, err)
	}
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %q: %w", address, err)
	}
	lis, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return lis, nil
}

// Serve blocks accepting connections until ctx is canceled or the
// listener errors.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(s.lis) }()

	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		s.cleanupSocket()
		return nil
	case err := <-errc:
		s.cleanupSocket()
		return err
	}
}

// cleanupSocket removes the unix socket file at shutdown (spec §4.9:
// "removing any prior socket at startup and at shutdown").
func (s *Server) cleanupSocket() {
	network, address, err := parseListenAddr(s.addr)
	if err != nil || network != "unix" {
		return
	}
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		log.L.WithError(err).Warnf("failed to remove cri socket %q at shutdown", address)
	}
}

// Stop immediately stops the server without waiting for in-flight RPCs.
func (s *Server) Stop() {
	s.grpc.Stop()
	s.cleanupSocket()
}
