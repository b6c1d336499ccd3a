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

package streaming

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	remotecommand "k8s.io/client-go/tools/remotecommand"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
	kstreaming "k8s.io/kubelet/pkg/cri/streaming"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// ContainerPIDGetter is the lifecycle engine's capability this package
// needs: the host PID a running container's unit was started as, and the
// network namespace path of a pod sandbox, both needed to enter the right
// namespaces for exec/attach/port-forward (spec §4.8).
type ContainerPIDGetter interface {
	ContainerPID(ctx context.Context, containerID string) (uint32, error)
	PodNetNS(ctx context.Context, podSandboxID string) (string, error)
}

// Manager is the Streaming Session Manager (spec §4.8). It satisfies
// k8s.io/kubelet/pkg/cri/streaming's Runtime interface and wraps that
// package's Server for the HTTP upgrade handshake and request-token
// bookkeeping, entering container namespaces via nsenter and dialing
// port-forward targets via the pod's own network namespace.
type Manager struct {
	engine ContainerPIDGetter
	server kstreaming.Server
}

// New builds a Manager bound to addr (host:port the streaming server
// listens on), per spec §4.8. The base URL handed to CRI clients is always
// derived from addr as "http://" + addr.
func New(engine ContainerPIDGetter, addr string, idleTimeout time.Duration) (*Manager, error) {
	base, err := url.Parse("http://" + addr)
	if err != nil {
		return nil, fmt.Errorf("parse streaming base url for %q: %w", addr, err)
	}

	m := &Manager{engine: engine}
	cfg := kstreaming.DefaultConfig
	cfg.Addr = addr
	cfg.BaseURL = base
	if idleTimeout > 0 {
		cfg.StreamIdleTimeout = idleTimeout
	}

	srv, err := kstreaming.NewServer(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("construct streaming server: %w", err)
	}
	m.server = srv
	return m, nil
}

// Start runs the streaming server's HTTP listener until ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- m.server.Start(true) }()
	select {
	case <-ctx.Done():
		return m.server.Stop()
	case err := <-errc:
		return err
	}
}

// GetExec, GetAttach and GetPortForward mint one-shot streaming request
// tokens for the gRPC surface's Exec/Attach/PortForward RPCs (spec §4.9).
func (m *Manager) GetExec(req *runtimeapi.ExecRequest) (*runtimeapi.ExecResponse, error) {
	return m.server.GetExec(req)
}

func (m *Manager) GetAttach(req *runtimeapi.AttachRequest) (*runtimeapi.AttachResponse, error) {
	return m.server.GetAttach(req)
}

func (m *Manager) GetPortForward(req *runtimeapi.PortForwardRequest) (*runtimeapi.PortForwardResponse, error) {
	return m.server.GetPortForward(req)
}

// Exec implements kstreaming.Runtime, entering the container's namespaces
// via nsenter (spec §4.8).
func (m *Manager) Exec(ctx context.Context, containerID string, cmd []string, in io.Reader, out, errW io.WriteCloser, tty bool, resize <-chan remotecommand.TerminalSize) error {
	pid, err := m.engine.ContainerPID(ctx, containerID)
	if err != nil {
		return err
	}
	return runNamespaced(ctx, pid, resolveAllowListedCommand(cmd), in, out, errW, resize)
}

// Attach implements kstreaming.Runtime. The allow-listed shell is attached
// to directly, since there is no notion of "the container's running
// process" for a systemd-unit-backed container the way there is for a
// namespaced init process (spec §4.8, §9 Open Question).
func (m *Manager) Attach(ctx context.Context, containerID string, in io.Reader, out, errW io.WriteCloser, tty bool, resize <-chan remotecommand.TerminalSize) error {
	pid, err := m.engine.ContainerPID(ctx, containerID)
	if err != nil {
		return err
	}
	return runNamespaced(ctx, pid, []string{"/bin/sh"}, in, out, errW, resize)
}

// PortForward implements kstreaming.Runtime, dialing 127.0.0.1:port inside
// the pod sandbox's network namespace (spec §4.8).
func (m *Manager) PortForward(ctx context.Context, podSandboxID string, port int32, stream io.ReadWriteCloser) error {
	nsPath, err := m.engine.PodNetNS(ctx, podSandboxID)
	if err != nil {
		return err
	}
	if nsPath == "" {
		return fmt.Errorf("pod %q has no network namespace to port-forward into: %w", podSandboxID, cri.ErrInvalidState)
	}
	return pumpPortForward(nsPath, port, stream)
}

// ExecSync runs cmd inside containerID's namespaces to completion and
// returns its exit code and captured output, per spec §4.7 ExecSync (a
// non-streaming RPC, not part of kstreaming.Runtime).
func (m *Manager) ExecSync(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (exitCode int32, stdout, stderr []byte, err error) {
	pid, err := m.engine.ContainerPID(ctx, containerID)
	if err != nil {
		return 0, nil, nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return runNamespacedSync(ctx, pid, shellWrappedCommand(cmd))
}
