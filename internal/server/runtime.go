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

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/lifecycle"
	"github.com/ananthb/systemd-cri-sub000/internal/streaming"
)

// runtimeVersion is reported by the Version RPC. It is not the CRI v1 proto
// package version (runtimeAPIVersion below is), but this daemon's own.
const runtimeVersion = "0.1.0"

// runtimeAPIVersion is the CRI runtime API version this server implements,
// per the kubelet's version-negotiation handshake.
const runtimeAPIVersion = "v1"

// runtimeService implements runtimeapi.RuntimeServiceServer over the
// Lifecycle Engine and Streaming Session Manager (spec §4.9). It embeds
// UnimplementedRuntimeServiceServer so newly added upstream RPCs this
// daemon does not yet support (stats collection, container events) fail
// closed with UNIMPLEMENTED rather than failing to build.
type runtimeService struct {
	runtimeapi.UnimplementedRuntimeServiceServer

	engine *lifecycle.Engine
	stream *streaming.Manager
}

func newRuntimeService(engine *lifecycle.Engine, stream *streaming.Manager) *runtimeService {
	return &runtimeService{engine: engine, stream: stream}
}

func (s *runtimeService) Version(ctx context.Context, req *runtimeapi.VersionRequest) (*runtimeapi.VersionResponse, error) {
	return &runtimeapi.VersionResponse{
		Version:           runtimeVersion,
		RuntimeName:       "systemd-cri",
		RuntimeVersion:    runtimeVersion,
		RuntimeApiVersion: runtimeAPIVersion,
	}, nil
}

func (s *runtimeService) Status(ctx context.Context, req *runtimeapi.StatusRequest) (*runtimeapi.StatusResponse, error) {
	return &runtimeapi.StatusResponse{
		Status: &runtimeapi.RuntimeStatus{
			Conditions: []*runtimeapi.RuntimeCondition{
				{Type: runtimeapi.RuntimeReady, Status: true},
				{Type: runtimeapi.NetworkReady, Status: true},
			},
		},
	}, nil
}

func (s *runtimeService) RunPodSandbox(ctx context.Context, req *runtimeapi.RunPodSandboxRequest) (*runtimeapi.RunPodSandboxResponse, error) {
	md := req.GetConfig().GetMetadata()
	pod, err := s.engine.RunPodSandbox(ctx, lifecycle.RunPodSandboxConfig{
		Name:        md.GetName(),
		UID:         md.GetUid(),
		Namespace:   md.GetNamespace(),
		HostNetwork: req.GetConfig().GetLinux().GetSecurityContext().GetNamespaceOptions().GetNetwork() == runtimeapi.NamespaceMode_NODE,
		Labels:      req.GetConfig().GetLabels(),
		Annotations: req.GetConfig().GetAnnotations(),
	})
	if err != nil {
		return nil, err
	}
	return &runtimeapi.RunPodSandboxResponse{PodSandboxId: pod.ID}, nil
}

func (s *runtimeService) StopPodSandbox(ctx context.Context, req *runtimeapi.StopPodSandboxRequest) (*runtimeapi.StopPodSandboxResponse, error) {
	if err := s.engine.StopPodSandbox(ctx, req.GetPodSandboxId()); err != nil {
		return nil, err
	}
	return &runtimeapi.StopPodSandboxResponse{}, nil
}

func (s *runtimeService) RemovePodSandbox(ctx context.Context, req *runtimeapi.RemovePodSandboxRequest) (*runtimeapi.RemovePodSandboxResponse, error) {
	if err := s.engine.RemovePodSandbox(ctx, req.GetPodSandboxId()); err != nil {
		return nil, err
	}
	return &runtimeapi.RemovePodSandboxResponse{}, nil
}

func (s *runtimeService) PodSandboxStatus(ctx context.Context, req *runtimeapi.PodSandboxStatusRequest) (*runtimeapi.PodSandboxStatusResponse, error) {
	pod, err := s.engine.PodSandboxStatus(ctx, req.GetPodSandboxId())
	if err != nil {
		return nil, err
	}
	return &runtimeapi.PodSandboxStatusResponse{Status: podToStatus(pod)}, nil
}

func (s *runtimeService) ListPodSandbox(ctx context.Context, req *runtimeapi.ListPodSandboxRequest) (*runtimeapi.ListPodSandboxResponse, error) {
	filter := lifecycle.PodSandboxFilter{LabelSelector: req.GetFilter().GetLabelSelector()}
	if req.GetFilter() != nil {
		filter.ID = req.GetFilter().GetId()
		if sv := req.GetFilter().GetState(); sv != nil {
			state := wireToPodState(sv.GetState())
			filter.State = &state
		}
	}
	pods, err := s.engine.ListPodSandbox(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*runtimeapi.PodSandbox, 0, len(pods))
	for _, p := range pods {
		out = append(out, podToListItem(p))
	}
	return &runtimeapi.ListPodSandboxResponse{Items: out}, nil
}

func wireToPodState(s runtimeapi.PodSandboxState) cri.PodSandboxState {
	if s == runtimeapi.PodSandboxState_SANDBOX_READY {
		return cri.PodSandboxStateReady
	}
	return cri.PodSandboxStateNotReady
}

func wireToContainerState(s runtimeapi.ContainerState) cri.ContainerState {
	switch s {
	case runtimeapi.ContainerState_CONTAINER_CREATED:
		return cri.ContainerStateCreated
	case runtimeapi.ContainerState_CONTAINER_RUNNING:
		return cri.ContainerStateRunning
	case runtimeapi.ContainerState_CONTAINER_EXITED:
		return cri.ContainerStateExited
	default:
		return cri.ContainerStateUnknown
	}
}

func (s *runtimeService) CreateContainer(ctx context.Context, req *runtimeapi.CreateContainerRequest) (*runtimeapi.CreateContainerResponse, error) {
	cfg := containerConfigFromWire(req.GetConfig())
	c, err := s.engine.CreateContainer(ctx, req.GetPodSandboxId(), cfg)
	if err != nil {
		return nil, err
	}
	return &runtimeapi.CreateContainerResponse{ContainerId: c.ID}, nil
}

func (s *runtimeService) StartContainer(ctx context.Context, req *runtimeapi.StartContainerRequest) (*runtimeapi.StartContainerResponse, error) {
	if err := s.engine.StartContainer(ctx, req.GetContainerId()); err != nil {
		return nil, err
	}
	return &runtimeapi.StartContainerResponse{}, nil
}

func (s *runtimeService) StopContainer(ctx context.Context, req *runtimeapi.StopContainerRequest) (*runtimeapi.StopContainerResponse, error) {
	timeout := time.Duration(req.GetTimeout()) * time.Second
	if err := s.engine.StopContainer(ctx, req.GetContainerId(), timeout); err != nil {
		return nil, err
	}
	return &runtimeapi.StopContainerResponse{}, nil
}

func (s *runtimeService) RemoveContainer(ctx context.Context, req *runtimeapi.RemoveContainerRequest) (*runtimeapi.RemoveContainerResponse, error) {
	if err := s.engine.RemoveContainer(ctx, req.GetContainerId()); err != nil {
		return nil, err
	}
	return &runtimeapi.RemoveContainerResponse{}, nil
}

func (s *runtimeService) ListContainers(ctx context.Context, req *runtimeapi.ListContainersRequest) (*runtimeapi.ListContainersResponse, error) {
	filter := lifecycle.ContainerFilter{}
	if f := req.GetFilter(); f != nil {
		filter.ID = f.GetId()
		filter.PodSandboxID = f.GetPodSandboxId()
		filter.LabelSelector = f.GetLabelSelector()
		if sv := f.GetState(); sv != nil {
			state := wireToContainerState(sv.GetState())
			filter.State = &state
		}
	}
	containers, err := s.engine.ListContainers(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*runtimeapi.Container, 0, len(containers))
	for _, c := range containers {
		out = append(out, containerToListItem(c))
	}
	return &runtimeapi.ListContainersResponse{Containers: out}, nil
}

func (s *runtimeService) ContainerStatus(ctx context.Context, req *runtimeapi.ContainerStatusRequest) (*runtimeapi.ContainerStatusResponse, error) {
	c, err := s.engine.ContainerStatus(ctx, req.GetContainerId())
	if err != nil {
		return nil, err
	}
	return &runtimeapi.ContainerStatusResponse{Status: containerToStatus(c)}, nil
}

// ExecSync implements the synchronous exec RPC directly against the
// Streaming Session Manager, bypassing its HTTP-upgrade session mechanism
// entirely (spec §4.7, §4.8: ExecSync is not one of the three streaming
// RPCs).
func (s *runtimeService) ExecSync(ctx context.Context, req *runtimeapi.ExecSyncRequest) (*runtimeapi.ExecSyncResponse, error) {
	timeout := time.Duration(req.GetTimeout()) * time.Second
	exitCode, stdout, stderr, err := s.stream.ExecSync(ctx, req.GetContainerId(), req.GetCmd(), timeout)
	if err != nil {
		return nil, err
	}
	return &runtimeapi.ExecSyncResponse{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func (s *runtimeService) Exec(ctx context.Context, req *runtimeapi.ExecRequest) (*runtimeapi.ExecResponse, error) {
	return s.stream.GetExec(req)
}

func (s *runtimeService) Attach(ctx context.Context, req *runtimeapi.AttachRequest) (*runtimeapi.AttachResponse, error) {
	return s.stream.GetAttach(req)
}

func (s *runtimeService) PortForward(ctx context.Context, req *runtimeapi.PortForwardRequest) (*runtimeapi.PortForwardResponse, error) {
	return s.stream.GetPortForward(req)
}

// UpdateContainerResources, ReopenContainerLog, *Stats*, UpdateRuntimeConfig,
// RuntimeConfig and CheckpointContainer are routed (spec §4.9 "Routed
// methods") but have no backing implementation: resource updates and
// checkpointing have no systemd-unit equivalent modelled here, and stats
// collection is an explicit Non-goal. UpdateRuntimeConfig and RuntimeConfig
// return empty success responses; the others return UNIMPLEMENTED rather
// than falling through to the embedded default, so the reason is visible
// in logs instead of a generic "method not found".
func (s *runtimeService) UpdateContainerResources(ctx context.Context, req *runtimeapi.UpdateContainerResourcesRequest) (*runtimeapi.UpdateContainerResourcesResponse, error) {
	return nil, unimplemented("UpdateContainerResources", "resource updates have no systemd transient-unit equivalent")
}

func (s *runtimeService) ReopenContainerLog(ctx context.Context, req *runtimeapi.ReopenContainerLogRequest) (*runtimeapi.ReopenContainerLogResponse, error) {
	return nil, unimplemented("ReopenContainerLog", "the unit's log file is opened once at unit start and is not reopened")
}

func (s *runtimeService) ContainerStats(ctx context.Context, req *runtimeapi.ContainerStatsRequest) (*runtimeapi.ContainerStatsResponse, error) {
	return nil, unimplemented("ContainerStats", "stats collection is out of scope")
}

func (s *runtimeService) ListContainerStats(ctx context.Context, req *runtimeapi.ListContainerStatsRequest) (*runtimeapi.ListContainerStatsResponse, error) {
	return nil, unimplemented("ListContainerStats", "stats collection is out of scope")
}

func (s *runtimeService) PodSandboxStats(ctx context.Context, req *runtimeapi.PodSandboxStatsRequest) (*runtimeapi.PodSandboxStatsResponse, error) {
	return nil, unimplemented("PodSandboxStats", "stats collection is out of scope")
}

func (s *runtimeService) ListPodSandboxStats(ctx context.Context, req *runtimeapi.ListPodSandboxStatsRequest) (*runtimeapi.ListPodSandboxStatsResponse, error) {
	return nil, unimplemented("ListPodSandboxStats", "stats collection is out of scope")
}

func (s *runtimeService) UpdateRuntimeConfig(ctx context.Context, req *runtimeapi.UpdateRuntimeConfigRequest) (*runtimeapi.UpdateRuntimeConfigResponse, error) {
	return &runtimeapi.UpdateRuntimeConfigResponse{}, nil
}

func (s *runtimeService) RuntimeConfig(ctx context.Context, req *runtimeapi.RuntimeConfigRequest) (*runtimeapi.RuntimeConfigResponse, error) {
	return &runtimeapi.RuntimeConfigResponse{}, nil
}

func (s *runtimeService) CheckpointContainer(ctx context.Context, req *runtimeapi.CheckpointContainerRequest) (*runtimeapi.CheckpointContainerResponse, error) {
	return nil, unimplemented("CheckpointContainer", "systemd transient units have no checkpoint/restore facility")
}

func unimplemented(method, reason string) error {
	return fmt.Errorf("%s: %s: %w", method, reason, errdefs.ErrNotImplemented)
}
