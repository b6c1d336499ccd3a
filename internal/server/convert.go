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
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/lifecycle"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
)

// secToNano converts the engine's second-resolution timestamps to the
// nanoseconds the CRI wire expects for created_at/started_at/finished_at
// (spec §4.9 "time units at the boundary").
func secToNano(sec int64) int64 {
	if sec == 0 {
		return 0
	}
	return sec * int64(1e9)
}

func podStateToWire(s cri.PodSandboxState) runtimeapi.PodSandboxState {
	switch s {
	case cri.PodSandboxStateReady:
		return runtimeapi.PodSandboxState_SANDBOX_READY
	default:
		return runtimeapi.PodSandboxState_SANDBOX_NOTREADY
	}
}

func containerStateToWire(s cri.ContainerState) runtimeapi.ContainerState {
	switch s {
	case cri.ContainerStateCreated:
		return runtimeapi.ContainerState_CONTAINER_CREATED
	case cri.ContainerStateRunning:
		return runtimeapi.ContainerState_CONTAINER_RUNNING
	case cri.ContainerStateExited:
		return runtimeapi.ContainerState_CONTAINER_EXITED
	default:
		return runtimeapi.ContainerState_CONTAINER_UNKNOWN
	}
}

func podToListItem(p *cri.PodSandbox) *runtimeapi.PodSandbox {
	return &runtimeapi.PodSandbox{
		Id: p.ID,
		Metadata: &runtimeapi.PodSandboxMetadata{
			Name:      p.Name,
			Uid:       p.UID,
			Namespace: p.Namespace,
		},
		State:       podStateToWire(p.State),
		CreatedAt:   secToNano(p.CreatedAt),
		Labels:      p.Labels,
		Annotations: p.Annotations,
	}
}

func podToStatus(p *cri.PodSandbox) *runtimeapi.PodSandboxStatus {
	status := &runtimeapi.PodSandboxStatus{
		Id: p.ID,
		Metadata: &runtimeapi.PodSandboxMetadata{
			Name:      p.Name,
			Uid:       p.UID,
			Namespace: p.Namespace,
		},
		State:       podStateToWire(p.State),
		CreatedAt:   secToNano(p.CreatedAt),
		Labels:      p.Labels,
		Annotations: p.Annotations,
	}
	if p.PodIP != "" {
		status.Network = &runtimeapi.PodSandboxNetworkStatus{Ip: p.PodIP}
	}
	return status
}

func containerToListItem(c *cri.Container) *runtimeapi.Container {
	return &runtimeapi.Container{
		Id:           c.ID,
		PodSandboxId: c.PodSandboxID,
		Metadata:     &runtimeapi.ContainerMetadata{Name: c.Name},
		Image:        &runtimeapi.ImageSpec{Image: c.Image},
		ImageRef:     c.ImageRef,
		State:        containerStateToWire(c.State),
		CreatedAt:    secToNano(c.CreatedAt),
		Labels:       c.Labels,
		Annotations:  c.Annotations,
	}
}

func containerToStatus(c *cri.Container) *runtimeapi.ContainerStatus {
	return &runtimeapi.ContainerStatus{
		Id:          c.ID,
		Metadata:    &runtimeapi.ContainerMetadata{Name: c.Name},
		State:       containerStateToWire(c.State),
		CreatedAt:   secToNano(c.CreatedAt),
		StartedAt:   secToNano(c.StartedAt),
		FinishedAt:  secToNano(c.FinishedAt),
		ExitCode:    c.ExitCode,
		Image:       &runtimeapi.ImageSpec{Image: c.Image},
		ImageRef:    c.ImageRef,
		Labels:      c.Labels,
		Annotations: c.Annotations,
		LogPath:     c.LogPath,
	}
}

func containerConfigFromWire(cfg *runtimeapi.ContainerConfig) lifecycle.CreateContainerConfig {
	out := lifecycle.CreateContainerConfig{}
	out.Command = append(append([]string{}, cfg.GetCommand()...), cfg.GetArgs()...)
	out.WorkingDir = cfg.GetWorkingDir()
	out.LogPath = cfg.GetLogPath()
	out.Labels = cfg.GetLabels()
	out.Annotations = cfg.GetAnnotations()

	if md := cfg.GetMetadata(); md != nil {
		out.Name = md.GetName()
	}
	if img := cfg.GetImage(); img != nil {
		out.Image = img.GetImage()
	}
	for _, kv := range cfg.GetEnvs() {
		out.Env = append(out.Env, kv.GetKey()+"="+kv.GetValue())
	}
	for _, m := range cfg.GetMounts() {
		out.Mounts = append(out.Mounts, cri.Mount{
			HostPath:      m.GetHostPath(),
			ContainerPath: m.GetContainerPath(),
			Readonly:      m.GetReadonly(),
		})
	}
	if linux := cfg.GetLinux(); linux != nil {
		if sc := linux.GetSecurityContext(); sc != nil {
			if u := sc.GetRunAsUser(); u != nil {
				v := u.GetValue()
				out.RunAsUser = &v
			}
			if g := sc.GetRunAsGroup(); g != nil {
				v := g.GetValue()
				out.RunAsGroup = &v
			}
			out.Privileged = sc.GetPrivileged()
			out.ReadonlyRootfs = sc.GetReadonlyRootfs()
		}
	}
	return out
}

func imageToWire(img machineimage.Image, ref string) *runtimeapi.Image {
	out := &runtimeapi.Image{
		Id:     img.Name,
		Size_:  img.DiskUsageBytes,
		Pinned: img.ReadOnly,
	}
	if ref != "" {
		out.RepoTags = []string{ref}
	}
	return out
}
