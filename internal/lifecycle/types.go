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

// Package lifecycle is the Lifecycle Engine (spec §4.7): the pod and
// container state machines above the init-system, machine-image-pool and
// overlay adapters plus the CNI driver. It is the sole writer to the State
// Store.
package lifecycle

import "github.com/ananthb/systemd-cri-sub000/internal/cri"

// RunPodSandboxConfig is the engine-facing view of a RunPodSandbox request,
// decoded from the wire by the gRPC surface.
type RunPodSandboxConfig struct {
	Name        string
	UID         string
	Namespace   string
	HostNetwork bool
	Labels      map[string]string
	Annotations map[string]string
}

// CreateContainerConfig is the engine-facing view of a CreateContainer
// request.
type CreateContainerConfig struct {
	Name           string
	Image          string
	Command        []string
	WorkingDir     string
	Env            []string
	Mounts         []cri.Mount
	LogPath        string
	RunAsUser      *int64
	RunAsGroup     *int64
	Privileged     bool
	ReadonlyRootfs bool
	Labels         map[string]string
	Annotations    map[string]string
}

// PodSandboxFilter narrows ListPodSandbox. Empty/nil fields are ignored.
type PodSandboxFilter struct {
	ID            string
	State         *cri.PodSandboxState
	LabelSelector map[string]string
}

// ContainerFilter narrows ListContainers. Empty/nil fields are ignored.
// Filters apply in the order id -> pod_id -> state -> labels (spec §4.7);
// unknown filter keys are simply absent fields here and are ignored.
type ContainerFilter struct {
	ID            string
	PodSandboxID  string
	State         *cri.ContainerState
	LabelSelector map[string]string
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
