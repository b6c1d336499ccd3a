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
	"testing"

	"github.com/stretchr/testify/require"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

func TestSecToNano(t *testing.T) {
	require.Equal(t, int64(0), secToNano(0))
	require.Equal(t, int64(1_000_000_000), secToNano(1))
	require.Equal(t, int64(1_700_000_000_000_000_000), secToNano(1_700_000_000))
}

func TestPodStateToWire(t *testing.T) {
	require.Equal(t, runtimeapi.PodSandboxState_SANDBOX_READY, podStateToWire(cri.PodSandboxStateReady))
	require.Equal(t, runtimeapi.PodSandboxState_SANDBOX_NOTREADY, podStateToWire(cri.PodSandboxStateNotReady))
	require.Equal(t, runtimeapi.PodSandboxState_SANDBOX_NOTREADY, podStateToWire(cri.PodSandboxStateCreated))
}

func TestContainerStateToWire(t *testing.T) {
	require.Equal(t, runtimeapi.ContainerState_CONTAINER_CREATED, containerStateToWire(cri.ContainerStateCreated))
	require.Equal(t, runtimeapi.ContainerState_CONTAINER_RUNNING, containerStateToWire(cri.ContainerStateRunning))
	require.Equal(t, runtimeapi.ContainerState_CONTAINER_EXITED, containerStateToWire(cri.ContainerStateExited))
	require.Equal(t, runtimeapi.ContainerState_CONTAINER_UNKNOWN, containerStateToWire(cri.ContainerStateUnknown))
}

func TestContainerConfigFromWireConcatenatesCommandAndArgs(t *testing.T) {
	cfg := &runtimeapi.ContainerConfig{
		Metadata: &runtimeapi.ContainerMetadata{Name: "app"},
		Image:    &runtimeapi.ImageSpec{Image: "example.com/app:latest"},
		Command:  []string{"/bin/entrypoint"},
		Args:     []string{"--flag", "value"},
		Envs:     []*runtimeapi.KeyValue{{Key: "FOO", Value: "bar"}},
		Mounts: []*runtimeapi.Mount{
			{HostPath: "/host", ContainerPath: "/container", Readonly: true},
		},
	}

	out := containerConfigFromWire(cfg)

	require.Equal(t, "app", out.Name)
	require.Equal(t, "example.com/app:latest", out.Image)
	require.Equal(t, []string{"/bin/entrypoint", "--flag", "value"}, out.Command)
	require.Equal(t, []string{"FOO=bar"}, out.Env)
	require.Equal(t, []cri.Mount{{HostPath: "/host", ContainerPath: "/container", Readonly: true}}, out.Mounts)
}

func TestContainerConfigFromWireRunAsUser(t *testing.T) {
	cfg := &runtimeapi.ContainerConfig{
		Linux: &runtimeapi.LinuxContainerConfig{
			SecurityContext: &runtimeapi.LinuxContainerSecurityContext{
				RunAsUser:      &runtimeapi.Int64Value{Value: 1000},
				Privileged:     true,
				ReadonlyRootfs: true,
			},
		},
	}

	out := containerConfigFromWire(cfg)

	require.NotNil(t, out.RunAsUser)
	require.Equal(t, int64(1000), *out.RunAsUser)
	require.Nil(t, out.RunAsGroup)
	require.True(t, out.Privileged)
	require.True(t, out.ReadonlyRootfs)
}
