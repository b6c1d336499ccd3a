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

package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ananthb/systemd-cri-sub000/internal/cni"
	"github.com/ananthb/systemd-cri-sub000/internal/config"
	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/initsystem"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
	"github.com/ananthb/systemd-cri-sub000/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *initsystem.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Overlay.BaseDir = filepath.Join(cfg.StateDir, "containers")
	cfg.InitSystem.PauseCommand = []string{"/usr/bin/sleep", "infinity"}

	init := initsystem.NewFake()
	images := machineimage.NewFake(filepath.Join(cfg.StateDir, "pool"))
	net := cni.NewFake()
	return New(st, init, images, net, cfg), init
}

func TestRunStartStopRemovePodAndContainer(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	pod, err := e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p1", UID: "u1", Namespace: "default"})
	require.NoError(t, err)
	require.Equal(t, cri.PodSandboxStateReady, pod.State)
	require.NotEmpty(t, pod.NetworkNamespace)
	require.NotEmpty(t, pod.PodIP)

	c, err := e.CreateContainer(ctx, pod.ID, CreateContainerConfig{
		Name: "c1", Image: "docker.io/library/hello:latest", Command: []string{"/hello"},
	})
	require.NoError(t, err)
	require.Equal(t, cri.ContainerStateCreated, c.State)

	require.NoError(t, e.StartContainer(ctx, c.ID))
	status, err := e.ContainerStatus(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, cri.ContainerStateRunning, status.State)

	require.NoError(t, e.StopContainer(ctx, c.ID, 0))
	status, err = e.ContainerStatus(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, cri.ContainerStateExited, status.State)
	require.Greater(t, status.FinishedAt, int64(0))

	require.NoError(t, e.RemoveContainer(ctx, c.ID))
	_, err = e.ContainerStatus(ctx, c.ID)
	require.ErrorIs(t, err, cri.ErrNotFound)

	require.NoError(t, e.RemovePodSandbox(ctx, pod.ID))
}

func TestCreateContainerPodNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateContainer(context.Background(), "does-not-exist", CreateContainerConfig{Name: "c1"})
	require.ErrorIs(t, err, cri.ErrNotFound)
}

func TestStopContainerIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	pod, err := e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p1"})
	require.NoError(t, err)
	c, err := e.CreateContainer(ctx, pod.ID, CreateContainerConfig{Name: "c1", Command: []string{"/bin/true"}})
	require.NoError(t, err)

	require.NoError(t, e.StopContainer(ctx, c.ID, 0), "stop on a created (never started) container is a no-op success")
	status, err := e.ContainerStatus(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, cri.ContainerStateCreated, status.State)
}

func TestStartContainerAlreadyRunningIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	pod, err := e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p1"})
	require.NoError(t, err)
	c, err := e.CreateContainer(ctx, pod.ID, CreateContainerConfig{Name: "c1", Command: []string{"/bin/true"}})
	require.NoError(t, err)

	require.NoError(t, e.StartContainer(ctx, c.ID))
	require.NoError(t, e.StartContainer(ctx, c.ID), "starting an already-running container must succeed (crash recovery)")
}

func TestReconciliationMarksExitedAfterExternalTermination(t *testing.T) {
	e, init := newTestEngine(t)
	ctx := context.Background()
	pod, err := e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p1"})
	require.NoError(t, err)
	c, err := e.CreateContainer(ctx, pod.ID, CreateContainerConfig{Name: "c1", Command: []string{"/bin/true"}})
	require.NoError(t, err)
	require.NoError(t, e.StartContainer(ctx, c.ID))

	init.SetExternallyTerminated(c.UnitName)

	status, err := e.ContainerStatus(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, cri.ContainerStateExited, status.State)
	require.Greater(t, status.FinishedAt, int64(0))
}

func TestRemovePodSandboxRefusesWithContainers(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	pod, err := e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p1"})
	require.NoError(t, err)
	_, err = e.CreateContainer(ctx, pod.ID, CreateContainerConfig{Name: "c1"})
	require.NoError(t, err)

	err = e.RemovePodSandbox(ctx, pod.ID)
	require.ErrorIs(t, err, cri.ErrInvalidState)
}

func TestListPodSandboxFilters(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p1, err := e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p1", Labels: map[string]string{"app": "a"}})
	require.NoError(t, err)
	_, err = e.RunPodSandbox(ctx, RunPodSandboxConfig{Name: "p2", Labels: map[string]string{"app": "b"}})
	require.NoError(t, err)

	all, err := e.ListPodSandbox(ctx, PodSandboxFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID, err := e.ListPodSandbox(ctx, PodSandboxFilter{ID: p1.ID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Equal(t, p1.ID, byID[0].ID)

	byLabel, err := e.ListPodSandbox(ctx, PodSandboxFilter{LabelSelector: map[string]string{"app": "b"}})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)
	require.Equal(t, "p2", byLabel[0].Name)
}
