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
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/ananthb/systemd-cri-sub000/internal/cni"
	"github.com/ananthb/systemd-cri-sub000/internal/config"
	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/initsystem"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
	"github.com/ananthb/systemd-cri-sub000/internal/store"
)

// Engine is the Lifecycle Engine. It is the sole writer to Store; every
// other component only reads through it.
type Engine struct {
	Store  *store.Store
	Init   initsystem.Client
	Images machineimage.Adapter
	Net    cni.NetworkDriver
	Cfg    config.Config

	podLocks       *lockTable
	containerLocks *lockTable
}

// New constructs an Engine. Net may be nil, meaning pods always run with
// host networking regardless of HostNetwork (spec §4.7 step 3: "if CNI is
// configured").
func New(st *store.Store, init initsystem.Client, images machineimage.Adapter, net cni.NetworkDriver, cfg config.Config) *Engine {
	return &Engine{
		Store:          st,
		Init:           init,
		Images:         images,
		Net:            net,
		Cfg:            cfg,
		podLocks:       newLockTable(),
		containerLocks: newLockTable(),
	}
}

func podUnitName(id string) string       { return fmt.Sprintf("cri-pod-%s.service", id) }
func containerUnitName(id string) string { return fmt.Sprintf("cri-container-%s.service", id) }

// RunPodSandbox implements spec §4.7 RunPodSandbox.
func (e *Engine) RunPodSandbox(ctx context.Context, cfg RunPodSandboxConfig) (*cri.PodSandbox, error) {
	id := uuid.NewString()
	unlock := e.podLocks.Lock(id)
	defer unlock()

	pod := &cri.PodSandbox{
		ID:          id,
		Name:        cfg.Name,
		UID:         cfg.UID,
		Namespace:   cfg.Namespace,
		CreatedAt:   time.Now().Unix(),
		UnitName:    podUnitName(id),
		HostNetwork: cfg.HostNetwork,
		Labels:      cfg.Labels,
		Annotations: cfg.Annotations,
	}

	if e.Net != nil && !cfg.HostNetwork {
		netResult, err := e.Net.Setup(ctx, id, cfg.Name)
		if err != nil {
			log.G(ctx).WithError(err).Warnf("cni setup failed for pod %s, continuing without network namespace", id)
		} else {
			pod.NetworkNamespace = netResult.Namespace
			pod.PodIP = netResult.IP
			pod.PodGateway = netResult.Gateway
		}
	}

	spec := initsystem.UnitSpec{
		Name:       pod.UnitName,
		Mode:       "fail",
		Properties: podUnitProperties(e.Cfg.InitSystem, pod),
	}
	if err := e.Init.StartTransientUnit(ctx, spec); err != nil {
		if pod.NetworkNamespace != "" {
			_ = e.Net.Teardown(ctx, id)
		}
		return nil, fmt.Errorf("start pod unit %q: %w", pod.UnitName, err)
	}

	pod.State = cri.PodSandboxStateReady
	if err := e.Store.SavePod(pod); err != nil {
		_ = e.Init.StopUnit(ctx, pod.UnitName, "replace")
		if pod.NetworkNamespace != "" {
			_ = e.Net.Teardown(ctx, id)
		}
		return nil, err
	}
	return pod, nil
}

// StopPodSandbox implements spec §4.7 StopPodSandbox. Idempotent on an
// already not_ready pod.
func (e *Engine) StopPodSandbox(ctx context.Context, id string) error {
	unlock := e.podLocks.Lock(id)
	defer unlock()

	pod, err := e.Store.GetPod(id)
	if err != nil {
		return err
	}
	if err := e.Init.StopUnit(ctx, pod.UnitName, "replace"); err != nil {
		return err
	}
	pod.State = cri.PodSandboxStateNotReady
	return e.Store.SavePod(pod)
}

// RemovePodSandbox implements spec §4.7 RemovePodSandbox. Refuses to
// remove a pod with containers still present (spec §3 Container ownership
// note: either policy is acceptable if documented; this engine requires
// the client to remove containers first).
func (e *Engine) RemovePodSandbox(ctx context.Context, id string) error {
	unlock := e.podLocks.Lock(id)
	defer unlock()

	pod, err := e.Store.GetPod(id)
	if err != nil {
		return err
	}

	containerIDs, err := e.Store.ListContainersForPod(id)
	if err != nil {
		return err
	}
	if len(containerIDs) > 0 {
		return fmt.Errorf("pod %q still has %d container(s): %w", id, len(containerIDs), cri.ErrInvalidState)
	}

	if pod.State == cri.PodSandboxStateReady {
		if err := e.Init.StopUnit(ctx, pod.UnitName, "replace"); err != nil {
			return err
		}
	}
	if pod.NetworkNamespace != "" && e.Net != nil {
		if err := e.Net.Teardown(ctx, id); err != nil {
			log.G(ctx).WithError(err).Warnf("cni teardown failed for pod %s", id)
		}
	}
	if err := e.Init.ResetFailed(ctx, pod.UnitName); err != nil {
		log.G(ctx).WithError(err).Debugf("reset-failed for pod unit %s", pod.UnitName)
	}
	return e.Store.DeletePod(id)
}

// PodSandboxStatus implements spec §4.7 PodSandboxStatus, reconciling
// against the init system's live active state without persisting the
// reconciled view.
func (e *Engine) PodSandboxStatus(ctx context.Context, id string) (*cri.PodSandbox, error) {
	pod, err := e.Store.GetPod(id)
	if err != nil {
		return nil, err
	}
	out := *pod

	state, err := e.Init.GetUnitActiveState(ctx, pod.UnitName)
	if err != nil {
		if errors.Is(err, initsystem.ErrUnitNotFound) {
			out.State = cri.PodSandboxStateNotReady
			return &out, nil
		}
		return nil, err
	}
	switch state {
	case initsystem.StateActive, initsystem.StateReloading:
		out.State = cri.PodSandboxStateReady
	case initsystem.StateActivating:
		out.State = cri.PodSandboxStateCreated
	case initsystem.StateInactive, initsystem.StateFailed, initsystem.StateDeactivating:
		out.State = cri.PodSandboxStateNotReady
	}
	return &out, nil
}

// PodNetNS returns a pod sandbox's network namespace path, for the
// Streaming Session Manager's port-forward (spec §4.8). Empty when the pod
// runs with host networking or has no CNI driver configured.
func (e *Engine) PodNetNS(ctx context.Context, id string) (string, error) {
	pod, err := e.Store.GetPod(id)
	if err != nil {
		return "", err
	}
	return pod.NetworkNamespace, nil
}

// ListPodSandbox implements spec §4.7 ListPodSandbox, applying filters in
// the order id -> state -> labels.
func (e *Engine) ListPodSandbox(ctx context.Context, filter PodSandboxFilter) ([]*cri.PodSandbox, error) {
	pods, err := e.Store.ListPods()
	if err != nil {
		return nil, err
	}
	var out []*cri.PodSandbox
	for _, p := range pods {
		if filter.ID != "" && p.ID != filter.ID {
			continue
		}
		if filter.State != nil && p.State != *filter.State {
			continue
		}
		if !matchLabels(p.Labels, filter.LabelSelector) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
