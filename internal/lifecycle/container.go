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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/imageref"
	"github.com/ananthb/systemd-cri-sub000/internal/initsystem"
	"github.com/ananthb/systemd-cri-sub000/internal/overlay"
)

const defaultStopGraceTimeout = 10 * time.Second

func (e *Engine) containerDir(id string) string {
	return filepath.Join(e.Cfg.Overlay.BaseDir, id)
}

func (e *Engine) containerOverlay(c *cri.Container) overlay.Overlay {
	return overlay.New(e.containerDir(c.ID), c.ImageRootfs)
}

// resolveImageRootfs derives the pool directory §4.5 naming implies for a
// requested image reference. It does not require the image to already be
// present in the pool (spec §4.7 CreateContainer step 2).
func (e *Engine) resolveImageRootfs(image string) (imageRootfs, imageRef string) {
	if image == "" {
		return "", ""
	}
	ref, err := imageref.Parse(image)
	if err != nil {
		return "", ""
	}
	return filepath.Join(e.Images.GetPoolPath(), ref.MachineName()), ref.Format()
}

// CreateContainer implements spec §4.7 CreateContainer.
func (e *Engine) CreateContainer(ctx context.Context, podID string, cfg CreateContainerConfig) (*cri.Container, error) {
	unlock := e.podLocks.Lock(podID)
	defer unlock()

	if _, err := e.Store.GetPod(podID); err != nil {
		return nil, fmt.Errorf("create container: pod %q: %w", podID, err)
	}

	id := uuid.NewString()
	imageRootfs, resolvedRef := e.resolveImageRootfs(cfg.Image)

	ov := overlay.New(e.containerDir(id), imageRootfs)
	if err := ov.Prepare(); err != nil {
		return nil, err
	}

	mountsJSON, err := json.Marshal(cfg.Mounts)
	if err != nil {
		return nil, fmt.Errorf("marshal mounts for container %s: %w", id, err)
	}

	c := &cri.Container{
		ID:             id,
		PodSandboxID:   podID,
		Name:           cfg.Name,
		Image:          cfg.Image,
		ImageRef:       resolvedRef,
		State:          cri.ContainerStateCreated,
		CreatedAt:      time.Now().Unix(),
		UnitName:       containerUnitName(id),
		RootfsPath:     ov.MergedDir,
		ImageRootfs:    imageRootfs,
		LogPath:        cfg.LogPath,
		Command:        cfg.Command,
		WorkingDir:     cfg.WorkingDir,
		Env:            cfg.Env,
		RunAsUser:      cfg.RunAsUser,
		RunAsGroup:     cfg.RunAsGroup,
		Privileged:     cfg.Privileged,
		ReadonlyRootfs: cfg.ReadonlyRootfs,
		MountsJSON:     string(mountsJSON),
		Labels:         cfg.Labels,
		Annotations:    cfg.Annotations,
	}
	if err := e.Store.SaveContainer(c); err != nil {
		_ = os.RemoveAll(e.containerDir(id))
		return nil, err
	}
	return c, nil
}

// StartContainer implements spec §4.7 StartContainer.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	unlock := e.containerLocks.Lock(id)
	defer unlock()

	c, err := e.Store.GetContainer(id)
	if err != nil {
		return err
	}
	if c.State == cri.ContainerStateRunning {
		// Crash recovery: a Start that finds an already-running unit
		// leaves state untouched and reports success (spec §4.7).
		return nil
	}
	if c.State != cri.ContainerStateCreated {
		return fmt.Errorf("container %q is %s, not created: %w", id, c.State, cri.ErrInvalidState)
	}

	mounted := false
	ov := e.containerOverlay(c)
	if c.ImageRootfs != "" && overlay.LooksLikeRootfs(c.ImageRootfs) {
		if err := ov.Mount(); err != nil {
			log.G(ctx).WithError(err).Warnf("overlay mount failed for container %s, continuing without isolation", id)
		} else {
			mounted = true
		}
	}

	props, err := containerUnitProperties(e.Cfg.InitSystem, c, mounted)
	if err != nil {
		if mounted {
			_ = ov.Unmount()
		}
		return err
	}

	active, _ := e.Init.GetUnitActiveState(ctx, c.UnitName)
	if active != initsystem.StateActive {
		spec := initsystem.UnitSpec{Name: c.UnitName, Mode: "fail", Properties: props}
		if err := e.Init.StartTransientUnit(ctx, spec); err != nil {
			if mounted {
				_ = ov.Unmount()
			}
			return fmt.Errorf("start container unit %q: %w", c.UnitName, err)
		}
	}

	pid, hasPID, err := e.Init.GetServiceMainPID(ctx, c.UnitName)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("could not read main pid for container %s", id)
	}
	if !hasPID {
		time.Sleep(50 * time.Millisecond)
		pid, hasPID, _ = e.Init.GetServiceMainPID(ctx, c.UnitName)
	}

	c.State = cri.ContainerStateRunning
	c.StartedAt = time.Now().Unix()
	if hasPID {
		c.PID = pid
	}
	if !mounted {
		c.RootfsPath = ""
	}
	return e.Store.SaveContainer(c)
}

// StopContainer implements spec §4.7 StopContainer: a graceful stop,
// escalating to SIGKILL once timeout elapses (Open Question resolution,
// spec §9).
func (e *Engine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	unlock := e.containerLocks.Lock(id)
	defer unlock()

	c, err := e.Store.GetContainer(id)
	if err != nil {
		return err
	}
	if c.State != cri.ContainerStateRunning {
		return nil
	}
	if timeout <= 0 {
		timeout = e.defaultStopGraceTimeout()
	}

	if err := e.Init.StopUnit(ctx, c.UnitName, "replace"); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		state, serr := e.Init.GetUnitActiveState(ctx, c.UnitName)
		if serr != nil || state == initsystem.StateInactive || state == initsystem.StateFailed {
			break
		}
		if time.Now().After(deadline) {
			if err := e.Init.KillUnit(ctx, c.UnitName, 9); err != nil {
				log.G(ctx).WithError(err).Warnf("sigkill escalation failed for container %s", id)
			}
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := e.containerOverlay(c).Unmount(); err != nil {
		log.G(ctx).WithError(err).Warnf("overlay unmount failed for container %s", id)
	}

	c.State = cri.ContainerStateExited
	c.FinishedAt = time.Now().Unix()
	return e.Store.SaveContainer(c)
}

func (e *Engine) defaultStopGraceTimeout() time.Duration {
	if e.Cfg.InitSystem.StopGraceTimeout == "" {
		return defaultStopGraceTimeout
	}
	d, err := time.ParseDuration(e.Cfg.InitSystem.StopGraceTimeout)
	if err != nil {
		return defaultStopGraceTimeout
	}
	return d
}

// RemoveContainer implements spec §4.7 RemoveContainer.
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	unlock := e.containerLocks.Lock(id)
	defer unlock()

	c, err := e.Store.GetContainer(id)
	if err != nil {
		return err
	}
	if c.State == cri.ContainerStateRunning {
		if err := e.Init.StopUnit(ctx, c.UnitName, "replace"); err != nil {
			return err
		}
	}
	if err := e.Init.ResetFailed(ctx, c.UnitName); err != nil {
		log.G(ctx).WithError(err).Debugf("reset-failed for container unit %s", c.UnitName)
	}
	if err := e.containerOverlay(c).Unmount(); err != nil {
		log.G(ctx).WithError(err).Warnf("overlay unmount failed while removing container %s", id)
	}
	if err := os.RemoveAll(e.containerDir(id)); err != nil {
		return cri.NewDependencyError("OverlayError", fmt.Errorf("remove container dir for %s: %w", id, err))
	}
	return e.Store.DeleteContainer(id)
}

// ContainerStatus implements spec §4.7 ContainerStatus, reconciling and
// persisting the result when the bound unit has exited externally (spec §8
// property 5).
func (e *Engine) ContainerStatus(ctx context.Context, id string) (*cri.Container, error) {
	c, err := e.Store.GetContainer(id)
	if err != nil {
		return nil, err
	}
	if c.State != cri.ContainerStateRunning {
		return c, nil
	}

	state, err := e.Init.GetUnitActiveState(ctx, c.UnitName)
	if err != nil {
		if errors.Is(err, initsystem.ErrUnitNotFound) {
			c.State = cri.ContainerStateExited
			c.FinishedAt = time.Now().Unix()
			if err := e.Store.SaveContainer(c); err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	switch state {
	case initsystem.StateActive, initsystem.StateReloading:
		if c.PID == 0 {
			if pid, hasPID, perr := e.Init.GetServiceMainPID(ctx, c.UnitName); perr == nil && hasPID {
				c.PID = pid
				if err := e.Store.SaveContainer(c); err != nil {
					return nil, err
				}
			}
		}
	case initsystem.StateInactive, initsystem.StateFailed, initsystem.StateDeactivating:
		c.State = cri.ContainerStateExited
		c.FinishedAt = time.Now().Unix()
		if err := e.Store.SaveContainer(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ListContainers implements spec §4.7 ListContainers, applying filters in
// the order id -> pod_id -> state -> labels.
func (e *Engine) ListContainers(ctx context.Context, filter ContainerFilter) ([]*cri.Container, error) {
	var containers []*cri.Container
	if filter.PodSandboxID != "" {
		ids, err := e.Store.ListContainersForPod(filter.PodSandboxID)
		if err != nil {
			return nil, err
		}
		for _, cid := range ids {
			c, err := e.Store.GetContainer(cid)
			if err != nil {
				continue
			}
			containers = append(containers, c)
		}
	} else {
		all, err := e.Store.ListContainers()
		if err != nil {
			return nil, err
		}
		containers = all
	}

	var out []*cri.Container
	for _, c := range containers {
		if filter.ID != "" && c.ID != filter.ID {
			continue
		}
		if filter.State != nil && c.State != *filter.State {
			continue
		}
		if !matchLabels(c.Labels, filter.LabelSelector) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ContainerPID returns a running container's host main PID, for the
// Streaming Session Manager's namespace-entering exec/attach (spec §4.8).
func (e *Engine) ContainerPID(ctx context.Context, id string) (uint32, error) {
	c, err := e.Store.GetContainer(id)
	if err != nil {
		return 0, err
	}
	if c.PID == 0 {
		return 0, fmt.Errorf("container %q has no known main pid: %w", id, cri.ErrInvalidState)
	}
	return c.PID, nil
}
