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

// Package cri holds the domain entities shared by the lifecycle engine, the
// state store and the gRPC surface: PodSandbox, Container and the streaming
// session descriptor, plus the transport-agnostic error kinds from which the
// gRPC surface derives grpc-status trailers.
package cri

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// PodSandboxState mirrors the CRI PodSandboxState enum plus the internal
// "created" value used while a sandbox's unit is still activating.
type PodSandboxState string

const (
	PodSandboxStateCreated  PodSandboxState = "created"
	PodSandboxStateReady    PodSandboxState = "ready"
	PodSandboxStateNotReady PodSandboxState = "not_ready"
	PodSandboxStateUnknown  PodSandboxState = "unknown"
)

// ContainerState mirrors the CRI ContainerState enum.
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateExited  ContainerState = "exited"
	ContainerStateUnknown ContainerState = "unknown"
)

// PodSandbox is the persisted record for a pod-level sandbox.
//
// unit_name is immutable once set; it is computed deterministically from the
// id at creation time (cri-pod-{id}.service) and never changes across the
// record's lifetime.
type PodSandbox struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	UID              string            `json:"uid"`
	Namespace        string            `json:"namespace"`
	State            PodSandboxState   `json:"state"`
	CreatedAt        int64             `json:"created_at"`
	UnitName         string            `json:"unit_name"`
	NetworkNamespace string            `json:"network_namespace,omitempty"`
	PodIP            string            `json:"pod_ip,omitempty"`
	PodGateway       string            `json:"pod_gateway,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Annotations      map[string]string `json:"annotations,omitempty"`

	// CNIConfigJSON is a record field for the network config used at
	// setup time. The lifecycle engine never populates it, and CNI
	// teardown does not read it: DEL uses the config re-read from the
	// CNI conf dir at teardown time.
	CNIConfigJSON string `json:"cni_config_json,omitempty"`
	HostNetwork   bool   `json:"host_network,omitempty"`
}

// Container is the persisted record for a single container within a pod.
type Container struct {
	ID           string            `json:"id"`
	PodSandboxID string            `json:"pod_sandbox_id"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	ImageRef     string            `json:"image_ref"`
	State        ContainerState    `json:"state"`
	CreatedAt    int64             `json:"created_at"`
	StartedAt    int64             `json:"started_at,omitempty"`
	FinishedAt   int64             `json:"finished_at,omitempty"`
	ExitCode     int32             `json:"exit_code,omitempty"`
	PID          uint32            `json:"pid,omitempty"`
	UnitName     string            `json:"unit_name"`
	RootfsPath   string            `json:"rootfs_path,omitempty"`
	ImageRootfs  string            `json:"image_rootfs,omitempty"`
	LogPath      string            `json:"log_path,omitempty"`
	Command      []string          `json:"command,omitempty"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	Env          []string          `json:"env,omitempty"`

	RunAsUser      *int64 `json:"run_as_user,omitempty"`
	RunAsGroup     *int64 `json:"run_as_group,omitempty"`
	Privileged     bool   `json:"privileged,omitempty"`
	ReadonlyRootfs bool   `json:"readonly_rootfs,omitempty"`

	MountsJSON string `json:"mounts_json,omitempty"`

	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Mount is the serialized shape of a single bind mount, stored as JSON in
// Container.MountsJSON. It mirrors the subset of runtime-spec's Mount that
// the unit property builder needs (source, destination, readonly).
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	Readonly      bool   `json:"readonly"`
}

// StreamingSessionKind enumerates the three streaming RPCs.
type StreamingSessionKind string

const (
	StreamingKindExec        StreamingSessionKind = "exec"
	StreamingKindAttach      StreamingSessionKind = "attach"
	StreamingKindPortForward StreamingSessionKind = "port_forward"
)

// StreamingSession is the ephemeral, never-persisted descriptor created by
// Exec/Attach/PortForward and consumed exactly once by the first matching
// HTTP upgrade.
type StreamingSession struct {
	ID          string
	Kind        StreamingSessionKind
	ContainerID string
	Command     []string
	TTY         bool
	Stdin       bool
	Ports       []int32
	CreatedAt   int64
}

// Error kinds, transport agnostic. These wrap github.com/containerd/errdefs
// sentinels so the gRPC surface can classify a cause with errdefs.Is* without
// this package leaking a library-specific error type across the boundary
// (design note §9: "do not leak library-specific error types").
var (
	// ErrNotFound: addressed entity absent (pod, container, image, session, unit).
	ErrNotFound = errdefs.ErrNotFound
	// ErrAlreadyExists: collision on create.
	ErrAlreadyExists = errdefs.ErrAlreadyExists
	// ErrInvalidState: operation not valid from the current state.
	ErrInvalidState = errdefs.ErrFailedPrecondition
	// ErrInvalidArgument: malformed request, unparseable reference.
	ErrInvalidArgument = errdefs.ErrInvalidArgument
	// ErrDependency: an external component failed (init system, CNI, image
	// tool, machine pool, KV store). Collapses to INTERNAL at the gRPC
	// boundary; internal subkinds are preserved only in the wrapped cause.
	ErrDependency = errdefs.ErrUnavailable
	// ErrTimeout: import poll exceeded cap, stop grace exceeded.
	ErrTimeout = errdefs.ErrDeadlineExceeded
)

// DependencyError subdivides ErrDependency with a named external subsystem,
// preserved in logs but collapsed to one kind at the gRPC boundary.
type DependencyError struct {
	Subkind string // SystemdError, StoreError, PullFailed, ExtractFailed, ImportFailed, NetworkSetupFailed, DbusError
	Cause   error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Subkind, e.Cause)
}

func (e *DependencyError) Unwrap() error {
	return errdefs.ErrUnavailable
}

// NewDependencyError wraps cause as a named dependency failure.
func NewDependencyError(subkind string, cause error) error {
	if cause == nil {
		return nil
	}
	return &DependencyError{Subkind: subkind, Cause: cause}
}
