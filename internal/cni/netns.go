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

package cni

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// NamespaceDir is the canonical directory network namespace bind mounts
// live under (spec §4.6).
const NamespaceDir = "/var/run/netns"

// NamespaceName derives the per-pod network namespace name: cri-{first 8
// chars of the pod id} (spec §4.6).
func NamespaceName(podID string) string {
	n := podID
	if len(n) > 8 {
		n = n[:8]
	}
	return "cri-" + n
}

// NamespacePath returns the canonical bind-mount path for a namespace name.
func NamespacePath(name string) string {
	return NamespaceDir + "/" + name
}

// CreateNamespace creates a new named network namespace, bind-mounted at
// NamespacePath(name), and brings its loopback interface up. Replaces
// shelling out to `ip netns add` with the vishvananda/netns library the
// rest of the containerd-adjacent ecosystem uses for the same purpose.
// netns.NewNamed switches the calling OS thread into the new namespace, so
// the thread is locked and its origin namespace restored around the call.
func CreateNamespace(name string) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("get current netns: %w", err))
	}
	defer origin.Close()
	defer netns.Set(origin)

	handle, err := netns.NewNamed(name)
	if err != nil {
		return cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("create netns %q: %w", name, err))
	}
	defer handle.Close()

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("find loopback in netns %q: %w", name, err))
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("bring up loopback in netns %q: %w", name, err))
	}
	return nil
}

// DeleteNamespace removes a named network namespace. "namespace already
// removed" is locally recovered (spec §7): deleting an absent namespace is
// success.
func DeleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		if isNotExist(err) {
			return nil
		}
		return cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("delete netns %q: %w", name, err))
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT)
}
