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

// Package cni is the CNI Network Driver (spec §4.6): discovers CNI network
// configuration, and sets up/tears down a pod's network namespace by
// invoking CNI plugin binaries per the CNI spec's ADD/DEL contract.
package cni

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/containernetworking/cni/libcni"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// PodNetwork is the result of a successful Setup call.
type PodNetwork struct {
	Namespace string
	IP        string
	Gateway   string
}

// NetworkDriver is the lifecycle engine's view of the CNI driver, satisfied
// by both *Driver and *Fake.
type NetworkDriver interface {
	Setup(ctx context.Context, podID, containerLabel string) (*PodNetwork, error)
	Teardown(ctx context.Context, podID string) error
}

// Driver discovers CNI network configuration and drives plugin binaries
// through the CNI ADD/DEL lifecycle for a pod's network namespace.
type Driver struct {
	ConfDir string
	BinDirs []string

	cni *libcni.CNIConfig
}

// New constructs a Driver. It does not touch confDir; the default bridge
// configuration is written there later by LoadNetworkConfig when no usable
// network configuration file is found (spec §4.6 edge case: empty conf dir).
func New(confDir string, binDirs []string) *Driver {
	return &Driver{
		ConfDir: confDir,
		BinDirs: binDirs,
		cni:     libcni.NewCNIConfig(binDirs, nil),
	}
}

// LoadNetworkConfig selects the lexically-first *.conflist, falling back to
// the lexically-first *.conf/*.json, from ConfDir. When none is found it
// returns the default bridge configuration (spec §4.6).
func (d *Driver) LoadNetworkConfig() (*libcni.NetworkConfigList, error) {
	entries, err := os.ReadDir(d.ConfDir)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultBridgeConfig(d.ConfDir)
		}
		return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("read cni conf dir %q: %w", d.ConfDir, err))
	}

	var conflists, singles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(e.Name(), ".conflist"):
			conflists = append(conflists, e.Name())
		case strings.HasSuffix(e.Name(), ".conf"), strings.HasSuffix(e.Name(), ".json"):
			singles = append(singles, e.Name())
		}
	}
	sort.Strings(conflists)
	sort.Strings(singles)

	if len(conflists) > 0 {
		path := filepath.Join(d.ConfDir, conflists[0])
		list, err := libcni.ConfListFromFile(path)
		if err != nil {
			return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("parse cni conflist %q: %w", path, err))
		}
		return list, nil
	}
	if len(singles) > 0 {
		path := filepath.Join(d.ConfDir, singles[0])
		conf, err := libcni.ConfFromFile(path)
		if err != nil {
			return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("parse cni conf %q: %w", path, err))
		}
		list, err := libcni.ConfListFromConf(conf)
		if err != nil {
			return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("wrap cni conf %q: %w", path, err))
		}
		return list, nil
	}
	return defaultBridgeConfig(d.ConfDir)
}

// defaultConfJSON is the single-plugin bridge configuration synthesized
// when no operator configuration is present (spec §4.6: fixed content,
// cniVersion 1.0.0, hairpinMode true).
const defaultConfJSON = `{
  "cniVersion": "1.0.0",
  "name": "cri-default",
  "plugins": [
    {
      "type": "bridge",
      "bridge": "cri0",
      "isGateway": true,
      "ipMasq": true,
      "hairpinMode": true,
      "ipam": {
        "type": "host-local",
        "ranges": [[{"subnet": "10.88.0.0/16", "gateway": "10.88.0.1"}]],
        "routes": [{"dst": "0.0.0.0/0"}]
      }
    }
  ]
}`

// defaultConfFileName is where the synthesized default config is
// persisted, so a later restart's directory scan finds it instead of
// resynthesizing it in memory every time (spec §4.6: "written if none
// exists").
const defaultConfFileName = "10-cri-default.conflist"

// defaultBridgeConfig writes the fixed default bridge config into confDir
// if it is not already there, then parses and returns it.
func defaultBridgeConfig(confDir string) (*libcni.NetworkConfigList, error) {
	path := filepath.Join(confDir, defaultConfFileName)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("stat default cni config %q: %w", path, err))
		}
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("create cni conf dir %q: %w", confDir, err))
		}
		if err := os.WriteFile(path, []byte(defaultConfJSON), 0o644); err != nil {
			return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("write default cni config %q: %w", path, err))
		}
	}

	list, err := libcni.ConfListFromFile(path)
	if err != nil {
		return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("parse default cni config %q: %w", path, err))
	}
	return list, nil
}

// Setup creates a network namespace for podID, runs the configured CNI
// plugin chain's ADD action against it, and returns the assigned pod IP
// and gateway (spec §4.6).
func (d *Driver) Setup(ctx context.Context, podID, containerLabel string) (*PodNetwork, error) {
	list, err := d.LoadNetworkConfig()
	if err != nil {
		return nil, err
	}

	nsName := NamespaceName(podID)
	if err := CreateNamespace(nsName); err != nil {
		return nil, err
	}
	nsPath := NamespacePath(nsName)

	rt := &libcni.RuntimeConf{
		ContainerID: podID,
		NetNS:       nsPath,
		IfName:      "eth0",
		Args: [][2]string{
			{"IgnoreUnknown", "1"},
			{"K8S_POD_NAME", containerLabel},
			{"K8S_POD_NAMESPACE", "default"},
			{"K8S_POD_INFRA_CONTAINER_ID", podID},
		},
	}

	result, err := d.cni.AddNetworkList(ctx, list, rt)
	if err != nil {
		_ = DeleteNamespace(nsName)
		return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("cni ADD for pod %s: %w", podID, err))
	}

	ip, gw, err := extractIPAndGateway(result)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("cni ADD for pod %s returned no usable IP configuration", podID)
	}

	return &PodNetwork{Namespace: nsPath, IP: ip, Gateway: gw}, nil
}

// Teardown runs the configured CNI plugin chain's DEL action for podID and
// removes its network namespace. DEL is attempted even when the namespace
// no longer exists, since plugins may hold external state (IPAM leases,
// iptables rules) keyed by container ID rather than namespace path (spec
// §4.6, §7: teardown is idempotent).
func (d *Driver) Teardown(ctx context.Context, podID string) error {
	list, err := d.LoadNetworkConfig()
	if err != nil {
		return err
	}

	nsName := NamespaceName(podID)
	nsPath := NamespacePath(nsName)

	rt := &libcni.RuntimeConf{
		ContainerID: podID,
		NetNS:       nsPath,
		IfName:      "eth0",
		Args: [][2]string{
			{"IgnoreUnknown", "1"},
			{"K8S_POD_INFRA_CONTAINER_ID", podID},
		},
	}

	if err := d.cni.DelNetworkList(ctx, list, rt); err != nil {
		log.G(ctx).WithError(err).Warnf("cni DEL for pod %s returned an error; proceeding to remove namespace", podID)
	}

	return DeleteNamespace(nsName)
}

// extractIPAndGateway pulls the first interface's IP and gateway out of a
// CNI result (spec §4.6, current.Result per containernetworking/cni/pkg/types).
func extractIPAndGateway(result interface{}) (ip, gw string, err error) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", "", err
	}
	var parsed struct {
		IPs []struct {
			Address string `json:"address"`
			Gateway string `json:"gateway"`
		} `json:"ips"`
	}
	if err := json.Unmarshal(b, &parsed); err != nil {
		return "", "", err
	}
	if len(parsed.IPs) == 0 {
		return "", "", fmt.Errorf("cni result carries no IP configuration")
	}
	addr := parsed.IPs[0].Address
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	return addr, parsed.IPs[0].Gateway, nil
}
