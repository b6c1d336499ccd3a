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
	"context"
	"sync"
)

// Fake is an in-memory network driver for lifecycle/server tests that don't
// want to touch real network namespaces or exec real CNI plugins.
type Fake struct {
	mu       sync.Mutex
	networks map[string]*PodNetwork
	NextIP   string

	TeardownCalls []string
}

// NewFake constructs a Fake network driver. NextIP seeds the address
// handed back from the first Setup call; callers can mutate it between
// calls to simulate an IPAM pool.
func NewFake() *Fake {
	return &Fake{networks: make(map[string]*PodNetwork), NextIP: "10.88.0.2"}
}

func (f *Fake) Setup(ctx context.Context, podID, containerLabel string) (*PodNetwork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.networks[podID]; ok {
		return n, nil
	}
	n := &PodNetwork{Namespace: NamespacePath(NamespaceName(podID)), IP: f.NextIP, Gateway: "10.88.0.1"}
	f.networks[podID] = n
	return n, nil
}

func (f *Fake) Teardown(ctx context.Context, podID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TeardownCalls = append(f.TeardownCalls, podID)
	delete(f.networks, podID)
	return nil
}

// Network returns the recorded network for podID, if any.
func (f *Fake) Network(podID string) (*PodNetwork, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[podID]
	return n, ok
}
