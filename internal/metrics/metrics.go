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

// Package metrics carries the ambient observability surface the engine
// itself does not need: gauges for pod/container counts by state, scraped
// via github.com/prometheus/client_golang. Deep resource stats (CPU/memory
// per container) are an explicit Non-goal; these gauges only ever reflect
// counts the Lifecycle Engine already tracks.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/lifecycle"
)

const namespace = "systemd_cri"

// Collector exposes pod/container counts by state as prometheus gauges.
type Collector struct {
	engine *lifecycle.Engine

	pods       *prometheus.GaugeVec
	containers *prometheus.GaugeVec
}

// NewCollector constructs and registers a Collector against reg.
func NewCollector(engine *lifecycle.Engine, reg prometheus.Registerer) *Collector {
	c := &Collector{
		engine: engine,
		pods: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pod_sandboxes",
			Name:      "count",
			Help:      "Number of pod sandboxes by state.",
		}, []string{"state"}),
		containers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "containers",
			Name:      "count",
			Help:      "Number of containers by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(c.pods, c.containers)
	return c
}

// Run refreshes the gauges every interval until ctx is canceled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Collector) refresh(ctx context.Context) {
	podCounts := map[cri.PodSandboxState]float64{}
	if pods, err := c.engine.ListPodSandbox(ctx, lifecycle.PodSandboxFilter{}); err == nil {
		for _, p := range pods {
			podCounts[p.State]++
		}
	}
	for _, state := range []cri.PodSandboxState{
		cri.PodSandboxStateCreated, cri.PodSandboxStateReady,
		cri.PodSandboxStateNotReady, cri.PodSandboxStateUnknown,
	} {
		c.pods.WithLabelValues(string(state)).Set(podCounts[state])
	}

	containerCounts := map[cri.ContainerState]float64{}
	if containers, err := c.engine.ListContainers(ctx, lifecycle.ContainerFilter{}); err == nil {
		for _, cn := range containers {
			containerCounts[cn.State]++
		}
	}
	for _, state := range []cri.ContainerState{
		cri.ContainerStateCreated, cri.ContainerStateRunning,
		cri.ContainerStateExited, cri.ContainerStateUnknown,
	} {
		c.containers.WithLabelValues(string(state)).Set(containerCounts[state])
	}
}
