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

package metrics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/ananthb/systemd-cri-sub000/internal/cni"
	"github.com/ananthb/systemd-cri-sub000/internal/config"
	"github.com/ananthb/systemd-cri-sub000/internal/initsystem"
	"github.com/ananthb/systemd-cri-sub000/internal/lifecycle"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
	"github.com/ananthb/systemd-cri-sub000/internal/store"
)

func newTestEngine(t *testing.T) *lifecycle.Engine {
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
	return lifecycle.New(st, init, images, net, cfg)
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, state string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(state).Write(m))
	return m.GetGauge().GetValue()
}

func TestCollectorRefreshCountsByState(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RunPodSandbox(ctx, lifecycle.RunPodSandboxConfig{Name: "p1", UID: "u1", Namespace: "default"})
	require.NoError(t, err)
	_, err = engine.RunPodSandbox(ctx, lifecycle.RunPodSandboxConfig{Name: "p2", UID: "u2", Namespace: "default"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	c := NewCollector(engine, reg)
	c.refresh(ctx)

	require.Equal(t, float64(2), gaugeValue(t, c.pods, "ready"))
	require.Equal(t, float64(0), gaugeValue(t, c.pods, "not_ready"))
}
