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

// Package config holds the on-disk TOML configuration for the systemd-cri
// daemon, following the teacher's nested-struct PluginConfig shape
// (pkg/cri/config in containerd).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/pelletier/go-toml/v2"
)

// CNIConfig contains configuration related to the CNI driver.
type CNIConfig struct {
	// BinDirs is the ordered list of directories searched for CNI plugin
	// binaries.
	BinDirs []string `toml:"bin_dirs" json:"binDirs"`
	// ConfDir is the directory in which the admin places CNI network
	// configuration (*.conf, *.conflist, *.json).
	ConfDir string `toml:"conf_dir" json:"confDir"`
	// MaxConfNum is parsed but not read by the CNI driver; the driver
	// always uses the single config file it selects from ConfDir.
	MaxConfNum int `toml:"max_conf_num" json:"maxConfNum"`
}

// StoreConfig contains configuration related to the embedded state store.
type StoreConfig struct {
	// Path is the bbolt database file path. Defaults to state-dir/state.db.
	Path string `toml:"path" json:"path"`
}

// OverlayConfig contains configuration related to overlay composition.
type OverlayConfig struct {
	// BaseDir is the root under which per-container upper/work/rootfs
	// directories are created: {BaseDir}/{id}/{upper,work,rootfs}.
	BaseDir string `toml:"base_dir" json:"baseDir"`
}

// ImageConfig contains configuration related to the image pull pipeline.
type ImageConfig struct {
	// ScratchDir is the root of the tmp/oci and tmp/bundle scratch trees
	// used during a pull, removed on success.
	ScratchDir string `toml:"scratch_dir" json:"scratchDir"`
	// CopyToolPath is the path to the external image-copy tool (skopeo-
	// compatible CLI: `copy docker://ref oci:dst`).
	CopyToolPath string `toml:"copy_tool_path" json:"copyToolPath"`
	// UnpackToolPath is the path to the external OCI-unpack tool (umoci-
	// compatible CLI: `unpack --image src bundle`).
	UnpackToolPath string `toml:"unpack_tool_path" json:"unpackToolPath"`
}

// StreamingConfig contains configuration related to the streaming session
// manager's HTTP surface.
type StreamingConfig struct {
	// Address is the ip address the streaming server listens on.
	Address string `toml:"address" json:"address"`
	// Port is the port the streaming server listens on.
	Port string `toml:"port" json:"port"`
	// IdleTimeout is the maximum time a streaming connection can be idle
	// before being closed automatically, golang duration format.
	IdleTimeout string `toml:"idle_timeout" json:"idleTimeout"`
}

// TracingConfig contains configuration related to the ambient OpenTelemetry
// tracing exporter wired into the gRPC surface.
type TracingConfig struct {
	// OTLPEndpoint is the OTLP/gRPC collector endpoint (host:port) spans
	// are exported to. Empty disables tracing: no exporter or
	// TracerProvider is constructed, and otelgrpc's stats handler records
	// against the global no-op tracer.
	OTLPEndpoint string `toml:"otlp_endpoint" json:"otlpEndpoint"`
}

// InitSystemConfig contains configuration related to the init-system
// adapter's transient unit creation.
type InitSystemConfig struct {
	// Slice is the systemd slice new transient units are placed in.
	Slice string `toml:"slice" json:"slice"`
	// PauseCommand is the argv used for the pod sandbox's bound unit
	// (the pause-equivalent long-running process).
	PauseCommand []string `toml:"pause_command" json:"pauseCommand"`
	// StopGraceTimeout is the default grace period between SIGTERM and
	// the SIGKILL escalation for StopContainer, golang duration format.
	// Overridden per-call when the CRI request carries an explicit
	// timeout. StopPodSandbox does not use it.
	StopGraceTimeout string `toml:"stop_grace_timeout" json:"stopGraceTimeout"`
}

// PluginConfig is the subset of Config that is reloadable / validated as a
// unit, mirroring the teacher's PluginConfig split.
type PluginConfig struct {
	CNI         CNIConfig        `toml:"cni" json:"cni"`
	Store       StoreConfig      `toml:"store" json:"store"`
	Overlay     OverlayConfig    `toml:"overlay" json:"overlay"`
	Image       ImageConfig      `toml:"image" json:"image"`
	Streaming   StreamingConfig  `toml:"streaming" json:"streaming"`
	Tracing     TracingConfig    `toml:"tracing" json:"tracing"`
	InitSystem  InitSystemConfig `toml:"init_system" json:"initSystem"`
	LogLevel    string           `toml:"log_level" json:"logLevel"`
	ListenAddr  string           `toml:"listen_addr" json:"listenAddr"`
}

// Config contains all configuration for the systemd-cri daemon.
type Config struct {
	PluginConfig
	// StateDir is the root directory path for managing volatile
	// pod/container data (overlay scratch trees, image pull scratch).
	StateDir string `toml:"state_dir" json:"stateDir"`
}

// Default returns a Config populated with the teacher-style defaults.
func Default() Config {
	return Config{
		StateDir: "/var/lib/systemd-cri",
		PluginConfig: PluginConfig{
			CNI: CNIConfig{
				BinDirs:    []string{"/opt/cni/bin"},
				ConfDir:    "/etc/cni/net.d",
				MaxConfNum: 1,
			},
			Store: StoreConfig{
				Path: "/var/lib/systemd-cri/state.db",
			},
			Overlay: OverlayConfig{
				BaseDir: "/var/lib/systemd-cri/containers",
			},
			Image: ImageConfig{
				ScratchDir:     "/var/lib/systemd-cri/tmp",
				CopyToolPath:   "/usr/bin/skopeo",
				UnpackToolPath: "/usr/bin/umoci",
			},
			Streaming: StreamingConfig{
				Address:     "127.0.0.1",
				Port:        "0",
				IdleTimeout: "4h",
			},
			InitSystem: InitSystemConfig{
				Slice:            "system.slice",
				PauseCommand:     []string{"/usr/bin/sleep", "infinity"},
				StopGraceTimeout: "10s",
			},
			LogLevel:   "info",
			ListenAddr: "unix:///run/systemd/cri/cri.sock",
		},
	}
}

// LoadFile reads and parses a TOML config file, overlaying it on Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the given configuration, filling in derived defaults
// the way the teacher's ValidatePluginConfig does.
func Validate(ctx context.Context, c *Config) error {
	if c.StateDir == "" {
		return errors.New("`state_dir` is empty")
	}
	if c.Store.Path == "" {
		c.Store.Path = c.StateDir + "/state.db"
	}
	if c.Overlay.BaseDir == "" {
		c.Overlay.BaseDir = c.StateDir + "/containers"
	}
	if c.Image.ScratchDir == "" {
		c.Image.ScratchDir = c.StateDir + "/tmp"
	}
	if len(c.CNI.BinDirs) == 0 {
		log.G(ctx).Warn("no `cni.bin_dirs` configured, pods will run without CNI networking")
	}
	if c.Streaming.IdleTimeout != "" {
		if _, err := time.ParseDuration(c.Streaming.IdleTimeout); err != nil {
			return fmt.Errorf("invalid `streaming.idle_timeout`: %w", err)
		}
	}
	if c.InitSystem.StopGraceTimeout != "" {
		if _, err := time.ParseDuration(c.InitSystem.StopGraceTimeout); err != nil {
			return fmt.Errorf("invalid `init_system.stop_grace_timeout`: %w", err)
		}
	}
	if len(c.InitSystem.PauseCommand) == 0 {
		return errors.New("`init_system.pause_command` is empty")
	}
	return nil
}
