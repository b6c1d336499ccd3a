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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ananthb/systemd-cri-sub000/internal/cmdrunner"
	"github.com/ananthb/systemd-cri-sub000/internal/cni"
	"github.com/ananthb/systemd-cri-sub000/internal/config"
	"github.com/ananthb/systemd-cri-sub000/internal/imagepull"
	"github.com/ananthb/systemd-cri-sub000/internal/initsystem"
	"github.com/ananthb/systemd-cri-sub000/internal/lifecycle"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
	"github.com/ananthb/systemd-cri-sub000/internal/metrics"
	"github.com/ananthb/systemd-cri-sub000/internal/server"
	"github.com/ananthb/systemd-cri-sub000/internal/store"
	"github.com/ananthb/systemd-cri-sub000/internal/streaming"
	"github.com/ananthb/systemd-cri-sub000/internal/tracing"
)

// version is set at release tag time; left as a constant here since this
// module carries no build-time ldflags wiring.
const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "systemd-cri",
		Usage:   "a Kubernetes CRI endpoint backed by systemd transient units",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set the logging level [debug, info, warn, error]",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "address the CRI gRPC surface listens on",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "root directory for persisted and volatile state",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve /metrics on (empty disables it)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "systemd-cri: %v\n", err)
		os.Exit(1)
	}
}

func run(clictx *cli.Context) error {
	cfg, err := config.LoadFile(clictx.String("config"))
	if err != nil {
		return err
	}
	if v := clictx.String("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := clictx.String("state-dir"); v != "" {
		cfg.StateDir = v
	} else if v := os.Getenv("STATE_DIRECTORY"); v != "" && cfg.StateDir == "" {
		cfg.StateDir = v
	}
	if v := clictx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Validate(ctx, &cfg); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.G(ctx).WithError(err).Warn("tracer provider shutdown failed")
		}
	}()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	initClient, err := initsystem.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial init system: %w", err)
	}
	defer initClient.Close()

	imagePool, err := machineimage.Dial(filepath.Join(cfg.StateDir, "pool"))
	if err != nil {
		return fmt.Errorf("dial machine image pool: %w", err)
	}
	defer imagePool.Close()

	var netDriver cni.NetworkDriver
	if len(cfg.CNI.BinDirs) > 0 {
		netDriver = cni.New(cfg.CNI.ConfDir, cfg.CNI.BinDirs)
	}

	engine := lifecycle.New(st, initClient, imagePool, netDriver, cfg)

	puller := imagepull.New(imagePool, cmdrunner.Exec{}, cfg.Image.ScratchDir, cfg.Image.CopyToolPath, cfg.Image.UnpackToolPath)

	idleTimeout, err := time.ParseDuration(cfg.Streaming.IdleTimeout)
	if err != nil {
		idleTimeout = 4 * time.Hour
	}
	streamAddr := cfg.Streaming.Address + ":" + cfg.Streaming.Port
	streamMgr, err := streaming.New(engine, streamAddr, idleTimeout)
	if err != nil {
		return fmt.Errorf("construct streaming session manager: %w", err)
	}

	reg := prometheus.NewRegistry()
	srv, err := server.New(cfg.ListenAddr, engine, imagePool, puller, streamMgr, reg)
	if err != nil {
		return fmt.Errorf("construct cri grpc server: %w", err)
	}

	collector := metrics.NewCollector(engine, reg)
	go collector.Run(ctx, 15*time.Second)

	if addr := clictx.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.G(ctx).WithError(err).Error("metrics server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		if err := streamMgr.Start(ctx); err != nil {
			log.G(ctx).WithError(err).Error("streaming session manager exited")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.G(ctx).Info("shutting down")
		cancel()
	}()

	log.G(ctx).Infof("serving cri on %s", cfg.ListenAddr)
	return srv.Serve(ctx)
}
