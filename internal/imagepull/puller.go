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

// Package imagepull is the Image Puller (spec §4.5): given a registry
// reference, produces a host-pool machine name by invoking external copy
// and unpack tools, then imports the resulting rootfs into the machine
// image pool.
package imagepull

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ananthb/systemd-cri-sub000/internal/cmdrunner"
	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/imageref"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
)

// rootfsDir is the directory name an OCI-unpack tool materializes the
// bundle's root filesystem under, per the OCI runtime bundle convention
// image-spec documents.
const rootfsDir = "rootfs"

// ociLayoutFile names the marker file at the root of a valid OCI image
// layout directory, per image-spec's image-layout definition.
const ociLayoutFile = "oci-layout"

// Puller pulls registry images into the machine image pool.
type Puller struct {
	Pool       machineimage.Adapter
	Runner     cmdrunner.Runner
	ScratchDir string
	CopyTool   string
	UnpackTool string
}

// New constructs a Puller.
func New(pool machineimage.Adapter, runner cmdrunner.Runner, scratchDir, copyTool, unpackTool string) *Puller {
	return &Puller{Pool: pool, Runner: runner, ScratchDir: scratchDir, CopyTool: copyTool, UnpackTool: unpackTool}
}

// Pull runs the spec §4.5 pull algorithm, returning the machine pool name.
func (p *Puller) Pull(ctx context.Context, rawRef string) (string, error) {
	ref, err := imageref.Parse(rawRef)
	if err != nil {
		return "", err
	}
	name := ref.MachineName()

	// Step 1: short-circuit if already present.
	if _, err := p.Pool.Get(ctx, name); err == nil {
		log.G(ctx).Debugf("image %q already present in pool as %q", rawRef, name)
		return name, nil
	}

	ociDir := filepath.Join(p.ScratchDir, "oci", name)
	bundleDir := filepath.Join(p.ScratchDir, "bundle", name)
	defer os.RemoveAll(ociDir)
	defer os.RemoveAll(bundleDir)

	if err := os.MkdirAll(ociDir, 0o755); err != nil {
		return "", cri.NewDependencyError("PullFailed", err)
	}
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", cri.NewDependencyError("ExtractFailed", err)
	}

	// Step 2-3: copy into an OCI layout directory.
	src := ref.SourceURL()
	dst := fmt.Sprintf("oci:%s", ociDir)
	if res, err := p.Runner.Run(ctx, p.CopyTool, []string{"copy", src, dst}, nil, nil); err != nil {
		return "", classifyCopyErr(fmt.Errorf("%w (stderr: %s)", err, res.Stderr))
	}
	if err := validateOCILayout(ociDir); err != nil {
		return "", cri.NewDependencyError("InvalidImage", err)
	}

	// Step 4: unpack the OCI layout into a runtime bundle.
	if _, err := p.Runner.Run(ctx, p.UnpackTool, []string{"unpack", "--image", ociDir, bundleDir}, nil, nil); err != nil {
		return "", cri.NewDependencyError("ExtractFailed", err)
	}

	rootfs := filepath.Join(bundleDir, rootfsDir)
	if fi, err := os.Stat(rootfs); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("unpack of %q produced no rootfs/: %w", rawRef, cri.NewDependencyError("ExtractFailed", err))
	}

	// Step 5: import into the machine image pool, read-only.
	if err := p.Pool.ImportFS(ctx, rootfs, name, false, true); err != nil {
		return "", cri.NewDependencyError("ImportFailed", err)
	}

	// Step 6: verify.
	if _, err := p.Pool.Get(ctx, name); err != nil {
		return "", cri.NewDependencyError("ImportFailed", fmt.Errorf("image %q not present in pool after import", name))
	}
	return name, nil
}

// validateOCILayout checks that dir is a well-formed OCI image layout
// directory: it has the oci-layout marker file and that marker declares
// the layout version this tool understands (image-spec's own constant).
func validateOCILayout(dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, ociLayoutFile))
	if err != nil {
		return fmt.Errorf("%q is not a valid OCI image layout: %w", dir, err)
	}
	var layout struct {
		ImageLayoutVersion string `json:"imageLayoutVersion"`
	}
	if err := json.Unmarshal(b, &layout); err != nil {
		return fmt.Errorf("%q: malformed oci-layout: %w", dir, err)
	}
	if layout.ImageLayoutVersion != imagespec.ImageLayoutVersion {
		return fmt.Errorf("%q: unsupported oci-layout version %q, want %q",
			dir, layout.ImageLayoutVersion, imagespec.ImageLayoutVersion)
	}
	return nil
}

func classifyCopyErr(err error) error {
	// Best-effort classification; the external tool's stderr is preserved
	// in the wrapped cause for operators, but only a coarse kind crosses
	// the gRPC boundary (spec §7).
	return cri.NewDependencyError("PullFailed", err)
}
