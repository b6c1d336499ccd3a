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

// Package overlay is the Overlay Manager (spec §4.4): composes a
// per-container overlay filesystem (lower=image rootfs, upper/work/merged=
// per-container scratch) with idempotent prepare/mount/unmount/cleanup.
package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// Overlay describes one container's overlay composition.
type Overlay struct {
	LowerDirs []string
	UpperDir  string
	WorkDir   string
	MergedDir string
}

// Options builds the overlay mount option string in the spec's exact form:
// lowerdir=L1:L2:...,upperdir=U,workdir=W (spec §8 property 9).
func (o Overlay) Options() string {
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(o.LowerDirs, ":"), o.UpperDir, o.WorkDir)
}

// New builds an Overlay for a container directory laid out as
// {containerDir}/{upper,work,rootfs}, with imageRootfs as (for now) the
// sole lower directory (spec §4.4: "one or more lower_dirs").
func New(containerDir string, lowerDirs ...string) Overlay {
	return Overlay{
		LowerDirs: lowerDirs,
		UpperDir:  filepath.Join(containerDir, "upper"),
		WorkDir:   filepath.Join(containerDir, "work"),
		MergedDir: filepath.Join(containerDir, "rootfs"),
	}
}

// Prepare creates the upper/work/merged directories idempotently.
func (o Overlay) Prepare() error {
	for _, dir := range []string{o.UpperDir, o.WorkDir, o.MergedDir} {
		if err := os.MkdirAll(dir, 0o711); err != nil {
			return cri.NewDependencyError("OverlayError", fmt.Errorf("mkdir %q: %w", dir, err))
		}
	}
	return nil
}

// Mounted reports whether MergedDir is currently an overlay mount point.
func (o Overlay) Mounted() (bool, error) {
	mounted, err := mountinfo.Mounted(o.MergedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, cri.NewDependencyError("OverlayError", err)
	}
	return mounted, nil
}

// Mount issues the overlay mount. Idempotent: if already mounted, this is a
// no-op (spec §4.4).
func (o Overlay) Mount() error {
	mounted, err := o.Mounted()
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	if err := o.Prepare(); err != nil {
		return err
	}
	if err := unix.Mount("overlay", o.MergedDir, "overlay", 0, o.Options()); err != nil {
		return cri.NewDependencyError("OverlayError", fmt.Errorf("mount overlay at %q: %w", o.MergedDir, err))
	}
	return nil
}

// Unmount attempts a normal unmount, falling back to a lazy (detach)
// unmount. Unmounting an unmounted filesystem is a no-op (spec §4.4).
func (o Overlay) Unmount() error {
	mounted, err := o.Mounted()
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	if err := unix.Unmount(o.MergedDir, 0); err != nil {
		if err := unix.Unmount(o.MergedDir, unix.MNT_DETACH); err != nil {
			return cri.NewDependencyError("OverlayError", fmt.Errorf("lazy unmount %q: %w", o.MergedDir, err))
		}
	}
	return nil
}

// Cleanup unmounts (if mounted) and removes the upper/work/merged
// directories.
func (o Overlay) Cleanup() error {
	if err := o.Unmount(); err != nil {
		return err
	}
	for _, dir := range []string{o.UpperDir, o.WorkDir, o.MergedDir} {
		if err := os.RemoveAll(dir); err != nil {
			return cri.NewDependencyError("OverlayError", fmt.Errorf("remove %q: %w", dir, err))
		}
	}
	return nil
}

// LooksLikeRootfs reports whether dir looks like an OCI/Linux rootfs,
// i.e. contains bin/ or usr/ (spec §4.4 validation before mount).
func LooksLikeRootfs(dir string) bool {
	for _, sub := range []string{"bin", "usr"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}
