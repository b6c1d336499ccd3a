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

// Package machineimage is the Machine Image Pool Adapter (spec §4.3): the
// host's pool of system images managed by systemd-machined
// (org.freedesktop.machine1) and systemd-importd (org.freedesktop.import1),
// reached directly over github.com/godbus/dbus/v5 since neither project
// ships a generated Go binding.
package machineimage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

const (
	machineService    = "org.freedesktop.machine1"
	machinePath       = dbus.ObjectPath("/org/freedesktop/machine1")
	machineManagerIfc = "org.freedesktop.machine1.Manager"

	importService    = "org.freedesktop.import1"
	importPath       = dbus.ObjectPath("/org/freedesktop/import1")
	importManagerIfc = "org.freedesktop.import1.Manager"
	transferIfc      = "org.freedesktop.import1.Transfer"

	pollInterval = 100 * time.Millisecond
	importCap    = 30 * time.Second
)

// ImageType enumerates machine image backing types (spec §4.3).
type ImageType string

const (
	TypeDirectory ImageType = "directory"
	TypeSubvolume ImageType = "subvolume"
	TypeRaw       ImageType = "raw"
	TypeBlock     ImageType = "block"
	TypeUnknown   ImageType = "unknown"
)

// Image is a single machine image pool record.
type Image struct {
	Name               string
	Type               ImageType
	ReadOnly           bool
	CreationTimeUsec   uint64
	ModificationTime   uint64
	DiskUsageBytes     uint64
	ObjectPath         dbus.ObjectPath
}

// Adapter is the interface the Image Puller and Lifecycle Engine depend on.
type Adapter interface {
	List(ctx context.Context) ([]Image, error)
	Get(ctx context.Context, name string) (Image, error)
	Remove(ctx context.Context, name string) error
	Clone(ctx context.Context, src, dst string, readOnly bool) error
	ImportFS(ctx context.Context, dir string, name string, force, readOnly bool) error
	GetPoolPath() string
	MarkReadOnly(ctx context.Context, name string, flag bool) error
}

// DBusAdapter is the real Adapter.
type DBusAdapter struct {
	conn     *dbus.Conn
	poolPath string
}

// Dial connects to the system bus.
func Dial(poolPath string) (*DBusAdapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, cri.NewDependencyError("DbusError", fmt.Errorf("connect to system bus: %w", err))
	}
	if poolPath == "" {
		poolPath = "/var/lib/machines"
	}
	return &DBusAdapter{conn: conn, poolPath: poolPath}, nil
}

func (a *DBusAdapter) Close() error {
	return a.conn.Close()
}

func (a *DBusAdapter) GetPoolPath() string { return a.poolPath }

func (a *DBusAdapter) manager() dbus.BusObject {
	return a.conn.Object(machineService, machinePath)
}

func (a *DBusAdapter) importManager() dbus.BusObject {
	return a.conn.Object(importService, importPath)
}

// List enumerates all images in the pool.
func (a *DBusAdapter) List(ctx context.Context) ([]Image, error) {
	var raw [][]interface{}
	call := a.manager().CallWithContext(ctx, machineManagerIfc+".ListImages", 0)
	if call.Err != nil {
		return nil, translateMachineErr(call.Err)
	}
	if err := call.Store(&raw); err != nil {
		return nil, cri.NewDependencyError("DbusError", err)
	}
	out := make([]Image, 0, len(raw))
	for _, r := range raw {
		img, err := imageFromListEntry(r)
		if err != nil {
			return nil, cri.NewDependencyError("DbusError", err)
		}
		out = append(out, img)
	}
	return out, nil
}

func imageFromListEntry(r []interface{}) (Image, error) {
	// (s name, s type, b read_only, t creation, t modification, t size, o path)
	if len(r) < 7 {
		return Image{}, fmt.Errorf("malformed ListImages entry")
	}
	name, _ := r[0].(string)
	typ, _ := r[1].(string)
	ro, _ := r[2].(bool)
	creation, _ := r[3].(uint64)
	mod, _ := r[4].(uint64)
	size, _ := r[5].(uint64)
	path, _ := r[6].(dbus.ObjectPath)
	return Image{
		Name:             name,
		Type:             normalizeType(typ),
		ReadOnly:         ro,
		CreationTimeUsec: creation,
		ModificationTime: mod,
		DiskUsageBytes:   size,
		ObjectPath:       path,
	}, nil
}

func normalizeType(t string) ImageType {
	switch ImageType(t) {
	case TypeDirectory, TypeSubvolume, TypeRaw, TypeBlock:
		return ImageType(t)
	default:
		return TypeUnknown
	}
}

// Get fetches a single image by name.
func (a *DBusAdapter) Get(ctx context.Context, name string) (Image, error) {
	var path dbus.ObjectPath
	call := a.manager().CallWithContext(ctx, machineManagerIfc+".GetImage", 0, name)
	if call.Err != nil {
		return Image{}, translateMachineErr(call.Err)
	}
	if err := call.Store(&path); err != nil {
		return Image{}, cri.NewDependencyError("DbusError", err)
	}
	obj := a.conn.Object(machineService, path)
	props := map[string]dbus.Variant{}
	pcall := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, "org.freedesktop.machine1.Image")
	if pcall.Err == nil {
		_ = pcall.Store(&props)
	}
	img := Image{Name: name, ObjectPath: path}
	if v, ok := props["Type"]; ok {
		if s, ok := v.Value().(string); ok {
			img.Type = normalizeType(s)
		}
	}
	if v, ok := props["ReadOnly"]; ok {
		img.ReadOnly, _ = v.Value().(bool)
	}
	// Some image types (e.g. directory) do not expose timestamps or
	// usage; treat missing properties as zero, not an error (spec §4.3).
	if v, ok := props["CreationTimestamp"]; ok {
		img.CreationTimeUsec, _ = v.Value().(uint64)
	}
	if v, ok := props["ModificationTimestamp"]; ok {
		img.ModificationTime, _ = v.Value().(uint64)
	}
	if v, ok := props["Usage"]; ok {
		img.DiskUsageBytes, _ = v.Value().(uint64)
	}
	return img, nil
}

// Remove deletes an image from the pool.
func (a *DBusAdapter) Remove(ctx context.Context, name string) error {
	call := a.manager().CallWithContext(ctx, machineManagerIfc+".RemoveImage", 0, name)
	if call.Err != nil {
		return translateMachineErr(call.Err)
	}
	return nil
}

// Clone duplicates an existing image under a new name.
func (a *DBusAdapter) Clone(ctx context.Context, src, dst string, readOnly bool) error {
	call := a.manager().CallWithContext(ctx, machineManagerIfc+".CloneImage", 0, src, dst, readOnly)
	if call.Err != nil {
		return translateMachineErr(call.Err)
	}
	return nil
}

// MarkReadOnly toggles an image's read-only flag.
func (a *DBusAdapter) MarkReadOnly(ctx context.Context, name string, flag bool) error {
	call := a.manager().CallWithContext(ctx, machineManagerIfc+".MarkImageReadOnly", 0, name, flag)
	if call.Err != nil {
		return translateMachineErr(call.Err)
	}
	return nil
}

// ImportFS imports dir as a new pool entry named name, polling for
// completion at ~100ms cadence up to a 30s cap (spec §4.3). Completion is
// detected either by the named image now existing, or by the transfer
// object's Progress property disappearing (transfer finished and was
// reaped).
func (a *DBusAdapter) ImportFS(ctx context.Context, dir string, name string, force, readOnly bool) error {
	f, err := os.Open(dir)
	if err != nil {
		return cri.NewDependencyError("ImportFailed", fmt.Errorf("open %q: %w", dir, err))
	}
	defer f.Close()

	var transferPath dbus.ObjectPath
	var transferID uint32
	call := a.importManager().CallWithContext(ctx, importManagerIfc+".ImportFileSystem", 0,
		dbus.UnixFD(f.Fd()), name, force, readOnly)
	if call.Err != nil {
		return cri.NewDependencyError("ImportFailed", translateMachineErr(call.Err))
	}
	if err := call.Store(&transferPath, &transferID); err != nil {
		return cri.NewDependencyError("ImportFailed", err)
	}

	deadline := time.Now().Add(importCap)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := a.Get(ctx, name); err == nil {
			return nil
		}
		if !a.transferExists(ctx, transferPath) {
			// Transfer object gone but image absent: the transfer
			// failed or was garbage collected before the image
			// finished materializing.
			if _, err := a.Get(ctx, name); err == nil {
				return nil
			}
			return cri.NewDependencyError("ImportFailed", fmt.Errorf("import of %q disappeared before completion", name))
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("import %q: %w", name, cri.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return cri.NewDependencyError("ImportFailed", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *DBusAdapter) transferExists(ctx context.Context, path dbus.ObjectPath) bool {
	obj := a.conn.Object(importService, path)
	var progress float64
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, transferIfc, "Progress")
	if call.Err != nil {
		return false
	}
	return call.Store(&progress) == nil
}

func translateMachineErr(err error) error {
	if dbusErr, ok := err.(dbus.Error); ok {
		switch dbusErr.Name {
		case "org.freedesktop.machine1.NoSuchMachine",
			"org.freedesktop.machine1.NoSuchImage",
			"org.freedesktop.DBus.Error.FileNotFound":
			return cri.ErrNotFound
		case "org.freedesktop.machine1.ImageExists":
			return cri.ErrAlreadyExists
		}
	}
	return cri.NewDependencyError("DbusError", err)
}
