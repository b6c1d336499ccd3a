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

package lifecycle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/ananthb/systemd-cri-sub000/internal/config"
	"github.com/ananthb/systemd-cri-sub000/internal/cri"
	"github.com/ananthb/systemd-cri-sub000/internal/initsystem"
)

// prop builds a transient-unit property from a raw name/value pair, for the
// properties go-systemd's dbus package does not already expose a typed
// constructor for (design note §9: explicit value types, no closures).
func prop(name string, value interface{}) initsystem.Property {
	return initsystem.Property{Name: name, Value: dbus.MakeVariant(value)}
}

// bindMount is the wire shape systemd's BindPaths=/BindReadOnlyPaths=
// properties expect: source, destination, ignore-if-missing, recursive bind.
type bindMount struct {
	Source        string
	Destination   string
	IgnoreMissing bool
	Recursive     bool
}

// podUnitProperties builds the property set for a pod sandbox's bound
// "pause"-equivalent unit (spec §4.2, §4.7 step 4).
func podUnitProperties(cfg config.InitSystemConfig, pod *cri.PodSandbox) []initsystem.Property {
	props := []initsystem.Property{
		sdbus.PropDescription(fmt.Sprintf("CRI pod sandbox %s (%s/%s)", pod.ID, pod.Namespace, pod.Name)),
		prop("Type", "exec"),
		sdbus.PropExecStart(cfg.PauseCommand, true),
	}
	if cfg.Slice != "" {
		props = append(props, prop("Slice", cfg.Slice))
	}
	return props
}

// containerUnitProperties builds the property set for a container's unit
// (spec §4.2, §4.7 StartContainer step 3). mounted reports whether the
// overlay is actually in place; when it is not, the container runs without
// filesystem isolation (RootDirectory unset).
func containerUnitProperties(cfg config.InitSystemConfig, c *cri.Container, mounted bool) ([]initsystem.Property, error) {
	props := []initsystem.Property{
		sdbus.PropDescription(fmt.Sprintf("CRI container %s (%s)", c.ID, c.Name)),
		prop("Type", "exec"),
	}
	if cfg.Slice != "" {
		props = append(props, prop("Slice", cfg.Slice))
	}
	if c.WorkingDir != "" {
		props = append(props, prop("WorkingDirectory", c.WorkingDir))
	}
	if c.RunAsUser != nil {
		props = append(props, prop("User", strconv.FormatInt(*c.RunAsUser, 10)))
	}
	if c.RunAsGroup != nil {
		props = append(props, prop("Group", strconv.FormatInt(*c.RunAsGroup, 10)))
	}
	if !c.Privileged {
		props = append(props, prop("NoNewPrivileges", true))
	}
	if c.ReadonlyRootfs {
		props = append(props, prop("ProtectSystem", "strict"))
	}

	env := append([]string{}, c.Env...)
	if mounted {
		props = append(props,
			prop("RootDirectory", c.RootfsPath),
			prop("PrivateMounts", true),
			prop("MountAPIVFS", true),
			prop("PrivateTmp", true),
		)
		if !c.Privileged {
			props = append(props, prop("PrivateDevices", true))
		}
		env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	if len(env) > 0 {
		props = append(props, prop("Environment", env))
	}

	mounts, err := parseMounts(c.MountsJSON)
	if err != nil {
		return nil, fmt.Errorf("parse mounts for container %s: %w", c.ID, err)
	}
	props = append(props, bindMountProperties(toSpecMounts(mounts))...)

	if c.LogPath != "" {
		props = append(props,
			prop("StandardOutput", "file:"+c.LogPath),
			prop("StandardError", "file:"+c.LogPath),
		)
	}

	props = append(props, sdbus.PropExecStart(containerArgv(c.Command, mounted), true))
	return props, nil
}

// containerArgv wraps the requested command as `/bin/sh -c "exec <command>"`
// when the container runs chrooted, so PATH resolution happens inside the
// image rather than on the host (spec §4.7 StartContainer step 3).
func containerArgv(command []string, mounted bool) []string {
	if len(command) == 0 {
		command = []string{"/bin/sh"}
	}
	if !mounted {
		return command
	}
	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = quoteShellArg(arg)
	}
	return []string{"/bin/sh", "-c", "exec " + strings.Join(quoted, " ")}
}

func quoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseMounts(mountsJSON string) ([]cri.Mount, error) {
	if mountsJSON == "" {
		return nil, nil
	}
	var mounts []cri.Mount
	if err := json.Unmarshal([]byte(mountsJSON), &mounts); err != nil {
		return nil, err
	}
	return mounts, nil
}

// toSpecMounts converts the store's JSON-serializable cri.Mount records
// into the OCI runtime-spec Mount shape (Destination/Source/Options) used
// everywhere else in the ecosystem to describe a parsed bind mount, so the
// container's mount list is carried in that shape from here on.
func toSpecMounts(mounts []cri.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		sm := specs.Mount{
			Destination: m.ContainerPath,
			Source:      m.HostPath,
			Type:        "bind",
			Options:     []string{"rbind"},
		}
		if m.Readonly {
			sm.Options = append(sm.Options, "ro")
		} else {
			sm.Options = append(sm.Options, "rw")
		}
		out = append(out, sm)
	}
	return out
}

func bindMountProperties(mounts []specs.Mount) []initsystem.Property {
	var rw, ro []bindMount
	for _, m := range mounts {
		bm := bindMount{Source: m.Source, Destination: m.Destination, Recursive: true}
		if readonlyMount(m) {
			ro = append(ro, bm)
		} else {
			rw = append(rw, bm)
		}
	}
	var props []initsystem.Property
	if len(rw) > 0 {
		props = append(props, prop("BindPaths", rw))
	}
	if len(ro) > 0 {
		props = append(props, prop("BindReadOnlyPaths", ro))
	}
	return props
}

func readonlyMount(m specs.Mount) bool {
	for _, opt := range m.Options {
		if opt == "ro" {
			return true
		}
	}
	return false
}
