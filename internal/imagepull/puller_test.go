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

package imagepull

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ananthb/systemd-cri-sub000/internal/cmdrunner"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
)

// fakeRunner simulates the external copy/unpack tools by materializing the
// expected directory layout as a side effect, so Pull's own filesystem
// checks (oci-layout, rootfs/) exercise real code paths.
type fakeRunner struct {
	ociDir, bundleDir string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, stdin []byte, env []string) (cmdrunner.Result, error) {
	switch name {
	case "skopeo":
		if err := os.MkdirAll(f.ociDir, 0o755); err != nil {
			return cmdrunner.Result{}, err
		}
		return cmdrunner.Result{}, os.WriteFile(filepath.Join(f.ociDir, "oci-layout"), []byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644)
	case "umoci":
		rootfs := filepath.Join(f.bundleDir, "rootfs")
		if err := os.MkdirAll(filepath.Join(rootfs, "bin"), 0o755); err != nil {
			return cmdrunner.Result{}, err
		}
		return cmdrunner.Result{}, nil
	}
	return cmdrunner.Result{}, nil
}

func TestPullSuccess(t *testing.T) {
	scratch := t.TempDir()
	runner := &fakeRunner{
		ociDir:    filepath.Join(scratch, "oci", "nginx-1-19"),
		bundleDir: filepath.Join(scratch, "bundle", "nginx-1-19"),
	}
	pool := machineimage.NewFake("/var/lib/machines")
	p := New(pool, runner, scratch, "skopeo", "umoci")

	name, err := p.Pull(context.Background(), "nginx:1.19")
	require.NoError(t, err)
	require.Equal(t, "nginx-1-19", name)

	img, err := pool.Get(context.Background(), name)
	require.NoError(t, err)
	require.True(t, img.ReadOnly)
}

func TestPullShortCircuitsOnExistingImage(t *testing.T) {
	scratch := t.TempDir()
	pool := machineimage.NewFake("/var/lib/machines")
	require.NoError(t, pool.ImportFS(context.Background(), scratch, "nginx-1-19", false, true))

	runner := &fakeRunner{}
	calls := 0
	wrapped := cmdrunner.Runner(runnerFunc(func(ctx context.Context, name string, args []string, stdin []byte, env []string) (cmdrunner.Result, error) {
		calls++
		return runner.Run(ctx, name, args, stdin, env)
	}))

	p := New(pool, wrapped, scratch, "skopeo", "umoci")
	name, err := p.Pull(context.Background(), "nginx:1.19")
	require.NoError(t, err)
	require.Equal(t, "nginx-1-19", name)
	require.Equal(t, 0, calls, "pull must not invoke external tools when the image is already in the pool")
}

type runnerFunc func(ctx context.Context, name string, args []string, stdin []byte, env []string) (cmdrunner.Result, error)

func (f runnerFunc) Run(ctx context.Context, name string, args []string, stdin []byte, env []string) (cmdrunner.Result, error) {
	return f(ctx, name, args, stdin, env)
}
