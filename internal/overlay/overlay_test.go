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

package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsFormat(t *testing.T) {
	o := Overlay{
		LowerDirs: []string{"/a", "/b"},
		UpperDir:  "/c/upper",
		WorkDir:   "/c/work",
	}
	require.Equal(t, "lowerdir=/a:/b,upperdir=/c/upper,workdir=/c/work", o.Options())
}

func TestPrepareIdempotent(t *testing.T) {
	dir := t.TempDir()
	o := New(dir, filepath.Join(dir, "lower"))
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Prepare())

	for _, d := range []string{o.UpperDir, o.WorkDir, o.MergedDir} {
		fi, err := os.Stat(d)
		require.NoError(t, err)
		require.True(t, fi.IsDir())
	}
}

func TestLooksLikeRootfs(t *testing.T) {
	dir := t.TempDir()
	require.False(t, LooksLikeRootfs(dir))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "bin"), 0o755))
	require.True(t, LooksLikeRootfs(dir))
}
