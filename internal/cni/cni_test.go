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

package cni

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadNetworkConfigDefaultsWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, nil)
	list, err := d.LoadNetworkConfig()
	require.NoError(t, err)
	require.Equal(t, "cri-default", list.Name)

	written, err := os.ReadFile(filepath.Join(dir, defaultConfFileName))
	require.NoError(t, err)
	require.Contains(t, string(written), `"cniVersion": "1.0.0"`)
	require.Contains(t, string(written), `"hairpinMode": true`)

	// A later scan of the same directory finds the persisted file rather
	// than resynthesizing it.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadNetworkConfigDefaultsWhenDirMissing(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	list, err := d.LoadNetworkConfig()
	require.NoError(t, err)
	require.Equal(t, "cri-default", list.Name)
}

func TestLoadNetworkConfigPrefersConflist(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "05-single.conf"), []byte(`{"cniVersion":"0.4.0","name":"single","type":"loopback"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-list.conflist"), []byte(`{"cniVersion":"0.4.0","name":"listed","plugins":[{"type":"loopback"}]}`), 0o644))

	d := New(dir, nil)
	list, err := d.LoadNetworkConfig()
	require.NoError(t, err)
	require.Equal(t, "listed", list.Name)
}

func TestLoadNetworkConfigFallsBackToSingle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "05-single.conf"), []byte(`{"cniVersion":"0.4.0","name":"single","type":"loopback"}`), 0o644))

	d := New(dir, nil)
	list, err := d.LoadNetworkConfig()
	require.NoError(t, err)
	require.Equal(t, "single", list.Name)
}

func TestNamespaceName(t *testing.T) {
	require.Equal(t, "cri-abcdefgh", NamespaceName("abcdefghijklmnop"))
	require.Equal(t, "cri-ab", NamespaceName("ab"))
}

func TestExtractIPAndGateway(t *testing.T) {
	result := map[string]interface{}{
		"ips": []map[string]interface{}{
			{"address": "10.88.0.5/16", "gateway": "10.88.0.1"},
		},
	}
	ip, gw, err := extractIPAndGateway(result)
	require.NoError(t, err)
	require.Equal(t, "10.88.0.5", ip)
	require.Equal(t, "10.88.0.1", gw)
}
