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

package imageref

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Reference
	}{
		{
			name: "bare repo defaults registry and tag",
			raw:  "library/hello",
			want: Reference{Registry: DefaultRegistry, Repository: "library/hello", Tag: "latest"},
		},
		{
			name: "explicit tag",
			raw:  "nginx:1.19",
			want: Reference{Registry: DefaultRegistry, Repository: "nginx", Tag: "1.19"},
		},
		{
			name: "registry with dot",
			raw:  "gcr.io/project/app:v1",
			want: Reference{Registry: "gcr.io", Repository: "project/app", Tag: "v1"},
		},
		{
			name: "registry with port is not a tag",
			raw:  "myregistry:5000/foo/bar",
			want: Reference{Registry: "myregistry:5000", Repository: "foo/bar", Tag: "latest"},
		},
		{
			name: "registry with port and tag",
			raw:  "myregistry:5000/foo/bar:tag",
			want: Reference{Registry: "myregistry:5000", Repository: "foo/bar", Tag: "tag"},
		},
		{
			name: "localhost registry",
			raw:  "localhost/foo",
			want: Reference{Registry: "localhost", Repository: "foo", Tag: "latest"},
		},
		{
			name: "digest precedence over tag default",
			raw:  "docker.io/library/hello@sha256:" + strings.Repeat("a", 64),
			want: Reference{Registry: "docker.io", Repository: "library/hello", Digest: "sha256:" + strings.Repeat("a", 64)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{"", "@", "UPPER/CASE", "://bad"} {
		_, err := Parse(raw)
		require.Error(t, err, raw)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	cases := map[string]string{
		"nginx":              "docker.io/nginx:latest",
		"nginx:1.19":         "docker.io/nginx:1.19",
		"gcr.io/foo/bar:v1":  "gcr.io/foo/bar:v1",
	}
	for raw, want := range cases {
		ref, err := Parse(raw)
		require.NoError(t, err)
		require.Equal(t, want, ref.Format())
	}
}

var machineNameCharset = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

func TestMachineNameDeterministicAndWellFormed(t *testing.T) {
	refs := []string{
		"nginx:1.19",
		"library/hello:latest",
		"My.Weird_Repo/Name:Some.Tag-123",
		strings.Repeat("a/", 40) + "repo:" + strings.Repeat("x", 80),
	}
	for _, raw := range refs {
		ref, err := Parse(raw)
		require.NoError(t, err)
		n1 := ref.MachineName()
		n2 := ref.MachineName()
		require.Equal(t, n1, n2, "machine name must be deterministic for %q", raw)
		require.Regexp(t, machineNameCharset, n1)
	}
}

func TestMachineNameOmitsLatestSuffix(t *testing.T) {
	ref, err := Parse("nginx")
	require.NoError(t, err)
	require.Equal(t, "nginx", ref.MachineName())

	ref, err = Parse("nginx:1.19")
	require.NoError(t, err)
	require.Equal(t, "nginx-1-19", ref.MachineName())
}
