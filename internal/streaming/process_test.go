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

package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAllowListedCommand(t *testing.T) {
	require.Equal(t, []string{"/bin/sh"}, resolveAllowListedCommand(nil))
	require.Equal(t, []string{"/bin/cat", "/etc/hostname"}, resolveAllowListedCommand([]string{"cat", "/etc/hostname"}))
	require.Equal(t, []string{"/usr/bin/id"}, resolveAllowListedCommand([]string{"id"}))
	require.Equal(t, []string{"/opt/bin/custom", "arg"}, resolveAllowListedCommand([]string{"/opt/bin/custom", "arg"}))
	require.Equal(t, []string{"/bin/notlisted"}, resolveAllowListedCommand([]string{"notlisted"}))
}

func TestShellWrappedCommand(t *testing.T) {
	require.Equal(t, []string{"/bin/sh"}, shellWrappedCommand(nil))
	got := shellWrappedCommand([]string{"echo", "hello world"})
	require.Equal(t, []string{"/bin/sh", "-lc", "'echo' 'hello world'"}, got)
}

func TestShellWrappedCommandEscapesQuotes(t *testing.T) {
	got := shellWrappedCommand([]string{"echo", "it's"})
	require.Equal(t, []string{"/bin/sh", "-lc", `'echo' 'it'\''s'`}, got)
}

func TestNsenterArgs(t *testing.T) {
	got := nsenterArgs(1234, []string{"/bin/sh", "-c", "true"})
	require.Equal(t, []string{
		"--target", "1234",
		"--mount", "--uts", "--ipc", "--net", "--pid",
		"--root", "--wd=/",
		"--",
		"/bin/sh", "-c", "true",
	}, got)
}
