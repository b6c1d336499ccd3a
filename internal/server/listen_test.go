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

package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseListenAddr(t *testing.T) {
	cases := []struct {
		name        string
		raw         string
		network     string
		address     string
		expectError bool
	}{
		{"unix scheme", "unix:///run/systemd-cri/cri.sock", "unix", "/run/systemd-cri/cri.sock", false},
		{"tcp scheme", "tcp://127.0.0.1:8080", "tcp", "127.0.0.1:8080", false},
		{"bare path", "/run/systemd-cri/cri.sock", "unix", "/run/systemd-cri/cri.sock", false},
		{"bare host:port", "127.0.0.1:8080", "tcp", "127.0.0.1:8080", false},
		{"unsupported scheme", "http://example.com", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			network, address, err := parseListenAddr(tc.raw)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.network, network)
			require.Equal(t, tc.address, address)
		})
	}
}
