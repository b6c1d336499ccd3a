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
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

func TestToGRPCStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"nil", nil, codes.OK},
		{"not found", fmt.Errorf("pod: %w", cri.ErrNotFound), codes.NotFound},
		{"already exists", fmt.Errorf("container: %w", cri.ErrAlreadyExists), codes.AlreadyExists},
		{"invalid argument", fmt.Errorf("ref: %w", cri.ErrInvalidArgument), codes.InvalidArgument},
		{"invalid state", fmt.Errorf("pod has containers: %w", cri.ErrInvalidState), codes.FailedPrecondition},
		{"dependency", fmt.Errorf("netns: %w", cri.ErrDependency), codes.Unavailable},
		{"timeout", fmt.Errorf("stop: %w", cri.ErrTimeout), codes.DeadlineExceeded},
		{"not implemented", fmt.Errorf("stats: %w", errdefs.ErrNotImplemented), codes.Unimplemented},
		{"unclassified", fmt.Errorf("boom"), codes.Internal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := toGRPCStatus(tc.err)
			if tc.err == nil {
				require.NoError(t, got)
				return
			}
			st, ok := status.FromError(got)
			require.True(t, ok)
			require.Equal(t, tc.code, st.Code())
		})
	}
}

func TestToGRPCStatusPassesThroughExistingStatus(t *testing.T) {
	original := status.Error(codes.PermissionDenied, "no")
	got := toGRPCStatus(original)
	require.Equal(t, original, got)
}
