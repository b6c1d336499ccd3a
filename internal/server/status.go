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
	"github.com/containerd/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toGRPCStatus classifies err via the containerd/errdefs predicates the
// transport-agnostic cri.Err* sentinels are built from (spec §4.9, §7), and
// produces the trailer-carried grpc-status the wire protocol requires.
// Order matters: more specific predicates are checked before the ones they
// would otherwise also satisfy.
func toGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errdefs.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errdefs.IsAlreadyExists(err):
		return status.Error(codes.AlreadyExists, err.Error())
	case errdefs.IsInvalidArgument(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errdefs.IsFailedPrecondition(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errdefs.IsDeadlineExceeded(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errdefs.IsUnavailable(err):
		return status.Error(codes.Unavailable, err.Error())
	case errdefs.IsCanceled(err):
		return status.Error(codes.Canceled, err.Error())
	case errdefs.IsNotImplemented(err):
		return status.Error(codes.Unimplemented, err.Error())
	case errdefs.IsPermissionDenied(err):
		return status.Error(codes.PermissionDenied, err.Error())
	case errdefs.IsResourceExhausted(err):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
