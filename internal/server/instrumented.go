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
	"context"
	"time"

	"github.com/containerd/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// instrumentUnary logs failed RPCs at debug level and completed ones at
// trace level, and maps the handler's
// returned error to a grpc-status trailer, mirroring the teacher's
// instrumented-service wrapping of the raw CRI implementation. A panic
// inside handler is recovered and reported as INTERNAL so it aborts only
// this stream, never the process (spec §5 failure isolation).
func instrumentUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		entry := log.G(ctx).WithField("method", info.FullMethod)

		defer func() {
			if r := recover(); r != nil {
				entry.WithField("panic", r).Error("cri request handler panicked")
				err = status.Errorf(codes.Internal, "panic handling %s: %v", info.FullMethod, r)
			}
		}()

		resp, err = handler(ctx, req)
		dur := time.Since(start)
		if err != nil {
			mapped := toGRPCStatus(err)
			entry.WithError(mapped).WithField("duration", dur).Debug("cri request failed")
			return nil, mapped
		}
		entry.WithField("duration", dur).Trace("cri request completed")
		return resp, nil
	}
}

// streamPanicRecovery exists so a panic in a streaming RPC (none are
// currently routed through grpc directly; Exec/Attach/PortForward hand off
// a URL instead) still only aborts its own stream rather than the process.
func streamPanicRecovery() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = status.Errorf(codes.Internal, "panic handling %s: %v", info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}
