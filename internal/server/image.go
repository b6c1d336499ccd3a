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
	"fmt"

	"github.com/containerd/errdefs"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/ananthb/systemd-cri-sub000/internal/imagepull"
	"github.com/ananthb/systemd-cri-sub000/internal/imageref"
	"github.com/ananthb/systemd-cri-sub000/internal/machineimage"
)

// imageService implements runtimeapi.ImageServiceServer over the machine
// image pool and the Image Puller (spec §4.5, §4.9).
type imageService struct {
	runtimeapi.UnimplementedImageServiceServer

	pool   machineimage.Adapter
	puller *imagepull.Puller
}

func newImageService(pool machineimage.Adapter, puller *imagepull.Puller) *imageService {
	return &imageService{pool: pool, puller: puller}
}

func (s *imageService) ListImages(ctx context.Context, req *runtimeapi.ListImagesRequest) (*runtimeapi.ListImagesResponse, error) {
	images, err := s.pool.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*runtimeapi.Image, 0, len(images))
	for _, img := range images {
		out = append(out, imageToWire(img, ""))
	}
	return &runtimeapi.ListImagesResponse{Images: out}, nil
}

func (s *imageService) ImageStatus(ctx context.Context, req *runtimeapi.ImageStatusRequest) (*runtimeapi.ImageStatusResponse, error) {
	name, err := machineNameFromSpec(req.GetImage())
	if err != nil {
		return nil, err
	}
	img, err := s.pool.Get(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &runtimeapi.ImageStatusResponse{}, nil
		}
		return nil, err
	}
	return &runtimeapi.ImageStatusResponse{Image: imageToWire(img, req.GetImage().GetImage())}, nil
}

func (s *imageService) PullImage(ctx context.Context, req *runtimeapi.PullImageRequest) (*runtimeapi.PullImageResponse, error) {
	name, err := s.puller.Pull(ctx, req.GetImage().GetImage())
	if err != nil {
		return nil, err
	}
	return &runtimeapi.PullImageResponse{ImageRef: name}, nil
}

func (s *imageService) RemoveImage(ctx context.Context, req *runtimeapi.RemoveImageRequest) (*runtimeapi.RemoveImageResponse, error) {
	name, err := machineNameFromSpec(req.GetImage())
	if err != nil {
		return nil, err
	}
	if err := s.pool.Remove(ctx, name); err != nil {
		return nil, err
	}
	return &runtimeapi.RemoveImageResponse{}, nil
}

// ImageFsInfo is routed (spec §4.9) but has no backing implementation: the
// machine image pool's backing filesystem usage is queryable only through
// systemd-importd/machined APIs this daemon does not expose (Non-goal:
// stats collection).
func (s *imageService) ImageFsInfo(ctx context.Context, req *runtimeapi.ImageFsInfoRequest) (*runtimeapi.ImageFsInfoResponse, error) {
	return nil, unimplemented("ImageFsInfo", "filesystem usage stats are out of scope")
}

func machineNameFromSpec(spec *runtimeapi.ImageSpec) (string, error) {
	ref, err := imageref.Parse(spec.GetImage())
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", spec.GetImage(), err)
	}
	return ref.MachineName(), nil
}
