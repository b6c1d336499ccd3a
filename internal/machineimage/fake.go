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

package machineimage

import (
	"context"
	"sync"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// Fake is an in-memory Adapter for Image Puller / Lifecycle Engine tests.
type Fake struct {
	mu       sync.Mutex
	images   map[string]Image
	poolPath string
}

// NewFake returns an empty Fake pool.
func NewFake(poolPath string) *Fake {
	return &Fake{images: make(map[string]Image), poolPath: poolPath}
}

func (f *Fake) List(ctx context.Context) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Image, 0, len(f.images))
	for _, img := range f.images {
		out = append(out, img)
	}
	return out, nil
}

func (f *Fake) Get(ctx context.Context, name string) (Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[name]
	if !ok {
		return Image{}, cri.ErrNotFound
	}
	return img, nil
}

func (f *Fake) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, name)
	return nil
}

func (f *Fake) Clone(ctx context.Context, src, dst string, readOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[src]
	if !ok {
		return cri.ErrNotFound
	}
	img.Name = dst
	img.ReadOnly = readOnly
	f.images[dst] = img
	return nil
}

func (f *Fake) ImportFS(ctx context.Context, dir string, name string, force, readOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[name]; ok && !force {
		return cri.ErrAlreadyExists
	}
	f.images[name] = Image{Name: name, Type: TypeDirectory, ReadOnly: readOnly}
	return nil
}

func (f *Fake) GetPoolPath() string { return f.poolPath }

func (f *Fake) MarkReadOnly(ctx context.Context, name string, flag bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[name]
	if !ok {
		return cri.ErrNotFound
	}
	img.ReadOnly = flag
	f.images[name] = img
	return nil
}
