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

package initsystem

import (
	"context"
	"sync"
)

// Fake is an in-memory Client used by Lifecycle Engine unit tests.
type Fake struct {
	mu    sync.Mutex
	units map[string]*fakeUnit
}

type fakeUnit struct {
	state ActiveState
	pid   uint32
	hasPID bool
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{units: make(map[string]*fakeUnit)}
}

func (f *Fake) StartTransientUnit(ctx context.Context, spec UnitSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[spec.Name]; ok && u.state == StateActive && spec.Mode == "fail" {
		return ErrAlreadyStarted
	}
	f.units[spec.Name] = &fakeUnit{state: StateActive, pid: 1, hasPID: true}
	return nil
}

func (f *Fake) StopUnit(ctx context.Context, name, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok {
		return nil
	}
	u.state = StateInactive
	u.hasPID = false
	return nil
}

func (f *Fake) KillUnit(ctx context.Context, name string, signal int32) error {
	return f.StopUnit(ctx, name, "replace")
}

func (f *Fake) ResetFailed(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, name)
	return nil
}

func (f *Fake) GetUnitActiveState(ctx context.Context, name string) (ActiveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok {
		return "", ErrUnitNotFound
	}
	return u.state, nil
}

func (f *Fake) GetServiceMainPID(ctx context.Context, name string) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok {
		return 0, false, ErrUnitNotFound
	}
	return u.pid, u.hasPID, nil
}

func (f *Fake) Close() {}

// SetExternallyTerminated simulates the unit having been stopped outside the
// engine's control, for reconciliation tests (spec §8 property 5).
func (f *Fake) SetExternallyTerminated(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[name]; ok {
		u.state = StateFailed
		u.hasPID = false
	}
}

// ErrAlreadyStarted is returned by the Fake when mode "fail" collides with
// an already-active unit of the same name.
var ErrAlreadyStarted = &collisionError{}

type collisionError struct{}

func (*collisionError) Error() string { return "unit already started" }
