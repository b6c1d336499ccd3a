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

package lifecycle

import "github.com/moby/locker"

// lockTable hands out one named lock per key, so operations on distinct
// pods (or distinct containers) never block each other while operations on
// the same one are linearized (spec §5). It is a thin wrapper over
// moby/locker, the teacher's own dependency for exactly this concern
// (reference-counted named locks, evicted from the table once unheld,
// rather than a map of mutexes that never shrinks).
type lockTable struct {
	l *locker.Locker
}

func newLockTable() *lockTable {
	return &lockTable{l: locker.New()}
}

// Lock blocks until key's lock is held and returns the function that
// releases it.
func (t *lockTable) Lock(key string) func() {
	t.l.Lock(key)
	return func() { t.l.Unlock(key) }
}
