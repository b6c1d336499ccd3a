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

// Package store implements the State Store (spec §4.1): a durable key-value
// map of PodSandbox and Container records plus the pod→containers secondary
// index, backed by go.etcd.io/bbolt. Records are serialized as JSON, which
// is self-describing and tolerates unknown/missing fields without a
// migration step.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

var (
	bucketPods          = []byte("pods")
	bucketContainers    = []byte("containers")
	bucketPodContainers = []byte("pod_containers")
)

// Store is the embedded key-value store described in spec §4.1. Safe for
// concurrent readers; the Lifecycle Engine is the sole writer and serializes
// writes itself (§5), so Store does not add its own write lock beyond what
// bbolt's single-writer-transaction model already guarantees.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures the
// top-level buckets exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cri.NewDependencyError("StoreError", fmt.Errorf("create state dir %q: %w", dir, err))
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, cri.NewDependencyError("StoreError", fmt.Errorf("open state db %q: %w", path, err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPods, bucketContainers, bucketPodContainers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, cri.NewDependencyError("StoreError", fmt.Errorf("initialize buckets: %w", err))
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePod persists a PodSandbox record. Writes are durable on return (bbolt
// commits fsync the data file by default).
func (s *Store) SavePod(p *cri.PodSandbox) error {
	data, err := json.Marshal(p)
	if err != nil {
		return cri.NewDependencyError("StoreError", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPods).Put([]byte(p.ID), data)
	})
	if err != nil {
		return cri.NewDependencyError("StoreError", err)
	}
	return nil
}

// GetPod loads a PodSandbox record by id, or cri.ErrNotFound.
func (s *Store) GetPod(id string) (*cri.PodSandbox, error) {
	var p cri.PodSandbox
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPods).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &p)
	})
	if err != nil {
		return nil, cri.NewDependencyError("StoreError", err)
	}
	if !found {
		return nil, fmt.Errorf("pod %q: %w", id, cri.ErrNotFound)
	}
	return &p, nil
}

// DeletePod removes a PodSandbox record. Deleting an absent record is not an
// error at this layer; callers enforce NotFound semantics where the spec
// requires it.
func (s *Store) DeletePod(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPods).Delete([]byte(id))
	})
	if err != nil {
		return cri.NewDependencyError("StoreError", err)
	}
	return nil
}

// ListPods returns every persisted PodSandbox record.
func (s *Store) ListPods() ([]*cri.PodSandbox, error) {
	var out []*cri.PodSandbox
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPods).ForEach(func(k, v []byte) error {
			p := &cri.PodSandbox{}
			if err := json.Unmarshal(v, p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, cri.NewDependencyError("StoreError", err)
	}
	return out, nil
}

// SaveContainer persists a Container record and its pod_containers index
// entry transactionally (spec §3 secondary index invariant).
func (s *Store) SaveContainer(c *cri.Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return cri.NewDependencyError("StoreError", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketContainers).Put([]byte(c.ID), data); err != nil {
			return err
		}
		idx, err := tx.Bucket(bucketPodContainers).CreateBucketIfNotExists([]byte(c.PodSandboxID))
		if err != nil {
			return err
		}
		return idx.Put([]byte(c.ID), []byte{})
	})
	if err != nil {
		return cri.NewDependencyError("StoreError", err)
	}
	return nil
}

// GetContainer loads a Container record by id, or cri.ErrNotFound.
func (s *Store) GetContainer(id string) (*cri.Container, error) {
	var c cri.Container
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketContainers).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, cri.NewDependencyError("StoreError", err)
	}
	if !found {
		return nil, fmt.Errorf("container %q: %w", id, cri.ErrNotFound)
	}
	return &c, nil
}

// DeleteContainer removes a Container record and its pod_containers index
// entry transactionally.
func (s *Store) DeleteContainer(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketContainers).Get([]byte(id))
		if v == nil {
			return nil
		}
		var c cri.Container
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if err := tx.Bucket(bucketContainers).Delete([]byte(id)); err != nil {
			return err
		}
		if idx := tx.Bucket(bucketPodContainers).Bucket([]byte(c.PodSandboxID)); idx != nil {
			return idx.Delete([]byte(id))
		}
		return nil
	})
	if err != nil {
		return cri.NewDependencyError("StoreError", err)
	}
	return nil
}

// ListContainers returns every persisted Container record.
func (s *Store) ListContainers() ([]*cri.Container, error) {
	var out []*cri.Container
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			c := &cri.Container{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, cri.NewDependencyError("StoreError", err)
	}
	return out, nil
}

// ListContainersForPod enumerates container ids for a pod via the secondary
// index, without a full scan of the containers bucket.
func (s *Store) ListContainersForPod(podID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketPodContainers).Bucket([]byte(podID))
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, cri.NewDependencyError("StoreError", err)
	}
	return ids, nil
}
