/*
Copyright 2025 The prediction-core Authors

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

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// versionKeyPrefix namespaces model version records. The id is rendered
// zero-padded so lexicographic iteration order matches numeric id order.
const versionKeyPrefix = "model:"

// BadgerStore persists model versions in BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open model store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func versionKey(id core.VersionID) []byte {
	return []byte(fmt.Sprintf("%s%020d", versionKeyPrefix, id))
}

// PutVersion stores the JSON-encoded version under its id key.
func (s *BadgerStore) PutVersion(ctx context.Context, mv core.ModelVersion) error {
	blob, err := json.Marshal(mv)
	if err != nil {
		return fmt.Errorf("encoding version %d: %w", mv.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(versionKey(mv.ID), blob)
	})
}

// GetVersion retrieves the version with the given id.
func (s *BadgerStore) GetVersion(ctx context.Context, id core.VersionID) (core.ModelVersion, error) {
	var mv core.ModelVersion
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &mv)
		})
	})
	if err != nil {
		return core.ModelVersion{}, err
	}
	return mv, nil
}

// ListVersions returns all persisted versions in ascending id order.
func (s *BadgerStore) ListVersions(ctx context.Context) ([]core.ModelVersion, error) {
	var out []core.ModelVersion
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(versionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var mv core.ModelVersion
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &mv)
			})
			if err != nil {
				return err
			}
			out = append(out, mv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteVersion removes the version with the given id.
func (s *BadgerStore) DeleteVersion(ctx context.Context, id core.VersionID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(versionKey(id))
	})
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
