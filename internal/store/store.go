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

// Package store persists model versions in an embedded key-value store keyed
// by version id, so the registry's state survives restarts.
package store

import (
	"context"
	"errors"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// ErrNotFound is returned when the requested version id is not in the store.
var ErrNotFound = errors.New("model version not found")

// Interface is the model store contract used by the registry.
type Interface interface {
	// PutVersion persists the version, overwriting any prior state for the
	// same id. Called on propose and on every status transition.
	PutVersion(ctx context.Context, mv core.ModelVersion) error

	// GetVersion retrieves the version with the given id.
	// Returns ErrNotFound when the id has never been persisted.
	GetVersion(ctx context.Context, id core.VersionID) (core.ModelVersion, error)

	// ListVersions returns all persisted versions in ascending id order.
	ListVersions(ctx context.Context) ([]core.ModelVersion, error)

	// DeleteVersion removes the version with the given id.
	DeleteVersion(ctx context.Context, id core.VersionID) error

	// Close releases store resources.
	Close() error
}
