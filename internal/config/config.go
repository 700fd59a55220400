// Copyright (C) 2024 Hammersbald, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config reads the optional on-disk YAML tuning file shared
// by cmd/hbstat and cmd/hbload, decoded with sigs.k8s.io/yaml the way operator-registry's
// alpha/template/semver/semver.go decodes its own YAML-shaped configs
// (UnmarshalStrict over JSON-tagged structs, since sigs.k8s.io/yaml
// round-trips YAML through the stdlib's encoding/json rules).
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Tuning is the batch-tuning knobs an operator may override from a
// YAML file instead of repeating flags on every invocation.
type Tuning struct {
	BucketFillTarget int   `json:"bucket_fill_target,omitempty"`
	ChunkSize        int64 `json:"chunk_size,omitempty"`
	CachePages       int   `json:"cache_pages,omitempty"`
}

// Load reads and strictly decodes the YAML tuning file at path. An
// empty path is not an error: it returns the zero Tuning, letting
// callers fall back to their own flag defaults.
func Load(path string) (Tuning, error) {
	var t Tuning
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return t, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return t, nil
}
