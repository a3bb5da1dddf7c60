// Copyright © 2020 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resolver maps logical manifest paths (always slash-separated) to
// absolute filesystem paths, with a platform shim for macOS app bundles.
package resolver

import (
	"path/filepath"
	"strings"
)

// Resolver converts logical paths to absolute filesystem paths relative to
// a fixed base directory.
type Resolver struct {
	base string

	// appRoot is set only when base matches the
	// <name>.app/Contents/Resources/autorun pattern. It holds the absolute
	// path of <name>.app.
	appRoot string
}

// New constructs a Resolver rooted at base. If base matches
// <name>.app/Contents/Resources/autorun, logical paths whose first segment
// ends in ".app" are redirected under that app bundle instead of base.
func New(base string) *Resolver {
	absBase, err := filepath.Abs(base)
	if err != nil {
		absBase = base
	}

	r := &Resolver{base: absBase}

	parts := strings.Split(filepath.ToSlash(absBase), "/")
	if len(parts) >= 4 &&
		parts[len(parts)-1] == "autorun" &&
		parts[len(parts)-2] == "Resources" &&
		parts[len(parts)-3] == "Contents" &&
		strings.HasSuffix(parts[len(parts)-4], ".app") {
		r.appRoot = strings.Join(parts[:len(parts)-3], "/")
	}

	return r
}

// Base returns the resolver's base directory.
func (r *Resolver) Base() string {
	return r.base
}

// Resolve converts a slash-separated logical path into an absolute
// filesystem path.
func (r *Resolver) Resolve(logical string) string {
	if r.appRoot != "" {
		if first, rest, ok := strings.Cut(logical, "/"); ok && strings.HasSuffix(first, ".app") {
			return filepath.Join(r.appRoot, filepath.FromSlash(rest))
		} else if !ok && strings.HasSuffix(first, ".app") {
			return r.appRoot
		}
	}

	return filepath.Join(r.base, filepath.FromSlash(logical))
}
