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

// Package manifest defines the data model shared by the server manifest and
// the installed snapshot, and knows how to fetch and parse the former.
package manifest

import (
	"encoding/json"

	"github.com/clearlinux/autoupdate/internal/stringset"
)

// ModuleEntry describes one named module, either as published by the server
// manifest (with Digest/URL set) or as recorded in the installed snapshot
// (Digest/URL empty and omitted from JSON).
type ModuleEntry struct {
	Version     string   `json:"version"`
	Files       []string `json:"files"`
	Directories []string `json:"directories"`
	Xbit        []string `json:"xbit"`
	Digest      string   `json:"digest,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// FileSet returns the module's files as a set, for union/difference operations.
func (e ModuleEntry) FileSet() stringset.Set {
	return stringset.New(e.Files...)
}

// DirectorySet returns the module's directories as a set.
func (e ModuleEntry) DirectorySet() stringset.Set {
	return stringset.New(e.Directories...)
}

// XbitSet returns the module's executable-marked logical paths as a set.
func (e ModuleEntry) XbitSet() stringset.Set {
	return stringset.New(e.Xbit...)
}

// ServerManifest is the mapping from module name to its published entry, as
// served at the manifest URL.
type ServerManifest map[string]ModuleEntry

// Snapshot is the mapping from module name to its installed entry, the shape
// persisted as the local current.json.
type Snapshot map[string]ModuleEntry

// Clone returns a deep-enough copy of the snapshot suitable for mutating
// per-module during an update session without disturbing the original.
func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for name, entry := range s {
		c[name] = entry
	}
	return c
}

// UnmarshalServerManifest parses the raw JSON manifest body. If the payload
// carries a top-level "monkeypatch" field, it is reported via hasMonkeypatch
// so the caller can log a warning; the field's value is never decoded,
// interpreted, or executed in any way.
func UnmarshalServerManifest(data []byte) (manifest ServerManifest, hasMonkeypatch bool, err error) {
	var raw map[string]json.RawMessage
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}

	if _, ok := raw["monkeypatch"]; ok {
		hasMonkeypatch = true
		delete(raw, "monkeypatch")
	}

	manifest = make(ServerManifest, len(raw))
	for name, body := range raw {
		var entry ModuleEntry
		if err = json.Unmarshal(body, &entry); err != nil {
			return nil, hasMonkeypatch, err
		}
		manifest[name] = entry
	}

	return manifest, hasMonkeypatch, nil
}
