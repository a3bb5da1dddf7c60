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

// Package state loads and persists the installed-manifest snapshot kept in
// the update directory.
package state

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/clearlinux/autoupdate/manifest"
	"github.com/clearlinux/autoupdate/updateerr"
)

// Store reads and writes the installed snapshot file in an update directory.
type Store struct {
	updateDir string
}

// New returns a Store rooted at updateDir (normally "<base>/update").
func New(updateDir string) *Store {
	return &Store{updateDir: updateDir}
}

func (s *Store) path() string {
	return filepath.Join(s.updateDir, "current.json")
}

// Load reads the installed snapshot. It fails with updateerr.MissingSnapshot
// if the snapshot file is absent or unreadable, meaning the tree either
// doesn't support updating or had its status file deleted.
func (s *Store) Load() (manifest.Snapshot, error) {
	data, err := ioutil.ReadFile(s.path())
	if err != nil {
		return nil, updateerr.Wrap(updateerr.MissingSnapshot, err,
			"either this project does not support updating, or the update status file was deleted")
	}

	var snap manifest.Snapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, updateerr.Wrap(updateerr.MissingSnapshot, err, "the update status file is corrupted")
	}

	return snap, nil
}

// Save writes newState as the new installed snapshot, replacing the
// previous one. The write goes through a temporary file and an atomic
// rename, so a crash mid-write never leaves current.json truncated.
func (s *Store) Save(newState manifest.Snapshot) error {
	data, err := json.Marshal(newState)
	if err != nil {
		return err
	}

	tempPath := s.path() + ".new"
	if err = ioutil.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, s.path())
}

// TestWrite verifies the update directory is writable, as required before
// any update work begins. It returns updateerr.PermissionDenied on failure.
func (s *Store) TestWrite() error {
	fn := filepath.Join(s.updateDir, "test.txt")

	if err := ioutil.WriteFile(fn, []byte("Hello, World."), 0644); err != nil {
		return updateerr.Wrap(updateerr.PermissionDenied, err,
			"this account does not have permission to perform an update")
	}

	if err := os.Remove(fn); err != nil {
		return updateerr.Wrap(updateerr.PermissionDenied, err,
			"this account does not have permission to perform an update")
	}
	return nil
}
