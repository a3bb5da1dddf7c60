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

// Package finalize performs the atomic swap of unpacked ".new" files into
// place, deletes files and directories that no longer belong to any
// installed module, and commits the new state snapshot.
package finalize

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"github.com/clearlinux/autoupdate/internal/stringset"
	"github.com/clearlinux/autoupdate/log"
	"github.com/clearlinux/autoupdate/manifest"
	"github.com/clearlinux/autoupdate/resolver"
	"github.com/clearlinux/autoupdate/state"
)

// MoveFiles renames every "<path>.new" sidecar in pendingMoves onto path,
// replacing an existing destination. On POSIX the rename replaces the
// destination atomically, as a same-directory, same-filesystem rename
// because every sidecar is written adjacent to its destination; on Windows,
// where renaming onto an existing file fails, it falls back to
// delete-then-rename.
func MoveFiles(pendingMoves []string) error {
	for _, path := range pendingMoves {
		if err := movePendingFile(path); err != nil {
			return errors.Wrapf(err, "couldn't move %s into place", path)
		}
	}
	return nil
}

func movePendingFile(path string) error {
	newPath := path + ".new"

	if runtime.GOOS == "windows" {
		// os.Rename refuses to overwrite an existing file on Windows, so
		// the atomic POSIX rename-over has no equivalent here.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return os.Rename(newPath, path)
}

// ObsoletePaths computes what currentState has that newState no longer
// claims, resolved to on-disk paths through r. Files are listed before
// directories, and directories are reverse-sorted so that children are
// removed before their parents.
func ObsoletePaths(r *resolver.Resolver, currentState, newState manifest.Snapshot) (files, directories []string) {
	oldFiles, oldDirs := unionAcross(currentState)
	newFiles, newDirs := unionAcross(newState)

	obsoleteFiles := oldFiles.Difference(newFiles)
	obsoleteDirs := oldDirs.Difference(newDirs)

	files = resolveAll(r, obsoleteFiles.Sort())

	dirNames := obsoleteDirs.Sort()
	directories = make([]string, len(dirNames))
	for i, name := range dirNames {
		directories[len(dirNames)-1-i] = r.Resolve(name)
	}

	return files, directories
}

func unionAcross(snapshot manifest.Snapshot) (files, directories stringset.Set) {
	fileSets := make([]stringset.Set, 0, len(snapshot))
	dirSets := make([]stringset.Set, 0, len(snapshot))
	for _, entry := range snapshot {
		fileSets = append(fileSets, entry.FileSet())
		dirSets = append(dirSets, entry.DirectorySet())
	}
	return stringset.Union(fileSets...), stringset.Union(dirSets...)
}

func resolveAll(r *resolver.Resolver, names []string) []string {
	resolved := make([]string, len(names))
	for i, name := range names {
		resolved[i] = r.Resolve(name)
	}
	return resolved
}

// DeleteObsolete removes files and directories that Finalize has already
// determined no module claims anymore. Every failure is logged and
// ignored: a directory may be non-empty because it holds user data the
// update should not touch.
func DeleteObsolete(files, directories []string) {
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warning(log.Finalize, "couldn't remove obsolete file %s: %s", path, err)
		}
	}
	for _, path := range directories {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warning(log.Finalize, "couldn't remove obsolete directory %s: %s", path, err)
		}
	}
}

// CleanTransient removes the per-module scratch files that have no further
// use once a module has finished unpacking: "<module>.update.new" and
// "<module>.zsync". Failures are logged and ignored.
func CleanTransient(r *resolver.Resolver, updateDir, module string) {
	for _, suffix := range []string{".update.new", ".zsync"} {
		path := filepath.Join(updateDir, module+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warning(log.Finalize, "couldn't clean up %s: %s", path, err)
		}
	}
}

// CleanSeed removes "<module>.update", the seed archive built for module.
// The controller calls this on every exit path, successful or not.
func CleanSeed(updateDir, module string) {
	path := filepath.Join(updateDir, module+".update")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warning(log.Finalize, "couldn't clean up seed archive %s: %s", path, err)
	}
}

// Finalize runs the full finalization sequence: move pending files into
// place, delete obsolete paths, and persist newState as the installed
// snapshot.
func Finalize(r *resolver.Resolver, store *state.Store, pendingMoves []string, currentState, newState manifest.Snapshot) error {
	if err := MoveFiles(pendingMoves); err != nil {
		return err
	}

	obsoleteFiles, obsoleteDirs := ObsoletePaths(r, currentState, newState)
	DeleteObsolete(obsoleteFiles, obsoleteDirs)

	return store.Save(newState)
}
