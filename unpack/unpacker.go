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

// Package unpack streams a module's verified delta archive onto disk,
// writing regular files under ".new" sidecars and recording the moves the
// finalizer must still perform. Once started, unpacking always runs to
// completion; there is no cancellation point inside it.
package unpack

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/clearlinux/autoupdate/manifest"
	"github.com/clearlinux/autoupdate/resolver"
	"github.com/clearlinux/autoupdate/updateerr"
)

const (
	updateDirEntry      = "update"
	currentJSONEntry    = "update/current.json"
	worldExecuteBitMask = 0001
)

// ProgressFunc reports fractional progress in [0, 1].
type ProgressFunc func(fraction float64)

// Result is everything the finalizer needs once a module has been unpacked.
type Result struct {
	// Snapshot is the module's authoritative post-upgrade entry, read out
	// of the archive's embedded update/current.json.
	Snapshot manifest.ModuleEntry
	// PendingMoves are resolved destination paths; a ".new" sidecar with
	// that name plus ".new" exists and is waiting to be renamed into place.
	PendingMoves []string
}

// Unpack streams every entry of archivePath, materializing directories
// immediately and regular files as "<path>.new" sidecars alongside their
// destination. progress is called once per entry with i/total, where total
// is obtained from an initial pass over the archive.
func Unpack(r *resolver.Resolver, module, archivePath string, progress ProgressFunc) (Result, error) {
	total, err := countEntries(archivePath)
	if err != nil {
		return Result{}, errors.Wrapf(err, "couldn't read %s", archivePath)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	var result Result
	var sawSnapshot bool

	tr := tar.NewReader(f)
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't read archive entry")
		}

		if progress != nil && total > 0 {
			progress(float64(i) / float64(total))
		}

		switch {
		case hdr.Name == updateDirEntry:
			continue

		case hdr.Name == currentJSONEntry:
			entry, err := extractModuleSnapshot(tr, module)
			if err != nil {
				return Result{}, err
			}
			result.Snapshot = entry
			sawSnapshot = true

		case hdr.Typeflag == tar.TypeDir:
			path := r.Resolve(hdr.Name)
			if err := os.MkdirAll(path, 0777); err != nil {
				return Result{}, updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't create directory "+hdr.Name)
			}

		case hdr.Typeflag == tar.TypeReg:
			path := r.Resolve(hdr.Name)
			if err := writeSidecar(tr, path, hdr); err != nil {
				return Result{}, err
			}
			result.PendingMoves = append(result.PendingMoves, path)

		default:
			return Result{}, updateerr.New(updateerr.ArchiveMalformed,
				"unknown entry type for "+hdr.Name)
		}
	}

	if !sawSnapshot {
		return Result{}, updateerr.New(updateerr.ArchiveMalformed,
			"archive is missing its update/current.json entry")
	}

	return result, nil
}

// countEntries does a first pass over the archive purely to determine the
// total entry count used to report progress.
func countEntries(archivePath string) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	count := 0
	tr := tar.NewReader(f)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

func extractModuleSnapshot(r io.Reader, module string) (manifest.ModuleEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return manifest.ModuleEntry{}, updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't read update/current.json")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return manifest.ModuleEntry{}, updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't parse update/current.json")
	}

	body, ok := raw[module]
	if !ok {
		return manifest.ModuleEntry{}, updateerr.New(updateerr.ArchiveMalformed,
			"update/current.json has no entry for module "+module)
	}

	var entry manifest.ModuleEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return manifest.ModuleEntry{}, updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't parse snapshot for module "+module)
	}
	return entry, nil
}

// writeSidecar streams a regular file entry to "<path>.new". The sidecar's
// creation mode carries the world-execute bit from the archive if present;
// the umask applies exactly as it would to any other file creation.
func writeSidecar(r io.Reader, path string, hdr *tar.Header) error {
	mode := os.FileMode(0666)
	if hdr.Mode&worldExecuteBitMask != 0 {
		mode = 0777
	}

	out, err := os.OpenFile(path+".new", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't create "+path+".new")
	}
	defer func() {
		_ = out.Close()
	}()

	if _, err := io.Copy(out, r); err != nil {
		return updateerr.Wrap(updateerr.ArchiveMalformed, err, "couldn't write "+path+".new")
	}
	return nil
}
