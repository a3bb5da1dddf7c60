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

// Package archive rebuilds a canonical tar archive of a module's currently
// installed files, used to seed the delta downloader. Canonicalization is
// mandatory: any metadata drift between this archive and the one the
// server canonicalized reduces the delta tool's hit rate.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/clearlinux/autoupdate/internal/stringset"
	"github.com/clearlinux/autoupdate/manifest"
	"github.com/clearlinux/autoupdate/resolver"
	"github.com/clearlinux/autoupdate/updateerr"
)

// Canonical metadata baked into every archive entry. The exact constant
// values don't matter, as long as they match what the server used when it
// canonicalized the target archive it will be diffed against.
const (
	ownerUID  = 1000
	ownerGID  = 1000
	ownerName = "autoupdate"
	groupName = "autoupdate"

	modeDirOrXbit = 0777
	modePlainFile = 0666
)

// epoch is the canonical mtime baked into every entry, regardless of the
// real file's modification time.
var epoch = time.Unix(0, 0)

// ProgressFunc reports fractional progress in [0, 1].
type ProgressFunc func(fraction float64)

// CancelFunc reports whether cancellation has been requested. It is polled
// at the start of each iteration.
type CancelFunc func() bool

// Build writes the canonical seed archive for entry to archivePath, resolving
// logical paths through r. Beyond entry's own files and directories, the
// archive includes the logical directory "update" and the logical file
// "update/current.json" (the on-disk installed snapshot, which the server
// may choose to replace), so the seed matches the structure the target
// archive is canonicalized against. Like any other file, update/current.json
// is left out when it is missing on disk.
//
// progress is called with i/total as each entry i is reached, before it is
// written; cancelled is polled at the top of each iteration and, if true,
// Build returns an updateerr.Cancelled error without finishing the archive.
func Build(r *resolver.Resolver, entry manifest.ModuleEntry, archivePath string, progress ProgressFunc, cancelled CancelFunc) error {
	directories := entry.DirectorySet()
	xbits := entry.XbitSet()

	all := stringset.Union(entry.FileSet(), directories)
	names := all.Sort()

	names = append(names, "update")
	directories.Add("update")
	names = append(names, "update/current.json")

	out, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "couldn't create seed archive %s", archivePath)
	}
	defer func() {
		_ = out.Close()
	}()

	tw := tar.NewWriter(out)

	total := len(names)
	for i, name := range names {
		if cancelled != nil && cancelled() {
			return updateerr.New(updateerr.Cancelled, "update cancelled while preparing seed archive")
		}

		if progress != nil {
			progress(float64(i) / float64(total))
		}

		isDir := directories.Contains(name)
		isXbit := xbits.Contains(name)
		path := r.Resolve(name)

		if isDir {
			if err = writeDirEntry(tw, name); err != nil {
				return err
			}
			continue
		}

		info, statErr := os.Lstat(path)
		if statErr != nil {
			// Installs may be partially missing; tolerate it.
			continue
		}
		if !info.Mode().IsRegular() {
			// Symlinks, devices, etc. are not archived.
			continue
		}

		if err = writeFileEntry(tw, path, name, isXbit); err != nil {
			return err
		}
	}

	if err = tw.Close(); err != nil {
		return err
	}
	return out.Close()
}

func canonicalHeader(name string, typeflag byte, size int64, mode int64) *tar.Header {
	return &tar.Header{
		Name:     name,
		Typeflag: typeflag,
		Size:     size,
		Mode:     mode,
		Uid:      ownerUID,
		Gid:      ownerGID,
		Uname:    ownerName,
		Gname:    groupName,
		ModTime:  epoch,
	}
}

func writeDirEntry(tw *tar.Writer, name string) error {
	return tw.WriteHeader(canonicalHeader(name, tar.TypeDir, 0, modeDirOrXbit))
}

func writeFileEntry(tw *tar.Writer, path, name string, xbit bool) error {
	mode := int64(modePlainFile)
	if xbit {
		mode = modeDirOrXbit
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if err = tw.WriteHeader(canonicalHeader(name, tar.TypeReg, info.Size(), mode)); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	_, err = io.Copy(tw, f)
	return err
}
