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

package manifest

import (
	"io/ioutil"
	"sort"

	"github.com/clearlinux/autoupdate/helpers"
	"github.com/clearlinux/autoupdate/log"
	"github.com/clearlinux/autoupdate/updateerr"
)

// Fetch downloads the server manifest from url to destPath and parses it.
//
// If the manifest contains a "monkeypatch" field, it is never evaluated in
// any way: a rewrite refuses to honor it, since it would otherwise be an
// unauthenticated remote-code-execution vector. A warning is logged instead.
func Fetch(url, destPath string) (ServerManifest, error) {
	if err := helpers.DownloadFile(url, destPath); err != nil {
		return nil, updateerr.Wrap(updateerr.ManifestUnavailable, err, "couldn't download the update manifest")
	}

	data, err := ioutil.ReadFile(destPath)
	if err != nil {
		return nil, updateerr.Wrap(updateerr.ManifestUnavailable, err, "couldn't read the downloaded update manifest")
	}

	m, hasMonkeypatch, err := UnmarshalServerManifest(data)
	if err != nil {
		return nil, updateerr.Wrap(updateerr.ManifestUnavailable, err, "the update manifest is malformed")
	}

	if hasMonkeypatch {
		log.Warning(log.Manifest, "manifest contains a monkeypatch field; ignoring it")
	}

	return m, nil
}

// StaleModules computes the stale set per the spec's check_versions rule:
// a module is stale if it is present in both installed and server, and
// either its version differs or force is set.
func StaleModules(installed Snapshot, server ServerManifest, force bool) []string {
	var stale []string
	for name, installedEntry := range installed {
		serverEntry, ok := server[name]
		if !ok {
			continue
		}
		if installedEntry.Version != serverEntry.Version || force {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}
