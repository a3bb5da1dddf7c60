// Copyright © 2017 Intel Corporation
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

// Package helpers collects small filesystem/network utilities used by the
// manifest fetcher and the delta downloader.
package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
)

// httpClient is used for every download. SetHTTPTimeout overrides its
// zero-value default of no timeout.
var httpClient = &http.Client{}

// SetHTTPTimeout bounds every subsequent DownloadFile call to timeout. A
// non-positive value restores the default of no timeout.
func SetHTTPTimeout(timeout time.Duration) {
	if timeout <= 0 {
		httpClient = &http.Client{}
		return
	}
	httpClient = &http.Client{Timeout: timeout}
}

func getDownloadFileReader(url string) (io.ReadCloser, error) {
	resp, err := httpClient.Get(url) //nolint:gosec,noctx
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("got status %q when downloading: %s", resp.Status, url)
	}

	return resp.Body, nil
}

// DownloadFile downloads a file from url and writes it to filePath. The
// write is atomic: the body is streamed to a temporary sibling file first,
// which is renamed onto filePath only after the transfer succeeds, so a
// reader never observes a partially-written file at filePath.
func DownloadFile(url string, filePath string) (err error) {
	body, err := getDownloadFileReader(url)
	if err != nil {
		return errors.Wrap(err, "failed to download file")
	}
	defer func() {
		_ = body.Close()
	}()

	tempPath := filePath + ".downloading"
	out, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "couldn't open temporary file to write downloaded contents")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err = io.Copy(out, body); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "couldn't download %q", url)
	}

	if err = out.Close(); err != nil {
		return err
	}

	return os.Rename(tempPath, filePath)
}

// WriteFileAtomic writes data to path atomically: it writes to a temporary
// sibling file and renames it onto path, so a crash mid-write never leaves a
// truncated file at path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tempPath := path + ".new"
	out, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrap(err, "couldn't open temporary file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err = out.Write(data); err != nil {
		_ = out.Close()
		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// HashFileSHA256 computes the hex-encoded SHA-256 digest of the file at
// path, reading it in fixed-size chunks rather than loading it whole.
func HashFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	buf := make([]byte, 1024*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
