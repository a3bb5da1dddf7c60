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

// Package delta invokes the external zsync-like delta tool to reconstruct a
// module's target archive from one or more seed archives plus a download,
// streams its progress, and verifies the result against a published digest.
package delta

import (
	"bufio"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/clearlinux/autoupdate/helpers"
	"github.com/clearlinux/autoupdate/log"
	"github.com/clearlinux/autoupdate/updateerr"
)

// cancelPollInterval is how often a background goroutine polls CancelFunc
// while the delta tool's output is otherwise idle (e.g. stalled mid
// transfer), so cancellation isn't gated on the tool producing another
// line.
const cancelPollInterval = 100 * time.Millisecond

// Options configures one invocation of the delta tool for a single module.
type Options struct {
	// ZsyncPath is the path to the zsync (or compatible) binary.
	ZsyncPath string
	// OutputPath is where the tool writes the reconstructed archive
	// (<module>.update.new).
	OutputPath string
	// ControlFile is the .zsync control file path (<module>.zsync).
	ControlFile string
	// Seeds is every seed archive to offer the tool via repeated -i flags.
	// Each module's own seed archive appears exactly once.
	Seeds []string
	// TargetURL is the module's archive URL, already resolved against the
	// manifest URL.
	TargetURL string
	// Digest is the expected hex SHA-256 of OutputPath once downloaded.
	Digest string
}

// CancelFunc reports whether cancellation has been requested. It is polled
// on a timer independent of the tool's output, so a stalled transfer can
// still be cancelled.
type CancelFunc func() bool

// ProgressFunc reports the normalized progress fraction, or nil when there
// is none (before the first PROGRESS line, or after an ENDPROGRESS reset).
type ProgressFunc func(*float64)

// Download runs the delta tool per opts, streams its output, and verifies
// the resulting archive's digest. On cancellation the subprocess is killed,
// its exit is awaited, and an updateerr.Cancelled error is returned.
func Download(opts Options, progress ProgressFunc, cancelled CancelFunc) error {
	args := []string{"-o", opts.OutputPath, "-k", opts.ControlFile}
	for _, seed := range opts.Seeds {
		args = append(args, "-i", seed)
	}
	args = append(args, opts.TargetURL)

	cmd := exec.Command(opts.ZsyncPath, args...) //nolint:gosec

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err = cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return updateerr.Wrap(updateerr.DownloadFailed, err, "couldn't start the delta tool")
	}
	// The parent's copy of the write end must be closed so EOF is seen once
	// the child (the only other holder) exits.
	_ = pw.Close()

	var normalizer ProgressNormalizer
	var killed int32

	done := make(chan struct{})
	if cancelled != nil {
		go func() {
			ticker := time.NewTicker(cancelPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if cancelled() {
						atomic.StoreInt32(&killed, 1)
						_ = cmd.Process.Kill()
						return
					}
				}
			}
		}()
	}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if normalizer.Line(line) {
			if progress != nil {
				progress(normalizer.Progress())
			}
		} else {
			log.Verbose(log.Delta, "%s", line)
		}
	}
	_ = pr.Close()
	close(done)

	waitErr := cmd.Wait()

	if atomic.LoadInt32(&killed) == 1 || (cancelled != nil && cancelled()) {
		return updateerr.New(updateerr.Cancelled, "update cancelled while downloading")
	}

	if _, statErr := os.Stat(opts.OutputPath); statErr != nil {
		return updateerr.Wrap(updateerr.DownloadFailed, firstNonNil(statErr, waitErr),
			"the update file was not downloaded")
	}

	sum, err := helpers.HashFileSHA256(opts.OutputPath)
	if err != nil {
		return updateerr.Wrap(updateerr.DigestMismatch, err, "couldn't verify the downloaded update file")
	}
	if sum != opts.Digest {
		return updateerr.New(updateerr.DigestMismatch,
			"the update file does not have the correct digest - it may have been corrupted")
	}

	return nil
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
