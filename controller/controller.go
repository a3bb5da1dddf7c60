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

// Package controller sequences the Path Resolver, State Store, Manifest
// Fetcher, Archive Builder, Delta Downloader, Unpacker, and Finalizer
// through the update state machine, and exposes the result to a polling UI
// through a mutex-guarded snapshot plus proceed/cancel synchronization.
package controller

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/clearlinux/autoupdate/archive"
	"github.com/clearlinux/autoupdate/delta"
	"github.com/clearlinux/autoupdate/finalize"
	"github.com/clearlinux/autoupdate/log"
	"github.com/clearlinux/autoupdate/manifest"
	"github.com/clearlinux/autoupdate/resolver"
	"github.com/clearlinux/autoupdate/state"
	"github.com/clearlinux/autoupdate/unpack"
	"github.com/clearlinux/autoupdate/updateerr"
)

const defaultDeltaTool = "zsync"

// sourceCheckoutGuardFile is checked at construction; its presence means
// base is a development checkout, not an installed tree, and updating it
// would be destructive.
const sourceCheckoutGuardFile = "run.sh"

// Controller owns one update session's worker. Run executes the state
// machine to completion on the calling goroutine; callers that want to poll
// Snapshot concurrently should run it with "go c.Run()".
type Controller struct {
	manifestURL string
	baseDir     string
	updateDir   string
	force       bool

	deltaToolPath string

	resolver *resolver.Resolver
	store    *state.Store

	stateMu  sync.Mutex
	snapshot Snapshot

	condMu    sync.Mutex
	cond      *sync.Cond
	cancelled bool
	proceeded bool

	modulesToUpdate []string
}

// New constructs a Controller rooted at baseDir. It refuses to proceed if
// baseDir looks like a source checkout rather than an installed tree.
func New(manifestURL, baseDir string, force bool) (*Controller, error) {
	if _, err := os.Stat(filepath.Join(baseDir, sourceCheckoutGuardFile)); err == nil {
		return nil, updateerr.New(updateerr.RefusedSourceCheckout,
			"refusing to update a source checkout")
	}

	updateDir := filepath.Join(baseDir, "update")
	if err := os.MkdirAll(updateDir, 0755); err != nil {
		return nil, updateerr.Wrap(updateerr.PermissionDenied, err, "couldn't create the update directory")
	}

	if _, err := log.SetOutputFilename(filepath.Join(updateDir, "log.txt")); err != nil {
		return nil, updateerr.Wrap(updateerr.PermissionDenied, err, "couldn't open the update log")
	}

	c := &Controller{
		manifestURL:   manifestURL,
		baseDir:       baseDir,
		updateDir:     updateDir,
		force:         force,
		deltaToolPath: defaultDeltaTool,
		resolver:      resolver.New(baseDir),
		store:         state.New(updateDir),
	}
	c.cond = sync.NewCond(&c.condMu)
	c.snapshot = Snapshot{State: StateChecking}
	return c, nil
}

// SetDeltaToolPath overrides the path to the zsync-compatible binary,
// "zsync" on $PATH by default.
func (c *Controller) SetDeltaToolPath(path string) {
	if path != "" {
		c.deltaToolPath = path
	}
}

// Snapshot returns the observable state as of the last worker write.
func (c *Controller) Snapshot() Snapshot {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.snapshot
}

// Proceed advances the worker out of UPDATE_AVAILABLE, or acknowledges a
// terminal state. A call made before the worker reaches UPDATE_AVAILABLE is
// remembered, and the worker then proceeds without waiting.
func (c *Controller) Proceed() {
	c.condMu.Lock()
	c.proceeded = true
	c.condMu.Unlock()
	c.cond.Broadcast()
}

// Cancel requests cancellation. It has no effect unless the current
// snapshot reports CanCancel.
func (c *Controller) Cancel() {
	if !c.Snapshot().CanCancel {
		return
	}
	c.condMu.Lock()
	c.cancelled = true
	c.condMu.Unlock()
	c.cond.Broadcast()
}

func (c *Controller) isCancelled() bool {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	return c.cancelled
}

// waitForDecision blocks until the UI calls Proceed or Cancel.
func (c *Controller) waitForDecision() (proceeded, cancelled bool) {
	c.condMu.Lock()
	defer c.condMu.Unlock()
	for !c.proceeded && !c.cancelled {
		c.cond.Wait()
	}
	return c.proceeded, c.cancelled
}

func (c *Controller) setState(s State, message string, progress *float64, canCancel, canProceed bool) {
	c.stateMu.Lock()
	c.snapshot = Snapshot{State: s, Message: message, Progress: progress, CanCancel: canCancel, CanProceed: canProceed}
	c.stateMu.Unlock()
}

func (c *Controller) setProgress(fraction float64) {
	c.stateMu.Lock()
	c.snapshot.Progress = &fraction
	c.stateMu.Unlock()
}

func (c *Controller) setProgressPtr(fraction *float64) {
	c.stateMu.Lock()
	c.snapshot.Progress = fraction
	c.stateMu.Unlock()
}

func (c *Controller) fail(err error) {
	log.Error(log.Updater, "%s", err)
	if updateerr.IsCancelled(err) {
		c.setState(StateCancelled, "", nil, false, true)
		return
	}
	message := err.Error()
	var ue *updateerr.UpdateError
	if errors.As(err, &ue) {
		message = ue.Message()
	}
	c.setState(StateError, message, nil, false, true)
}

// Run executes CHECKING through to a terminal state. It always cleans up
// per-module seed archives on exit, successful or not.
func (c *Controller) Run() {
	defer c.cleanupSeedArchives()

	c.setState(StateChecking, "", nil, false, false)

	installed, err := c.store.Load()
	if err != nil {
		c.fail(err)
		return
	}

	if err := c.store.TestWrite(); err != nil {
		c.fail(err)
		return
	}

	updatesPath := filepath.Join(c.updateDir, "updates.json")
	serverManifest, err := manifest.Fetch(c.manifestURL, updatesPath)
	if err != nil {
		c.fail(err)
		return
	}

	c.modulesToUpdate = manifest.StaleModules(installed, serverManifest, c.force)
	if len(c.modulesToUpdate) == 0 {
		c.setState(StateUpdateNotAvailable, "", nil, false, true)
		return
	}

	c.setState(StateUpdateAvailable, "", nil, true, true)
	_, cancelled := c.waitForDecision()
	if cancelled {
		c.setState(StateCancelled, "", nil, false, true)
		return
	}

	newState := installed.Clone()
	var pendingMoves []string

	if !c.prepare(installed) {
		return
	}
	if !c.download(serverManifest) {
		return
	}
	if !c.unpack(newState, &pendingMoves) {
		return
	}
	if !c.finish(installed, newState, pendingMoves) {
		return
	}

	c.setState(StateDone, "", nil, false, true)
}

func (c *Controller) prepare(installed manifest.Snapshot) (ok bool) {
	c.setState(StatePreparing, "", floatPtr(0), true, false)

	for _, module := range c.modulesToUpdate {
		entry := installed[module]
		archivePath := filepath.Join(c.updateDir, module+".update")

		err := archive.Build(c.resolver, entry, archivePath, c.setProgress, c.isCancelled)
		if err != nil {
			c.fail(err)
			return false
		}
	}
	return true
}

func (c *Controller) download(serverManifest manifest.ServerManifest) (ok bool) {
	c.setState(StateDownloading, "", floatPtr(0), true, false)

	seeds := make([]string, len(c.modulesToUpdate))
	for i, module := range c.modulesToUpdate {
		seeds[i] = filepath.Join(c.updateDir, module+".update")
	}

	for _, module := range c.modulesToUpdate {
		serverEntry := serverManifest[module]
		targetURL, err := resolveAgainst(c.manifestURL, serverEntry.URL)
		if err != nil {
			c.fail(updateerr.Wrap(updateerr.DownloadFailed, err, "couldn't resolve the download URL for "+module))
			return false
		}

		opts := delta.Options{
			ZsyncPath:   c.deltaToolPath,
			OutputPath:  filepath.Join(c.updateDir, module+".update.new"),
			ControlFile: filepath.Join(c.updateDir, module+".zsync"),
			Seeds:       seeds,
			TargetURL:   targetURL,
			Digest:      serverEntry.Digest,
		}

		err = delta.Download(opts, c.setProgressPtr, c.isCancelled)
		if err != nil {
			c.fail(err)
			return false
		}
	}
	return true
}

func (c *Controller) unpack(newState manifest.Snapshot, pendingMoves *[]string) (ok bool) {
	c.setState(StateUnpacking, "", floatPtr(0), false, false)

	for _, module := range c.modulesToUpdate {
		archivePath := filepath.Join(c.updateDir, module+".update.new")

		result, err := unpack.Unpack(c.resolver, module, archivePath, c.setProgress)
		if err != nil {
			c.fail(err)
			return false
		}
		newState[module] = result.Snapshot
		*pendingMoves = append(*pendingMoves, result.PendingMoves...)
	}
	return true
}

func (c *Controller) finish(installed, newState manifest.Snapshot, pendingMoves []string) (ok bool) {
	c.setState(StateFinishing, "", floatPtr(0), false, false)

	if err := finalize.Finalize(c.resolver, c.store, pendingMoves, installed, newState); err != nil {
		c.fail(err)
		return false
	}

	for _, module := range c.modulesToUpdate {
		finalize.CleanTransient(c.resolver, c.updateDir, module)
	}
	return true
}

func (c *Controller) cleanupSeedArchives() {
	for _, module := range c.modulesToUpdate {
		finalize.CleanSeed(c.updateDir, module)
	}
}

func floatPtr(f float64) *float64 {
	return &f
}

func resolveAgainst(base, relative string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(relative)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}
