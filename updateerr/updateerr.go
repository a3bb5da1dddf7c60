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

// Package updateerr defines the error kinds the updater can raise and how
// they map onto the controller's terminal states.
package updateerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the class of failure that ended an update session.
type Kind int

// The kinds of errors the updater can raise.
const (
	// MissingSnapshot means the installed snapshot is absent or unreadable.
	MissingSnapshot Kind = iota + 1
	// PermissionDenied means the update directory or log can't be written.
	PermissionDenied
	// ManifestUnavailable means the server manifest couldn't be fetched or parsed.
	ManifestUnavailable
	// DownloadFailed means the delta tool produced no output file, couldn't
	// be started, or the module's download URL couldn't be resolved.
	DownloadFailed
	// DigestMismatch means the downloaded archive's digest didn't match the
	// manifest, or the archive couldn't be hashed.
	DigestMismatch
	// ArchiveMalformed means unpacking failed: an unknown tar entry type, a
	// missing or malformed update/current.json entry, or an entry that
	// couldn't be read or written to disk.
	ArchiveMalformed
	// Cancelled means the user requested abort at a suspension point.
	Cancelled
	// RefusedSourceCheckout means the base tree is a source checkout (run.sh present).
	RefusedSourceCheckout
)

var kindNames = map[Kind]string{
	MissingSnapshot:       "MissingSnapshot",
	PermissionDenied:      "PermissionDenied",
	ManifestUnavailable:   "ManifestUnavailable",
	DownloadFailed:        "DownloadFailed",
	DigestMismatch:        "DigestMismatch",
	ArchiveMalformed:      "ArchiveMalformed",
	Cancelled:             "Cancelled",
	RefusedSourceCheckout: "RefusedSourceCheckout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// UpdateError is a known, user-facing error raised during an update session.
type UpdateError struct {
	kind    Kind
	message string
	cause   error
}

// New creates an UpdateError of the given kind with a user-facing message.
func New(kind Kind, message string) *UpdateError {
	return &UpdateError{kind: kind, message: message}
}

// Wrap creates an UpdateError of the given kind, wrapping an underlying cause
// so the full chain is still available to the log.
func Wrap(kind Kind, cause error, message string) *UpdateError {
	return &UpdateError{kind: kind, message: message, cause: errors.Wrap(cause, message)}
}

// Kind reports the error's kind.
func (e *UpdateError) Kind() Kind {
	return e.kind
}

// Message is the user-facing string meant for the controller's observable message field.
func (e *UpdateError) Message() string {
	return e.message
}

func (e *UpdateError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.message
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *UpdateError) Unwrap() error {
	return e.cause
}

// IsCancelled reports whether err is (or wraps) a Cancelled UpdateError.
func IsCancelled(err error) bool {
	var ue *UpdateError
	return errors.As(err, &ue) && ue.kind == Cancelled
}
