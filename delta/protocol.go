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

package delta

import (
	"strconv"
	"strings"
)

const (
	progressPrefix    = "PROGRESS "
	endProgressMarker = "ENDPROGRESS"
)

// ProgressNormalizer turns the delta tool's raw "PROGRESS <pct>" lines into
// a reported fraction that hides the "already have this block" head start a
// seeded transfer gets. It has no dependency on process plumbing and is
// self-contained by design (see the module's design notes on the
// line-protocol parser being unit-testable on its own).
//
// On the first non-100 progress value seen in a phase, that raw percentage
// is recorded as start; subsequent values map through
// (raw - start) / (1 - start). A raw value of 100 always maps directly to
// 1.0. An ENDPROGRESS line resets start and clears the reported progress.
type ProgressNormalizer struct {
	start    *float64
	progress *float64
}

// Line feeds one line of the delta tool's stdout into the normalizer. It
// reports whether the line was a progress-control line (PROGRESS/
// ENDPROGRESS) that the caller should not also log verbatim.
func (n *ProgressNormalizer) Line(line string) (handled bool) {
	switch {
	case strings.HasPrefix(line, progressPrefix):
		n.progressLine(strings.TrimPrefix(line, progressPrefix))
		return true
	case strings.HasPrefix(line, endProgressMarker):
		n.start = nil
		n.progress = nil
		return true
	default:
		return false
	}
}

func (n *ProgressNormalizer) progressLine(rawStr string) {
	rawPct, err := strconv.ParseFloat(strings.TrimSpace(rawStr), 64)
	if err != nil {
		return
	}
	raw := rawPct / 100.0

	if raw >= 1.0 {
		p := 1.0
		n.progress = &p
		return
	}

	if n.start == nil {
		s := raw
		n.start = &s
		p := 0.0
		n.progress = &p
		return
	}

	normalized := (raw - *n.start) / (1.0 - *n.start)
	n.progress = &normalized
}

// Progress returns the last normalized fraction, or nil if no progress line
// has been seen since construction or the last ENDPROGRESS.
func (n *ProgressNormalizer) Progress() *float64 {
	return n.progress
}
