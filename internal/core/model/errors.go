// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a pipeline failure so front ends can map it to an
// exit code or an HTTP status without inspecting messages.
type ErrorKind string

const (
	KindUsage       ErrorKind = "usage"
	KindIdentifier  ErrorKind = "identifier"
	KindAcquisition ErrorKind = "acquisition"
	KindConflict    ErrorKind = "conflict"
	KindDecode      ErrorKind = "decode"
	KindDetection   ErrorKind = "detection"
	KindRender      ErrorKind = "render"
	KindInternal    ErrorKind = "internal"
)

// PipelineError is a classified failure raised by a pipeline stage.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error renders a single line: "<op>: <cause>".
func (e *PipelineError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if e.Op == "" {
		return msg
	}
	if msg == "" {
		return e.Op
	}
	return e.Op + ": " + msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a PipelineError from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *PipelineError {
	return NewError(kind, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first PipelineError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent reports whether retrying the same request cannot succeed:
// bad input, an unusable identifier or results that already exist.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindUsage, KindIdentifier, KindConflict:
		return err != nil
	default:
		return false
	}
}

// ExistingResultsError is the cause of a conflict raised because the bundle
// of VideoID already holds results.
type ExistingResultsError struct {
	VideoID VideoIdentifier
}

func (e *ExistingResultsError) Error() string {
	return fmt.Sprintf("existing results found for video_id %q; remove them or use a different video", e.VideoID)
}

// ConflictID returns the identifier whose results caused err, if any.
func ConflictID(err error) (VideoIdentifier, bool) {
	var ee *ExistingResultsError
	if errors.As(err, &ee) {
		return ee.VideoID, true
	}
	return "", false
}
