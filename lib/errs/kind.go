/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errs classifies Supervisor errors into the kinds the presentation
// layer understands (§7 of the spec). New and Wrap are the two places every
// error crosses a package boundary, so that's where github.com/gravitational/trace
// is applied — trace.Wrap the way the teacher's lib/client and
// lib/teleterm wrap at every return site, just centralized here instead of
// repeated at each of the dozens of call sites across the tree. The Kind
// stays recoverable through the trace wrapping via errors.As, same as it
// would through any other error chain.
package errs

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is one of the error kinds surfaced to the presentation layer.
type Kind string

const (
	Network         Kind = "network"
	Auth            Kind = "auth"
	HostKey         Kind = "hostkey"
	Timeout         Kind = "timeout"
	Protocol        Kind = "protocol"
	Permission      Kind = "permission"
	NotFound        Kind = "not-found"
	Exists          Kind = "exists"
	TooLarge        Kind = "too-large"
	Cancelled       Kind = "cancelled"
	Stalled         Kind = "stalled"
	NotConnected    Kind = "not-connected"
	InvalidArgument Kind = "invalid-argument"
)

// kindError pairs a Kind with a human message. It is never compared for
// equality directly; callers use errors.As to recover the Kind from a chain
// that may have been trace.Wrap'd any number of times.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.msg == "" {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.err }

// New returns an error tagged with kind, formatted like fmt.Errorf, wrapped
// with trace.Wrap so it carries a stack trace from its point of origin.
func New(kind Kind, format string, args ...any) error {
	return trace.Wrap(&kindError{kind: kind, msg: fmt.Sprintf(format, args...)})
}

// Wrap tags err with kind, preserving err in the chain so errors.Is/As keep
// working on it, then trace.Wraps the result the way the teacher wraps
// every error at a package boundary.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(&kindError{kind: kind, msg: err.Error(), err: err})
}

// KindOf recovers the Kind from err's chain, defaulting to Protocol when
// no kindError is present — an unclassified failure is treated as a
// protocol-level surprise rather than silently swallowed.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Protocol
}

// Reply is the uniform {success, data?, error?} shape every Dispatcher
// request family replies with (§4.7, §6).
type Reply struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReplyError builds an error Reply carrying "<kind>:<message>" per §7.
func ReplyError(err error) Reply {
	return Reply{Success: false, Error: fmt.Sprintf("%s:%s", KindOf(err), err.Error())}
}

// ReplyOK builds a successful Reply.
func ReplyOK(data any) Reply {
	return Reply{Success: true, Data: data}
}
