// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Package domain ties the monitor, job, cgroup, hotplug and migration
// components into the single aggregate object spec §3 calls the
// "Domain object (VM)": identity, configuration, runtime state, and
// the private-data block that owns every other component's handle.
package domain

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Taxonomy is spec §7's error classification. Every API entry point
// wraps its terminal error in one of these via Wrap (or builds one with
// New) so
// callers (and the CLI) can render a stable "operation-xxx:" prefix
// the way the teacher's own errors package idiom does with
// errors.Wrap.
type Taxonomy string

const (
	OperationInvalid     Taxonomy = "operation-invalid"
	OperationFailed      Taxonomy = "operation-failed"
	OperationUnsupported Taxonomy = "operation-unsupported"
	OperationAborted     Taxonomy = "operation-aborted"
	OperationTimeout     Taxonomy = "operation-timeout"
	ConfigUnsupported    Taxonomy = "config-unsupported"
	ArgumentUnsupported  Taxonomy = "argument-unsupported"
	InternalError        Taxonomy = "internal-error"
	AgentUnresponsive    Taxonomy = "agent-unresponsive"
	MigrateUnsafe        Taxonomy = "migrate-unsafe"
	Overflow             Taxonomy = "overflow"
	BlockCopyActive      Taxonomy = "block-copy-active"
)

// TaxonomyError is a structured error carrying its taxonomy class
// alongside the usual message, with pkg/errors-style stack capture
// preserved through Wrap.
type TaxonomyError struct {
	Class Taxonomy
	cause error
}

func (e *TaxonomyError) Error() string {
	return string(e.Class) + ": " + e.cause.Error()
}

func (e *TaxonomyError) Unwrap() error { return e.cause }

// Wrap annotates err with class, using pkg/errors.Wrap so a stack trace
// is captured the first time an error crosses an API boundary.
func Wrap(err error, class Taxonomy, msg string) error {
	if err == nil {
		return nil
	}
	return &TaxonomyError{Class: class, cause: errors.Wrap(err, msg)}
}

// New constructs a fresh TaxonomyError with no wrapped cause.
func New(class Taxonomy, msg string) error {
	return &TaxonomyError{Class: class, cause: errors.New(msg)}
}

// ClassOf extracts the taxonomy class from err, if any was attached.
func ClassOf(err error) (Taxonomy, bool) {
	var te *TaxonomyError
	if stderrors.As(err, &te) {
		return te.Class, true
	}
	return "", false
}

// preserveFirstError implements spec §7's "propagation policy": save
// the first error encountered, run cleanup ignoring its own errors,
// then restore the original. Mirrors the teacher's recurring
// defer-based cleanup idiom but centralizes the "first error wins"
// rule in one helper instead of repeating it at each call site.
func preserveFirstError(first *error, cleanup func() error) {
	saved := *first
	if err := cleanup(); err != nil && saved == nil {
		// cleanup-only failures are not reported as the operation's
		// outcome once there is already a first error to preserve;
		// when there wasn't one, the cleanup failure becomes it.
		*first = err
		return
	}
	*first = saved
}
