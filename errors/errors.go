// Package errors provides error handling for quarry.
//
// It re-exports github.com/cockroachdb/errors, giving every call site stack
// traces, wrapping with context, and sentinel marking without importing the
// upstream module directly.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, store.ErrVersionConflict) {
//	    // lost the optimistic race
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel marking. Mark attaches a reference error to an error chain so that
// Is reports the mark without the mark's message leaking into Error().
var (
	Mark = crdb.Mark
)

// User-facing annotations
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)
