// Package crabkverr defines the sentinel error kinds surfaced by the engine
// and its components. Callers match against these with errors.Is; wrapped
// context is added with fmt.Errorf("...: %w", ...) at the call site.
package crabkverr

import "errors"

var (
	// ErrNotFound names a key with no live record. The engine does not
	// return it: Engine.Get reports a miss as (nil, false, nil), since a
	// miss is not an error condition for callers.
	ErrNotFound = errors.New("crabkv: not found")

	// ErrClosed is returned by any operation on an Engine after Close.
	ErrClosed = errors.New("crabkv: engine closed")

	// ErrInvalidArgument covers empty keys and keys/values whose length
	// would not fit the 32-bit on-disk length fields.
	ErrInvalidArgument = errors.New("crabkv: invalid argument")

	// ErrCorruption is returned by record decode when a header fails
	// structural validation (bad kind, reserved flag bits set, a Delete
	// record with a non-zero value length, ...).
	ErrCorruption = errors.New("crabkv: corrupt record")
)
