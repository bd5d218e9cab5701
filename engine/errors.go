package engine

import "errors"

var (
	// ErrNotFound is returned when a key is not present. It is an ordinary
	// control-flow signal, never fatal.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported is returned for operations an engine does not
	// implement, such as ranged queries on cmap or reverse iteration over
	// its forward-only hash iterator.
	ErrNotSupported = errors.New("operation not supported by this engine")

	// ErrStoppedByCallback is returned when a get callback stopped the
	// iteration by returning non-zero. Output produced before the stop is
	// a valid prefix of the scan.
	ErrStoppedByCallback = errors.New("iteration stopped by callback")

	// ErrInvalidArgument is returned for caller contract violations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDefrag is returned when defragmentation fails to relocate data.
	ErrDefrag = errors.New("defragmentation error")

	// ErrTransactionScope marks operations that must not run inside a pool
	// transaction. Pool transactions are internal to the engines here, so
	// the condition is structurally unreachable through the public API; the
	// sentinel remains part of the status vocabulary for embedders driving
	// engines directly.
	ErrTransactionScope = errors.New("operation not permitted inside a pool transaction")

	// ErrKeyTooLong is returned by engines that bound key length.
	ErrKeyTooLong = errors.New("key exceeds engine limit")
)
