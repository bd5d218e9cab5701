package pmkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pmkv/config"
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// Public status sentinels. Engine-layer sentinels are re-exported so
// callers match with errors.Is against a single vocabulary.
var (
	// ErrNotFound is returned when a key is not present.
	ErrNotFound = engine.ErrNotFound

	// ErrNotSupported is returned for operations an engine does not offer.
	ErrNotSupported = engine.ErrNotSupported

	// ErrStoppedByCallback is returned when a scan callback returned
	// non-zero to stop the iteration.
	ErrStoppedByCallback = engine.ErrStoppedByCallback

	// ErrInvalidArgument is returned for caller contract violations.
	ErrInvalidArgument = engine.ErrInvalidArgument

	// ErrDefrag is returned when defragmentation fails.
	ErrDefrag = engine.ErrDefrag

	// ErrTransactionScope marks operations that must not run inside a pool
	// transaction. Unreachable through DB methods, which never expose one.
	ErrTransactionScope = engine.ErrTransactionScope

	// ErrConfigType is returned when a config option is fetched as an
	// incompatible type.
	ErrConfigType = config.ErrTypeMismatch

	// ErrUnknown covers open-time and I/O failures with no finer status.
	ErrUnknown = errors.New("unknown error")

	// ErrClosed is returned for operations on a closed database handle.
	ErrClosed = errors.New("database is closed")

	// ErrComparatorMismatch is returned when a pool persists a comparator
	// binding that differs from the configured one, or names a comparator
	// absent from the registry. It is fatal at open.
	ErrComparatorMismatch = errors.New("comparator mismatch")
)

// Finer open-time failures. Both unwrap to ErrUnknown, so callers matching
// the historical collapsed status keep working.
var (
	// ErrWrongPath is returned when the backing file is absent and
	// creation was not requested, or the path is unusable.
	ErrWrongPath = fmt.Errorf("%w: wrong path", ErrUnknown)

	// ErrWrongSize is returned when the requested pool size is out of range.
	ErrWrongSize = fmt.Errorf("%w: wrong size", ErrUnknown)
)

// translateError maps engine- and runtime-internal errors onto the public
// contract. Errors already carrying a public sentinel pass through.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, engine.ErrNotSupported),
		errors.Is(err, engine.ErrStoppedByCallback),
		errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, engine.ErrDefrag),
		errors.Is(err, engine.ErrTransactionScope),
		errors.Is(err, config.ErrTypeMismatch),
		errors.Is(err, ErrUnknown),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrComparatorMismatch):
		return err
	case errors.Is(err, engine.ErrKeyTooLong):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, pmem.ErrPoolSize):
		return fmt.Errorf("%w: %w", ErrWrongSize, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
}
