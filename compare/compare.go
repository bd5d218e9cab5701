// Package compare provides the process-wide registry of named key
// comparators used by the ordered engines.
//
// A comparator is persisted by name in the pool header, so an engine
// recovering a pool can re-bind the same ordering. The function itself must
// be registered in the recovering process; an unknown persisted name is a
// fatal open error.
package compare

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// LexicographicName is the name of the built-in byte-order comparator that
// ordered engines default to.
const LexicographicName = "__lexicographic"

var (
	// ErrEmptyName is returned when registering a comparator without a name.
	ErrEmptyName = errors.New("compare: comparator name must not be empty")
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("compare: comparator already registered")
)

// Comparator is a named three-way compare over byte strings. Compare must
// be thread-safe and side-effect-free: it is invoked concurrently under
// engine locks.
type Comparator struct {
	Name    string
	Compare func(a, b []byte) int
}

var registry = xsync.NewMapOf[string, *Comparator]()

// Lexicographic orders keys by raw byte comparison.
var Lexicographic = &Comparator{Name: LexicographicName, Compare: bytes.Compare}

func init() {
	registry.Store(Lexicographic.Name, Lexicographic)
}

// Register adds c to the process-wide registry.
func Register(c *Comparator) error {
	if c == nil || c.Compare == nil {
		return errors.New("compare: nil comparator")
	}
	if c.Name == "" {
		return ErrEmptyName
	}
	if _, loaded := registry.LoadOrStore(c.Name, c); loaded {
		return fmt.Errorf("%w: %q", ErrDuplicate, c.Name)
	}
	return nil
}

// Lookup resolves a registered comparator by name.
func Lookup(name string) (*Comparator, bool) {
	return registry.Load(name)
}
