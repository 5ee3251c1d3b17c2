// Package backend defines the per-instruction-set code generators and their
// registry. Exactly one backend serves a compilation; it is selected once at
// pipeline setup and never re-checked per instruction.
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ternvm/tern/internal/lir"
	"github.com/ternvm/tern/internal/mir"
	"github.com/ternvm/tern/internal/regalloc"
)

var (
	// ErrPortable is the second terminal outcome of instruction selection: the
	// backend routed this method to the portable (higher-level IR) path and no
	// machine code is produced. Not a failure.
	ErrPortable = errors.New("backend: method routed to portable path")

	// ErrTemplate means special-case template generation could not handle the
	// method after all. Callers must fall back to general lowering.
	ErrTemplate = errors.New("backend: special-case template failed")
)

// Backend lowers MIR to LIR and encodes LIR for one instruction set.
type Backend interface {
	ISA() mir.ISA

	// RegSet returns the allocatable register partition and the frame
	// geometry the calling convention imposes.
	RegSet() regalloc.RegSet

	// Lower converts the unit's MIR into a LIR list using the allocated
	// locations. General path; handles every method the builder accepts.
	Lower(cu *mir.CompilationUnit, asn *regalloc.Assignment) (*lir.List, error)

	// LowerSpecial emits the fixed template for a classified trivial method.
	// Returns ErrTemplate (possibly wrapped) when the template cannot be
	// applied; the caller then falls back to Lower.
	LowerSpecial(cu *mir.CompilationUnit, shape Shape, asn *regalloc.Assignment) (*lir.List, error)

	// Encoder returns the byte encoder driving lir.Assemble.
	Encoder() lir.Encoder
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[mir.ISA]Backend)
)

// Register wires an instruction-set backend into the registry. It panics on
// double registration so mistakes are caught during init.
func Register(b Backend) {
	if b == nil {
		panic("backend: backend must be non-nil")
	}
	set := b.ISA()
	if set == mir.ISANone {
		panic("backend: cannot register backend for ISANone")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[set]; exists {
		panic(fmt.Sprintf("backend: %s already registered", set))
	}
	backends[set] = b
}

// Lookup returns the backend for an instruction set. A request for an
// unregistered set is a recoverable per-method failure (a target mismatch),
// not a panic.
func Lookup(set mir.ISA) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if b, ok := backends[set]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("backend: no backend registered for %s", set)
}

// Registered returns the instruction sets with a registered backend.
func Registered() []mir.ISA {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	out := make([]mir.ISA, 0, len(backends))
	for set := range backends {
		out = append(out, set)
	}
	return out
}
