// Package jit maintains, per process, the synthetic library that
// holds JIT-compiled methods (V8 and JScript code-creation events),
// assigning each method a monotonically increasing relative address
// and classifying it into a flame-graph category (spec component C8).
package jit

import (
	"fmt"
	"strings"
)

// Category is a coarse bucket a JIT method is classified into, used
// by the sink to color stack frames.
type Category int

const (
	CategoryOther Category = iota
	CategoryInterpreter
	CategoryBaseline
	CategoryIon
	CategoryBuiltin
	CategoryRegexp
)

func (c Category) String() string {
	switch c {
	case CategoryInterpreter:
		return "Interpreter"
	case CategoryBaseline:
		return "Baseline"
	case CategoryIon:
		return "Ion"
	case CategoryBuiltin:
		return "Builtin"
	case CategoryRegexp:
		return "RegExp"
	default:
		return "Other"
	}
}

// Symbol is one entry of a JIT library's symbol table, addressed
// relative to the library's synthetic base.
type Symbol struct {
	Address uint32
	Size    uint32
	Name    string
}

// MappingAdd is the Add op pushed onto a process's JIT lib-mapping
// queue for one method, giving its absolute address range and the
// relative address the symbol table entry was recorded under.
type MappingAdd struct {
	StartAVMA, EndAVMA   uint64
	RelativeAddressStart uint32
	Category             Category
	IsJSFrame            bool
}

// processJIT is the per-process JIT state: the synthetic library
// name, the address cursor, and the accumulated symbol table.
type processJIT struct {
	libraryName      string
	nextRelativeAddr uint32
	symbols          []Symbol
}

// Registry tracks JIT state for every process that has emitted a
// method-load event.
type Registry struct {
	perProcess map[int]*processJIT
	classify   func(methodName string) (Category, bool)
}

// New returns an empty Registry. classify maps a JIT method name to a
// category and whether it represents an interpreted/JS-level frame
// (as opposed to generated machine code); pass nil to use the
// built-in Classify.
func New(classify func(string) (Category, bool)) *Registry {
	if classify == nil {
		classify = Classify
	}
	return &Registry{perProcess: make(map[int]*processJIT), classify: classify}
}

// LibraryName returns the synthetic library name for a process,
// creating its JIT state if this is the first method load seen for
// it. isNew is true only the first time, signaling the caller (the
// dispatcher) that it must register a new library with the sink
// before resolving addresses against it.
func (r *Registry) LibraryName(processID int) (name string, isNew bool) {
	if _, ok := r.perProcess[processID]; ok {
		return jitLibraryName(processID), false
	}
	r.perProcess[processID] = &processJIT{libraryName: jitLibraryName(processID)}
	return jitLibraryName(processID), true
}

func jitLibraryName(processID int) string {
	return fmt.Sprintf("JIT-%d", processID)
}

// AddMethod records a method-load event: it reserves
// [cursor, cursor+methodSize) as the method's relative-address range,
// advances the cursor, appends a symbol-table entry, and returns the
// mapping Add op to push onto the process's JIT lib-mapping queue plus
// the classifier's verdict for the method.
func (r *Registry) AddMethod(processID int, startAVMA, methodSize uint64, methodName string) MappingAdd {
	p := r.perProcess[processID]
	if p == nil {
		p = &processJIT{libraryName: jitLibraryName(processID)}
		r.perProcess[processID] = p
	}
	relStart := p.nextRelativeAddr
	p.nextRelativeAddr += uint32(methodSize)
	p.symbols = append(p.symbols, Symbol{Address: relStart, Size: uint32(methodSize), Name: methodName})

	category, isJS := r.classify(methodName)
	return MappingAdd{
		StartAVMA:            startAVMA,
		EndAVMA:              startAVMA + methodSize,
		RelativeAddressStart: relStart,
		Category:             category,
		IsJSFrame:            isJS,
	}
}

// SymbolTable returns the accumulated symbol table for a process's JIT
// library, for attaching to the library record at final flush. It
// must be called (and the result attached to the sink's library
// record) before any buffered sample referencing that library is
// flushed, per spec.md §4.8's flush rule.
func (r *Registry) SymbolTable(processID int) []Symbol {
	p := r.perProcess[processID]
	if p == nil {
		return nil
	}
	return p.symbols
}

// Classify is the default, minimal category classifier: it recognizes
// the prefix conventions V8 and JScript method names are documented to
// use. It is deliberately small — spec.md treats classification as an
// external pure-function collaborator out of this project's core
// scope, and no reference implementation was available to mirror
// exactly.
func Classify(methodName string) (Category, bool) {
	switch {
	case strings.HasPrefix(methodName, "Builtin:"):
		return CategoryBuiltin, false
	case strings.HasPrefix(methodName, "RegExp:"):
		return CategoryRegexp, false
	case strings.HasPrefix(methodName, "~"):
		return CategoryInterpreter, true
	case strings.HasPrefix(methodName, "*"):
		return CategoryIon, true
	case methodName == "":
		return CategoryOther, false
	default:
		return CategoryBaseline, true
	}
}
