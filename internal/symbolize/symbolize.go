// Package symbolize defines the Symbolizer adapter contract from spec.md
// §4.5 and §6. The debug-info reader is an external collaborator (spec.md
// §1); this package pins the interface the Resolver depends on and a
// concrete binding over the standard library's debug/elf and debug/dwarf
// packages. No third-party ELF/DWARF reader is used anywhere in the example
// corpus this module was grounded on, so the standard library is the
// grounded choice here (see DESIGN.md).
package symbolize

// Unknown is the sentinel used for any field the Symbolizer cannot resolve,
// per spec.md §4.5.
const Unknown = "??"

// Frame is the fully resolved form of one backtrace address.
type Frame struct {
	ModuleName string
	ModuleBase uint64
	SymbolName string
	SourceFile string
	Line       int
	Column     int
}

// UnknownFrame returns a Frame with every field set to its sentinel value,
// used when an address cannot be attributed to any loaded module.
func UnknownFrame() Frame {
	return Frame{ModuleName: Unknown, SymbolName: Unknown, SourceFile: Unknown}
}

// Symbolizer is the contract from spec.md §4.5. Implementations hide all
// debug-info mechanics from the Resolver.
type Symbolizer interface {
	// BeginModuleSet starts accumulating a new set of modules, discarding
	// any previous set. Called on a trace's 'u <' boundary.
	BeginModuleSet()

	// AddModule registers a module mapped at base. Called once per 'm'
	// record between a 'u <' ... 'u >' pair.
	AddModule(path string, base uint64)

	// EndModuleSet finalizes the set being accumulated; subsequent Resolve
	// calls use it until the next BeginModuleSet. Called on 'u >'.
	EndModuleSet()

	// Resolve symbolizes ip against the current module set. Any field that
	// cannot be determined is set to Unknown (or 0 for numeric fields).
	Resolve(ip uint64) Frame
}
