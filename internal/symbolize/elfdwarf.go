package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"sort"
	"sync"
)

// module holds the parsed static information for one ELF file, independent
// of where it happens to be mapped at runtime. Parsed files are cached by
// path across module sets since the same shared object is commonly loaded
// (and unloaded and reloaded) many times over a trace's lifetime.
type module struct {
	path    string
	file    *elf.File
	dwarf   *dwarf.Data // nil if the module carries no debug info
	symbols []elf.Symbol
	span    uint64 // highest (Value + Size) across all symbols; not consulted by lookups
}

// mapping is a module pinned to the runtime base address it was loaded at
// for the currently active module set.
type mapping struct {
	*module
	base uint64
}

// ElfDwarfSymbolizer implements Symbolizer using debug/elf and debug/dwarf
// from the standard library.
type ElfDwarfSymbolizer struct {
	mu sync.Mutex

	cache map[string]*module // path -> parsed module, reused across sets

	active  []mapping // the finalized, currently queryable set
	pending []mapping // accumulating between BeginModuleSet/EndModuleSet
}

// New returns a ready-to-use ElfDwarfSymbolizer.
func New() *ElfDwarfSymbolizer {
	return &ElfDwarfSymbolizer{cache: make(map[string]*module)}
}

// BeginModuleSet implements Symbolizer.
func (s *ElfDwarfSymbolizer) BeginModuleSet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// AddModule implements Symbolizer. Parse failures are tolerated: the module
// is still registered by base so range lookups can at least report its name,
// with symbol/source fields falling back to Unknown.
func (s *ElfDwarfSymbolizer) AddModule(path string, base uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.cache[path]
	if !ok {
		m = loadModule(path)
		s.cache[path] = m
	}
	s.pending = append(s.pending, mapping{module: m, base: base})
}

// EndModuleSet implements Symbolizer.
func (s *ElfDwarfSymbolizer) EndModuleSet() {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].base < s.pending[j].base })
	s.active = s.pending
	s.pending = nil
}

// Resolve implements Symbolizer.
func (s *ElfDwarfSymbolizer) Resolve(ip uint64) Frame {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	m := findMapping(active, ip)
	if m == nil {
		return UnknownFrame()
	}

	f := Frame{
		ModuleName: m.path,
		ModuleBase: m.base,
		SymbolName: Unknown,
		SourceFile: Unknown,
	}

	// ELF symbol values are file-relative; the runtime address is base +
	// file-relative value for both PIE executables and shared objects
	// (dl_iterate_phdr reports a load bias of 0 for non-PIE executables,
	// so this subtraction is a no-op there too).
	fileAddr := ip - m.base

	if sym, ok := findSymbol(m.symbols, fileAddr); ok {
		f.SymbolName = sym.Name
	}

	if m.dwarf != nil {
		if file, line, col, ok := findLine(m.dwarf, fileAddr); ok {
			f.SourceFile = file
			f.Line = line
			f.Column = col
		}
	}

	return f
}

func findMapping(active []mapping, ip uint64) *mapping {
	// active is sorted by base ascending; the module "owning" ip is the one
	// with the greatest base <= ip. Modules don't carry an explicit end in
	// the trace format, so this is a best-effort nearest-base match — exact
	// enough in practice since modules are mapped at disjoint addresses.
	idx := sort.Search(len(active), func(i int) bool { return active[i].base > ip })
	if idx == 0 {
		return nil
	}
	return &active[idx-1]
}

func findSymbol(symbols []elf.Symbol, fileAddr uint64) (elf.Symbol, bool) {
	idx := sort.Search(len(symbols), func(i int) bool { return symbols[i].Value > fileAddr })
	if idx == 0 {
		return elf.Symbol{}, false
	}
	sym := symbols[idx-1]
	if sym.Size != 0 && fileAddr >= sym.Value+sym.Size {
		return elf.Symbol{}, false
	}
	return sym, true
}

// findLine walks every compile unit's line table looking for the row with
// the greatest address not exceeding fileAddr, matching the behavior of
// dwarf_getsrc_die() in the original C implementation.
func findLine(d *dwarf.Data, fileAddr uint64) (file string, line, col int, ok bool) {
	reader := d.Reader()

	var best dwarf.LineEntry
	haveBest := false

	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := d.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}

		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break
			}
			if le.Address <= fileAddr && (!haveBest || le.Address > best.Address) {
				best = le
				haveBest = true
			}
		}
	}

	if !haveBest {
		return "", 0, 0, false
	}
	return best.File.Name, best.Line, best.Column, true
}

func loadModule(path string) *module {
	m := &module{path: path}

	ef, err := elf.Open(path)
	if err != nil {
		return m
	}
	m.file = ef

	if syms, err := ef.Symbols(); err == nil {
		m.symbols = syms
	}
	if dynsyms, err := ef.DynamicSymbols(); err == nil {
		m.symbols = append(m.symbols, dynsyms...)
	}
	sort.Slice(m.symbols, func(i, j int) bool { return m.symbols[i].Value < m.symbols[j].Value })

	for _, sym := range m.symbols {
		if end := sym.Value + sym.Size; end > m.span {
			m.span = end
		}
	}

	if dw, err := ef.DWARF(); err == nil {
		m.dwarf = dw
	}

	return m
}
