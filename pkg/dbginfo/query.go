package dbginfo

import (
	"debug/elf"
	"strings"

	"github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
)

// isSubPath reports whether sub's components appear as a consecutive run
// within path's components. "a.c" is a subpath of "src/a.c" and of
// "sub/a.c", which makes short queries ambiguous on purpose.
func isSubPath(sub, path string) bool {
	if sub == "" {
		return false
	}
	if sub == path {
		return true
	}
	subParts := strings.Split(strings.Trim(sub, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(subParts) > len(pathParts) {
		return false
	}
	for i := 0; i+len(subParts) <= len(pathParts); i++ {
		match := true
		for j := range subParts {
			if pathParts[i+j] != subParts[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func removeSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
}

// demangled returns the demangled form of a symbol name, or the name
// itself when it is not a mangled name.
func demangled(name string) string {
	return demangle.Filter(name)
}

// FindCompilationUnit finds the CU whose path equals or contains the
// queried path as a subpath. More than one match is an error: the caller
// must qualify the path further.
func (oi *ObjectInfo) FindCompilationUnit(path string) (*CompilationUnit, error) {
	var found *CompilationUnit
	for _, cu := range oi.CompilationUnits {
		if !isSubPath(path, cu.Path) {
			continue
		}
		if found != nil {
			return nil, ErrCUAmbiguous
		}
		found = cu
	}
	if found == nil {
		return nil, ErrCUNotFound
	}
	return found, nil
}

// FindLines returns the line rows of cu matching the constraints: the
// file (the CU's own file when empty), the line number (exact, or the
// first greater-or-equal) and the column likewise. Failures distinguish
// whether the file, the line or the column was not matched.
func (cu *CompilationUnit) FindLines(file string, line int, exactLine bool, col int, exactCol bool) ([]SourceLine, error) {
	effFile := file
	if effFile == "" {
		effFile = cu.Path
	}

	fileMatch := func(l SourceLine) bool {
		return l.File == effFile || isSubPath(effFile, l.File)
	}
	lineMatch := func(l SourceLine, lineno int, exact bool) bool {
		if lineno == 0 {
			return true
		}
		if exact {
			return l.Number == lineno
		}
		return l.Number >= lineno
	}
	colMatch := func(l SourceLine, colno int) bool {
		if colno == 0 {
			return true
		}
		if exactCol {
			return l.Column == colno
		}
		return l.Column >= colno
	}

	fileFound := false
	first := -1
	for i, l := range cu.Lines {
		if !fileMatch(l) {
			continue
		}
		fileFound = true
		if lineMatch(l, line, exactLine) {
			first = i
			break
		}
	}
	if first < 0 {
		if !fileFound {
			return nil, ErrFileNotFound
		}
		return nil, ErrLineNotFound
	}

	resolved := cu.Lines[first].Number
	// The line advanced past the requested one: a requested column no
	// longer applies.
	if resolved > line && !exactCol {
		col = 0
	}

	var out []SourceLine
	for _, l := range cu.Lines[first:] {
		if fileMatch(l) && l.Number == resolved && colMatch(l, col) {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil, ErrColumnNotFound
	}
	return out, nil
}

// LowestAddressLine picks the line with the lowest address, optionally
// restricted to rows that begin a new statement.
func LowestAddressLine(lines []SourceLine, newStatement bool) (SourceLine, error) {
	return pickLineAddress(lines, newStatement, func(a, b uint64) bool { return a < b })
}

// HighestAddressLine picks the line with the highest address, optionally
// restricted to rows that begin a new statement.
func HighestAddressLine(lines []SourceLine, newStatement bool) (SourceLine, error) {
	return pickLineAddress(lines, newStatement, func(a, b uint64) bool { return a > b })
}

func pickLineAddress(lines []SourceLine, newStatement bool, better func(a, b uint64) bool) (SourceLine, error) {
	var best SourceLine
	found := false
	for _, l := range lines {
		if newStatement && !l.NewStatement {
			continue
		}
		if !found || better(l.Address, best.Address) {
			best = l
			found = true
		}
	}
	if !found {
		return SourceLine{}, ErrAddressNotFound
	}
	return best, nil
}

// FindFunctionSymbol finds an ELF function symbol by demangled name.
// With exact matching the demangled name must equal the query; otherwise
// the query is a prefix. Ambiguity is reported with its cause so callers
// can disambiguate via linker semantics: a weak or static symbol present
// among the matches, or names differing only by a suffix.
func (oi *ObjectInfo) FindFunctionSymbol(name string, exact bool, ignoreSuffix bool) (*FunctionSymbol, error) {
	if exact {
		return oi.findSymbolExact(oi.symbolRefs(), name)
	}

	query := removeSpaces(name)
	var matches []*FunctionSymbol
	for i := range oi.FunctionSymbols {
		sym := &oi.FunctionSymbols[i]
		if strings.HasPrefix(removeSpaces(demangled(sym.Name)), query) {
			matches = append(matches, sym)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNoMatches
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	sym, err := oi.findSymbolExact(matches, name)
	if err == nil || err != ErrSymbolNotFound {
		return sym, err
	}
	if !ignoreSuffix {
		return nil, ErrSymbolAmbiguousSuffix
	}
	var unsuffixed []*FunctionSymbol
	for _, m := range matches {
		if !strings.Contains(m.Name, ".") {
			unsuffixed = append(unsuffixed, m)
		}
	}
	switch len(unsuffixed) {
	case 0:
		return nil, ErrSymbolAmbiguousSuffix
	case 1:
		return unsuffixed[0], nil
	}
	return nil, ErrSymbolAmbiguous
}

func (oi *ObjectInfo) symbolRefs() []*FunctionSymbol {
	refs := make([]*FunctionSymbol, len(oi.FunctionSymbols))
	for i := range oi.FunctionSymbols {
		refs[i] = &oi.FunctionSymbols[i]
	}
	return refs
}

func (oi *ObjectInfo) findSymbolExact(syms []*FunctionSymbol, name string) (*FunctionSymbol, error) {
	query := removeSpaces(name)
	var matches []*FunctionSymbol
	for _, sym := range syms {
		if removeSpaces(demangled(sym.Name)) == query {
			matches = append(matches, sym)
		}
	}
	if len(matches) == 0 {
		return nil, ErrSymbolNotFound
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	hasStatic, hasWeak := false, false
	for _, m := range matches {
		switch m.Binding {
		case elf.STB_LOCAL:
			hasStatic = true
		case elf.STB_WEAK:
			hasWeak = true
		}
	}
	if hasWeak {
		return nil, ErrSymbolAmbiguousWeak
	}
	if hasStatic {
		return nil, ErrSymbolAmbiguousStatic
	}
	return nil, ErrSymbolAmbiguous
}

// FindFunction cross-references an ELF symbol with the DWARF functions:
// local symbols are matched by entry address, external ones by linkage
// name. The cu argument restricts the search when non-nil.
func (oi *ObjectInfo) FindFunction(cu *CompilationUnit, sym *FunctionSymbol) (*Function, error) {
	units := oi.CompilationUnits
	if cu != nil {
		units = []*CompilationUnit{cu}
	}
	for _, unit := range units {
		for _, fn := range unit.Funcs {
			if sym.Binding == elf.STB_LOCAL {
				if fn.LowPC == sym.Address {
					return fn, nil
				}
				continue
			}
			if fn.LinkageName == sym.Name {
				return fn, nil
			}
		}
	}
	return nil, ErrFunctionNotFound
}

// FindFunctionByName resolves a demangled name to a DWARF function via
// the symbol table.
func (oi *ObjectInfo) FindFunctionByName(cu *CompilationUnit, name string, exact bool) (*Function, error) {
	sym, err := oi.FindFunctionSymbol(name, exact, true)
	if err != nil {
		return nil, err
	}
	return oi.FindFunction(cu, sym)
}

const functionCacheSize = 512

var addrHash = func(addr uint64) uint32 {
	return uint32(addr ^ addr>>32)
}

// FunctionAt finds the function whose range contains addr. Lookups are
// cached: the control loop asks for the same trap addresses on every
// region execution.
func (oi *ObjectInfo) FunctionAt(addr uint64) (*Function, error) {
	if oi.fnCache == nil {
		cache, err := freelru.New[uint64, *Function](functionCacheSize, addrHash)
		if err != nil {
			return nil, err
		}
		oi.fnCache = cache
	}
	if fn, ok := oi.fnCache.Get(addr); ok {
		return fn, nil
	}
	for _, cu := range oi.CompilationUnits {
		for _, fn := range cu.Funcs {
			if addr >= fn.LowPC && addr < fn.HighPC {
				oi.fnCache.Add(addr, fn)
				return fn, nil
			}
		}
	}
	return nil, ErrFunctionNotFound
}

// FindFunctionByPosition resolves a source position to the function
// containing its first statement.
func (oi *ObjectInfo) FindFunctionByPosition(cu *CompilationUnit, file string, line int) (*Function, error) {
	lines, err := cu.FindLines(file, line, false, 0, true)
	if err != nil {
		return nil, err
	}
	sl, err := LowestAddressLine(lines, true)
	if err != nil {
		return nil, err
	}
	return oi.FunctionAt(sl.Address)
}

// UnitOf returns the CU whose range contains addr.
func (oi *ObjectInfo) UnitOf(addr uint64) (*CompilationUnit, error) {
	for _, cu := range oi.CompilationUnits {
		if cu.Range.Contains(addr) {
			return cu, nil
		}
	}
	return nil, ErrCUNotFound
}
