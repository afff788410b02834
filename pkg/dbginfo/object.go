package dbginfo

import (
	"debug/dwarf"
	"debug/elf"
	"io"

	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

// SourceLine is one row of a compilation unit's line program.
type SourceLine struct {
	File    string
	Number  int
	Column  int
	Address uint64
	// NewStatement marks the row as the first instruction of a statement.
	NewStatement bool
}

// AddrRange is a half-open [Low, High) address interval.
type AddrRange struct {
	Low  uint64
	High uint64
}

func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Low && addr < r.High
}

// Function is a DWARF subprogram with resolved bounds. Returns holds the
// addresses of its return sites; a function may have several.
type Function struct {
	Name        string
	LinkageName string
	Static      bool
	DeclFile    string
	DeclLine    int
	LowPC       uint64
	HighPC      uint64
	Returns     []uint64
}

// FunctionSymbol is an STT_FUNC entry of the ELF symbol table.
type FunctionSymbol struct {
	Name    string
	Address uint64
	Size    uint64
	Binding elf.SymBind
}

// CompilationUnit groups the line program and functions of one CU.
type CompilationUnit struct {
	Path  string
	Lines []SourceLine
	Range AddrRange
	Funcs []*Function
}

// ObjectInfo is the loaded debug-information graph of an executable.
// Immutable after Load; the lookup cache is only touched by the single
// goroutine issuing queries.
type ObjectInfo struct {
	CompilationUnits []*CompilationUnit
	FunctionSymbols  []FunctionSymbol

	fnCache *freelru.LRU[uint64, *Function]
}

type loadOptions struct {
	logger log.Logger
}

type LoadOption func(*loadOptions)

func WithLoadLogger(logger log.Logger) LoadOption {
	return func(o *loadOptions) {
		o.logger = logger
	}
}

// Load reads the ELF file at path and builds the object-info graph from
// its DWARF sections and symbol table.
func Load(path string, opts ...LoadOption) (*ObjectInfo, error) {
	o := loadOptions{logger: log.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	file, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening ELF file")
	}
	defer file.Close()

	data, err := file.DWARF()
	if err != nil {
		return nil, errors.Wrap(ErrNoDebugSymbols, err.Error())
	}

	info := &ObjectInfo{}
	if err := info.loadUnits(data, o.logger); err != nil {
		return nil, err
	}
	if err := info.loadSymbols(file); err != nil {
		return nil, err
	}
	if len(info.CompilationUnits) == 0 {
		return nil, ErrNoDebugSymbols
	}

	o.logger.Debug().
		Int("compilation_units", len(info.CompilationUnits)).
		Int("function_symbols", len(info.FunctionSymbols)).
		Str("path", path).
		Msg("loaded object info")

	return info, nil
}

func (oi *ObjectInfo) loadUnits(data *dwarf.Data, logger log.Logger) error {
	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return errors.Wrap(err, "walking DWARF entries")
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		cu := &CompilationUnit{}
		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			cu.Path = name
		}
		if low, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
			cu.Range.Low = low
			switch high := entry.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				cu.Range.High = high
			case int64:
				// DWARF 4 encodes high_pc as an offset from low_pc.
				cu.Range.High = low + uint64(high)
			}
		}

		if err := cu.loadLines(data, entry); err != nil {
			return err
		}
		if err := cu.loadFunctions(data, r, entry); err != nil {
			return err
		}
		logger.Debug().
			Str("cu", cu.Path).
			Int("lines", len(cu.Lines)).
			Int("functions", len(cu.Funcs)).
			Msg("loaded compilation unit")

		oi.CompilationUnits = append(oi.CompilationUnits, cu)
	}
	return nil
}

func (cu *CompilationUnit) loadLines(data *dwarf.Data, entry *dwarf.Entry) error {
	lr, err := data.LineReader(entry)
	if err != nil {
		return errors.Wrap(err, "creating line reader")
	}
	if lr == nil {
		return nil
	}
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading line program")
		}
		if le.EndSequence || le.File == nil {
			continue
		}
		cu.Lines = append(cu.Lines, SourceLine{
			File:         le.File.Name,
			Number:       le.Line,
			Column:       le.Column,
			Address:      le.Address,
			NewStatement: le.IsStmt,
		})
	}
	return nil
}

// loadFunctions walks the children of the CU entry, collecting
// subprograms with code. Return sites come from epilogue-begin line rows
// inside the function's range, falling back to the highest line address
// when the compiler emitted none.
func (cu *CompilationUnit) loadFunctions(data *dwarf.Data, r *dwarf.Reader, entry *dwarf.Entry) error {
	if !entry.Children {
		return nil
	}
	// Epilogue rows of the whole CU, matched to functions by range.
	lr, err := data.LineReader(entry)
	if err != nil {
		return errors.Wrap(err, "creating line reader")
	}
	var epilogues []uint64
	if lr != nil {
		var le dwarf.LineEntry
		for {
			err := lr.Next(&le)
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Wrap(err, "reading line program")
			}
			if !le.EndSequence && le.EpilogueBegin {
				epilogues = append(epilogues, le.Address)
			}
		}
	}

	for {
		child, err := r.Next()
		if err != nil {
			return errors.Wrap(err, "walking CU children")
		}
		if child == nil || child.Tag == 0 {
			break
		}
		if child.Tag != dwarf.TagSubprogram {
			r.SkipChildren()
			continue
		}
		r.SkipChildren()

		low, ok := child.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			// Declaration or inlined-only subprogram.
			continue
		}
		fn := &Function{LowPC: low}
		switch high := child.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			fn.HighPC = high
		case int64:
			fn.HighPC = low + uint64(high)
		}
		if name, ok := child.Val(dwarf.AttrName).(string); ok {
			fn.Name = name
		}
		if linkage, ok := child.Val(dwarf.AttrLinkageName).(string); ok {
			fn.LinkageName = linkage
		}
		if fn.LinkageName == "" {
			fn.LinkageName = fn.Name
		}
		if ext, ok := child.Val(dwarf.AttrExternal).(bool); !ok || !ext {
			fn.Static = true
		}
		if declLine, ok := child.Val(dwarf.AttrDeclLine).(int64); ok {
			fn.DeclLine = int(declLine)
		}

		for _, addr := range epilogues {
			if addr >= fn.LowPC && addr < fn.HighPC {
				fn.Returns = append(fn.Returns, addr)
			}
		}
		if len(fn.Returns) == 0 && fn.HighPC > fn.LowPC {
			if addr, ok := cu.highestLineAddressIn(fn.LowPC, fn.HighPC); ok {
				fn.Returns = []uint64{addr}
			}
		}

		cu.Funcs = append(cu.Funcs, fn)
	}
	return nil
}

func (cu *CompilationUnit) highestLineAddressIn(low, high uint64) (uint64, bool) {
	var best uint64
	found := false
	for _, line := range cu.Lines {
		if line.Address >= low && line.Address < high && (!found || line.Address > best) {
			best = line.Address
			found = true
		}
	}
	return best, found
}

func (oi *ObjectInfo) loadSymbols(file *elf.File) error {
	syms, err := file.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil
		}
		return errors.Wrap(err, "reading ELF symbol table")
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		oi.FunctionSymbols = append(oi.FunctionSymbols, FunctionSymbol{
			Name:    sym.Name,
			Address: sym.Value,
			Size:    sym.Size,
			Binding: elf.ST_BIND(sym.Info),
		})
	}
	return nil
}
