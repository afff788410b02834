package dbginfo

import (
	"github.com/pkg/errors"
)

var (
	ErrNoDebugSymbols = errors.New("object has no debug symbols")

	ErrCUNotFound  = errors.New("compilation unit not found")
	ErrCUAmbiguous = errors.New("compilation unit ambiguous")

	ErrFileNotFound   = errors.New("file not found")
	ErrLineNotFound   = errors.New("line not found")
	ErrColumnNotFound = errors.New("column not found")

	ErrSymbolNotFound        = errors.New("symbol not found")
	ErrSymbolAmbiguous       = errors.New("symbol ambiguous")
	ErrSymbolAmbiguousStatic = errors.New("symbol ambiguous with at least one static symbol present")
	ErrSymbolAmbiguousWeak   = errors.New("symbol ambiguous with at least one weak symbol present")
	ErrSymbolAmbiguousSuffix = errors.New("symbol ambiguous with at least one suffixed name present")
	ErrNoMatches             = errors.New("no matches found")

	ErrFunctionNotFound  = errors.New("function not found")
	ErrFunctionAmbiguous = errors.New("function ambiguous")
	ErrAddressNotFound   = errors.New("address not found")
)

// ErrorCause is the broad class of a query failure, so callers can produce
// actionable messages without matching individual sentinels.
type ErrorCause int

const (
	CauseOther ErrorCause = iota
	CauseNotFound
	CauseAmbiguous
)

func (c ErrorCause) String() string {
	switch c {
	case CauseNotFound:
		return "not found"
	case CauseAmbiguous:
		return "ambiguous"
	}
	return "other"
}

// CauseOf classifies a query error.
func CauseOf(err error) ErrorCause {
	switch {
	case errors.Is(err, ErrCUNotFound),
		errors.Is(err, ErrFileNotFound),
		errors.Is(err, ErrLineNotFound),
		errors.Is(err, ErrColumnNotFound),
		errors.Is(err, ErrSymbolNotFound),
		errors.Is(err, ErrNoMatches),
		errors.Is(err, ErrFunctionNotFound),
		errors.Is(err, ErrAddressNotFound):
		return CauseNotFound
	case errors.Is(err, ErrCUAmbiguous),
		errors.Is(err, ErrSymbolAmbiguous),
		errors.Is(err, ErrSymbolAmbiguousStatic),
		errors.Is(err, ErrSymbolAmbiguousWeak),
		errors.Is(err, ErrSymbolAmbiguousSuffix),
		errors.Is(err, ErrFunctionAmbiguous):
		return CauseAmbiguous
	}
	return CauseOther
}
