package trace

import (
	"github.com/pkg/errors"
)

var (
	ErrExePathEmpty = errors.New("exe path is empty")
	ErrNotStarted   = errors.New("tracee not started")
)
