package trace

import (
	"github.com/pkg/errors"
)

var (
	ErrTraceeNil      = errors.New("tracee is nil")
	ErrNoRegions      = errors.New("no regions to trace")
	ErrNoResults      = errors.New("no result aggregator provided")
	ErrUnknownRegion  = errors.New("trap at address of no known region")
	ErrRegionNotOpen  = errors.New("region exit without a matching entry")
	ErrTraceeVanished = errors.New("tracee vanished mid-region")
)
