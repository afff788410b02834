package reader

import (
	"strings"

	"github.com/nrgsoft/etrace/pkg/sample"
)

// Reader produces samples from hardware sensors.
//
// ReadAll fills every active event slot of the sample; ReadOne fills a
// single slot. NumEvents returns the count of active slots. Slot indices
// are contiguous in [0, NumEvents()).
//
// Readers are built once at startup and shared by reference. Reads on one
// reader must not run concurrently: the RAPL backend mutates per-slot
// wraparound state without a lock.
type Reader interface {
	ReadAll(s *sample.Sample) error
	ReadOne(s *sample.Sample, idx int) error
	NumEvents() int
}

// Domain is a RAPL power domain.
type Domain int

const (
	DomainPackage Domain = iota
	DomainCores
	DomainUncore
	DomainDRAM
)

func (d Domain) String() string {
	switch d {
	case DomainPackage:
		return "package"
	case DomainCores:
		return "cores"
	case DomainUncore:
		return "uncore"
	case DomainDRAM:
		return "dram"
	}
	return "unknown"
}

// domainFromName maps a powercap domain name to its index by prefix:
// "package-N" selects the package domain, "core" the PP0 power plane,
// "uncore" PP1 and "dram" the memory controller.
func domainFromName(name string) (Domain, bool) {
	switch {
	case strings.HasPrefix(name, "package"):
		return DomainPackage, true
	// "uncore" does not start with "core", so the two cases never overlap.
	case strings.HasPrefix(name, "uncore"):
		return DomainUncore, true
	case strings.HasPrefix(name, "core"):
		return DomainCores, true
	case strings.HasPrefix(name, "dram"):
		return DomainDRAM, true
	}
	return 0, false
}

// Mask selects sockets, devices or domains by bit position.
type Mask uint32

// MaskAll selects every socket, device or domain.
const MaskAll = Mask(^uint32(0))

func (m Mask) Has(bit int) bool {
	return m&(1<<uint(bit)) != 0
}

func (m Mask) Empty() bool {
	return m == 0
}
