package reader

import (
	"github.com/nrgsoft/etrace/pkg/sample"
)

// Hybrid composes sub-readers behind a single ReadAll, applied in order
// with a short-circuit on the first error. Slot indices are private to
// each sub-reader (CPU and GPU slots occupy disjoint spaces in a sample),
// so ReadOne would be ambiguous and reports not-implemented.
type Hybrid struct {
	readers []Reader
}

func NewHybrid(readers ...Reader) *Hybrid {
	return &Hybrid{readers: readers}
}

func (h *Hybrid) ReadAll(s *sample.Sample) error {
	for _, r := range h.readers {
		if err := r.ReadAll(s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hybrid) ReadOne(_ *sample.Sample, _ int) error {
	return newError(CodeNotImplemented, "reading specific events of a composite reader")
}

func (h *Hybrid) NumEvents() int {
	n := 0
	for _, r := range h.readers {
		n += r.NumEvents()
	}
	return n
}
