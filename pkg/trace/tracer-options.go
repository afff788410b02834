package trace

import (
	log "github.com/rs/zerolog"

	"github.com/nrgsoft/etrace/pkg/profiling"
	"github.com/nrgsoft/etrace/pkg/region"
	"github.com/nrgsoft/etrace/pkg/trap"
)

type TracerOptions struct {
	tracee  *Tracee
	backend trap.Backend
	regions []*region.Resolved
	results *profiling.Results

	groupLabel string
	groupExtra string
	status     bool

	logger log.Logger
}

type TracerOption func(*Tracer)

func WithTracerTracee(tracee *Tracee) TracerOption {
	return func(o *Tracer) {
		o.tracee = tracee
	}
}

func WithTracerBackend(backend trap.Backend) TracerOption {
	return func(o *Tracer) {
		o.backend = backend
	}
}

func WithTracerRegions(regions []*region.Resolved) TracerOption {
	return func(o *Tracer) {
		o.regions = regions
	}
}

func WithTracerResults(results *profiling.Results) TracerOption {
	return func(o *Tracer) {
		o.results = results
	}
}

func WithTracerGroup(label, extra string) TracerOption {
	return func(o *Tracer) {
		o.groupLabel = label
		o.groupExtra = extra
	}
}

func WithTracerStatus(status bool) TracerOption {
	return func(o *Tracer) {
		o.status = status
	}
}

func WithTracerLogger(logger log.Logger) TracerOption {
	return func(o *Tracer) {
		o.logger = logger
	}
}
