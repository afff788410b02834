package region

import (
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/dbginfo"
	"github.com/nrgsoft/etrace/pkg/reader"
	"github.com/nrgsoft/etrace/pkg/sampler"
)

// unboundedInitialSize pre-sizes an unbounded sampler's buffer.
const unboundedInitialSize = 128

// Resolved is a section translated to tracee addresses plus the sampler
// factory matching its method. A fresh sampler is built per execution.
type Resolved struct {
	ID      int
	Section config.Section
	Entry   uint64
	Exits   []uint64
	// Remaining counts executions left to record; negative means
	// unbounded.
	Remaining  int
	NewSampler func() sampler.Sampler
}

// Unbounded reports whether the region records executions forever.
func (r *Resolved) Unbounded() bool {
	return r.Remaining < 0
}

// Resolver translates configured sections into resolved regions against
// one loaded object.
type Resolver struct {
	object *dbginfo.ObjectInfo
	cpu    reader.Reader
	gpu    reader.Reader
	logger log.Logger
}

type Option func(*Resolver)

func WithObjectInfo(object *dbginfo.ObjectInfo) Option {
	return func(r *Resolver) {
		r.object = object
	}
}

func WithCPUReader(cpu reader.Reader) Option {
	return func(r *Resolver) {
		r.cpu = cpu
	}
}

func WithGPUReader(gpu reader.Reader) Option {
	return func(r *Resolver) {
		r.gpu = gpu
	}
}

func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func NewResolver(opts ...Option) (*Resolver, error) {
	r := &Resolver{logger: log.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	if r.object == nil {
		return nil, errors.New("no object info provided")
	}
	return r, nil
}

// Resolve maps every configured section to addresses. Any failure rejects
// the whole run: a region that cannot be resolved must never surface
// mid-trace.
func (r *Resolver) Resolve(sections []config.Section) ([]*Resolved, error) {
	out := make([]*Resolved, 0, len(sections))
	for i := range sections {
		resolved, err := r.resolveSection(i, &sections[i])
		if err != nil {
			return nil, errors.Wrapf(err, "resolving section %q", sections[i].Name)
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (r *Resolver) resolveSection(id int, section *config.Section) (*Resolved, error) {
	entry, err := r.resolvePosition(section.Bounds.Start)
	if err != nil {
		return nil, errors.Wrapf(err, "start position %s", section.Bounds.Start)
	}
	exit, err := r.resolvePosition(section.Bounds.End)
	if err != nil {
		return nil, errors.Wrapf(err, "end position %s", section.Bounds.End)
	}

	resolved := &Resolved{
		ID:        id,
		Section:   *section,
		Entry:     entry,
		Exits:     []uint64{exit},
		Remaining: section.Executions,
	}
	if section.Executions == 0 {
		resolved.Remaining = -1
	}
	resolved.NewSampler = r.samplerFactory(section)

	r.logger.Debug().
		Int("region", id).
		Str("start", section.Bounds.Start.String()).
		Str("end", section.Bounds.End.String()).
		Uint64("entry", entry).
		Uint64("exit", exit).
		Msg("resolved region")

	return resolved, nil
}

// resolvePosition finds the first instruction address of a statement at
// the configured line, or the first statement after it.
func (r *Resolver) resolvePosition(pos config.Position) (uint64, error) {
	cu, err := r.object.FindCompilationUnit(pos.CompilationUnit)
	if err != nil {
		return 0, err
	}
	lines, err := cu.FindLines("", pos.Line, false, 0, true)
	if err != nil {
		return 0, err
	}
	line, err := dbginfo.LowestAddressLine(lines, true)
	if err != nil {
		return 0, err
	}
	return line.Address, nil
}

// samplerFactory picks the sampler family for a section: total is a
// start/end pair, profile is periodic at the section interval, bounded
// when an expected sample count was configured. A missing reader degrades
// to the null sampler.
func (r *Resolver) samplerFactory(section *config.Section) func() sampler.Sampler {
	rd := r.cpu
	if section.Target == config.TargetGPU {
		rd = r.gpu
	}
	if rd == nil {
		return func() sampler.Sampler {
			return sampler.NewNull()
		}
	}
	if section.Method == config.MethodTotal {
		return func() sampler.Sampler {
			return sampler.NewShort(rd)
		}
	}
	interval := section.Interval
	if samples := section.Samples; samples > 0 {
		return func() sampler.Sampler {
			return sampler.NewBounded(rd, interval, samples)
		}
	}
	return func() sampler.Sampler {
		return sampler.NewUnbounded(rd, interval, unboundedInitialSize)
	}
}
