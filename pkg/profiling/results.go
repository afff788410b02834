package profiling

import (
	"github.com/pkg/errors"

	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/sampler"
)

var ErrFrozen = errors.New("results are frozen")

// Interval is a region delimited by two resolved source positions.
type Interval struct {
	Start config.Position
	End   config.Position
}

// ExecError is a sampling failure attached to the execution it cut short.
type ExecError struct {
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

// Execution is one recorded run of a region: its interval and the timed
// samples collected while it ran. A partial sequence keeps the error that
// ended it.
type Execution struct {
	Interval Interval
	Samples  sampler.Execution
	Err      *ExecError
}

// SectionResult accumulates the executions of one configured section.
type SectionResult struct {
	Label      string
	Extra      string
	Target     config.Target
	Executions []Execution
}

// Group bundles section results under a label.
type Group struct {
	Label    string
	Extra    string
	Sections []*SectionResult
}

// IdleExec is a baseline sample series collected with the tracee paused,
// one per configured reader.
type IdleExec struct {
	Target  config.Target
	Samples sampler.Execution
}

// Results is the mutable result tree. Append-only while tracing; Freeze
// seals it before it is handed to the writer.
type Results struct {
	Idle   []IdleExec
	Groups []*Group

	frozen bool
}

func NewResults() *Results {
	return &Results{}
}

// EnsureGroup returns the group with the label, creating it on first use.
func (r *Results) EnsureGroup(label, extra string) (*Group, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	for _, g := range r.Groups {
		if g.Label == label {
			return g, nil
		}
	}
	g := &Group{Label: label, Extra: extra}
	r.Groups = append(r.Groups, g)
	return g, nil
}

// EnsureSection returns the group's section result with the label,
// creating it on first use.
func (r *Results) EnsureSection(g *Group, label, extra string, target config.Target) (*SectionResult, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	for _, s := range g.Sections {
		if s.Label == label {
			return s, nil
		}
	}
	s := &SectionResult{Label: label, Extra: extra, Target: target}
	g.Sections = append(g.Sections, s)
	return s, nil
}

// AddSection appends a fresh section result to a group without label
// deduplication: distinct configured sections may share a label, or have
// none.
func (r *Results) AddSection(g *Group, label, extra string, target config.Target) (*SectionResult, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	s := &SectionResult{Label: label, Extra: extra, Target: target}
	g.Sections = append(g.Sections, s)
	return s, nil
}

// AddExecution appends one recorded region execution.
func (r *Results) AddExecution(s *SectionResult, exec Execution) error {
	if r.frozen {
		return ErrFrozen
	}
	s.Executions = append(s.Executions, exec)
	return nil
}

// AddIdle appends one idle baseline series.
func (r *Results) AddIdle(idle IdleExec) error {
	if r.frozen {
		return ErrFrozen
	}
	r.Idle = append(r.Idle, idle)
	return nil
}

// Freeze seals the tree. Every Add* afterwards fails.
func (r *Results) Freeze() {
	r.frozen = true
}

func (r *Results) Frozen() bool {
	return r.frozen
}
