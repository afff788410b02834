package sampler

import (
	"sync/atomic"
	"time"

	"github.com/nrgsoft/etrace/pkg/reader"
)

const (
	// DefaultPeriod is the bounded periodic sampler cadence.
	DefaultPeriod = 30 * time.Millisecond
	// DefaultUnboundedPeriod is the unbounded sampler cadence, shorter
	// because the sequence length is not known up front.
	DefaultUnboundedPeriod = 10 * time.Millisecond

	// boundedSlack is extra buffer capacity beyond the expected sample
	// count, absorbing scheduling jitter without reallocating while the
	// background task runs.
	boundedSlack = 4
)

type periodicResult struct {
	exec Execution
	err  error
}

// Periodic samples the reader on a fixed cadence from a background task
// until signaled. The bounded variant pre-reserves room for the expected
// count plus slack, so appends do not reallocate while the sequence stays
// within that capacity; sampling does not stop there, and a longer region
// grows the buffer. The unbounded variant starts from a given size and
// grows as needed.
type Periodic struct {
	reader   reader.Reader
	period   time.Duration
	sig      *Signaler
	finished atomic.Bool
	buf      Execution
	resultCh chan periodicResult
}

// NewBounded builds a periodic sampler for an expected number of samples.
func NewBounded(r reader.Reader, period time.Duration, samples int) *Periodic {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Periodic{
		reader:   r,
		period:   period,
		sig:      NewSignaler(),
		buf:      make(Execution, 0, samples+boundedSlack),
		resultCh: make(chan periodicResult, 1),
	}
}

// NewUnbounded builds a periodic sampler with a growable buffer.
func NewUnbounded(r reader.Reader, period time.Duration, initialSize int) *Periodic {
	if period <= 0 {
		period = DefaultUnboundedPeriod
	}
	return &Periodic{
		reader:   r,
		period:   period,
		sig:      NewSignaler(),
		buf:      make(Execution, 0, initialSize),
		resultCh: make(chan periodicResult, 1),
	}
}

func (p *Periodic) Period() time.Duration {
	return p.period
}

// Run launches the background task and returns the promise that stops and
// joins it. The first sample is read on the caller's goroutine before Run
// returns, so the sequence starts strictly before the region resumes.
func (p *Periodic) Run() Promise {
	first, err := readTimed(p.reader)
	if err != nil {
		return func() (Execution, error) {
			return nil, err
		}
	}
	p.buf = append(p.buf, first)

	go p.work()

	return func() (Execution, error) {
		p.Stop()
		res := <-p.resultCh
		return res.exec, res.err
	}
}

func (p *Periodic) RunSync() (Execution, error) {
	return p.Run()()
}

// Stop signals the background task to drain. Idempotent.
func (p *Periodic) Stop() {
	p.finished.Store(true)
	p.sig.Signal()
}

// work is the background task: sleep a period, read, repeat. The finished
// flag is observed on every wake, including the one that interrupted the
// sleep, so accumulated samples are never abandoned.
func (p *Periodic) work() {
	for {
		p.sig.WaitFor(p.period)
		if p.finished.Load() {
			p.resultCh <- periodicResult{exec: p.buf}
			return
		}
		ts, err := readTimed(p.reader)
		if err != nil {
			p.resultCh <- periodicResult{exec: p.buf, err: err}
			return
		}
		p.buf = append(p.buf, ts)
	}
}
