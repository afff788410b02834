package sampler

import (
	"time"

	"github.com/nrgsoft/etrace/pkg/reader"
	"github.com/nrgsoft/etrace/pkg/sample"
)

// Execution is the sequence of timed samples collected while a region ran.
// Timestamps are strictly increasing in issue order.
type Execution []sample.TimedSample

// Promise retrieves a sampler's results. Calling it signals the sampler to
// stop (when it runs in the background), joins its task and returns the
// accumulated samples. On a read failure the partial sequence is returned
// together with the error.
type Promise func() (Execution, error)

// Sampler collects timed samples during one region execution.
//
// Run starts sampling and returns a promise to be called at region exit;
// RunSync consumes the sampler and returns the samples directly. A sampler
// is single-use: neither method may be called twice.
type Sampler interface {
	Run() Promise
	RunSync() (Execution, error)
}

// readTimed stamps the monotonic clock immediately before reading every
// active slot of the reader.
func readTimed(r reader.Reader) (sample.TimedSample, error) {
	ts := sample.TimedSample{At: time.Now()}
	if err := r.ReadAll(&ts.Sample); err != nil {
		return ts, err
	}
	return ts, nil
}

// Null produces an empty sequence. Used when a region's target has no
// reader available.
type Null struct{}

func NewNull() *Null {
	return &Null{}
}

func (*Null) Run() Promise {
	return func() (Execution, error) {
		return nil, nil
	}
}

func (*Null) RunSync() (Execution, error) {
	return nil, nil
}

// Short reads one sample when started and a second when awaited,
// bracketing the region with a start/end pair.
type Short struct {
	reader reader.Reader
}

func NewShort(r reader.Reader) *Short {
	return &Short{reader: r}
}

func (s *Short) Run() Promise {
	start, err := readTimed(s.reader)
	if err != nil {
		return func() (Execution, error) {
			return nil, err
		}
	}
	return func() (Execution, error) {
		end, err := readTimed(s.reader)
		if err != nil {
			return Execution{start}, err
		}
		return Execution{start, end}, nil
	}
}

func (s *Short) RunSync() (Execution, error) {
	return s.Run()()
}

// Sync brackets a caller-provided callable with a start and end sample,
// all on the calling goroutine.
type Sync struct {
	reader reader.Reader
	work   func()
}

func NewSync(r reader.Reader, work func()) *Sync {
	return &Sync{reader: r, work: work}
}

func (s *Sync) RunSync() (Execution, error) {
	start, err := readTimed(s.reader)
	if err != nil {
		return nil, err
	}
	s.work()
	end, err := readTimed(s.reader)
	if err != nil {
		return Execution{start}, err
	}
	return Execution{start, end}, nil
}

func (s *Sync) Run() Promise {
	exec, err := s.RunSync()
	return func() (Execution, error) {
		return exec, err
	}
}
