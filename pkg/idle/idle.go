package idle

import (
	"time"

	log "github.com/rs/zerolog"

	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/profiling"
	"github.com/nrgsoft/etrace/pkg/reader"
	"github.com/nrgsoft/etrace/pkg/sampler"
)

const (
	// DefaultSleep is how long the baseline is observed.
	DefaultSleep = 5 * time.Second

	samplePeriod = 30 * time.Millisecond
)

// Evaluator collects a baseline sample series from one reader while the
// tracee is stopped, so region readings can be related to the machine's
// idle consumption.
type Evaluator struct {
	reader reader.Reader
	target config.Target
	sleep  time.Duration
	logger log.Logger
}

type Option func(*Evaluator)

func WithReader(r reader.Reader, target config.Target) Option {
	return func(e *Evaluator) {
		e.reader = r
		e.target = target
	}
}

func WithSleep(d time.Duration) Option {
	return func(e *Evaluator) {
		e.sleep = d
	}
}

func WithLogger(logger log.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		sleep:  DefaultSleep,
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run samples the reader for the configured sleep duration and returns
// the baseline series.
func (e *Evaluator) Run() (profiling.IdleExec, error) {
	expected := int(e.sleep / samplePeriod)
	s := sampler.NewBounded(e.reader, samplePeriod, expected)

	e.logger.Debug().
		Dur("sleep", e.sleep).
		Str("target", e.target.String()).
		Msg("evaluating idle consumption")

	promise := s.Run()
	time.Sleep(e.sleep)
	exec, err := promise()
	if err != nil {
		return profiling.IdleExec{}, err
	}
	return profiling.IdleExec{Target: e.target, Samples: exec}, nil
}
