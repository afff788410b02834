package trace

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nrgsoft/etrace/internal/output"
	"github.com/nrgsoft/etrace/pkg/profiling"
	"github.com/nrgsoft/etrace/pkg/region"
	"github.com/nrgsoft/etrace/pkg/sampler"
	"github.com/nrgsoft/etrace/pkg/trap"
)

// frame is one open region execution: the region and the promise joining
// its running sampler.
type frame struct {
	region  *region.Resolved
	promise sampler.Promise
}

// Tracer drives the tracee through the configured regions: a wait loop
// that starts a sampler on every region entry and joins it on the
// matching exit. Single-threaded by construction; ptrace ties every
// operation to the spawning thread.
type Tracer struct {
	set      *trap.Set
	entries  map[uint64]*region.Resolved
	exits    map[uint64]*region.Resolved
	stacks   map[int][]frame
	open     map[int]int // region id -> open execution count
	children map[int]bool
	fresh    map[int]bool // children not yet released from their first stop

	sections map[int]*profiling.SectionResult

	entered  atomic.Uint64
	recorded atomic.Uint64

	*TracerOptions
}

func NewTracer(opts ...TracerOption) (*Tracer, error) {
	t := &Tracer{
		entries:  make(map[uint64]*region.Resolved),
		exits:    make(map[uint64]*region.Resolved),
		stacks:   make(map[int][]frame),
		open:     make(map[int]int),
		children: make(map[int]bool),
		fresh:    make(map[int]bool),
		sections: make(map[int]*profiling.SectionResult),
		TracerOptions: &TracerOptions{
			backend: trap.NewPtraceBackend(),
			logger:  log.Nop(),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tracee == nil {
		return nil, ErrTraceeNil
	}
	if len(t.regions) == 0 {
		return nil, ErrNoRegions
	}
	if t.results == nil {
		return nil, ErrNoResults
	}
	return t, nil
}

// IsEntry reports whether addr is a region entry. Part of the trap event
// classification.
func (t *Tracer) IsEntry(addr uint64) bool {
	_, ok := t.entries[addr]
	return ok
}

// IsExit reports whether addr is a region exit.
func (t *Tracer) IsExit(addr uint64) bool {
	_, ok := t.exits[addr]
	return ok
}

// Run spawns the tracee and drives the wait loop until it terminates.
// Fatal ptrace failures abort the loop; partial results stay recorded.
func (t *Tracer) Run(ctx context.Context) error {
	// Every ptrace call must come from the thread that spawned the
	// tracee.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := t.prepare(); err != nil {
		return err
	}
	defer t.tracee.Reap()

	go t.printStatus(ctx)

	err := t.loop()
	t.drain()
	t.results.Freeze()
	return err
}

// prepare spawns the tracee stopped, arms the trace options and installs
// every region entry breakpoint.
func (t *Tracer) prepare() error {
	group, err := t.results.EnsureGroup(t.groupLabel, t.groupExtra)
	if err != nil {
		return err
	}
	for _, reg := range t.regions {
		section, err := t.results.AddSection(
			group, reg.Section.Name, reg.Section.Extra, reg.Section.Target)
		if err != nil {
			return err
		}
		t.sections[reg.ID] = section
	}

	if err := t.tracee.Start(); err != nil {
		return err
	}
	pid := t.tracee.Pid()

	// The exec stop.
	if _, _, err := t.backend.Wait(pid); err != nil {
		return err
	}
	if err := t.backend.SetOptions(pid, trap.TraceOptions); err != nil {
		return err
	}

	t.set = trap.NewSet(t.backend, pid, t.logger)
	for _, reg := range t.regions {
		if err := t.set.Install(reg.Entry); err != nil {
			if errors.Is(err, trap.ErrAlreadyInstalled) {
				continue
			}
			return errors.Wrapf(err, "installing entry breakpoint of region %d", reg.ID)
		}
		t.entries[reg.Entry] = reg
	}

	t.logger.Debug().
		Int("pid", pid).
		Int("regions", len(t.regions)).
		Msg("tracee ready")

	return t.backend.Cont(pid, 0)
}

// loop is the wait-driven state machine.
func (t *Tracer) loop() error {
	mainPid := t.tracee.Pid()
	for {
		wpid, status, err := t.backend.Wait(-1)
		if err != nil {
			return err
		}

		event, err := trap.Classify(t.backend, t.set, t, wpid, status)
		if err != nil {
			return err
		}
		t.logger.Debug().Str("event", event.String()).Msg("trap")

		switch event.Kind {
		case trap.EventExit:
			if wpid != mainPid {
				delete(t.children, wpid)
				delete(t.stacks, wpid)
				continue
			}
			t.logger.Debug().Int("code", event.ExitCode).Msg("tracee exited")
			return nil

		case trap.EventFunctionCall:
			if err := t.handleEntry(wpid, event.Addr); err != nil {
				return err
			}

		case trap.EventFunctionReturn:
			if err := t.handleExit(wpid, event.Addr); err != nil {
				return err
			}

		case trap.EventClone, trap.EventFork, trap.EventVfork:
			if err := t.handleChild(wpid); err != nil {
				return err
			}

		case trap.EventSignal:
			if err := t.handleSignal(wpid, event.Signal); err != nil {
				return err
			}
		}
	}
}

// handleEntry opens one execution of the region whose entry fired: arm
// past the trap, install the exit breakpoints, start a fresh sampler and
// resume the tracee. The sampler's first reading happens before the
// resume, so every sample timestamp lies within the region interval.
func (t *Tracer) handleEntry(pid int, addr uint64) error {
	reg := t.entries[addr]
	if reg == nil {
		return errors.Wrapf(ErrUnknownRegion, "entry %#x", addr)
	}
	if err := t.set.StepOver(pid, addr); err != nil {
		return err
	}
	for _, exit := range reg.Exits {
		if t.set.Installed(exit) {
			continue
		}
		if err := t.set.Install(exit); err != nil {
			return errors.Wrapf(err, "installing exit breakpoint of region %d", reg.ID)
		}
	}
	for _, exit := range reg.Exits {
		t.exits[exit] = reg
	}

	promise := reg.NewSampler().Run()
	t.stacks[pid] = append(t.stacks[pid], frame{region: reg, promise: promise})
	t.open[reg.ID]++
	t.entered.Add(1)

	t.logger.Debug().Int("region", reg.ID).Int("depth", t.open[reg.ID]).Msg("region entered")

	return t.backend.Cont(pid, 0)
}

// handleExit closes the innermost open execution of the region whose
// exit fired: join the sampler, record the execution, retire the region
// when its execution budget is spent.
func (t *Tracer) handleExit(pid int, addr uint64) error {
	reg := t.exits[addr]
	if reg == nil {
		return errors.Wrapf(ErrUnknownRegion, "exit %#x", addr)
	}
	if err := t.set.StepOver(pid, addr); err != nil {
		return err
	}

	fr, ok := t.popFrame(pid, reg)
	if !ok {
		// An exit line is reachable without its entry having fired, e.g.
		// a jump into the tail of the region. Not an error.
		t.logger.Debug().Int("region", reg.ID).Msg("exit without open entry")
		return t.backend.Cont(pid, 0)
	}

	exec, serr := fr.promise()
	t.open[reg.ID]--
	t.record(reg, exec, serr)

	if !reg.Unbounded() {
		reg.Remaining--
		if reg.Remaining == 0 {
			if err := t.retire(reg); err != nil {
				return err
			}
		}
	}
	if t.open[reg.ID] == 0 {
		// No execution of this region is open: its exits can rest until
		// the next entry, or forever when the region retired.
		if err := t.uninstallExits(reg); err != nil {
			return err
		}
	}

	return t.backend.Cont(pid, 0)
}

// popFrame removes the innermost frame of reg from the task's stack.
func (t *Tracer) popFrame(pid int, reg *region.Resolved) (frame, bool) {
	stack := t.stacks[pid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].region != reg {
			continue
		}
		fr := stack[i]
		t.stacks[pid] = append(stack[:i], stack[i+1:]...)
		return fr, true
	}
	return frame{}, false
}

// record stores one execution, carrying the sampler error when the
// sequence is partial.
func (t *Tracer) record(reg *region.Resolved, exec sampler.Execution, serr error) {
	e := profiling.Execution{
		Interval: profiling.Interval{
			Start: reg.Section.Bounds.Start,
			End:   reg.Section.Bounds.End,
		},
		Samples: exec,
	}
	if serr != nil {
		t.logger.Warn().Err(serr).Int("region", reg.ID).Msg("sampler aborted; recording partial sequence")
		e.Err = &profiling.ExecError{Cause: "read-error", Message: serr.Error()}
	}
	if err := t.results.AddExecution(t.sections[reg.ID], e); err != nil {
		t.logger.Err(err).Msg("recording execution")
		return
	}
	t.recorded.Add(1)
}

// retire permanently removes a region's entry once its execution budget
// is spent.
func (t *Tracer) retire(reg *region.Resolved) error {
	t.logger.Debug().Int("region", reg.ID).Msg("region retired")
	if t.entries[reg.Entry] == reg {
		delete(t.entries, reg.Entry)
		if t.set.Installed(reg.Entry) {
			if err := t.set.Uninstall(reg.Entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tracer) uninstallExits(reg *region.Resolved) error {
	for _, exit := range reg.Exits {
		if t.exits[exit] != reg {
			continue
		}
		delete(t.exits, exit)
		if !t.set.Installed(exit) {
			continue
		}
		if err := t.set.Uninstall(exit); err != nil {
			return err
		}
	}
	return nil
}

// handleChild adopts a task reported by a clone, fork or vfork stop. The
// new task inherits the trap bytes with its address space (shared for
// clone, copied for fork), so breakpoints need no reinstallation.
func (t *Tracer) handleChild(pid int) error {
	msg, err := t.backend.EventMsg(pid)
	if err != nil {
		return err
	}
	child := int(msg)
	t.children[child] = true
	t.fresh[child] = true
	t.logger.Debug().Int("parent", pid).Int("child", child).Msg("tracking new task")
	return t.backend.Cont(pid, 0)
}

// handleSignal forwards signal stops. SIGTRAPs that matched no
// breakpoint and the birth SIGSTOP of a fresh child are swallowed.
func (t *Tracer) handleSignal(pid int, sig unix.Signal) error {
	deliver := int(sig)
	switch {
	case sig == unix.SIGTRAP:
		deliver = 0
	case sig == unix.SIGSTOP && t.fresh[pid]:
		delete(t.fresh, pid)
		deliver = 0
	}
	return t.backend.Cont(pid, deliver)
}

type drained struct {
	fr   frame
	exec sampler.Execution
	err  error
}

// drain joins every still-running sampler after the tracee is gone, so
// no background task leaks and the partial data is kept. Joins run
// concurrently; recording stays on the tracer goroutine, the only writer
// of the result tree.
func (t *Tracer) drain() {
	count := 0
	for _, stack := range t.stacks {
		count += len(stack)
	}
	if count == 0 {
		return
	}

	ch := make(chan drained, count)
	var g errgroup.Group
	for pid, stack := range t.stacks {
		for _, fr := range stack {
			fr := fr
			g.Go(func() error {
				exec, err := fr.promise()
				ch <- drained{fr: fr, exec: exec, err: err}
				return nil
			})
		}
		delete(t.stacks, pid)
	}
	g.Wait()
	close(ch)

	for d := range ch {
		e := profiling.Execution{
			Interval: profiling.Interval{
				Start: d.fr.region.Section.Bounds.Start,
				End:   d.fr.region.Section.Bounds.End,
			},
			Samples: d.exec,
			Err: &profiling.ExecError{
				Cause:   "tracer",
				Message: ErrTraceeVanished.Error(),
			},
		}
		if d.err != nil {
			e.Err = &profiling.ExecError{Cause: "read-error", Message: d.err.Error()}
		}
		if err := t.results.AddExecution(t.sections[d.fr.region.ID], e); err != nil {
			t.logger.Err(err).Msg("recording drained execution")
		}
	}
}

// printStatus renders a live one-line status while tracing.
func (t *Tracer) printStatus(ctx context.Context) {
	if !t.status {
		return
	}
	output.StatusBar(ctx, time.Second, func() {
		output.PrintRight(output.PrettyTraceStatus(
			len(t.regions),
			t.entered.Load(),
			t.recorded.Load(),
		))
	})
}
