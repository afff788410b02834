package trace_test

import (
	"context"
	"testing"
	"time"

	log "github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/profiling"
	"github.com/nrgsoft/etrace/pkg/region"
	"github.com/nrgsoft/etrace/pkg/sample"
	"github.com/nrgsoft/etrace/pkg/sampler"
	"github.com/nrgsoft/etrace/pkg/trace"
)

const (
	entryAddr = uint64(0x1000)
	exitAddr  = uint64(0x1080)
)

type stopKind int

const (
	stopHit stopKind = iota
	stopSignal
	stopClone
	stopExit
)

type stop struct {
	kind stopKind
	pid  int
	addr uint64
	sig  unix.Signal
	code int
	msg  uint64 // child pid for clone stops
}

// scriptedBackend replays a canned sequence of wait stops against the
// tracer, emulating tracee memory with a map.
type scriptedBackend struct {
	t      *testing.T
	mem    map[uint64]uint64
	regs   unix.PtraceRegs
	script []stop
	next   int

	// mainPid resolves the spawned tracee's pid; scripted stops with
	// pid 0 report it.
	mainPid func() int

	stepPid     int
	stepPending bool
	lastMsg     uint64

	delivered []int
}

func newScriptedBackend(t *testing.T, script []stop) *scriptedBackend {
	return &scriptedBackend{
		t: t,
		mem: map[uint64]uint64{
			entryAddr: 0x1111111111111155,
			exitAddr:  0x2222222222222266,
		},
		script: script,
	}
}

func (b *scriptedBackend) PeekWord(_ int, addr uint64) (uint64, error) {
	return b.mem[addr], nil
}

func (b *scriptedBackend) PokeWord(_ int, addr uint64, word uint64) error {
	b.mem[addr] = word
	return nil
}

func (b *scriptedBackend) GetRegs(_ int, regs *unix.PtraceRegs) error {
	*regs = b.regs
	return nil
}

func (b *scriptedBackend) SetRegs(_ int, regs *unix.PtraceRegs) error {
	b.regs = *regs
	return nil
}

func (b *scriptedBackend) SingleStep(pid int) error {
	b.stepPid = pid
	b.stepPending = true
	return nil
}

func (b *scriptedBackend) Cont(_ int, sig int) error {
	if sig != 0 {
		b.delivered = append(b.delivered, sig)
	}
	return nil
}

func (b *scriptedBackend) SetOptions(_ int, _ int) error {
	return nil
}

func (b *scriptedBackend) EventMsg(_ int) (uint64, error) {
	return b.lastMsg, nil
}

func (b *scriptedBackend) Wait(_ int) (int, unix.WaitStatus, error) {
	// The single-step stop inside the arming protocol.
	if b.stepPending {
		b.stepPending = false
		return b.stepPid, unix.WaitStatus(0x7f | int(unix.SIGTRAP)<<8), nil
	}
	require.Less(b.t, b.next, len(b.script), "script exhausted")
	s := b.script[b.next]
	b.next++
	pid := s.pid
	if pid == 0 {
		pid = b.mainPid()
	}
	switch s.kind {
	case stopHit:
		b.regs.Rip = s.addr + 1
		return pid, unix.WaitStatus(0x7f | int(unix.SIGTRAP)<<8), nil
	case stopSignal:
		return pid, unix.WaitStatus(0x7f | int(s.sig)<<8), nil
	case stopClone:
		b.lastMsg = s.msg
		return pid, unix.WaitStatus(0x7f | int(unix.SIGTRAP)<<8 | unix.PTRACE_EVENT_CLONE<<16), nil
	}
	return pid, unix.WaitStatus(s.code << 8), nil
}

type fixedReader struct{}

func (fixedReader) ReadAll(s *sample.Sample) error {
	s.SetCPU(0, 42)
	return nil
}

func (fixedReader) ReadOne(s *sample.Sample, _ int) error {
	return fixedReader{}.ReadAll(s)
}

func (fixedReader) NumEvents() int {
	return 1
}

func testRegion(remaining int) *region.Resolved {
	return &region.Resolved{
		ID:    0,
		Entry: entryAddr,
		Exits: []uint64{exitAddr},
		Section: config.Section{
			Name:     "loop",
			Interval: 10 * time.Millisecond,
			Bounds: config.Bounds{
				Start: config.Position{CompilationUnit: "main.c", Line: 10},
				End:   config.Position{CompilationUnit: "main.c", Line: 20},
			},
		},
		Remaining: remaining,
		NewSampler: func() sampler.Sampler {
			return sampler.NewShort(fixedReader{})
		},
	}
}

// sleepTracee builds a Tracee around a real binary path; the scripted
// backend never lets it run, but Start must succeed.
func sleepTracee(t *testing.T) *trace.Tracee {
	t.Helper()
	return trace.NewTracee(
		trace.WithTraceeExePath("/bin/sleep"),
		trace.WithTraceeArgs("10"),
	)
}

func runTracer(t *testing.T, script []stop, reg *region.Resolved) (*profiling.Results, *scriptedBackend, error) {
	t.Helper()
	backend := newScriptedBackend(t, script)
	results := profiling.NewResults()
	tracee := sleepTracee(t)
	backend.mainPid = tracee.Pid
	tracer, err := trace.NewTracer(
		trace.WithTracerTracee(tracee),
		trace.WithTracerBackend(backend),
		trace.WithTracerRegions([]*region.Resolved{reg}),
		trace.WithTracerResults(results),
		trace.WithTracerLogger(log.Nop()),
	)
	require.NoError(t, err)
	return results, backend, tracer.Run(context.Background())
}

func mainPidStops(kinds ...stop) []stop {
	// The initial exec stop consumed by prepare.
	return append([]stop{{kind: stopSignal, sig: unix.SIGTRAP}}, kinds...)
}

func TestTracee_StartValidation(t *testing.T) {
	err := trace.NewTracee().Start()
	require.ErrorIs(t, err, trace.ErrExePathEmpty)
}

func TestNewTracer_Validation(t *testing.T) {
	_, err := trace.NewTracer()
	require.ErrorIs(t, err, trace.ErrTraceeNil)

	_, err = trace.NewTracer(trace.WithTracerTracee(sleepTracee(t)))
	require.ErrorIs(t, err, trace.ErrNoRegions)

	_, err = trace.NewTracer(
		trace.WithTracerTracee(sleepTracee(t)),
		trace.WithTracerRegions([]*region.Resolved{testRegion(-1)}),
	)
	require.ErrorIs(t, err, trace.ErrNoResults)
}

func TestTracer_RecordsExecutions(t *testing.T) {
	script := mainPidStops(
		stop{kind: stopHit, addr: entryAddr},
		stop{kind: stopHit, addr: exitAddr},
		stop{kind: stopHit, addr: entryAddr},
		stop{kind: stopHit, addr: exitAddr},
		stop{kind: stopExit, code: 0},
	)

	results, backend, err := runTracer(t, script, testRegion(-1))
	require.NoError(t, err)
	require.True(t, results.Frozen())

	require.Len(t, results.Groups, 1)
	require.Len(t, results.Groups[0].Sections, 1)
	section := results.Groups[0].Sections[0]
	require.Equal(t, "loop", section.Label)
	require.Len(t, section.Executions, 2)

	for _, exec := range section.Executions {
		require.Nil(t, exec.Err)
		require.Len(t, exec.Samples, 2, "short sampler brackets the region")
		require.Equal(t, "main.c:10", exec.Interval.Start.String())
		require.Equal(t, "main.c:20", exec.Interval.End.String())
	}

	// After the last exit the exit word is restored.
	require.Equal(t, uint64(0x2222222222222266), backend.mem[exitAddr])
}

func TestTracer_NestedExecutions(t *testing.T) {
	script := mainPidStops(
		stop{kind: stopHit, addr: entryAddr},
		stop{kind: stopHit, addr: entryAddr},
		stop{kind: stopHit, addr: exitAddr},
		stop{kind: stopHit, addr: exitAddr},
		stop{kind: stopExit, code: 0},
	)

	results, _, err := runTracer(t, script, testRegion(-1))
	require.NoError(t, err)

	section := results.Groups[0].Sections[0]
	require.Len(t, section.Executions, 2, "each entry/exit pair yields one record")
}

func TestTracer_BoundedExecutionsRetireRegion(t *testing.T) {
	script := mainPidStops(
		stop{kind: stopHit, addr: entryAddr},
		stop{kind: stopHit, addr: exitAddr},
		stop{kind: stopExit, code: 0},
	)

	results, backend, err := runTracer(t, script, testRegion(1))
	require.NoError(t, err)

	section := results.Groups[0].Sections[0]
	require.Len(t, section.Executions, 1)

	// Both breakpoints are gone: the instruction stream is back to its
	// pre-install state.
	require.Equal(t, uint64(0x1111111111111155), backend.mem[entryAddr])
	require.Equal(t, uint64(0x2222222222222266), backend.mem[exitAddr])
}

func TestTracer_TraceeDiesMidRegion(t *testing.T) {
	script := mainPidStops(
		stop{kind: stopHit, addr: entryAddr},
		stop{kind: stopExit, code: 1},
	)

	results, _, err := runTracer(t, script, testRegion(-1))
	require.NoError(t, err)

	section := results.Groups[0].Sections[0]
	require.Len(t, section.Executions, 1, "outstanding sampler is drained, not leaked")
	require.NotNil(t, section.Executions[0].Err)
}

func TestTracer_SignalForwarding(t *testing.T) {
	script := mainPidStops(
		stop{kind: stopSignal, sig: unix.SIGUSR1},
		stop{kind: stopExit, code: 0},
	)

	_, backend, err := runTracer(t, script, testRegion(-1))
	require.NoError(t, err)
	require.Equal(t, []int{int(unix.SIGUSR1)}, backend.delivered)
}

func TestTracer_CloneTracking(t *testing.T) {
	script := mainPidStops(
		stop{kind: stopClone, msg: 999},
		stop{kind: stopSignal, pid: 999, sig: unix.SIGSTOP},
		stop{kind: stopHit, pid: 999, addr: entryAddr},
		stop{kind: stopHit, pid: 999, addr: exitAddr},
		stop{kind: stopExit, pid: 999, code: 0},
		stop{kind: stopExit, code: 0},
	)

	results, backend, err := runTracer(t, script, testRegion(-1))
	require.NoError(t, err)

	// The child's region execution is recorded like the parent's, and
	// its birth SIGSTOP was swallowed.
	section := results.Groups[0].Sections[0]
	require.Len(t, section.Executions, 1)
	require.Empty(t, backend.delivered)
}
