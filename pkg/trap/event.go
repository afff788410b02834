package trap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EventKind discriminates the trap events the wait loop observes.
type EventKind int

const (
	// EventFunctionCall is a fired region-entry breakpoint.
	EventFunctionCall EventKind = iota
	// EventFunctionReturn is a fired region-exit breakpoint.
	EventFunctionReturn
	// EventClone, EventFork and EventVfork report a new task whose
	// address space may inherit installed breakpoints.
	EventClone
	EventFork
	EventVfork
	// EventSignal is a signal-delivery stop unrelated to breakpoints.
	EventSignal
	// EventExit is tracee termination.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventFunctionCall:
		return "function-call"
	case EventFunctionReturn:
		return "function-return"
	case EventClone:
		return "clone"
	case EventFork:
		return "fork"
	case EventVfork:
		return "vfork"
	case EventSignal:
		return "signal"
	case EventExit:
		return "exit"
	}
	return "unknown"
}

// Event is the tagged classification of one wait status. A breakpoint
// event carries the breakpoint, so the original instruction word travels
// with the event for restoration.
type Event struct {
	Kind       EventKind
	Pid        int
	Addr       uint64
	Breakpoint *Breakpoint
	Signal     unix.Signal
	ExitCode   int
}

func (e Event) String() string {
	switch e.Kind {
	case EventFunctionCall, EventFunctionReturn:
		return fmt.Sprintf("%s at %#x (pid %d)", e.Kind, e.Addr, e.Pid)
	case EventSignal:
		return fmt.Sprintf("signal %s (pid %d)", unix.SignalName(e.Signal), e.Pid)
	case EventExit:
		return fmt.Sprintf("exit %d (pid %d)", e.ExitCode, e.Pid)
	}
	return fmt.Sprintf("%s (pid %d)", e.Kind, e.Pid)
}

// ptraceEvent extracts the PTRACE_EVENT_* number from a wait status, or
// zero when the stop is not a ptrace event.
func ptraceEvent(status unix.WaitStatus) int {
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return 0
	}
	return int(status) >> 16 & 0xff
}

// EntryExit lets Classify tell region entries from exits; the tracer
// implements it over its resolved region addresses.
type EntryExit interface {
	IsEntry(addr uint64) bool
	IsExit(addr uint64) bool
}

// Classify maps one wait status to an event. For SIGTRAP stops the trap
// address is the program counter rewound by the size of the trap opcode.
func Classify(backend Backend, set *Set, bounds EntryExit, pid int, status unix.WaitStatus) (Event, error) {
	if status.Exited() || status.Signaled() {
		code := status.ExitStatus()
		if status.Signaled() {
			code = 128 + int(status.Signal())
		}
		return Event{Kind: EventExit, Pid: pid, ExitCode: code}, nil
	}

	switch ptraceEvent(status) {
	case unix.PTRACE_EVENT_CLONE:
		return Event{Kind: EventClone, Pid: pid}, nil
	case unix.PTRACE_EVENT_FORK:
		return Event{Kind: EventFork, Pid: pid}, nil
	case unix.PTRACE_EVENT_VFORK:
		return Event{Kind: EventVfork, Pid: pid}, nil
	}

	if status.StopSignal() != unix.SIGTRAP {
		return Event{Kind: EventSignal, Pid: pid, Signal: status.StopSignal()}, nil
	}

	var regs unix.PtraceRegs
	if err := backend.GetRegs(pid, &regs); err != nil {
		return Event{}, err
	}
	addr := regs.Rip - 1

	bp, installed := set.Get(addr)
	if !installed {
		return Event{Kind: EventSignal, Pid: pid, Signal: unix.SIGTRAP}, nil
	}
	kind := EventFunctionReturn
	if bounds.IsEntry(addr) {
		kind = EventFunctionCall
	} else if !bounds.IsExit(addr) {
		return Event{Kind: EventSignal, Pid: pid, Signal: unix.SIGTRAP}, nil
	}
	return Event{Kind: kind, Pid: pid, Addr: addr, Breakpoint: bp}, nil
}
