package trap

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Backend is the ptrace surface the breakpoint layer and the tracer
// depend on. All calls must come from the goroutine that spawned the
// tracee: the kernel ties ptrace permissions to the tracer thread.
type Backend interface {
	PeekWord(pid int, addr uint64) (uint64, error)
	PokeWord(pid int, addr uint64, word uint64) error
	GetRegs(pid int, regs *unix.PtraceRegs) error
	SetRegs(pid int, regs *unix.PtraceRegs) error
	SingleStep(pid int) error
	Cont(pid int, sig int) error
	SetOptions(pid int, options int) error
	// EventMsg fetches the payload of a ptrace event stop; for clone,
	// fork and vfork stops it is the new task's pid.
	EventMsg(pid int) (uint64, error)
	Wait(pid int) (wpid int, status unix.WaitStatus, err error)
}

// PtraceBackend implements Backend with the real ptrace syscalls.
type PtraceBackend struct{}

func NewPtraceBackend() *PtraceBackend {
	return &PtraceBackend{}
}

func (*PtraceBackend) PeekWord(pid int, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := unix.PtracePeekData(pid, uintptr(addr), buf[:])
	if err != nil {
		return 0, errors.Wrapf(err, "peeking data at %#x", addr)
	}
	if n != len(buf) {
		return 0, errors.Errorf("short peek at %#x: %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (*PtraceBackend) PokeWord(pid int, addr uint64, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	n, err := unix.PtracePokeData(pid, uintptr(addr), buf[:])
	if err != nil {
		return errors.Wrapf(err, "poking data at %#x", addr)
	}
	if n != len(buf) {
		return errors.Errorf("short poke at %#x: %d bytes", addr, n)
	}
	return nil
}

func (*PtraceBackend) GetRegs(pid int, regs *unix.PtraceRegs) error {
	return errors.Wrap(unix.PtraceGetRegs(pid, regs), "getting registers")
}

func (*PtraceBackend) SetRegs(pid int, regs *unix.PtraceRegs) error {
	return errors.Wrap(unix.PtraceSetRegs(pid, regs), "setting registers")
}

func (*PtraceBackend) SingleStep(pid int) error {
	return errors.Wrap(unix.PtraceSingleStep(pid), "single-stepping")
}

func (*PtraceBackend) Cont(pid int, sig int) error {
	return errors.Wrap(unix.PtraceCont(pid, sig), "continuing tracee")
}

func (*PtraceBackend) SetOptions(pid int, options int) error {
	return errors.Wrap(unix.PtraceSetOptions(pid, options), "setting ptrace options")
}

func (*PtraceBackend) EventMsg(pid int) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(pid)
	return uint64(msg), errors.Wrap(err, "getting ptrace event message")
}

func (*PtraceBackend) Wait(pid int) (int, unix.WaitStatus, error) {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(pid, &status, 0, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "waiting for tracee")
	}
	return wpid, status, nil
}

// TraceOptions are the ptrace options armed on every tracee so clones,
// forks and vforks stop and report before running.
const TraceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK
