package trap_test

import (
	"testing"

	log "github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nrgsoft/etrace/pkg/trap"
)

// fakeBackend keeps tracee memory and registers in maps.
type fakeBackend struct {
	mem        map[uint64]uint64
	regs       unix.PtraceRegs
	steps      int
	waitStatus unix.WaitStatus
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		mem:        make(map[uint64]uint64),
		waitStatus: stoppedStatus(unix.SIGTRAP),
	}
}

func stoppedStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(0x7f | int(sig)<<8)
}

func exitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

func eventStatus(event int) unix.WaitStatus {
	return unix.WaitStatus(0x7f | int(unix.SIGTRAP)<<8 | event<<16)
}

func (b *fakeBackend) PeekWord(_ int, addr uint64) (uint64, error) {
	return b.mem[addr], nil
}

func (b *fakeBackend) PokeWord(_ int, addr uint64, word uint64) error {
	b.mem[addr] = word
	return nil
}

func (b *fakeBackend) GetRegs(_ int, regs *unix.PtraceRegs) error {
	*regs = b.regs
	return nil
}

func (b *fakeBackend) SetRegs(_ int, regs *unix.PtraceRegs) error {
	b.regs = *regs
	return nil
}

func (b *fakeBackend) SingleStep(_ int) error {
	b.steps++
	b.regs.Rip++
	return nil
}

func (b *fakeBackend) Cont(_ int, _ int) error {
	return nil
}

func (b *fakeBackend) SetOptions(_ int, _ int) error {
	return nil
}

func (b *fakeBackend) EventMsg(_ int) (uint64, error) {
	return 0, nil
}

func (b *fakeBackend) Wait(pid int) (int, unix.WaitStatus, error) {
	return pid, b.waitStatus, nil
}

type staticBounds struct {
	entries map[uint64]bool
	exits   map[uint64]bool
}

func (b staticBounds) IsEntry(addr uint64) bool { return b.entries[addr] }
func (b staticBounds) IsExit(addr uint64) bool  { return b.exits[addr] }

func TestInstallUninstall(t *testing.T) {
	backend := newFakeBackend()
	const addr = 0x1000
	const word = uint64(0x1122334455667788)
	backend.mem[addr] = word

	set := trap.NewSet(backend, 42, log.Nop())
	require.NoError(t, set.Install(addr))
	require.True(t, set.Installed(addr))
	require.Equal(t, uint64(0x11223344556677CC), backend.mem[addr],
		"only the least-significant byte changes")

	require.ErrorIs(t, set.Install(addr), trap.ErrAlreadyInstalled)

	require.NoError(t, set.Uninstall(addr))
	require.False(t, set.Installed(addr))
	require.Equal(t, word, backend.mem[addr], "original word restored")

	require.ErrorIs(t, set.Uninstall(addr), trap.ErrNotInstalled)
}

func TestStepOverRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	const addr = 0x2000
	const word = uint64(0xAABBCCDDEEFF0055)
	backend.mem[addr] = word
	backend.regs.Rip = addr + 1 // as after the trap fired

	set := trap.NewSet(backend, 42, log.Nop())
	require.NoError(t, set.Install(addr))
	require.NoError(t, set.StepOver(42, addr))

	// The breakpoint is re-armed after the step.
	require.Equal(t, uint64(0xAABBCCDDEEFF00CC), backend.mem[addr])
	require.Equal(t, 1, backend.steps)

	// After a full restore the instruction stream is bit-identical.
	require.NoError(t, set.RestoreAll())
	require.Equal(t, word, backend.mem[addr])
	require.Empty(t, set.Addrs())
}

func TestClassify(t *testing.T) {
	backend := newFakeBackend()
	const entry = uint64(0x1000)
	const exit = uint64(0x1100)
	backend.mem[entry] = 0x90
	backend.mem[exit] = 0x90

	set := trap.NewSet(backend, 7, log.Nop())
	require.NoError(t, set.Install(entry))
	require.NoError(t, set.Install(exit))

	bounds := staticBounds{
		entries: map[uint64]bool{entry: true},
		exits:   map[uint64]bool{exit: true},
	}

	// Entry breakpoint: PC is one past the trap opcode.
	backend.regs.Rip = entry + 1
	ev, err := trap.Classify(backend, set, bounds, 7, stoppedStatus(unix.SIGTRAP))
	require.NoError(t, err)
	require.Equal(t, trap.EventFunctionCall, ev.Kind)
	require.Equal(t, entry, ev.Addr)
	require.NotNil(t, ev.Breakpoint)

	backend.regs.Rip = exit + 1
	ev, err = trap.Classify(backend, set, bounds, 7, stoppedStatus(unix.SIGTRAP))
	require.NoError(t, err)
	require.Equal(t, trap.EventFunctionReturn, ev.Kind)

	// SIGTRAP at an address without a breakpoint is a plain signal.
	backend.regs.Rip = 0x9999
	ev, err = trap.Classify(backend, set, bounds, 7, stoppedStatus(unix.SIGTRAP))
	require.NoError(t, err)
	require.Equal(t, trap.EventSignal, ev.Kind)

	ev, err = trap.Classify(backend, set, bounds, 7, stoppedStatus(unix.SIGUSR1))
	require.NoError(t, err)
	require.Equal(t, trap.EventSignal, ev.Kind)
	require.Equal(t, unix.SIGUSR1, ev.Signal)

	ev, err = trap.Classify(backend, set, bounds, 7, eventStatus(unix.PTRACE_EVENT_CLONE))
	require.NoError(t, err)
	require.Equal(t, trap.EventClone, ev.Kind)

	ev, err = trap.Classify(backend, set, bounds, 7, eventStatus(unix.PTRACE_EVENT_FORK))
	require.NoError(t, err)
	require.Equal(t, trap.EventFork, ev.Kind)

	ev, err = trap.Classify(backend, set, bounds, 7, eventStatus(unix.PTRACE_EVENT_VFORK))
	require.NoError(t, err)
	require.Equal(t, trap.EventVfork, ev.Kind)

	ev, err = trap.Classify(backend, set, bounds, 7, exitedStatus(3))
	require.NoError(t, err)
	require.Equal(t, trap.EventExit, ev.Kind)
	require.Equal(t, 3, ev.ExitCode)
}
