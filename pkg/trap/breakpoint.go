package trap

import (
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// trapOpcode is the x86-64 int3 instruction.
	trapOpcode = 0xCC
	// wordMask preserves everything but the least-significant byte when
	// splicing the trap opcode into an instruction word.
	wordMask = 0xFFFFFFFFFFFFFF00
)

var (
	ErrAlreadyInstalled = errors.New("breakpoint already installed")
	ErrNotInstalled     = errors.New("breakpoint not installed")
)

// Breakpoint records an installed trap: its address and the original
// instruction word needed to restore it.
type Breakpoint struct {
	Addr     uint64
	Original uint64
}

// Set manages the breakpoints installed in one tracee address space.
type Set struct {
	backend Backend
	pid     int
	logger  log.Logger
	bps     map[uint64]*Breakpoint
}

func NewSet(backend Backend, pid int, logger log.Logger) *Set {
	return &Set{
		backend: backend,
		pid:     pid,
		logger:  logger.With().Int("tracee", pid).Logger(),
		bps:     make(map[uint64]*Breakpoint),
	}
}

func (s *Set) Pid() int {
	return s.pid
}

// Install reads the original word at addr and writes it back with the
// least-significant byte replaced by the trap opcode.
func (s *Set) Install(addr uint64) error {
	if _, ok := s.bps[addr]; ok {
		return errors.Wrapf(ErrAlreadyInstalled, "address %#x", addr)
	}
	orig, err := s.backend.PeekWord(s.pid, addr)
	if err != nil {
		return err
	}
	if err := s.backend.PokeWord(s.pid, addr, orig&wordMask|trapOpcode); err != nil {
		return err
	}
	s.bps[addr] = &Breakpoint{Addr: addr, Original: orig}
	s.logger.Debug().Uint64("addr", addr).Msg("installed breakpoint")
	return nil
}

// Uninstall restores the original instruction word and forgets the
// breakpoint.
func (s *Set) Uninstall(addr uint64) error {
	bp, ok := s.bps[addr]
	if !ok {
		return errors.Wrapf(ErrNotInstalled, "address %#x", addr)
	}
	if err := s.backend.PokeWord(s.pid, addr, bp.Original); err != nil {
		return err
	}
	delete(s.bps, addr)
	s.logger.Debug().Uint64("addr", addr).Msg("uninstalled breakpoint")
	return nil
}

// Installed reports whether a breakpoint lives at addr.
func (s *Set) Installed(addr uint64) bool {
	_, ok := s.bps[addr]
	return ok
}

// Get returns the breakpoint at addr.
func (s *Set) Get(addr uint64) (*Breakpoint, bool) {
	bp, ok := s.bps[addr]
	return bp, ok
}

// Addrs returns the installed breakpoint addresses.
func (s *Set) Addrs() []uint64 {
	out := make([]uint64, 0, len(s.bps))
	for addr := range s.bps {
		out = append(out, addr)
	}
	return out
}

// StepOver executes the original instruction under a fired breakpoint in
// the task identified by pid (the set's own tracee, or a clone sharing
// its address space): restore the word, rewind the program counter onto
// the instruction, single-step it, then splice the trap opcode back in.
func (s *Set) StepOver(pid int, addr uint64) error {
	bp, ok := s.bps[addr]
	if !ok {
		return errors.Wrapf(ErrNotInstalled, "address %#x", addr)
	}
	if err := s.backend.PokeWord(pid, addr, bp.Original); err != nil {
		return err
	}

	var regs unix.PtraceRegs
	if err := s.backend.GetRegs(pid, &regs); err != nil {
		return err
	}
	regs.Rip = addr
	if err := s.backend.SetRegs(pid, &regs); err != nil {
		return err
	}

	if err := s.backend.SingleStep(pid); err != nil {
		return err
	}
	if _, _, err := s.backend.Wait(pid); err != nil {
		return err
	}

	return s.backend.PokeWord(pid, addr, bp.Original&wordMask|trapOpcode)
}

// RestoreAll puts every original instruction back, leaving the tracee's
// text bit-identical to its pre-install state.
func (s *Set) RestoreAll() error {
	var firstErr error
	for addr, bp := range s.bps {
		if err := s.backend.PokeWord(s.pid, addr, bp.Original); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.bps, addr)
	}
	return firstErr
}
