package sample

import (
	"time"
)

// Platform limits for event slots. RAPL exposes up to 4 domains per socket
// on up to 8 sockets, the OCC up to 6 sensors per chip, GPUs one board
// sensor per device.
const (
	MaxSockets  = 8
	RAPLDomains = 4
	OCCDomains  = 6
	MaxDevices  = 8

	// MaxCPUEvents covers the larger CPU backend: the OCC exposes more
	// domains per chip than RAPL does per socket.
	MaxCPUEvents = MaxSockets * OCCDomains
	MaxGPUEvents = MaxDevices
)

// Sample is a fixed-arity container of raw sensor counters. The slots are
// opaque: only the reader that filled a slot knows how to decode it.
// CPU and GPU slots live in separate spaces so a hybrid read never
// renumbers the sub-readers' event indices.
type Sample struct {
	cpu [MaxCPUEvents]uint64
	// cpuTS holds per-slot sensor timestamps in nanoseconds for backends
	// whose readings carry one (OCC). Zero when absent (RAPL).
	cpuTS [MaxCPUEvents]int64
	gpu   [MaxGPUEvents]uint64
}

func (s *Sample) CPU(idx int) uint64 {
	return s.cpu[idx]
}

func (s *Sample) SetCPU(idx int, v uint64) {
	s.cpu[idx] = v
}

func (s *Sample) CPUTimestamp(idx int) int64 {
	return s.cpuTS[idx]
}

func (s *Sample) SetCPUTimestamp(idx int, ns int64) {
	s.cpuTS[idx] = ns
}

func (s *Sample) GPU(idx int) uint64 {
	return s.gpu[idx]
}

func (s *Sample) SetGPU(idx int, v uint64) {
	s.gpu[idx] = v
}

// TimedSample pairs a sample with the monotonic time captured immediately
// before the sensors were read.
type TimedSample struct {
	At     time.Time
	Sample Sample
}
