package reader

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	log "github.com/rs/zerolog"

	"github.com/nrgsoft/etrace/pkg/sample"
	"github.com/nrgsoft/etrace/pkg/units"
)

// GPULib is the slice of the vendor library the GPU reader depends on.
// The default implementation wraps NVML; tests substitute a fake.
type GPULib interface {
	Init() error
	Shutdown()
	DeviceCount() (int, error)
	// BoardPower returns the current board power draw of a device in
	// milliwatts. An ErrNoPowerSupport error marks the device as not
	// supporting power readings.
	BoardPower(device int) (uint32, error)
}

type nvmlLib struct {
	devices []nvml.Device
}

func (l *nvmlLib) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return wrapError(CodeGPULib, nil, nvml.ErrorString(ret))
	}
	return nil
}

func (l *nvmlLib) Shutdown() {
	nvml.Shutdown()
}

func (l *nvmlLib) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, wrapError(CodeGPULib, nil, nvml.ErrorString(ret))
	}
	l.devices = make([]nvml.Device, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return 0, wrapError(CodeGPULib, nil, nvml.ErrorString(ret))
		}
		l.devices[i] = dev
	}
	return count, nil
}

func (l *nvmlLib) BoardPower(device int) (uint32, error) {
	power, ret := l.devices[device].GetPowerUsage()
	switch ret {
	case nvml.SUCCESS:
		return power, nil
	case nvml.ERROR_NOT_SUPPORTED:
		return 0, newError(CodePowerReadingsNotSupported, "")
	}
	return 0, wrapError(CodeGPULib, nil, nvml.ErrorString(ret))
}

// GPU reads per-device board power through the vendor library. One event
// slot per selected device that supports power readings.
type GPU struct {
	lib        GPULib
	deviceMask Mask
	logger     log.Logger

	// eventMap[device] holds the slot index, or -1 when the device is
	// unselected or does not support power readings.
	eventMap [sample.MaxDevices]int
	// supported[device] records the probe outcome so accessors can
	// distinguish unsupported readings from absent events.
	supported [sample.MaxDevices]bool
	count     int
	events    []int // slot -> device
}

// DevicePower pairs a device number with its decoded board power.
type DevicePower struct {
	Device int
	Power  units.Power
}

type GPUOption func(*GPU)

func WithGPUDeviceMask(mask Mask) GPUOption {
	return func(r *GPU) {
		r.deviceMask = mask
	}
}

func WithGPULib(lib GPULib) GPUOption {
	return func(r *GPU) {
		r.lib = lib
	}
}

func WithGPULogger(logger log.Logger) GPUOption {
	return func(r *GPU) {
		r.logger = logger
	}
}

// NewGPU initializes the vendor library, enumerates devices and probes
// power-reading support on each selected device.
func NewGPU(opts ...GPUOption) (*GPU, error) {
	r := &GPU{
		lib:        &nvmlLib{},
		deviceMask: MaskAll,
		logger:     log.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deviceMask.Empty() {
		return nil, newError(CodeInvalidDeviceMask, "device mask")
	}
	for dev := range r.eventMap {
		r.eventMap[dev] = -1
	}

	if err := r.lib.Init(); err != nil {
		return nil, err
	}
	count, err := r.lib.DeviceCount()
	if err != nil {
		r.lib.Shutdown()
		return nil, err
	}
	if count == 0 {
		r.lib.Shutdown()
		return nil, newError(CodeNoDevices, "")
	}
	if count > sample.MaxDevices {
		r.lib.Shutdown()
		return nil, newError(CodeTooManyDevices,
			fmt.Sprintf("a maximum of %d is supported", sample.MaxDevices))
	}
	r.count = count

	for dev := 0; dev < count; dev++ {
		if !r.deviceMask.Has(dev) {
			continue
		}
		if _, err := r.lib.BoardPower(dev); err != nil {
			if errors.Is(err, ErrNoPowerSupport) {
				r.logger.Debug().Int("device", dev).Msg("power readings not supported")
				continue
			}
			r.lib.Shutdown()
			return nil, err
		}
		r.logger.Debug().Int("device", dev).Msg("added event")
		r.supported[dev] = true
		r.eventMap[dev] = len(r.events)
		r.events = append(r.events, dev)
	}

	return r, nil
}

func (r *GPU) NumEvents() int {
	return len(r.events)
}

func (r *GPU) ReadAll(s *sample.Sample) error {
	for i := range r.events {
		if err := r.ReadOne(s, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *GPU) ReadOne(s *sample.Sample, idx int) error {
	if idx < 0 || idx >= len(r.events) {
		return newError(CodeNoSuchEvent, fmt.Sprintf("event %d", idx))
	}
	milliwatts, err := r.lib.BoardPower(r.events[idx])
	if err != nil {
		return err
	}
	s.SetGPU(idx, uint64(milliwatts)*1000)
	return nil
}

func (r *GPU) EventIndex(device int) int {
	if device < 0 || device >= sample.MaxDevices {
		return -1
	}
	return r.eventMap[device]
}

// BoardPower decodes the board power slot of a device from a sample.
// A selected device without power-reading support yields
// CodePowerReadingsNotSupported rather than CodeNoSuchEvent.
func (r *GPU) BoardPower(s *sample.Sample, device int) (units.Power, error) {
	idx := r.EventIndex(device)
	if idx < 0 {
		if device >= 0 && device < r.count && !r.supported[device] && r.deviceMask.Has(device) {
			return 0, newError(CodePowerReadingsNotSupported,
				fmt.Sprintf("device %d", device))
		}
		return 0, newError(CodeNoSuchEvent, fmt.Sprintf("device %d", device))
	}
	return units.Power(s.GPU(idx)), nil
}

// BoardPowerAll decodes every active device slot.
func (r *GPU) BoardPowerAll(s *sample.Sample) []DevicePower {
	out := make([]DevicePower, 0, len(r.events))
	for slot, dev := range r.events {
		out = append(out, DevicePower{Device: dev, Power: units.Power(s.GPU(slot))})
	}
	return out
}

// Devices returns the device numbers with an active event slot.
func (r *GPU) Devices() []int {
	out := make([]int, len(r.events))
	copy(out, r.events)
	return out
}

func (r *GPU) Close() error {
	r.lib.Shutdown()
	return nil
}
