package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"

	"github.com/nrgsoft/etrace/pkg/sample"
	"github.com/nrgsoft/etrace/pkg/units"
)

const (
	defaultSysfsRoot = "/sys"

	topologyPkgFmt = "devices/system/cpu/cpu%d/topology/physical_package_id"
	powercapSktFmt = "class/powercap/intel-rapl/intel-rapl:%d"
	powercapSubFmt = "intel-rapl:%d:%d"
	energyFileName = "energy_uj"
	maxRangeName   = "max_energy_range_uj"
	domainNameFile = "name"
)

// raplEvent is one active energy counter: the kept-open energy_uj file,
// the counter's wrap range and the wraparound accumulation state.
// prev and accum are mutated on every read; the reader must therefore be
// driven from one goroutine at a time.
type raplEvent struct {
	file  *os.File
	max   uint64
	prev  uint64
	accum uint64
}

// RAPL reads per-domain energy counters from the Linux powercap sysfs
// interface.
type RAPL struct {
	sysfsRoot  string
	domainMask Mask
	socketMask Mask
	logger     log.Logger

	// eventMap[socket][domain] holds the event slot index or -1 when the
	// domain is inactive on that socket.
	eventMap [sample.MaxSockets][sample.RAPLDomains]int
	events   []*raplEvent
}

// SocketEnergy pairs a socket number with its decoded energy.
type SocketEnergy struct {
	Socket int
	Energy units.Energy
}

type RAPLOption func(*RAPL)

func WithRAPLSysfsRoot(root string) RAPLOption {
	return func(r *RAPL) {
		r.sysfsRoot = root
	}
}

func WithRAPLDomainMask(mask Mask) RAPLOption {
	return func(r *RAPL) {
		r.domainMask = mask
	}
}

func WithRAPLSocketMask(mask Mask) RAPLOption {
	return func(r *RAPL) {
		r.socketMask = mask
	}
}

func WithRAPLLogger(logger log.Logger) RAPLOption {
	return func(r *RAPL) {
		r.logger = logger
	}
}

// NewRAPL discovers sockets and active domains and opens their energy
// counter files. The files stay open for the lifetime of the reader.
func NewRAPL(opts ...RAPLOption) (*RAPL, error) {
	r := &RAPL{
		sysfsRoot:  defaultSysfsRoot,
		domainMask: MaskAll,
		socketMask: MaskAll,
		logger:     log.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.domainMask.Empty() {
		return nil, newError(CodeInvalidLocationMask, "domain mask")
	}
	if r.socketMask.Empty() {
		return nil, newError(CodeInvalidSocketMask, "socket mask")
	}
	for skt := range r.eventMap {
		for d := range r.eventMap[skt] {
			r.eventMap[skt][d] = -1
		}
	}

	sockets, err := r.countSockets()
	if err != nil {
		return nil, err
	}
	r.logger.Debug().Int("sockets", sockets).Msg("discovered sockets")

	for skt := 0; skt < sockets; skt++ {
		if !r.socketMask.Has(skt) {
			continue
		}
		base := filepath.Join(r.sysfsRoot, fmt.Sprintf(powercapSktFmt, skt))
		if err := r.addEvent(base, skt); err != nil {
			r.Close()
			return nil, err
		}
		// The package domain above counts as one; walk its subdomains.
		for d := 0; d < sample.RAPLDomains-1; d++ {
			sub := filepath.Join(base, fmt.Sprintf(powercapSubFmt, skt, d))
			if _, err := os.Stat(sub); err != nil {
				continue
			}
			if err := r.addEvent(sub, skt); err != nil {
				r.Close()
				return nil, err
			}
		}
	}

	return r, nil
}

// countSockets scans per-cpu topology entries until the first missing CPU,
// deduplicating package ids.
func (r *RAPL) countSockets() (int, error) {
	var found [sample.MaxSockets]bool
	count := 0
	for i := 0; ; i++ {
		path := filepath.Join(r.sysfsRoot, fmt.Sprintf(topologyPkgFmt, i))
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return 0, wrapError(CodeSystem, err, path)
		}
		pkg, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, wrapError(CodeSystem, err, path)
		}
		if pkg >= sample.MaxSockets {
			return 0, newError(CodeTooManySockets,
				fmt.Sprintf("a maximum of %d is supported", sample.MaxSockets))
		}
		if !found[pkg] {
			found[pkg] = true
			count++
		}
	}
	if count == 0 {
		return 0, newError(CodeNoSockets, "")
	}
	return count, nil
}

// addEvent registers the domain rooted at base when selected by the
// domain mask.
func (r *RAPL) addEvent(base string, skt int) error {
	name, err := os.ReadFile(filepath.Join(base, domainNameFile))
	if err != nil {
		return wrapError(CodeSystem, err, base)
	}
	domain, ok := domainFromName(strings.TrimSpace(string(name)))
	if !ok {
		return newError(CodeInvalidDomainName, strings.TrimSpace(string(name)))
	}
	if !r.domainMask.Has(int(domain)) {
		return nil
	}

	maxData, err := os.ReadFile(filepath.Join(base, maxRangeName))
	if err != nil {
		return wrapError(CodeSystem, err, base)
	}
	maxRange, err := strconv.ParseUint(strings.TrimSpace(string(maxData)), 10, 64)
	if err != nil {
		return wrapError(CodeSystem, err, base)
	}
	file, err := os.Open(filepath.Join(base, energyFileName))
	if err != nil {
		return wrapError(CodeSystem, err, base)
	}

	r.logger.Debug().
		Str("path", base).
		Str("domain", domain.String()).
		Int("socket", skt).
		Msg("added event")

	r.eventMap[skt][domain] = len(r.events)
	r.events = append(r.events, &raplEvent{file: file, max: maxRange})

	return nil
}

func (r *RAPL) NumEvents() int {
	return len(r.events)
}

func (r *RAPL) ReadAll(s *sample.Sample) error {
	for i := range r.events {
		if err := r.ReadOne(s, i); err != nil {
			return err
		}
	}
	return nil
}

// ReadOne reads the current counter value of slot idx, applying wraparound
// accumulation: a decrease against the previous raw value means the counter
// rolled over, so the domain's max range is added to the running offset.
func (r *RAPL) ReadOne(s *sample.Sample, idx int) error {
	if idx < 0 || idx >= len(r.events) {
		return newError(CodeNoSuchEvent, fmt.Sprintf("event %d", idx))
	}
	ev := r.events[idx]
	curr, err := readUintAt(ev.file)
	if err != nil {
		return wrapError(CodeSystem, err, "reading energy counter")
	}
	if curr < ev.prev {
		r.logger.Debug().
			Uint64("prev", ev.prev).
			Uint64("curr", curr).
			Msg("detected counter wraparound")
		ev.accum += ev.max
	}
	ev.prev = curr
	s.SetCPU(idx, curr+ev.accum)
	return nil
}

// EventIndex returns the slot index for (socket, domain), or -1 when the
// domain is inactive on that socket.
func (r *RAPL) EventIndex(skt int, domain Domain) int {
	if skt < 0 || skt >= sample.MaxSockets {
		return -1
	}
	return r.eventMap[skt][domain]
}

// Energy decodes the slot for (socket, domain) from a sample.
func (r *RAPL) Energy(s *sample.Sample, skt int, domain Domain) (units.Energy, error) {
	idx := r.EventIndex(skt, domain)
	if idx < 0 {
		return 0, newError(CodeNoSuchEvent,
			fmt.Sprintf("socket %d domain %s", skt, domain))
	}
	return units.Energy(s.CPU(idx)), nil
}

// EnergyAll decodes the given domain on every socket it is active on.
func (r *RAPL) EnergyAll(s *sample.Sample, domain Domain) []SocketEnergy {
	var out []SocketEnergy
	for skt := 0; skt < sample.MaxSockets; skt++ {
		nrg, err := r.Energy(s, skt, domain)
		if err != nil {
			continue
		}
		out = append(out, SocketEnergy{Socket: skt, Energy: nrg})
	}
	return out
}

// Sockets returns the socket numbers with at least one active event.
func (r *RAPL) Sockets() []int {
	var out []int
	for skt := 0; skt < sample.MaxSockets; skt++ {
		for d := 0; d < sample.RAPLDomains; d++ {
			if r.eventMap[skt][d] >= 0 {
				out = append(out, skt)
				break
			}
		}
	}
	return out
}

// Close releases the kept-open counter files.
func (r *RAPL) Close() error {
	var firstErr error
	for _, ev := range r.events {
		if ev.file == nil {
			continue
		}
		if err := ev.file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "closing energy counter file")
		}
		ev.file = nil
	}
	return firstErr
}

// readUintAt reads an unsigned decimal from offset 0 of an open file,
// the way sysfs attributes are re-read without reopening.
func readUintAt(f *os.File) (uint64, error) {
	buf := make([]byte, 24)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(buf[:n])), 10, 64)
}
