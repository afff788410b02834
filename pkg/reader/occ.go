package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/rs/zerolog"

	"github.com/nrgsoft/etrace/pkg/sample"
	"github.com/nrgsoft/etrace/pkg/units"
)

// OCCDomain is a POWER9 On-Chip Controller sensor location.
type OCCDomain int

const (
	OCCSystem OCCDomain = iota
	OCCGPU
	OCCProcPackage
	OCCProcVdd
	OCCProcVdn
	OCCMemory
)

func (d OCCDomain) String() string {
	switch d {
	case OCCSystem:
		return "sys"
	case OCCGPU:
		return "gpu"
	case OCCProcPackage:
		return "pkg"
	case OCCProcVdd:
		return "vdd"
	case OCCProcVdn:
		return "vdn"
	case OCCMemory:
		return "mem"
	}
	return "unknown"
}

// occDomainFromLabel maps the hwmon sensor label to a domain.
func occDomainFromLabel(label string) (OCCDomain, bool) {
	switch {
	case strings.HasPrefix(label, "System"):
		return OCCSystem, true
	case strings.HasPrefix(label, "GPU"):
		return OCCGPU, true
	case strings.HasPrefix(label, "Vdd"):
		return OCCProcVdd, true
	case strings.HasPrefix(label, "Vdn"):
		return OCCProcVdn, true
	case strings.HasPrefix(label, "Proc"):
		return OCCProcPackage, true
	case strings.HasPrefix(label, "Mem"):
		return OCCMemory, true
	}
	return 0, false
}

// occEvent is one OCC power sensor: the kept-open input file and the
// optional sensor timestamp attribute exported next to it.
type occEvent struct {
	file   *os.File
	tsFile *os.File
}

// OCCReading is a decoded OCC sensor value with its sensor timestamp.
type OCCReading struct {
	Power     units.Power
	Timestamp int64
}

// OCC reads per-chip power sensors from the occ-hwmon sysfs interface on
// POWER9 machines. Unlike RAPL, every reading carries a sensor timestamp.
type OCC struct {
	sysfsRoot  string
	domainMask Mask
	socketMask Mask
	logger     log.Logger

	eventMap [sample.MaxSockets][sample.OCCDomains]int
	events   []*occEvent
	chips    int
}

type OCCOption func(*OCC)

func WithOCCSysfsRoot(root string) OCCOption {
	return func(r *OCC) {
		r.sysfsRoot = root
	}
}

func WithOCCDomainMask(mask Mask) OCCOption {
	return func(r *OCC) {
		r.domainMask = mask
	}
}

func WithOCCSocketMask(mask Mask) OCCOption {
	return func(r *OCC) {
		r.socketMask = mask
	}
}

func WithOCCLogger(logger log.Logger) OCCOption {
	return func(r *OCC) {
		r.logger = logger
	}
}

// NewOCC discovers occ-hwmon chips and opens their selected power sensors.
func NewOCC(opts ...OCCOption) (*OCC, error) {
	r := &OCC{
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
	for chip := range r.eventMap {
		for d := range r.eventMap[chip] {
			r.eventMap[chip][d] = -1
		}
	}

	dirs, err := r.occChips()
	if err != nil {
		return nil, err
	}
	for chip, dir := range dirs {
		if !r.socketMask.Has(chip) {
			continue
		}
		if err := r.addChip(dir, chip); err != nil {
			r.Close()
			return nil, err
		}
	}
	r.chips = len(dirs)

	return r, nil
}

// occChips lists hwmon device directories whose name attribute identifies
// an On-Chip Controller, in stable hwmon order.
func (r *OCC) occChips() ([]string, error) {
	pattern := filepath.Join(r.sysfsRoot, "class/hwmon/hwmon*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, wrapError(CodeSystem, err, pattern)
	}
	sort.Strings(matches)

	var chips []string
	for _, dir := range matches {
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.Contains(strings.TrimSpace(string(name)), "occ") {
			chips = append(chips, dir)
		}
	}
	if len(chips) == 0 {
		return nil, newError(CodeNoSockets, "no OCC hwmon chips found")
	}
	if len(chips) > sample.MaxSockets {
		return nil, newError(CodeTooManySockets,
			fmt.Sprintf("a maximum of %d is supported", sample.MaxSockets))
	}
	return chips, nil
}

// addChip walks the chip's powerN_label attributes and opens the inputs of
// the domains selected by the domain mask.
func (r *OCC) addChip(dir string, chip int) error {
	for n := 1; ; n++ {
		labelPath := filepath.Join(dir, fmt.Sprintf("power%d_label", n))
		label, err := os.ReadFile(labelPath)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return wrapError(CodeSystem, err, labelPath)
		}
		domain, ok := occDomainFromLabel(strings.TrimSpace(string(label)))
		if !ok {
			return newError(CodeInvalidDomainName, strings.TrimSpace(string(label)))
		}
		if !r.domainMask.Has(int(domain)) {
			continue
		}

		input, err := os.Open(filepath.Join(dir, fmt.Sprintf("power%d_input", n)))
		if err != nil {
			return wrapError(CodeSystem, err, dir)
		}
		// The sensor timestamp attribute is optional; when absent the
		// read time stands in for it.
		var tsFile *os.File
		if f, err := os.Open(filepath.Join(dir, fmt.Sprintf("power%d_timestamp", n))); err == nil {
			tsFile = f
		}

		r.logger.Debug().
			Str("chip_dir", dir).
			Str("domain", domain.String()).
			Int("chip", chip).
			Msg("added event")

		r.eventMap[chip][domain] = len(r.events)
		r.events = append(r.events, &occEvent{file: input, tsFile: tsFile})
	}
	return nil
}

func (r *OCC) NumEvents() int {
	return len(r.events)
}

func (r *OCC) ReadAll(s *sample.Sample) error {
	for i := range r.events {
		if err := r.ReadOne(s, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *OCC) ReadOne(s *sample.Sample, idx int) error {
	if idx < 0 || idx >= len(r.events) {
		return newError(CodeNoSuchEvent, fmt.Sprintf("event %d", idx))
	}
	ev := r.events[idx]
	value, err := readUintAt(ev.file)
	if err != nil {
		return wrapError(CodeSystem, err, "reading power sensor")
	}
	ts := time.Now().UnixNano()
	if ev.tsFile != nil {
		if v, err := readUintAt(ev.tsFile); err == nil {
			ts = int64(v)
		}
	}
	s.SetCPU(idx, value)
	s.SetCPUTimestamp(idx, ts)
	return nil
}

func (r *OCC) EventIndex(chip int, domain OCCDomain) int {
	if chip < 0 || chip >= sample.MaxSockets {
		return -1
	}
	return r.eventMap[chip][domain]
}

// Power decodes the slot for (chip, domain) from a sample, pairing the
// micro-watt value with its sensor timestamp.
func (r *OCC) Power(s *sample.Sample, chip int, domain OCCDomain) (OCCReading, error) {
	idx := r.EventIndex(chip, domain)
	if idx < 0 {
		return OCCReading{}, newError(CodeNoSuchEvent,
			fmt.Sprintf("chip %d domain %s", chip, domain))
	}
	return OCCReading{
		Power:     units.Power(s.CPU(idx)),
		Timestamp: s.CPUTimestamp(idx),
	}, nil
}

// Chips returns the chip numbers with at least one active event.
func (r *OCC) Chips() []int {
	var out []int
	for chip := 0; chip < sample.MaxSockets; chip++ {
		for d := 0; d < sample.OCCDomains; d++ {
			if r.eventMap[chip][d] >= 0 {
				out = append(out, chip)
				break
			}
		}
	}
	return out
}

func (r *OCC) Close() error {
	var firstErr error
	for _, ev := range r.events {
		if ev.file != nil {
			if err := ev.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			ev.file = nil
		}
		if ev.tsFile != nil {
			if err := ev.tsFile.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			ev.tsFile = nil
		}
	}
	return firstErr
}
