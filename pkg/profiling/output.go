package profiling

import (
	"encoding/json"
	"io"

	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/reader"
	"github.com/nrgsoft/etrace/pkg/sample"
	"github.com/nrgsoft/etrace/pkg/sampler"
)

// SocketSeries is the decoded sample series of one socket or chip:
// domain name mapped to a list of per-sample tuples.
type SocketSeries struct {
	Socket int
	Series map[string][][]float64
}

// DeviceSeries is the decoded board-power series of one GPU device.
type DeviceSeries struct {
	Device int
	Series [][]float64
}

// CPUFormat decodes the CPU slots of an execution for output. The RAPL
// and OCC adapters emit different tuple shapes, reflected by Columns.
type CPUFormat interface {
	Columns() []string
	Decode(exec sampler.Execution) []SocketSeries
}

// GPUFormat decodes GPU board-power slots of an execution for output.
type GPUFormat interface {
	Columns() []string
	Decode(exec sampler.Execution) []DeviceSeries
}

// RAPLFormat decodes RAPL energy slots: [sample_time_ns, joules].
type RAPLFormat struct {
	Reader *reader.RAPL
}

func (RAPLFormat) Columns() []string {
	return []string{"sample_time", "energy"}
}

func (f RAPLFormat) Decode(exec sampler.Execution) []SocketSeries {
	var out []SocketSeries
	for _, skt := range f.Reader.Sockets() {
		series := SocketSeries{Socket: skt, Series: map[string][][]float64{}}
		for _, domain := range []reader.Domain{
			reader.DomainPackage, reader.DomainCores, reader.DomainUncore, reader.DomainDRAM,
		} {
			if f.Reader.EventIndex(skt, domain) < 0 {
				continue
			}
			tuples := make([][]float64, 0, len(exec))
			for _, ts := range exec {
				nrg, err := f.Reader.Energy(&ts.Sample, skt, domain)
				if err != nil {
					continue
				}
				tuples = append(tuples, []float64{
					float64(ts.At.UnixNano()),
					nrg.Joules(),
				})
			}
			series.Series[domain.String()] = tuples
		}
		out = append(out, series)
	}
	return out
}

// OCCFormat decodes OCC power slots:
// [sample_time_ns, sensor_time_ns, watts].
type OCCFormat struct {
	Reader *reader.OCC
}

func (OCCFormat) Columns() []string {
	return []string{"sample_time", "sensor_time", "power"}
}

func (f OCCFormat) Decode(exec sampler.Execution) []SocketSeries {
	var out []SocketSeries
	for _, chip := range f.Reader.Chips() {
		series := SocketSeries{Socket: chip, Series: map[string][][]float64{}}
		for d := 0; d < sample.OCCDomains; d++ {
			domain := reader.OCCDomain(d)
			if f.Reader.EventIndex(chip, domain) < 0 {
				continue
			}
			tuples := make([][]float64, 0, len(exec))
			for _, ts := range exec {
				rd, err := f.Reader.Power(&ts.Sample, chip, domain)
				if err != nil {
					continue
				}
				tuples = append(tuples, []float64{
					float64(ts.At.UnixNano()),
					float64(rd.Timestamp),
					rd.Power.Watts(),
				})
			}
			series.Series[domain.String()] = tuples
		}
		out = append(out, series)
	}
	return out
}

// GPUBoardFormat decodes board power slots: [sample_time_ns, watts].
type GPUBoardFormat struct {
	Reader *reader.GPU
}

func (GPUBoardFormat) Columns() []string {
	return []string{"sample_time", "power"}
}

func (f GPUBoardFormat) Decode(exec sampler.Execution) []DeviceSeries {
	var out []DeviceSeries
	for _, dev := range f.Reader.Devices() {
		tuples := make([][]float64, 0, len(exec))
		for _, ts := range exec {
			pwr, err := f.Reader.BoardPower(&ts.Sample, dev)
			if err != nil {
				continue
			}
			tuples = append(tuples, []float64{
				float64(ts.At.UnixNano()),
				pwr.Watts(),
			})
		}
		out = append(out, DeviceSeries{Device: dev, Series: tuples})
	}
	return out
}

// Writer serializes a frozen result tree into the output document.
type Writer struct {
	cpu CPUFormat
	gpu GPUFormat
}

type WriterOption func(*Writer)

func WithCPUFormat(f CPUFormat) WriterOption {
	return func(w *Writer) {
		w.cpu = f
	}
}

func WithGPUFormat(f GPUFormat) WriterOption {
	return func(w *Writer) {
		w.gpu = f
	}
}

func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type jsonRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s SocketSeries) MarshalJSON() ([]byte, error) {
	obj := map[string]interface{}{"socket": s.Socket}
	for domain, tuples := range s.Series {
		obj[domain] = tuples
	}
	return json.Marshal(obj)
}

func (s DeviceSeries) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"device": s.Device,
		"board":  s.Series,
	})
}

type jsonExecution struct {
	Range jsonRange      `json:"range"`
	CPU   []SocketSeries `json:"cpu,omitempty"`
	GPU   []DeviceSeries `json:"gpu,omitempty"`
	Err   *ExecError     `json:"error,omitempty"`
}

type jsonSection struct {
	Label      *string         `json:"label"`
	Extra      *string         `json:"extra"`
	Executions []jsonExecution `json:"executions"`
}

type jsonGroup struct {
	Label    *string       `json:"label"`
	Extra    *string       `json:"extra"`
	Sections []jsonSection `json:"sections"`
}

type jsonDocument struct {
	Units  map[string]string        `json:"units"`
	Format map[string][]string      `json:"format"`
	Idle   []map[string]interface{} `json:"idle"`
	Groups []jsonGroup              `json:"groups"`
	Err    *ExecError               `json:"error,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Write emits the whole result tree as a single JSON document. The tree
// must be frozen: no mutation can race the serialization.
func (w *Writer) Write(out io.Writer, results *Results, runErr *ExecError) error {
	doc := jsonDocument{
		Units:  map[string]string{"time": "ns", "energy": "J", "power": "W"},
		Format: map[string][]string{},
		Idle:   []map[string]interface{}{},
		Groups: []jsonGroup{},
		Err:    runErr,
	}
	if w.cpu != nil {
		doc.Format["cpu"] = w.cpu.Columns()
	}
	if w.gpu != nil {
		doc.Format["gpu"] = w.gpu.Columns()
	}

	for _, idle := range results.Idle {
		entry := map[string]interface{}{}
		if idle.Target == config.TargetGPU && w.gpu != nil {
			entry["gpu"] = w.gpu.Decode(idle.Samples)
		} else if w.cpu != nil {
			entry["cpu"] = w.cpu.Decode(idle.Samples)
		}
		doc.Idle = append(doc.Idle, entry)
	}

	for _, g := range results.Groups {
		jg := jsonGroup{
			Label:    nullable(g.Label),
			Extra:    nullable(g.Extra),
			Sections: []jsonSection{},
		}
		for _, s := range g.Sections {
			js := jsonSection{
				Label:      nullable(s.Label),
				Extra:      nullable(s.Extra),
				Executions: []jsonExecution{},
			}
			for _, exec := range s.Executions {
				je := jsonExecution{
					Range: jsonRange{
						Start: exec.Interval.Start.String(),
						End:   exec.Interval.End.String(),
					},
					Err: exec.Err,
				}
				if s.Target == config.TargetGPU && w.gpu != nil {
					je.GPU = w.gpu.Decode(exec.Samples)
				} else if w.cpu != nil {
					je.CPU = w.cpu.Decode(exec.Samples)
				}
				js.Executions = append(js.Executions, je)
			}
			jg.Sections = append(jg.Sections, js)
		}
		doc.Groups = append(doc.Groups, jg)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
