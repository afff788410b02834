package region_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/dbginfo"
	"github.com/nrgsoft/etrace/pkg/region"
	"github.com/nrgsoft/etrace/pkg/sample"
	"github.com/nrgsoft/etrace/pkg/sampler"
)

type fakeReader struct{}

func (fakeReader) ReadAll(_ *sample.Sample) error        { return nil }
func (fakeReader) ReadOne(_ *sample.Sample, _ int) error { return nil }
func (fakeReader) NumEvents() int                        { return 1 }

func testObject() *dbginfo.ObjectInfo {
	return &dbginfo.ObjectInfo{
		CompilationUnits: []*dbginfo.CompilationUnit{
			{
				Path:  "src/main.c",
				Range: dbginfo.AddrRange{Low: 0x1000, High: 0x2000},
				Lines: []dbginfo.SourceLine{
					{File: "src/main.c", Number: 10, Address: 0x1010, NewStatement: true},
					{File: "src/main.c", Number: 10, Address: 0x1008},
					{File: "src/main.c", Number: 20, Address: 0x1080, NewStatement: true},
				},
			},
		},
	}
}

func section(method config.Method, samples int) config.Section {
	return config.Section{
		Name:     "loop",
		Method:   method,
		Interval: 10 * time.Millisecond,
		Samples:  samples,
		Bounds: config.Bounds{
			Start: config.Position{CompilationUnit: "main.c", Line: 10},
			End:   config.Position{CompilationUnit: "main.c", Line: 20},
		},
	}
}

func TestResolve(t *testing.T) {
	r, err := region.NewResolver(
		region.WithObjectInfo(testObject()),
		region.WithCPUReader(fakeReader{}),
	)
	require.NoError(t, err)

	regions, err := r.Resolve([]config.Section{section(config.MethodProfile, 5)})
	require.NoError(t, err)
	require.Len(t, regions, 1)

	reg := regions[0]
	require.Equal(t, 0, reg.ID)
	// The entry is the new-statement row, not the lower non-statement one.
	require.Equal(t, uint64(0x1010), reg.Entry)
	require.Equal(t, []uint64{0x1080}, reg.Exits)
	require.True(t, reg.Unbounded(), "no execs configured means unbounded")
}

func TestResolve_BoundedExecutions(t *testing.T) {
	r, err := region.NewResolver(
		region.WithObjectInfo(testObject()),
		region.WithCPUReader(fakeReader{}),
	)
	require.NoError(t, err)

	sec := section(config.MethodProfile, 5)
	sec.Executions = 3
	regions, err := r.Resolve([]config.Section{sec})
	require.NoError(t, err)
	require.Equal(t, 3, regions[0].Remaining)
	require.False(t, regions[0].Unbounded())
}

func TestResolve_SamplerFactories(t *testing.T) {
	r, err := region.NewResolver(
		region.WithObjectInfo(testObject()),
		region.WithCPUReader(fakeReader{}),
	)
	require.NoError(t, err)

	regions, err := r.Resolve([]config.Section{
		section(config.MethodTotal, 0),
		section(config.MethodProfile, 5),
		section(config.MethodProfile, 0),
	})
	require.NoError(t, err)

	require.IsType(t, &sampler.Short{}, regions[0].NewSampler())
	require.IsType(t, &sampler.Periodic{}, regions[1].NewSampler())
	require.IsType(t, &sampler.Periodic{}, regions[2].NewSampler())

	// Each call builds a fresh sampler.
	require.NotSame(t, regions[1].NewSampler(), regions[1].NewSampler())
}

func TestResolve_NoReader(t *testing.T) {
	r, err := region.NewResolver(region.WithObjectInfo(testObject()))
	require.NoError(t, err)

	regions, err := r.Resolve([]config.Section{section(config.MethodProfile, 0)})
	require.NoError(t, err)
	require.IsType(t, &sampler.Null{}, regions[0].NewSampler())
}

func TestResolve_FailsAtStartup(t *testing.T) {
	r, err := region.NewResolver(
		region.WithObjectInfo(testObject()),
		region.WithCPUReader(fakeReader{}),
	)
	require.NoError(t, err)

	sec := section(config.MethodProfile, 0)
	sec.Bounds.Start.CompilationUnit = "missing.c"
	_, err = r.Resolve([]config.Section{sec})
	require.Error(t, err)
	require.ErrorIs(t, err, dbginfo.ErrCUNotFound)

	sec = section(config.MethodProfile, 0)
	sec.Bounds.End.Line = 999
	_, err = r.Resolve([]config.Section{sec})
	require.ErrorIs(t, err, dbginfo.ErrLineNotFound)
}
