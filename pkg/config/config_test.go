package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nrgsoft/etrace/pkg/config"
)

func parse(t *testing.T, doc string) (*config.Config, error) {
	t.Helper()
	return config.Parse(strings.NewReader(doc))
}

func requireCode(t *testing.T, err error, code config.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, code, cfgErr.Code)
}

const validSection = `
<config>
  <sections>
    <section>
      <interval>10</interval>
      <method>profile</method>
      <samples>5</samples>
      <bounds>
        <start><cu>main.c</cu><line>10</line></start>
        <end><cu>main.c</cu><line>20</line></end>
      </bounds>
    </section>
  </sections>
</config>`

func TestParse_Valid(t *testing.T) {
	cfg, err := parse(t, validSection)
	require.NoError(t, err)
	require.Len(t, cfg.Sections, 1)

	s := cfg.Sections[0]
	require.Equal(t, 10*time.Millisecond, s.Interval)
	require.Equal(t, config.MethodProfile, s.Method)
	require.Equal(t, 5, s.Samples)
	require.Equal(t, config.TargetCPU, s.Target)
	require.Equal(t, "main.c", s.Bounds.Start.CompilationUnit)
	require.Equal(t, 10, s.Bounds.Start.Line)
	require.Equal(t, 20, s.Bounds.End.Line)
	require.False(t, s.HasName())
	require.False(t, s.HasExtra())

	// Defaults.
	require.Equal(t, 1, cfg.Threads)
	require.Equal(t, ^uint32(0), cfg.Params.DomainMask)
}

func TestParse_InvalidFreq(t *testing.T) {
	doc := strings.Replace(validSection, "<interval>10</interval>", "<freq>0</freq>", 1)
	_, err := parse(t, doc)
	requireCode(t, err, config.SecInvalidFreq)
	require.Contains(t, err.Error(), "SEC_INVALID_FREQ")
}

func TestParse_FreqToInterval(t *testing.T) {
	// 2000 Hz clamps at 1000 Hz: 1 ms.
	doc := strings.Replace(validSection, "<interval>10</interval>", "<freq>2000</freq>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, cfg.Sections[0].Interval)

	doc = strings.Replace(validSection, "<interval>10</interval>", "<freq>50</freq>", 1)
	cfg, err = parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, 20*time.Millisecond, cfg.Sections[0].Interval)
}

func TestParse_IntervalOverridesFreq(t *testing.T) {
	doc := strings.Replace(validSection,
		"<interval>10</interval>", "<interval>10</interval><freq>1</freq>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, cfg.Sections[0].Interval)
}

func TestParse_NoFreqNoInterval(t *testing.T) {
	doc := strings.Replace(validSection, "<interval>10</interval>", "", 1)
	_, err := parse(t, doc)
	requireCode(t, err, config.SecNoFreq)
}

func TestParse_DurationToSamples(t *testing.T) {
	doc := strings.Replace(validSection, "<samples>5</samples>", "<duration>105</duration>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, 11, cfg.Sections[0].Samples, "105 ms at 10 ms rounds up")
}

func TestParse_Target(t *testing.T) {
	doc := strings.Replace(validSection, "<section>", `<section target="gpu">`, 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, config.TargetGPU, cfg.Sections[0].Target)

	doc = strings.Replace(validSection, "<section>", `<section target="fpga">`, 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.SecInvalidTarget)
}

func TestParse_GPUForcesProfile(t *testing.T) {
	doc := strings.Replace(validSection, "<section>", `<section target="gpu">`, 1)
	doc = strings.Replace(doc, "<method>profile</method>", "<method>total</method>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, config.MethodProfile, cfg.Sections[0].Method)
}

func TestParse_Method(t *testing.T) {
	doc := strings.Replace(validSection, "<method>profile</method>", "<method>total</method>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, config.MethodTotal, cfg.Sections[0].Method)

	doc = strings.Replace(validSection, "<method>profile</method>", "<method>bogus</method>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.SecInvalidMethod)

	// Missing method defaults to profile.
	doc = strings.Replace(validSection, "<method>profile</method>", "", 1)
	cfg, err = parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, config.MethodProfile, cfg.Sections[0].Method)
}

func TestParse_EmptyNameExtra(t *testing.T) {
	doc := strings.Replace(validSection, "<interval>10</interval>", "<name></name><interval>10</interval>", 1)
	_, err := parse(t, doc)
	requireCode(t, err, config.SecInvalidName)

	doc = strings.Replace(validSection, "<interval>10</interval>", "<extra> </extra><interval>10</interval>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.SecInvalidExtra)
}

func TestParse_BoundsErrors(t *testing.T) {
	doc := strings.Replace(validSection,
		"<start><cu>main.c</cu><line>10</line></start>", "", 1)
	_, err := parse(t, doc)
	requireCode(t, err, config.BoundsNoStart)

	doc = strings.Replace(validSection,
		"<cu>main.c</cu><line>10</line>", "<line>10</line>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.PosNoCompUnit)

	doc = strings.Replace(validSection,
		"<cu>main.c</cu><line>10</line>", "<cu>main.c</cu>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.PosNoLine)

	doc = strings.Replace(validSection,
		"<line>10</line>", "<line>-2</line>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.PosInvalidLine)
}

func TestParse_NoSections(t *testing.T) {
	_, err := parse(t, "<config></config>")
	requireCode(t, err, config.SecListEmpty)
}

func TestParse_Params(t *testing.T) {
	doc := strings.Replace(validSection, "<sections>",
		"<params><domain_mask>3</domain_mask><socket_mask>1</socket_mask></params><sections>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, uint32(3), cfg.Params.DomainMask)
	require.Equal(t, uint32(1), cfg.Params.SocketMask)
	require.Equal(t, ^uint32(0), cfg.Params.DeviceMask)

	doc = strings.Replace(validSection, "<sections>",
		"<params><domain_mask>0</domain_mask></params><sections>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.ParamInvalidDomainMask)
}

func TestParse_Threads(t *testing.T) {
	doc := strings.Replace(validSection, "<config>", "<config><threads>4</threads>", 1)
	cfg, err := parse(t, doc)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Threads)

	doc = strings.Replace(validSection, "<config>", "<config><threads>zero</threads>", 1)
	_, err = parse(t, doc)
	requireCode(t, err, config.InvalidThreadCount)
}

func TestParse_BadFormat(t *testing.T) {
	_, err := parse(t, "<config><sections>")
	requireCode(t, err, config.ConfigBadFormat)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := config.Load("does-not-exist.xml")
	requireCode(t, err, config.ConfigNotFound)
}
