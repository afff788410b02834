package run

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nrgsoft/etrace/internal/settings"
	"github.com/nrgsoft/etrace/pkg/cmd/options"
	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/dbginfo"
	"github.com/nrgsoft/etrace/pkg/idle"
	"github.com/nrgsoft/etrace/pkg/profiling"
	"github.com/nrgsoft/etrace/pkg/reader"
	"github.com/nrgsoft/etrace/pkg/region"
	"github.com/nrgsoft/etrace/pkg/trace"
)

const CmdName = "run"

type Options struct {
	configPath   string
	outputPath   string
	idleEval     bool
	idleDuration time.Duration
	status       bool
	groupLabel   string
	groupExtra   string

	*options.Options
}

func NewCommand(opts *options.Options) *cobra.Command {
	o := &Options{Options: opts}

	cmd := &cobra.Command{
		Use:   CmdName + " [flags] -- <target> [args...]",
		Short: "Profile the energy consumption of a target's configured regions",
		Long: `
run launches the target executable under ptrace control, brackets the
configured source regions with breakpoints and samples the energy
sensors while each region executes. The recorded executions are written
as a single JSON document.
`,
		Args:              cobra.MinimumNArgs(1),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Path to the profile configuration (XML)")
	cmd.Flags().StringVarP(&o.outputPath, "output", "o", settings.DefaultOutputFile, "Output file path, or - for stdout")
	cmd.Flags().BoolVar(&o.idleEval, "idle", true, "Record an idle baseline before tracing")
	cmd.Flags().DurationVar(&o.idleDuration, "idle-duration", idle.DefaultSleep, "How long to observe the idle baseline")
	cmd.Flags().BoolVar(&o.status, "status", false, "Periodically print a status of the trace")
	cmd.Flags().StringVar(&o.groupLabel, "label", "", "Label for the result group")
	cmd.Flags().StringVar(&o.groupExtra, "extra", "", "Extra data attached to the result group")

	cmd.MarkFlagRequired("config")

	return cmd
}

func (o *Options) Run(_ *cobra.Command, args []string) error {
	if err := o.ApplyLogLevel(); err != nil {
		return errors.Wrap(err, "invalid log level")
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	targetPath, targetArgs := args[0], args[1:]
	object, err := dbginfo.Load(targetPath, dbginfo.WithLoadLogger(o.Logger))
	if err != nil {
		return errors.Wrapf(err, "failed to load debug info from %q", targetPath)
	}

	needCPU, needGPU := targets(cfg)

	var cpuReader reader.Reader
	var cpuFormat profiling.CPUFormat
	if needCPU {
		cpuReader, cpuFormat, err = newCPUReader(o, cfg.Params)
		if err != nil {
			return errors.Wrap(err, "failed to set up CPU energy reader")
		}
		if closer, ok := cpuReader.(io.Closer); ok {
			defer closer.Close()
		}
	}
	var gpuReader *reader.GPU
	if needGPU {
		gpuReader, err = reader.NewGPU(
			reader.WithGPUDeviceMask(reader.Mask(cfg.Params.DeviceMask)),
			reader.WithGPULogger(o.Logger),
		)
		if err != nil {
			return errors.Wrap(err, "failed to set up GPU power reader")
		}
		defer gpuReader.Close()
	}

	resolver, err := region.NewResolver(
		region.WithObjectInfo(object),
		region.WithCPUReader(cpuReader),
		region.WithGPUReader(gpuOrNil(gpuReader)),
		region.WithLogger(o.Logger),
	)
	if err != nil {
		return err
	}
	regions, err := resolver.Resolve(cfg.Sections)
	if err != nil {
		return errors.Wrap(err, "failed to resolve regions")
	}

	results := profiling.NewResults()

	if o.idleEval {
		if err := o.evaluateIdle(results, cpuReader, gpuReader); err != nil {
			return errors.Wrap(err, "failed to evaluate idle consumption")
		}
	}

	tracee := trace.NewTracee(
		trace.WithTraceeExePath(targetPath),
		trace.WithTraceeArgs(targetArgs...),
		trace.WithTraceeLogger(o.Logger),
	)
	tracer, err := trace.NewTracer(
		trace.WithTracerTracee(tracee),
		trace.WithTracerRegions(regions),
		trace.WithTracerResults(results),
		trace.WithTracerGroup(o.groupLabel, o.groupExtra),
		trace.WithTracerStatus(o.status),
		trace.WithTracerLogger(o.Logger),
	)
	if err != nil {
		return err
	}

	// A failure mid-trace is not fatal to the run: whatever was recorded
	// up to it is still written, with the failure on the error branch.
	var runErr *profiling.ExecError
	if err := tracer.Run(o.Ctx); err != nil {
		o.Logger.Warn().Err(err).Msg("trace aborted; writing partial results")
		runErr = &profiling.ExecError{Cause: "tracer", Message: err.Error()}
	}

	return o.write(results, runErr, cpuFormat, gpuReader)
}

// targets reports which sensor families the configured sections need.
func targets(cfg *config.Config) (cpu bool, gpu bool) {
	for _, s := range cfg.Sections {
		switch s.Target {
		case config.TargetCPU:
			cpu = true
		case config.TargetGPU:
			gpu = true
		}
	}
	return cpu, gpu
}

// newCPUReader probes RAPL first and falls back to the OCC interface, so
// the same binary serves x86-64 and POWER9 hosts.
func newCPUReader(o *Options, params config.Params) (reader.Reader, profiling.CPUFormat, error) {
	rapl, err := reader.NewRAPL(
		reader.WithRAPLDomainMask(reader.Mask(params.DomainMask)),
		reader.WithRAPLSocketMask(reader.Mask(params.SocketMask)),
		reader.WithRAPLLogger(o.Logger),
	)
	if err == nil {
		return rapl, profiling.RAPLFormat{Reader: rapl}, nil
	}
	raplErr := err

	occ, err := reader.NewOCC(
		reader.WithOCCDomainMask(reader.Mask(params.DomainMask)),
		reader.WithOCCSocketMask(reader.Mask(params.SocketMask)),
		reader.WithOCCLogger(o.Logger),
	)
	if err == nil {
		return occ, profiling.OCCFormat{Reader: occ}, nil
	}

	return nil, nil, raplErr
}

func gpuOrNil(gpu *reader.GPU) reader.Reader {
	if gpu == nil {
		return nil
	}
	return gpu
}

func (o *Options) evaluateIdle(results *profiling.Results, cpu reader.Reader, gpu *reader.GPU) error {
	readers := []struct {
		r      reader.Reader
		target config.Target
	}{
		{cpu, config.TargetCPU},
		{gpuOrNil(gpu), config.TargetGPU},
	}
	for _, entry := range readers {
		if entry.r == nil {
			continue
		}
		exec, err := idle.NewEvaluator(
			idle.WithReader(entry.r, entry.target),
			idle.WithSleep(o.idleDuration),
			idle.WithLogger(o.Logger),
		).Run()
		if err != nil {
			return err
		}
		if err := results.AddIdle(exec); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) write(results *profiling.Results, runErr *profiling.ExecError, cpuFormat profiling.CPUFormat, gpu *reader.GPU) error {
	var writerOpts []profiling.WriterOption
	if cpuFormat != nil {
		writerOpts = append(writerOpts, profiling.WithCPUFormat(cpuFormat))
	}
	if gpu != nil {
		writerOpts = append(writerOpts, profiling.WithGPUFormat(profiling.GPUBoardFormat{Reader: gpu}))
	}

	out := os.Stdout
	if o.outputPath != "-" {
		file, err := os.Create(o.outputPath)
		if err != nil {
			return errors.Wrap(err, "failed to create output file")
		}
		defer file.Close()
		out = file
	}

	if err := profiling.NewWriter(writerOpts...).Write(out, results, runErr); err != nil {
		return errors.Wrap(err, "failed to write results")
	}
	if o.outputPath != "-" {
		o.Logger.Info().Str("path", o.outputPath).Msg("results written")
	}
	return nil
}
