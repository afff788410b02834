package resolve

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nrgsoft/etrace/pkg/cmd/options"
	"github.com/nrgsoft/etrace/pkg/config"
	"github.com/nrgsoft/etrace/pkg/dbginfo"
	"github.com/nrgsoft/etrace/pkg/region"
)

const CmdName = "resolve"

type Options struct {
	configPath string

	*options.Options
}

func NewCommand(opts *options.Options) *cobra.Command {
	o := &Options{Options: opts}

	cmd := &cobra.Command{
		Use:   CmdName + " [flags] -- <target>",
		Short: "Resolve the configured regions against a target without tracing it",
		Long: `
resolve translates every configured region of the profile configuration
into breakpoint addresses using the target's debug information, and
prints them. Use it to validate a configuration before a profiling run.
`,
		Args:              cobra.ExactArgs(1),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Path to the profile configuration (XML)")
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

	object, err := dbginfo.Load(args[0], dbginfo.WithLoadLogger(o.Logger))
	if err != nil {
		return errors.Wrapf(err, "failed to load debug info from %q", args[0])
	}

	resolver, err := region.NewResolver(
		region.WithObjectInfo(object),
		region.WithLogger(o.Logger),
	)
	if err != nil {
		return err
	}
	regions, err := resolver.Resolve(cfg.Sections)
	if err != nil {
		return errors.Wrap(err, "failed to resolve regions")
	}

	for _, reg := range regions {
		label := reg.Section.Name
		if label == "" {
			label = fmt.Sprintf("section-%d", reg.ID)
		}
		fmt.Printf("%s: %s -> %s entry=%#x exits=%#x\n",
			label,
			reg.Section.Bounds.Start,
			reg.Section.Bounds.End,
			reg.Entry,
			reg.Exits,
		)
	}

	return nil
}
