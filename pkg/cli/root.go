// Package cli wires the executor's command-line surface: flags for the
// config file and buffer overrides, and the version/build-info report.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lajosnagyuk/ltx/pkg/config"
	"github.com/lajosnagyuk/ltx/pkg/diag"
	"github.com/lajosnagyuk/ltx/pkg/loop"
)

// BuildInfo carries version metadata stamped in at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Options collects the flags the root command exposes, resolved into
// a config.Config just before Run starts the event loop.
type Options struct {
	ConfigPath    string
	InputBufSize  int
	OutputBufSize int
	CaptureChunk  int
	PollTimeoutMS int
}

// NewRootCmd builds the executor's root command. Run with no
// subcommand starts the event loop against stdin/stdout, matching a
// single-purpose executor binary rather than a multi-command tool.
func NewRootCmd(info BuildInfo) *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:           "ltx",
		Short:         "Run commands dispatched by a remote controller over stdin/stdout",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, info.Version)
		},
	}

	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to an ltx.toml tunables file")
	root.Flags().IntVar(&opts.InputBufSize, "input-buf-size", 0, "override input_buf_size (0 = use config/default)")
	root.Flags().IntVar(&opts.OutputBufSize, "output-buf-size", 0, "override output_buf_size (0 = use config/default)")
	root.Flags().IntVar(&opts.CaptureChunk, "capture-chunk", 0, "override capture_chunk (0 = use config/default)")
	root.Flags().IntVar(&opts.PollTimeoutMS, "poll-timeout-ms", 0, "override poll_timeout_ms (0 = use config/default)")

	root.AddCommand(newVersionCmd(info))

	return root
}

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ltx %s (commit %s, built %s)\n", info.Version, info.Commit, info.Date)
			return nil
		},
	}
}

func run(opts *Options, version string) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	if opts.InputBufSize > 0 {
		cfg.InputBufSize = opts.InputBufSize
	}
	if opts.OutputBufSize > 0 {
		cfg.OutputBufSize = opts.OutputBufSize
	}
	if opts.CaptureChunk > 0 {
		cfg.CaptureChunk = opts.CaptureChunk
	}
	if opts.PollTimeoutMS > 0 {
		cfg.PollTimeoutMS = opts.PollTimeoutMS
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	diag.SetFrameSink(func(text string) bool {
		return loop.EmitFatalLog(os.Stdout, text)
	})

	l := loop.New(cfg, os.Stdin, os.Stdout, version)
	if err := l.Run(); err != nil {
		diag.Fatal(diag.Here(0), "%v", err)
	}
	return nil
}
