package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/streamqc/internal/quality"
	"github.com/mikeyg42/streamqc/internal/trace"
)

func newSimulateCommand(ctx *commandContext) *cobra.Command {
	var (
		all   bool
		start string
	)

	cmd := &cobra.Command{
		Use:   "simulate <trace.jsonl>",
		Short: "Replay a recorded event trace and print the decision timeline",
		Long:  "Replays a JSON-lines player trace through a quality engine using the configured ladder and tuning. Use - to read the trace from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			ladder, startIdx, err := cfg.LadderOptions()
			if err != nil {
				return &ExitError{Code: ExitConfigError, Err: err}
			}
			if start != "" {
				if startIdx = quality.IndexOf(ladder, start); startIdx < 0 {
					return fmt.Errorf("unknown start quality %q", start)
				}
			}

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open trace: %w", err)
				}
				defer f.Close()
				in = f
			}

			events, err := trace.Read(in)
			if err != nil {
				return fmt.Errorf("read trace %s: %w", args[0], err)
			}

			res, err := trace.Replay(events, ladder, startIdx, cfg.QualitySettings(), ctx.logger.Named("simulate"))
			if err != nil {
				return fmt.Errorf("replay trace: %w", err)
			}
			return trace.Render(cmd.OutOrStdout(), res, all)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "List every event, not only quality changes")
	cmd.Flags().StringVar(&start, "start", "", "Starting rendition name (overrides quality.start_quality)")
	return cmd
}
