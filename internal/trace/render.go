package trace

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Render writes the replay timeline as a table followed by a summary line.
// Unless all is set, only steps that changed quality or mode are listed.
func Render(w io.Writer, res *Result, all bool) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"At", "Event", "Decision", "Quality", "Mode", "Health", "Available"})

	var prevMode string
	for i, step := range res.Steps {
		mode := step.Mode.String()
		modeChanged := i > 0 && mode != prevMode
		prevMode = mode
		if !all && !step.Changed() && !modeChanged {
			continue
		}

		decision := "-"
		if step.Changed() {
			decision = fmt.Sprintf("%s: %s", step.Decision.Kind, step.Decision.Reason)
		}
		tw.AppendRow(table.Row{
			step.At,
			step.Event,
			decision,
			step.Quality,
			mode,
			step.Health,
			FormatBitrate(step.AvailableBPS),
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 3, WidthMax: 60},
		{Number: 7, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	tw.Render()

	f := res.Final
	_, err := fmt.Fprintf(w, "%d events, %d increases, %d decreases, %d recoveries, %d manual; final %s (%s) at %s, health %s\n",
		len(res.Steps), f.Increases, f.Decreases, f.Recoveries, f.ManualOverrides,
		f.Current.Name, FormatBitrate(f.Current.Bitrate), f.Current.Resolution, f.Playback.Health)
	return err
}

// FormatBitrate renders bits per second with an SI prefix, "-" for zero
func FormatBitrate(bps uint64) string {
	if bps == 0 {
		return "-"
	}
	return humanize.SIWithDigits(float64(bps), 1, "bps")
}
