package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/streamqc/internal/quality"
)

const sampleTrace = `
# startup at 720p
{"at":"0s","state":"loading"}
{"at":"1s","state":"playing"}
{"at":"2s","bytes":4000000,"elapsed":"1s"}
{"at":"3s","state":"error"}
{"at":"20s","manual":3}
{"at":"25s","auto":true}
{"at":"26s","clearErrors":true}
`

func TestRead(t *testing.T) {
	events, err := Read(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("Expected 7 events, got %d", len(events))
	}

	if events[0].State == nil || *events[0].State != quality.StateLoading || events[0].Line != 3 {
		t.Fatalf("Unexpected first event %+v", events[0])
	}
	sample := events[2]
	if !sample.isSample() || sample.Sample() != (quality.BandwidthSample{Bytes: 4_000_000, Elapsed: time.Second}) {
		t.Fatalf("Unexpected sample event %+v", sample)
	}
	if events[4].Manual == nil || *events[4].Manual != 3 {
		t.Fatalf("Unexpected manual event %+v", events[4])
	}
	if !events[5].Auto || !events[6].ClearErrors {
		t.Fatal("Expected auto and clearErrors events")
	}
	if events[1].At.Duration != time.Second {
		t.Fatalf("Expected 1s offset, got %s", events[1].At.Duration)
	}
}

func TestReadDegenerateSamples(t *testing.T) {
	trace := `{"at":"0s","state":"playing"}
{"at":"1s","bytes":0,"elapsed":"0s"}
{"at":"2s","bytes":500}
{"at":"3s","elapsed":"250ms"}
`
	events, err := Read(strings.NewReader(trace))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}

	want := []quality.BandwidthSample{
		{},
		{Bytes: 500},
		{Elapsed: 250 * time.Millisecond},
	}
	for i, w := range want {
		ev := events[i+1]
		if !ev.isSample() || ev.Sample() != w {
			t.Fatalf("Event %d: expected sample %+v, got %+v", i+1, w, ev.Sample())
		}
	}
	if got := events[1].String(); got != "sample 0 B in 0s" {
		t.Fatalf("Unexpected description %q", got)
	}

	res, err := Replay(events, quality.DefaultLadder(""), 2, quality.DefaultSettings(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(res.Steps) != 4 {
		t.Fatalf("Expected 4 steps, got %d", len(res.Steps))
	}
	if res.Steps[1].AvailableBPS != 0 {
		t.Fatalf("Expected zero available bandwidth from an empty chunk, got %d", res.Steps[1].AvailableBPS)
	}
	// 500 B in under a millisecond counts as 4 Mbps; mean of 0 and 4 Mbps, times 0.8
	if res.Steps[2].AvailableBPS != 1_600_000 {
		t.Fatalf("Expected 1.6 Mbps available, got %d", res.Steps[2].AvailableBPS)
	}
}

func TestReadErrors(t *testing.T) {
	testCases := []struct {
		name    string
		trace   string
		wantErr string
	}{
		{"Empty", "\n# nothing\n", "no events"},
		{"Bad JSON", `{"at":"1s",`, "line 1"},
		{"Bad offset", `{"at":"soon","state":"playing"}`, "line 1"},
		{"Unknown state", `{"at":"1s","state":"seeking"}`, "line 1"},
		{"Unknown field", `{"at":"1s","state":"playing","volume":3}`, "line 1"},
		{"No action", `{"at":"1s"}`, "exactly one action"},
		{"Two actions", `{"at":"1s","state":"playing","auto":true}`, "exactly one action"},
		{"Going backwards", "{\"at\":\"2s\",\"state\":\"playing\"}\n{\"at\":\"1s\",\"state\":\"paused\"}", "line 2"},
		{"Negative elapsed", `{"at":"1s","bytes":10,"elapsed":"-1s"}`, "negative elapsed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tc.trace))
			if err == nil {
				t.Fatalf("Expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestReplay(t *testing.T) {
	events, err := Read(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	ladder := quality.DefaultLadder("")
	res, err := Replay(events, ladder, quality.IndexOf(ladder, "720p"), quality.DefaultSettings(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(res.Steps) != len(events) {
		t.Fatalf("Expected %d steps, got %d", len(events), len(res.Steps))
	}

	// 4 MB/s is 32 Mbps raw and 25.6 Mbps available
	if got := res.Steps[2].AvailableBPS; got != 25_600_000 {
		t.Fatalf("Expected 25.6 Mbps available, got %d", got)
	}

	rec := res.Steps[3]
	if rec.Decision.Kind != quality.DecisionRecover || rec.Quality != "2160p" {
		t.Fatalf("Expected recover to 2160p, got %s on %s", rec.Decision, rec.Quality)
	}
	if rec.Health != quality.HealthFailed {
		t.Fatalf("Expected failed health, got %s", rec.Health)
	}

	manual := res.Steps[4]
	if manual.Mode != quality.ModeManual || manual.Quality != "480p" {
		t.Fatalf("Expected manual on 480p, got %s on %s", manual.Mode, manual.Quality)
	}
	if res.Steps[5].Mode != quality.ModeAuto {
		t.Fatalf("Expected auto mode, got %s", res.Steps[5].Mode)
	}
	if res.Steps[6].Health == quality.HealthFailed {
		t.Fatal("Expected errors to be cleared")
	}

	if res.Final.Recoveries != 1 || res.Final.ManualOverrides != 1 {
		t.Fatalf("Unexpected final stats %+v", res.Final)
	}
}

func TestReplayCooldownFollowsTrace(t *testing.T) {
	trace := `
{"at":"0s","state":"playing"}
{"at":"1s","state":"error"}
{"at":"5s","state":"error"}
{"at":"12s","state":"error"}
`
	events, err := Read(strings.NewReader(trace))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	ladder := quality.DefaultLadder("")
	res, err := Replay(events, ladder, 4, quality.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	got := make([]bool, len(res.Steps))
	for i, s := range res.Steps {
		got[i] = s.Changed()
	}
	want := []bool{false, true, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Step %d: expected changed=%v, got %v (%s)", i, want[i], got[i], res.Steps[i].Decision)
		}
	}
	if res.Final.Current.Name != "2160p" || res.Final.Recoveries != 2 {
		t.Fatalf("Expected two recoveries to reach 2160p, got %s after %d", res.Final.Current.Name, res.Final.Recoveries)
	}
}

func TestReplayManualOutOfRange(t *testing.T) {
	events, err := Read(strings.NewReader(`{"at":"1s","manual":9}`))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	_, err = Replay(events, quality.DefaultLadder(""), 0, quality.DefaultSettings(), nil)
	if !errors.Is(err, quality.ErrIndexOutOfRange) {
		t.Fatalf("Expected ErrIndexOutOfRange, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("Expected line number in error, got %v", err)
	}
}

func TestRender(t *testing.T) {
	events, err := Read(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	ladder := quality.DefaultLadder("")
	res, err := Replay(events, ladder, quality.IndexOf(ladder, "720p"), quality.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	var changes bytes.Buffer
	if err := Render(&changes, res, false); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := changes.String()
	for _, want := range []string{"recover", "2160p", "manual #3", "7 events", "1 recoveries"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "state loading") {
		t.Fatalf("Unchanged steps should be hidden:\n%s", out)
	}

	var all bytes.Buffer
	if err := Render(&all, res, true); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(all.String(), "state loading") {
		t.Fatalf("Expected every step with all=true:\n%s", all.String())
	}
}

func TestFormatBitrate(t *testing.T) {
	testCases := []struct {
		bps  uint64
		want string
	}{
		{0, "-"},
		{800_000, "800 kbps"},
		{8_000_000, "8 Mbps"},
		{25_600_000, "25.6 Mbps"},
	}
	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			if got := FormatBitrate(tc.bps); got != tc.want {
				t.Fatalf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}
