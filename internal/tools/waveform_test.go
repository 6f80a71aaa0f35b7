package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/fabworks/rtlagent/internal/core"
)

const vcdFixture = `$date today $end
$timescale 1ns $end
$scope module tb $end
$var wire 1 ! clk $end
$scope module dut $end
$var wire 4 " count $end
$upscope $end
$upscope $end
$enddefinitions $end
#0
0!
b0000 "
#5
1!
#10
0!
b0001 "
#15
1!
#2000
b1111 "
`

func TestWaveformWindow(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dump.vcd", vcdFixture)

	out, err := f.cat.readWaveform(context.Background(), "s1", args(t, waveformArgs{
		File:    "dump.vcd",
		Signals: []string{"clk", "count"},
		EndTime: 20,
	}))
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(out, "\n")
	if lines[0] != "Time\tSignal\tValue" {
		t.Fatalf("header = %q", lines[0])
	}
	for _, want := range []string{
		"0\tclk\t0",
		"0\tcount\t0000",
		"5\tclk\t1",
		"10\tcount\t0001",
		"15\tclk\t1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing event %q in:\n%s", want, out)
		}
	}
	// #2000 is past the window.
	if strings.Contains(out, "1111") {
		t.Errorf("event past end_time included:\n%s", out)
	}
}

func TestWaveformDottedSuffixResolution(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dump.vcd", vcdFixture)

	out, err := f.cat.readWaveform(context.Background(), "s1", args(t, waveformArgs{
		File:    "dump.vcd",
		Signals: []string{"dut.count"},
		EndTime: 20,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "dut.count\t0001") {
		t.Fatalf("suffix match failed:\n%s", out)
	}
}

func TestWaveformUnknownSignalListsAvailable(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dump.vcd", vcdFixture)

	_, err := f.cat.readWaveform(context.Background(), "s1", args(t, waveformArgs{
		File:    "dump.vcd",
		Signals: []string{"nope"},
	}))
	if !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if !strings.Contains(err.Error(), "clk") {
		t.Fatalf("error should list available signals: %v", err)
	}
}

func TestWaveformEmptyWindow(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dump.vcd", vcdFixture)

	out, err := f.cat.readWaveform(context.Background(), "s1", args(t, waveformArgs{
		File:      "dump.vcd",
		Signals:   []string{"clk"},
		StartTime: 100,
		EndTime:   200,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if out != "No events found in this time window." {
		t.Fatalf("out = %q", out)
	}
}

func TestWaveformRejectsInvalidFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, "not.vcd", "this is not a waveform")

	_, err := f.cat.readWaveform(context.Background(), "s1", args(t, waveformArgs{
		File:    "not.vcd",
		Signals: []string{"clk"},
	}))
	if !core.IsKind(err, core.KindBadArgs) {
		t.Fatalf("expected bad_args, got %v", err)
	}
}

func TestWaveformRejectsInvertedWindow(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.readWaveform(context.Background(), "s1", args(t, waveformArgs{
		File:      "dump.vcd",
		Signals:   []string{"clk"},
		StartTime: 50,
		EndTime:   10,
	}))
	if !core.IsKind(err, core.KindBadArgs) {
		t.Fatalf("expected bad_args, got %v", err)
	}
}
