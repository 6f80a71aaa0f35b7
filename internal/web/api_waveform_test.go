package web

import (
	"net/http"
	"testing"
)

const vcdSample = `$date today $end
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
b01x1 "
#15
1!
`

func TestParseVCDSeries(t *testing.T) {
	resp, err := parseVCDSeries("dump.vcd", vcdSample)
	if err != nil {
		t.Fatal(err)
	}
	if resp.EndTime != 15 {
		t.Fatalf("endtime = %d", resp.EndTime)
	}
	if len(resp.Signals) != 2 {
		t.Fatalf("signals = %+v", resp.Signals)
	}

	clk := resp.Signals[0]
	if clk.Name != "clk" || clk.FullName != "tb.clk" {
		t.Fatalf("clk = %+v", clk)
	}
	wantTimes := []uint64{0, 5, 10, 15}
	wantValues := []uint64{0, 1, 0, 1}
	if len(clk.Times) != len(wantTimes) {
		t.Fatalf("clk times = %v", clk.Times)
	}
	for i := range wantTimes {
		if clk.Times[i] != wantTimes[i] || clk.Values[i] != wantValues[i] {
			t.Fatalf("clk series = %v / %v", clk.Times, clk.Values)
		}
	}

	count := resp.Signals[1]
	if count.FullName != "tb.dut.count" {
		t.Fatalf("count = %+v", count)
	}
	// x bits read as 0: b01x1 -> 0101.
	if count.Values[1] != 0b0101 {
		t.Fatalf("count values = %v", count.Values)
	}
}

func TestWaveformEndpoint(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dump.vcd", vcdSample)

	rec := f.do(t, http.MethodGet, "/api/workspace/s1/waveform/dump.vcd", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp WaveformResponse
	decodeInto(t, rec, &resp)
	if resp.Filename != "dump.vcd" || len(resp.Signals) != 2 {
		t.Fatalf("resp = %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/workspace/s1/waveform/missing.vcd", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
}

func TestWaveformListEndpoint(t *testing.T) {
	f := newFixture(t)
	f.write(t, "dump.vcd", vcdSample)
	f.write(t, "counter.v", "module counter; endmodule")

	rec := f.do(t, http.MethodGet, "/api/workspace/s1/waveforms", "")
	var names []string
	decodeInto(t, rec, &names)
	if len(names) != 1 || names[0] != "dump.vcd" {
		t.Fatalf("names = %v", names)
	}
}
