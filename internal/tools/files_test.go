package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
)

func TestWriteReadFileRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	content := "module counter; endmodule\n"
	out, err := f.cat.writeFile(ctx, "s1", args(t, writeFileArgs{Path: "counter.v", Content: content}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "counter.v") {
		t.Fatalf("confirmation = %q", out)
	}

	got, err := f.cat.readFile(ctx, "s1", args(t, readFileArgs{Path: "counter.v"}))
	if err != nil {
		t.Fatal(err)
	}
	if got != content {
		t.Fatalf("read back %q", got)
	}
}

func TestReadFileNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.readFile(context.Background(), "s1", args(t, readFileArgs{Path: "missing.v"}))
	if !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestWriteFileRejectsEscape(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.writeFile(context.Background(), "s1",
		args(t, writeFileArgs{Path: "../other/evil.v", Content: "x"}))
	if !core.IsKind(err, core.KindPathEscape) {
		t.Fatalf("expected path escape, got %v", err)
	}
}

func TestEditFileTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "counter.v", "module counter;\n  reg [3:0] count;\nendmodule\n")

	out, err := f.cat.editFile(ctx, "s1", args(t, editFileArgs{
		Path:  "counter.v",
		Edits: []workspace.Edit{{Find: "[3:0]", Replace: "[7:0]"}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "applied 1 edit(s)") {
		t.Fatalf("summary = %q", out)
	}
	if got := f.read(t, "counter.v"); !strings.Contains(got, "[7:0]") {
		t.Fatalf("edit not applied: %q", got)
	}
}

func TestEditFileEmptyEditsIsNoop(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.v", "x")
	out, err := f.cat.editFile(context.Background(), "s1", args(t, editFileArgs{Path: "a.v"}))
	if err != nil {
		t.Fatal(err)
	}
	if out != "no edits applied" {
		t.Fatalf("out = %q", out)
	}
}

func TestEditFileMissingAnchor(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.v", "module a; endmodule")
	_, err := f.cat.editFile(context.Background(), "s1", args(t, editFileArgs{
		Path:  "a.v",
		Edits: []workspace.Edit{{Find: "not there", Replace: "x"}},
	}))
	if !core.IsKind(err, core.KindConflictNotFound) {
		t.Fatalf("expected conflict_not_found, got %v", err)
	}
}

func TestListFilesClassifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "counter.v", "module counter; endmodule")
	f.write(t, "counter_tb.v", "module tb; endmodule")
	f.write(t, "dump.vcd", "$enddefinitions $end")

	out, err := f.cat.listFiles(ctx, "s1", args(t, listFilesArgs{}))
	if err != nil {
		t.Fatal(err)
	}
	var entries []workspace.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatal(err)
	}
	kinds := map[string]workspace.FileKind{}
	for _, e := range entries {
		kinds[e.Path] = e.Kind
	}
	if kinds["counter.v"] != workspace.KindVerilog {
		t.Errorf("counter.v kind = %v", kinds["counter.v"])
	}
	if kinds["counter_tb.v"] != workspace.KindTestbench {
		t.Errorf("counter_tb.v kind = %v", kinds["counter_tb.v"])
	}
	if kinds["dump.vcd"] != workspace.KindWaveform {
		t.Errorf("dump.vcd kind = %v", kinds["dump.vcd"])
	}
}

func TestListFilesEmptyWorkspace(t *testing.T) {
	f := newFixture(t)
	out, err := f.cat.listFiles(context.Background(), "s1", args(t, listFilesArgs{}))
	if err != nil {
		t.Fatal(err)
	}
	if out != "the workspace is empty" {
		t.Fatalf("out = %q", out)
	}
}
