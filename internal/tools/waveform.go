package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fabworks/rtlagent/internal/core"
)

type waveformArgs struct {
	File      string   `json:"file" jsonschema:"description=Workspace-relative .vcd file (e.g. dump.vcd)"`
	Signals   []string `json:"signals" jsonschema:"description=Signal names to inspect (e.g. clk, rst, count)"`
	StartTime int64    `json:"start_time,omitempty" jsonschema:"description=Window start in simulation time units,default=0"`
	EndTime   int64    `json:"end_time,omitempty" jsonschema:"description=Window end in simulation time units,default=1000"`
}

// vcdEvent is one recorded value change.
type vcdEvent struct {
	Time   int64
	Signal string
	Value  string
}

func (c *catalog) readWaveform(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args waveformArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if len(args.Signals) == 0 {
		return "", core.E(core.KindBadArgs, "signals is required")
	}
	if args.EndTime == 0 {
		args.EndTime = 1000
	}
	if args.EndTime < args.StartTime {
		return "", core.Errorf(core.KindBadArgs, "end_time %d is before start_time %d", args.EndTime, args.StartTime)
	}

	p, err := c.ws.Path(sessionID, args.File)
	if err != nil {
		return "", err
	}
	data, err := c.ws.ReadFile(sessionID, p)
	if err != nil {
		return "", err
	}
	return formatVCDWindow(data, args.Signals, args.StartTime, args.EndTime)
}

// formatVCDWindow parses the VCD and renders the requested signals'
// value changes inside [start, end] as a TSV table.
func formatVCDWindow(data []byte, signals []string, start, end int64) (string, error) {
	codes, available, err := parseVCDHeader(data)
	if err != nil {
		return "", err
	}

	// Resolve each requested name: exact reference first, then a dotted
	// hierarchical suffix like "tb.dut.count" matching "count".
	watch := make(map[string]string) // code -> requested name
	for _, req := range signals {
		code, ok := resolveSignal(codes, req)
		if !ok {
			sort.Strings(available)
			if len(available) > 20 {
				available = available[:20]
			}
			return "", core.Errorf(core.KindNotFound,
				"signal %q not found in VCD; available signals include: %s",
				req, strings.Join(available, ", "))
		}
		watch[code] = req
	}

	events := collectVCDEvents(data, watch, start, end)
	if len(events) == 0 {
		return "No events found in this time window.", nil
	}

	var b strings.Builder
	b.WriteString("Time\tSignal\tValue\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "%d\t%s\t%s\n", ev.Time, ev.Signal, ev.Value)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// parseVCDHeader reads $var declarations up to $enddefinitions and
// returns the reference-name to identifier-code map.
func parseVCDHeader(data []byte) (map[string]string, []string, error) {
	codes := make(map[string]string) // ref -> code
	var scopes []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "$scope"):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				scopes = append(scopes, parts[2])
			}
		case strings.HasPrefix(line, "$upscope"):
			if len(scopes) > 0 {
				scopes = scopes[:len(scopes)-1]
			}
		case strings.HasPrefix(line, "$var"):
			// $var <type> <size> <code> <ref> [range] $end
			parts := strings.Fields(line)
			if len(parts) >= 5 {
				code, ref := parts[3], parts[4]
				full := ref
				if len(scopes) > 0 {
					full = strings.Join(scopes, ".") + "." + ref
				}
				codes[full] = code
				if _, exists := codes[ref]; !exists {
					codes[ref] = code
				}
			}
		case strings.HasPrefix(line, "$enddefinitions"):
			refs := make([]string, 0, len(codes))
			for ref := range codes {
				refs = append(refs, ref)
			}
			return codes, refs, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, core.Wrap(core.KindInternal, "scan VCD", err)
	}
	return nil, nil, core.E(core.KindBadArgs, "not a valid VCD file: missing $enddefinitions")
}

// resolveSignal matches a requested name against declared references,
// exact match first, then as a hierarchical suffix.
func resolveSignal(codes map[string]string, req string) (string, bool) {
	if code, ok := codes[req]; ok {
		return code, true
	}
	for ref, code := range codes {
		if strings.HasSuffix(ref, "."+req) {
			return code, true
		}
	}
	return "", false
}

// collectVCDEvents scans the value-change section, tracking simulation
// time and recording changes to watched codes inside the window. The
// scan stops at the first timestamp past end.
func collectVCDEvents(data []byte, watch map[string]string, start, end int64) []vcdEvent {
	var (
		events  []vcdEvent
		now     int64
		inBody  bool
		scanner = bufio.NewScanner(bytes.NewReader(data))
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inBody {
			if strings.HasPrefix(line, "$enddefinitions") {
				inBody = true
			}
			continue
		}
		if line == "" {
			continue
		}
		switch line[0] {
		case '#':
			t, err := strconv.ParseInt(line[1:], 10, 64)
			if err != nil {
				continue
			}
			now = t
			if now > end {
				return events
			}
		case 'b', 'B':
			// Vector change: b<bits> <code>
			parts := strings.Fields(line)
			if len(parts) != 2 {
				continue
			}
			if name, ok := watch[parts[1]]; ok && now >= start {
				events = append(events, vcdEvent{Time: now, Signal: name, Value: parts[0][1:]})
			}
		case '0', '1', 'x', 'X', 'z', 'Z':
			// Scalar change: <value><code>, code may be multi-char.
			code := line[1:]
			if name, ok := watch[code]; ok && now >= start {
				events = append(events, vcdEvent{Time: now, Signal: name, Value: string(line[0])})
			}
		}
	}
	return events
}
