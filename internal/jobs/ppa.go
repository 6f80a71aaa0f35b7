package jobs

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Report is the PPA summary extracted from a run's reports. Pointer
// fields are nil when the source report is missing or does not contain
// the value.
type Report struct {
	RunID     string `json:"run_id"`
	TopModule string `json:"top_module,omitempty"`
	Platform  string `json:"platform,omitempty"`

	AreaUM2   *float64 `json:"area_um2"`
	CellCount *int     `json:"cell_count"`
	WNSNS     *float64 `json:"wns_ns"`
	TNSNS     *float64 `json:"tns_ns"`
	PowerUW   *float64 `json:"power_uw"`

	Violations map[string]*int   `json:"violations"`
	Sources    map[string]string `json:"sources"`
	Missing    []string          `json:"missing_fields"`
	Complete   bool              `json:"complete"`
	ParseNotes []string          `json:"parse_notes,omitempty"`
}

const (
	finishReportName = "6_finish.rpt"
	synthStatName    = "synth_stat.txt"
)

var (
	wnsRe   = regexp.MustCompile(`(?im)^\s*wns\s+max\s+([0-9.eE+-]+)`)
	tnsRe   = regexp.MustCompile(`(?im)^\s*tns\s+max\s+([0-9.eE+-]+)`)
	powerRe = regexp.MustCompile(`(?im)^\s*Total\s+[0-9.eE+-]+\s+[0-9.eE+-]+\s+[0-9.eE+-]+\s+([0-9.eE+-]+)\s+100`)
	areaRe  = regexp.MustCompile(`(?i)Chip area for module .*:\s*([0-9.]+)`)
	cellsRe = regexp.MustCompile(`(?im)^\s*([0-9]+)\s+[0-9.eE+-]+\s+cells\b`)

	violationRes = map[string]*regexp.Regexp{
		"setup":      regexp.MustCompile(`(?i)setup\s+violation\s+count\s+([0-9]+)`),
		"hold":       regexp.MustCompile(`(?i)hold\s+violation\s+count\s+([0-9]+)`),
		"max_slew":   regexp.MustCompile(`(?i)max\s+slew\s+violation\s+count\s+([0-9]+)`),
		"max_cap":    regexp.MustCompile(`(?i)max\s+cap\s+violation\s+count\s+([0-9]+)`),
		"max_fanout": regexp.MustCompile(`(?i)max\s+fanout\s+violation\s+count\s+([0-9]+)`),
	}
)

// parsePPA assembles the Report for a run directory: timing and power
// from 6_finish.rpt, area and cell count from synth_stat.txt.
func parsePPA(runDir string) *Report {
	report := &Report{
		RunID:      filepath.Base(runDir),
		Violations: map[string]*int{"setup": nil, "hold": nil, "max_slew": nil, "max_cap": nil, "max_fanout": nil},
		Sources:    map[string]string{},
	}
	if meta := readRunMeta(runDir); meta != nil {
		report.RunID = meta.RunID
		report.TopModule = meta.TopModule
		report.Platform = meta.Platform
	}

	finish := findReportFile(runDir, finishReportName)
	stat := findReportFile(runDir, synthStatName)

	if finish == "" {
		report.ParseNotes = append(report.ParseNotes, finishReportName+" not found")
	} else {
		text := readAll(finish)
		report.WNSNS = matchFloat(wnsRe, text)
		report.TNSNS = matchFloat(tnsRe, text)
		if w := matchFloat(powerRe, text); w != nil {
			uw := *w * 1e6 // report is in watts
			report.PowerUW = &uw
		}
		for name, re := range violationRes {
			report.Violations[name] = matchInt(re, text)
		}
		for _, field := range []string{"wns_ns", "tns_ns", "power_uw"} {
			report.Sources[field] = finish
		}
	}

	if stat == "" {
		report.ParseNotes = append(report.ParseNotes, synthStatName+" not found")
	} else {
		text := readAll(stat)
		report.AreaUM2 = matchFloat(areaRe, text)
		report.CellCount = matchInt(cellsRe, text)
		report.Sources["area_um2"] = stat
		report.Sources["cell_count"] = stat
	}

	for field, present := range map[string]bool{
		"area_um2":   report.AreaUM2 != nil,
		"cell_count": report.CellCount != nil,
		"wns_ns":     report.WNSNS != nil,
		"tns_ns":     report.TNSNS != nil,
		"power_uw":   report.PowerUW != nil,
	} {
		if !present {
			report.Missing = append(report.Missing, field)
		}
	}
	sort.Strings(report.Missing)
	report.Complete = len(report.Missing) == 0
	return report
}

// findReportFile walks the run's reports tree for an exact file name.
func findReportFile(runDir, name string) string {
	var found string
	root := filepath.Join(runDir, reportsDir)
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		if d.Name() == name {
			found = path
		}
		return nil
	})
	return found
}

func readAll(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func matchFloat(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

func matchInt(re *regexp.Regexp, text string) *int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &v
}

// inferStage maps recent log text to a flow stage. Later stages are
// checked first so a log that mentions several stages reports the
// furthest one.
func inferStage(lines []string, stages []string) string {
	text := strings.ToLower(strings.Join(lines, "\n"))
	if text == "" {
		return "unknown"
	}
	aliases := map[string][]string{
		"route":     {"global route", "detailed route", "route"},
		"cts":       {"clock tree", "cts"},
		"place":     {"place"},
		"floorplan": {"floorplan"},
		"synth":     {"yosys", "synth"},
		"final":     {"finish", "final"},
	}
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		keys := aliases[stage]
		if keys == nil {
			keys = []string{stage}
		}
		for _, key := range keys {
			if strings.Contains(text, key) {
				return stage
			}
		}
	}
	return "unknown"
}

// logTail returns the last max lines of the newest log in the run.
func logTail(runDir string, max int) []string {
	path := newestLogFile(runDir)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

// countArtifacts tallies flow outputs by kind across the run directory.
func countArtifacts(runDir string) map[string]int {
	counts := map[string]int{"gds": 0, "def": 0, "odb": 0, "reports": 0, "netlists": 0}
	_ = filepath.WalkDir(runDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".gds":
			counts["gds"]++
		case ".def":
			counts["def"]++
		case ".odb":
			counts["odb"]++
		case ".rpt":
			counts["reports"]++
		case ".v":
			counts["netlists"]++
		}
		return nil
	})
	return counts
}

// findNetlist locates the synthesized netlist for post-synthesis
// simulation, preferring final and yosys outputs.
func findNetlist(runDir, topModule string) string {
	type ranked struct {
		score int
		path  string
	}
	var candidates []ranked
	for _, base := range []string{filepath.Join(runDir, resultsDir), filepath.Join(runDir, inputsDir)} {
		_ = filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".v") {
				return nil
			}
			lower := strings.ToLower(d.Name())
			score := 0
			if strings.Contains(lower, "final") {
				score += 4
			}
			if strings.Contains(lower, "yosys") {
				score += 3
			}
			if topModule != "" && strings.Contains(lower, strings.ToLower(topModule)) {
				score += 2
			}
			candidates = append(candidates, ranked{score: score, path: path})
			return nil
		})
	}
	best := ""
	bestScore := -1
	for _, c := range candidates {
		if c.score > bestScore {
			best, bestScore = c.path, c.score
		}
	}
	return best
}
