package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Report is one suite run: scenario results grouped by area, plus what the
// mock authority and linkedge's own metrics saw.
type Report struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Instance InstanceInfo  `json:"instance"`
	Traffic  Traffic       `json:"traffic"`
	Areas    []AreaSummary `json:"areas"`
	Tests    []TestEntry   `json:"tests"`
	Logs     []InstanceLog `json:"logs,omitempty"`
}

// InstanceInfo records where the instance under test was listening and what
// it was wired to.
type InstanceInfo struct {
	Redirect  string `json:"redirect"`
	Ops       string `json:"ops"`
	Stream    string `json:"stream"`
	Collector string `json:"collector"`
}

// Traffic is the end-of-run view from both sides of the wire.
type Traffic struct {
	StreamConnections int                `json:"stream_connections"`
	VisitsCollected   int                `json:"visits_collected"`
	Outcomes          map[string]float64 `json:"outcomes"`
}

// TestEntry is one scenario result.
type TestEntry struct {
	Index    int           `json:"index"`
	Area     string        `json:"area"`
	Name     string        `json:"name"`
	ID       string        `json:"id"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration_ns"`
}

// AreaSummary counts results for scenarios sharing an area prefix.
type AreaSummary struct {
	Area   string `json:"area"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
}

// InstanceLog stores the output captured from a linkedge process.
type InstanceLog struct {
	Instance string `json:"instance"`
	Logs     string `json:"logs"`
}

func (r *Report) passed() (pass, fail int) {
	for _, t := range r.Tests {
		if t.Passed {
			pass++
		} else {
			fail++
		}
	}
	return pass, fail
}

// areaOf returns the scenario's area: the part of its name before ":".
func areaOf(name string) string {
	area, _, ok := strings.Cut(name, ":")
	if !ok {
		return "Other"
	}
	return strings.TrimSpace(area)
}

func summarizeAreas(tests []TestEntry) []AreaSummary {
	byArea := map[string]*AreaSummary{}
	var order []string
	for _, t := range tests {
		s, ok := byArea[t.Area]
		if !ok {
			s = &AreaSummary{Area: t.Area}
			byArea[t.Area] = s
			order = append(order, t.Area)
		}
		if t.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	out := make([]AreaSummary, 0, len(order))
	for _, a := range order {
		out = append(out, *byArea[a])
	}
	return out
}

// scrapeOutcomes reads linkedge_requests_total from the ops endpoint, keyed
// by outcome label. A failed scrape yields an empty map.
func scrapeOutcomes(opsURL string) map[string]float64 {
	out := map[string]float64{}
	resp, err := httpClient.Get(opsURL + "/metrics")
	if err != nil {
		return out
	}
	defer resp.Body.Close()

	const prefix = `linkedge_requests_total{outcome="`
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		rest, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		outcome, value, ok := strings.Cut(rest, `"} `)
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			out[outcome] = v
		}
	}
	return out
}

const reportsDir = "reports"

// writeReport writes <timestamp>.json and <timestamp>.md and returns the
// markdown path, or "" when nothing could be written.
func writeReport(r *Report) string {
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		warn("could not create reports directory: %v", err)
		return ""
	}
	base := filepath.Join(reportsDir, r.Started.Format("2006-01-02T15-04-05"))

	b, err := json.MarshalIndent(r, "", "  ")
	if err == nil {
		err = os.WriteFile(base+".json", b, 0o644)
	}
	if err != nil {
		warn("could not write %s.json: %v", base, err)
	}

	if err := os.WriteFile(base+".md", []byte(renderMarkdown(r)), 0o644); err != nil {
		warn("could not write %s.md: %v", base, err)
		return ""
	}
	return base + ".md"
}

func renderMarkdown(r *Report) string {
	var b strings.Builder
	pass, fail := r.passed()

	fmt.Fprintf(&b, "# linkedge e2e run %s\n\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "%d/%d scenarios passed in %s.\n\n", pass, pass+fail, r.Duration.Round(time.Millisecond))

	b.WriteString("## Setup\n\n")
	fmt.Fprintf(&b, "- redirect listener: `%s`\n", r.Instance.Redirect)
	fmt.Fprintf(&b, "- ops listener: `%s`\n", r.Instance.Ops)
	fmt.Fprintf(&b, "- rule stream: `%s`\n", r.Instance.Stream)
	fmt.Fprintf(&b, "- analytics collector: `%s`\n\n", r.Instance.Collector)

	b.WriteString("## Traffic\n\n")
	fmt.Fprintf(&b, "- stream connections accepted by the authority: %d\n", r.Traffic.StreamConnections)
	fmt.Fprintf(&b, "- visits received by the collector: %d\n", r.Traffic.VisitsCollected)
	outcomes := make([]string, 0, len(r.Traffic.Outcomes))
	for o := range r.Traffic.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(&b, "- `%s` responses: %.0f\n", o, r.Traffic.Outcomes[o])
	}
	b.WriteString("\n")

	b.WriteString("## By area\n\n| Area | Passed | Failed |\n|---|---|---|\n")
	for _, a := range r.Areas {
		fmt.Fprintf(&b, "| %s | %d | %d |\n", a.Area, a.Passed, a.Failed)
	}
	b.WriteString("\n## Scenarios\n\n| # | Result | Scenario | Time | Detail |\n|---|---|---|---|---|\n")
	for _, t := range r.Tests {
		result := "ok"
		if !t.Passed {
			result = "**FAIL**"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n", t.Index, result, t.Name,
			t.Duration.Round(time.Millisecond), strings.ReplaceAll(t.Detail, "|", "\\|"))
	}

	for _, l := range r.Logs {
		fmt.Fprintf(&b, "\n## Output of `%s`\n\n```\n", l.Instance)
		logs := l.Logs
		if len(logs) > 10000 {
			b.WriteString("... (last 10000 bytes)\n")
			logs = logs[len(logs)-10000:]
		}
		b.WriteString(logs)
		b.WriteString("\n```\n")
	}
	return b.String()
}
