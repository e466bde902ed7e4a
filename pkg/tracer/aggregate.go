package tracer

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Placeholder is rendered by Format when nothing was traced.
const Placeholder = "_No function calls were traced_"

// FunctionCallSummary aggregates every call recorded under one name.
type FunctionCallSummary struct {
	Name  string        `json:"function_name"`
	Count int           `json:"execution_count"`
	Total time.Duration `json:"total_execution_time"`
	File  string        `json:"file_name"`
}

// Aggregate groups calls by name. Summaries come out in order of first
// appearance and keep the first file seen for each name.
func Aggregate(calls []FunctionCall) []FunctionCallSummary {
	index := make(map[string]int, len(calls))
	out := make([]FunctionCallSummary, 0)
	for _, c := range calls {
		i, ok := index[c.Name]
		if !ok {
			index[c.Name] = len(out)
			out = append(out, FunctionCallSummary{Name: c.Name, File: c.File})
			i = len(out) - 1
		}
		out[i].Count++
		out[i].Total += c.Duration
	}
	return out
}

// SortByTotal returns a copy ordered by total duration, longest first. Ties
// keep their input order.
func SortByTotal(summaries []FunctionCallSummary) []FunctionCallSummary {
	out := make([]FunctionCallSummary, len(summaries))
	copy(out, summaries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Total > out[j].Total
	})
	return out
}

// Top returns at most limit summaries from the slowest end. A negative limit
// keeps everything.
func Top(summaries []FunctionCallSummary, limit int) []FunctionCallSummary {
	sorted := SortByTotal(summaries)
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// Format renders the slowest calls as Slack-flavoured markdown. Files that
// contain one of homePaths get a :zap: marker.
func Format(summaries []FunctionCallSummary, limit int, homePaths []string) string {
	if len(summaries) == 0 {
		return Placeholder
	}
	top := Top(summaries, limit)

	var b strings.Builder
	fmt.Fprintf(&b, "Top %d most time-consuming function call%s:", len(top), plural(len(top)))
	for i, s := range top {
		fmt.Fprintf(&b, "\n%d. `%s`: *%.3fs*, called %d time%s (`%s`)",
			i+1, s.Name, s.Total.Seconds(), s.Count, plural(s.Count), s.File)
		if isHome(s.File, homePaths) {
			b.WriteString(" :zap:")
		}
	}
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func isHome(file string, homePaths []string) bool {
	for _, p := range homePaths {
		if p != "" && strings.Contains(file, p) {
			return true
		}
	}
	return false
}
