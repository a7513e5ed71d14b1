package trajectory

import (
	"ace/internal/event"
)

// ToolStat aggregates the outcomes observed for one tool.
type ToolStat struct {
	Invocations int
	Results     int
	Errors      int
}

// SuccessRate returns the fraction of results that were not errors, or 0
// when no results were observed.
func (s ToolStat) SuccessRate() float64 {
	if s.Results == 0 {
		return 0
	}
	return float64(s.Results-s.Errors) / float64(s.Results)
}

// ToolMetrics 统计轨迹中每个工具的调用次数与成功率。
// ToolMetrics computes per-tool invocation counts and outcomes across the
// whole trajectory, for the end-of-run summary.
func (t *Trajectory) ToolMetrics() map[string]ToolStat {
	stats := make(map[string]ToolStat)
	for _, m := range t.messages {
		switch m.Kind {
		case event.KindToolUse:
			s := stats[m.ToolName]
			s.Invocations++
			stats[m.ToolName] = s
		case event.KindToolResult:
			s := stats[m.ToolName]
			s.Results++
			if m.IsError {
				s.Errors++
			}
			stats[m.ToolName] = s
		}
	}
	return stats
}
