package stats

import "math"

// ActionStat is the running statistic for one action name.
type ActionStat struct {
	Average float64
	Count   uint64
}

// newActionStat starts a statistic from its first duration.
func newActionStat(duration float64) ActionStat {
	return ActionStat{
		Average: duration,
		Count:   1,
	}
}

// add returns the statistic with duration folded into the mean.
// The mean is updated incrementally rather than derived from a stored
// sum, so rounding error accumulates over the lifetime of an entry.
func (s ActionStat) add(duration float64) ActionStat {
	total := s.Average*float64(s.Count) + duration
	count := s.Count + 1

	return ActionStat{
		Average: total / float64(count),
		Count:   count,
	}
}

// finite reports whether the average can be carried by the JSON output.
func (s ActionStat) finite() bool {
	return !math.IsNaN(s.Average) && !math.IsInf(s.Average, 0)
}
