package generic

import "fmt"

// =============================================================================
// PERIOD - Time boundary for aggregation and payouts
// =============================================================================

// Period is an inclusive range of calendar days.
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

func DayPeriod(day TimePoint) Period { return Period{Start: day, End: day} }

func MonthPeriod(ym YearMonth) Period { return Period{Start: ym.Start(), End: ym.End()} }

// PeriodKind classifies payouts.
type PeriodKind string

const (
	PeriodDaily     PeriodKind = "DAILY"
	PeriodMonthly   PeriodKind = "MONTHLY"
	PeriodQuarterly PeriodKind = "QUARTERLY"
)

func (k PeriodKind) Valid() bool {
	switch k {
	case PeriodDaily, PeriodMonthly, PeriodQuarterly:
		return true
	}
	return false
}

// PeriodKey formats the natural key of a period: "2025-03-14" for days,
// "2025-03" for months and quarterly evaluations.
func PeriodKey(kind PeriodKind, at TimePoint) string {
	switch kind {
	case PeriodDaily:
		return at.String()
	case PeriodMonthly, PeriodQuarterly:
		return at.YearMonth().String()
	default:
		panic(fmt.Sprintf("unknown period kind %q", kind))
	}
}
