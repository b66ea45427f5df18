package generic

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TIME POINT - Calendar-day abstraction used for rule windows and periods
// =============================================================================

type TimePoint struct {
	Time      time.Time
	Precision Precision
}

type Precision int

const (
	PrecisionDay Precision = iota
	PrecisionSecond
)

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), Precision: PrecisionDay}
}

// DayOf truncates an instant to its UTC calendar day.
func DayOf(t time.Time) TimePoint {
	t = t.UTC()
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

func ParseDay(s string) (TimePoint, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DayOf(t), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

func (tp TimePoint) normalize() time.Time {
	if tp.Precision == PrecisionDay {
		return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
	}
	return tp.Time.UTC()
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint {
	return TimePoint{Time: tp.Time.AddDate(0, 0, n), Precision: tp.Precision}
}

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }
func (tp TimePoint) YearMonth() YearMonth  { return YearMonth{Year: tp.Year(), Month: tp.Month()} }

func (tp TimePoint) String() string {
	if tp.Precision == PrecisionDay {
		return tp.Time.Format("2006-01-02")
	}
	return tp.Time.Format(time.RFC3339)
}

// MarshalJSON renders day-precision time points as "2006-01-02".
func (tp TimePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(tp.String())
}

func (tp *TimePoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// =============================================================================
// YEAR MONTH - Key for monthly and quarterly evaluations
// =============================================================================

type YearMonth struct {
	Year  int
	Month time.Month
}

func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid year-month %q (use YYYY-MM): %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

func (ym YearMonth) Start() TimePoint { return NewTimePoint(ym.Year, ym.Month, 1) }
func (ym YearMonth) End() TimePoint   { return ym.AddMonths(1).Start().AddDays(-1) }
func (ym YearMonth) Prev() YearMonth  { return ym.AddMonths(-1) }
func (ym YearMonth) String() string   { return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month)) }

func (ym YearMonth) AddMonths(n int) YearMonth {
	t := time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock is the engine's time source. Production uses SystemClock; tests
// pin time with FixedClock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
