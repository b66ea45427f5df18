package rewards

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

// =============================================================================
// LEADERBOARD - Read-only ranking over performance records
// =============================================================================
//
// Records are grouped by the scope's entity (user, store, city...), the
// metric is summed per entity and entities are ranked descending.
//
// SOURCES: daily records of the period. A MONTHLY board also takes the
// month's aggregates for (user, store) pairs with no daily records, i.e.
// stores that only report month-end totals. Aggregates of pairs that
// have dailies are roll-ups of them and are not counted twice.
//
// TIES: entities with equal values keep the order in which they first
// appear in the records, read by (period start, seq), month-end
// aggregates after every daily record. The entity that got there first
// ranks higher. Ranks are 1..N with no gaps and are never shared.

const DefaultLeaderboardLimit = 100

type LeaderboardScope string

const (
	LeaderboardUser    LeaderboardScope = "USER"
	LeaderboardStore   LeaderboardScope = "STORE"
	LeaderboardCity    LeaderboardScope = "CITY"
	LeaderboardState   LeaderboardScope = "STATE"
	LeaderboardCountry LeaderboardScope = "COUNTRY"
)

type Metric string

const (
	MetricRevenue   Metric = "REVENUE"
	MetricCustomers Metric = "CUSTOMERS"
	MetricBills     Metric = "BILLS"
	MetricReward    Metric = "REWARD"
)

// LevelFilter keeps records whose Scope attribute equals Value (ignoring
// case), e.g. {CITY, "Pune"} for a city-level store ranking.
type LevelFilter struct {
	Scope LeaderboardScope `json:"scope"`
	Value string           `json:"value"`
}

type LeaderboardPeriod struct {
	Kind generic.PeriodKind `json:"kind"`
	Key  string             `json:"key"`
}

type LeaderboardQuery struct {
	Scope  LeaderboardScope  `json:"scope"`
	Metric Metric            `json:"metric"`
	Level  *LevelFilter      `json:"level,omitempty"`
	Period LeaderboardPeriod `json:"period"`
	// Limit overrides the configured limit when positive.
	Limit int `json:"limit,omitempty"`
}

type LeaderboardEntry struct {
	Rank             int             `json:"rank"`
	EntityID         string          `json:"entity_id"`
	Value            decimal.Decimal `json:"value"`
	ParticipantCount int             `json:"participant_count"`
}

type Leaderboard struct {
	store generic.PerformanceStore
	limit int
}

func NewLeaderboard(store generic.PerformanceStore, limit int) *Leaderboard {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	return &Leaderboard{store: store, limit: limit}
}

func (l *Leaderboard) Query(ctx context.Context, q LeaderboardQuery) ([]LeaderboardEntry, error) {
	if !validScope(q.Scope) {
		return nil, fmt.Errorf("%w: leaderboard scope %q", generic.ErrInvalidInput, q.Scope)
	}
	if !validMetric(q.Metric) {
		return nil, fmt.Errorf("%w: leaderboard metric %q", generic.ErrInvalidInput, q.Metric)
	}
	if q.Level != nil && !validScope(q.Level.Scope) {
		return nil, fmt.Errorf("%w: leaderboard level %q", generic.ErrInvalidInput, q.Level.Scope)
	}
	from, to, err := periodRange(q.Period)
	if err != nil {
		return nil, err
	}

	recs, err := l.records(ctx, q.Period.Kind, from, to)
	if err != nil {
		return nil, err
	}

	type group struct {
		value decimal.Decimal
		users map[generic.UserID]struct{}
	}
	groups := make(map[string]*group)
	var order []string
	for _, rec := range recs {
		if q.Level != nil && !strings.EqualFold(entityOf(rec, q.Level.Scope), q.Level.Value) {
			continue
		}
		id := entityOf(rec, q.Scope)
		if id == "" {
			continue
		}
		g, ok := groups[id]
		if !ok {
			g = &group{value: decimal.Zero, users: make(map[generic.UserID]struct{})}
			groups[id] = g
			order = append(order, id)
		}
		g.value = g.value.Add(metricOf(rec, q.Metric))
		g.users[rec.UserID] = struct{}{}
	}

	entries := make([]LeaderboardEntry, 0, len(order))
	for _, id := range order {
		g := groups[id]
		entries = append(entries, LeaderboardEntry{EntityID: id, Value: g.value, ParticipantCount: len(g.users)})
	}
	slices.SortStableFunc(entries, func(a, b LeaderboardEntry) int {
		return b.Value.Cmp(a.Value)
	})

	limit := l.limit
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (l *Leaderboard) records(ctx context.Context, kind generic.PeriodKind, from, to generic.TimePoint) ([]generic.PerformanceRecord, error) {
	recs, err := l.store.ListPerformance(ctx, generic.PerformanceFilter{
		Granularity: generic.GranularityDaily,
		From:        from,
		To:          to,
	})
	if err != nil {
		return nil, fmt.Errorf("load leaderboard records: %w", err)
	}
	if kind != generic.PeriodMonthly {
		return recs, nil
	}

	monthly, err := l.store.ListPerformance(ctx, generic.PerformanceFilter{
		Granularity: generic.GranularityMonthly,
		From:        from,
		To:          to,
	})
	if err != nil {
		return nil, fmt.Errorf("load monthly leaderboard records: %w", err)
	}
	type unit struct {
		user  generic.UserID
		store generic.StoreID
	}
	withDailies := make(map[unit]bool, len(recs))
	for _, rec := range recs {
		withDailies[unit{rec.UserID, rec.StoreID}] = true
	}
	for _, rec := range monthly {
		if !withDailies[unit{rec.UserID, rec.StoreID}] {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func periodRange(p LeaderboardPeriod) (generic.TimePoint, generic.TimePoint, error) {
	switch p.Kind {
	case generic.PeriodDaily:
		day, err := generic.ParseDay(p.Key)
		if err != nil {
			return generic.TimePoint{}, generic.TimePoint{}, fmt.Errorf("%w: %v", generic.ErrInvalidInput, err)
		}
		return day, day, nil
	case generic.PeriodMonthly:
		ym, err := generic.ParseYearMonth(p.Key)
		if err != nil {
			return generic.TimePoint{}, generic.TimePoint{}, fmt.Errorf("%w: %v", generic.ErrInvalidInput, err)
		}
		return ym.Start(), ym.End(), nil
	}
	return generic.TimePoint{}, generic.TimePoint{}, fmt.Errorf("%w: leaderboard period %q", generic.ErrInvalidInput, p.Kind)
}

func entityOf(rec generic.PerformanceRecord, scope LeaderboardScope) string {
	switch scope {
	case LeaderboardUser:
		return string(rec.UserID)
	case LeaderboardStore:
		return string(rec.StoreID)
	case LeaderboardCity:
		return rec.Location.City
	case LeaderboardState:
		return rec.Location.State
	case LeaderboardCountry:
		return rec.Location.Country
	}
	return ""
}

func metricOf(rec generic.PerformanceRecord, m Metric) decimal.Decimal {
	switch m {
	case MetricRevenue:
		return rec.Inputs.RevenuePreTax
	case MetricCustomers:
		return decimal.NewFromInt(rec.Inputs.CustomerCount)
	case MetricBills:
		return decimal.NewFromInt(rec.Inputs.PaidBillsCount)
	case MetricReward:
		return rec.TotalReward
	}
	return decimal.Zero
}

func validScope(s LeaderboardScope) bool {
	switch s {
	case LeaderboardUser, LeaderboardStore, LeaderboardCity, LeaderboardState, LeaderboardCountry:
		return true
	}
	return false
}

func validMetric(m Metric) bool {
	switch m {
	case MetricRevenue, MetricCustomers, MetricBills, MetricReward:
		return true
	}
	return false
}
