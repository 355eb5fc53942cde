// Package trends computes derived records from the observation table:
// per-period aggregates, seasonal decomposition, and trend summaries. All
// results are pure functions of their inputs; missing values are excluded,
// never imputed, and every exclusion is counted.
package trends

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

var (
	// ErrNoObservations means the query matched no valid data points.
	ErrNoObservations = errors.New("no observations match the query")

	// ErrInsufficientData means the series is too short for the requested
	// computation.
	ErrInsufficientData = errors.New("not enough data")
)

// Baseline is the reference window for anomaly computation.
type Baseline struct {
	FromYear int
	ToYear   int
}

// DefaultBaseline is the 1961-1990 reference period.
var DefaultBaseline = Baseline{FromYear: 1961, ToYear: 1990}

// Aggregation is the outcome of one Aggregate call. ExcludedValues counts
// missing values that fell inside the query window; UnmatchedStations counts
// observations dropped because their station has no department mapping.
type Aggregation struct {
	Trends            []models.AggregatedTrend
	ExcludedValues    int
	UnmatchedStations int
}

// Aggregator buckets observations and reduces each bucket with a statistic.
type Aggregator struct {
	baseline Baseline
}

func NewAggregator(baseline Baseline) *Aggregator {
	return &Aggregator{baseline: baseline}
}

// Aggregate computes one bucket per (group key, period start) over the
// observations matched by q. departments maps station IDs to department
// codes and is consulted only when grouping by department. The output is
// sorted by key, then period start, so identical inputs always produce
// identical results.
func (a *Aggregator) Aggregate(obs []models.ClimateObservation, q models.TrendQuery, departments map[string]string) (Aggregation, error) {
	if !q.Variable.IsValid() {
		return Aggregation{}, fmt.Errorf("unknown variable %q", q.Variable)
	}
	if !q.GroupBy.IsValid() {
		return Aggregation{}, fmt.Errorf("unknown grouping %q", q.GroupBy)
	}
	if !q.Period.IsValid() {
		return Aggregation{}, fmt.Errorf("unknown period %q", q.Period)
	}
	if !q.Statistic.IsValid() {
		return Aggregation{}, fmt.Errorf("unknown statistic %q", q.Statistic)
	}

	type bucketKey struct {
		group string
		start time.Time
	}
	type bucket struct {
		sum      float64
		min      float64
		max      float64
		count    int
		excluded int
	}

	buckets := make(map[bucketKey]*bucket)
	var result Aggregation

	for _, o := range obs {
		if o.Variable != q.Variable {
			continue
		}
		year := o.Date.Year()
		if q.FromYear != 0 && year < q.FromYear {
			continue
		}
		if q.ToYear != 0 && year > q.ToYear {
			continue
		}

		group, ok := a.groupOf(o.StationID, q.GroupBy, departments)
		if !ok {
			result.UnmatchedStations++
			continue
		}
		if q.Key != "" && group != q.Key {
			continue
		}

		k := bucketKey{group: group, start: periodStart(o.Date, q.Period)}
		b := buckets[k]
		if b == nil {
			b = &bucket{}
			buckets[k] = b
		}

		if !o.Valid {
			b.excluded++
			result.ExcludedValues++
			continue
		}
		if b.count == 0 || o.Value < b.min {
			b.min = o.Value
		}
		if b.count == 0 || o.Value > b.max {
			b.max = o.Value
		}
		b.sum += o.Value
		b.count++
	}

	var baselines map[string]float64
	if q.Statistic == models.StatisticMean {
		baselines = a.baselineMeans(obs, q, departments)
	}

	trends := make([]models.AggregatedTrend, 0, len(buckets))
	for k, b := range buckets {
		if b.count == 0 {
			// every value in the bucket was missing
			continue
		}

		var value float64
		switch q.Statistic {
		case models.StatisticMean:
			value = b.sum / float64(b.count)
		case models.StatisticMin:
			value = b.min
		case models.StatisticMax:
			value = b.max
		case models.StatisticSum:
			value = b.sum
		}

		row := models.AggregatedTrend{
			Key:           k.group,
			GroupBy:       q.GroupBy,
			Period:        periodLabel(k.start, q.Period),
			PeriodStart:   k.start,
			Variable:      q.Variable,
			Statistic:     q.Statistic,
			Value:         value,
			SampleCount:   b.count,
			ExcludedCount: b.excluded,
		}
		if baselines != nil {
			if base, ok := baselines[k.group]; ok {
				anomaly := value - base
				row.Anomaly = &anomaly
			}
		}
		trends = append(trends, row)
	}

	sort.Slice(trends, func(i, j int) bool {
		if trends[i].Key != trends[j].Key {
			return trends[i].Key < trends[j].Key
		}
		return trends[i].PeriodStart.Before(trends[j].PeriodStart)
	})

	result.Trends = trends
	return result, nil
}

// baselineMeans computes the reference mean per group key over the baseline
// window. The window is independent of the query's year bounds.
func (a *Aggregator) baselineMeans(obs []models.ClimateObservation, q models.TrendQuery, departments map[string]string) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, o := range obs {
		if o.Variable != q.Variable || !o.Valid {
			continue
		}
		year := o.Date.Year()
		if year < a.baseline.FromYear || year > a.baseline.ToYear {
			continue
		}
		group, ok := a.groupOf(o.StationID, q.GroupBy, departments)
		if !ok {
			continue
		}
		sums[group] += o.Value
		counts[group]++
	}

	means := make(map[string]float64, len(sums))
	for group, sum := range sums {
		means[group] = sum / float64(counts[group])
	}
	return means
}

func (a *Aggregator) groupOf(stationID string, groupBy models.GroupBy, departments map[string]string) (string, bool) {
	if groupBy == models.GroupByStation {
		return stationID, true
	}
	dept, ok := departments[stationID]
	if !ok || dept == "" {
		return "", false
	}
	return dept, true
}

func periodStart(date time.Time, period models.Period) time.Time {
	switch period {
	case models.PeriodMonthly:
		return time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	case models.PeriodYearly:
		return time.Date(date.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default: // decadal
		return time.Date(date.Year()-date.Year()%10, 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

func periodLabel(start time.Time, period models.Period) string {
	switch period {
	case models.PeriodMonthly:
		return start.Format("2006-01")
	case models.PeriodYearly:
		return start.Format("2006")
	default:
		return fmt.Sprintf("%ds", start.Year())
	}
}

// Series extracts the valid points for one station and variable, sorted by
// date, counting the missing values it left out. Year bounds are inclusive;
// zero means unbounded.
func Series(obs []models.ClimateObservation, stationID string, variable models.VariableKind, fromYear, toYear int) models.StationSeries {
	series := models.StationSeries{
		StationID: stationID,
		Variable:  variable,
		Points:    []models.SeriesPoint{},
	}

	for _, o := range obs {
		if o.StationID != stationID || o.Variable != variable {
			continue
		}
		year := o.Date.Year()
		if fromYear != 0 && year < fromYear {
			continue
		}
		if toYear != 0 && year > toYear {
			continue
		}
		if !o.Valid {
			series.ExcludedCount++
			continue
		}
		series.Points = append(series.Points, models.SeriesPoint{Date: o.Date, Value: o.Value})
	}

	sort.Slice(series.Points, func(i, j int) bool {
		return series.Points[i].Date.Before(series.Points[j].Date)
	})
	return series
}
