package models

import (
	"fmt"
	"time"
)

// VariableKind identifies one of the homogenized monthly series.
type VariableKind string

const (
	VariableTN VariableKind = "TN" // mean of daily minimum temperature, °C
	VariableTX VariableKind = "TX" // mean of daily maximum temperature, °C
	VariableRR VariableKind = "RR" // precipitation total, mm
	VariableIN VariableKind = "IN" // sunshine duration, hours
)

// Variables lists the supported series in display order.
func Variables() []VariableKind {
	return []VariableKind{VariableTN, VariableTX, VariableRR, VariableIN}
}

func (v VariableKind) IsValid() bool {
	switch v {
	case VariableTN, VariableTX, VariableRR, VariableIN:
		return true
	}
	return false
}

// Unit returns the display unit for the variable.
func (v VariableKind) Unit() string {
	switch v {
	case VariableTN, VariableTX:
		return "°C"
	case VariableRR:
		return "mm"
	case VariableIN:
		return "h"
	}
	return ""
}

// ClimateObservation is one monthly measurement from the homogenized series.
// Valid is false for source rows whose value field was empty; such rows are
// kept so aggregation can report how many points it excluded.
type ClimateObservation struct {
	StationID string       `json:"stationId"`
	Date      time.Time    `json:"date"` // first day of the month, UTC
	Variable  VariableKind `json:"variable"`
	Value     float64      `json:"value"`
	Valid     bool         `json:"valid"`
}

// Station is one row of the station metadata table. Department is the
// two-or-three character department code, the regional key of the source data.
type Station struct {
	ID         string  `json:"stationId"`
	Name       string  `json:"name"`
	City       string  `json:"city,omitempty"`
	Department string  `json:"department"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
}

// Snapshot is one immutable load of the two source datasets. A reload builds
// a complete replacement; an existing snapshot is never mutated.
type Snapshot struct {
	Observations []ClimateObservation
	Stations     []Station
	LoadedAt     time.Time
	Source       string
}

// GroupBy selects the grouping key of an aggregation.
type GroupBy string

const (
	GroupByStation    GroupBy = "station"
	GroupByDepartment GroupBy = "department"
)

func (g GroupBy) IsValid() bool {
	return g == GroupByStation || g == GroupByDepartment
}

// Period selects the bucket width of an aggregation.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
	PeriodDecadal Period = "decadal"
)

func (p Period) IsValid() bool {
	return p == PeriodMonthly || p == PeriodYearly || p == PeriodDecadal
}

// Statistic selects the reduction applied inside each bucket.
type Statistic string

const (
	StatisticMean Statistic = "mean"
	StatisticMin  Statistic = "min"
	StatisticMax  Statistic = "max"
	StatisticSum  Statistic = "sum"
)

func (s Statistic) IsValid() bool {
	switch s {
	case StatisticMean, StatisticMin, StatisticMax, StatisticSum:
		return true
	}
	return false
}

// TrendQuery describes one aggregation request. Key optionally restricts the
// result to a single station or department; FromYear/ToYear bound the input
// observations (inclusive, zero means unbounded).
type TrendQuery struct {
	Variable  VariableKind
	GroupBy   GroupBy
	Key       string
	Period    Period
	Statistic Statistic
	FromYear  int
	ToYear    int
}

// CacheKey returns the canonical cache key for the query. Two queries with
// the same meaning always produce the same key.
func (q TrendQuery) CacheKey() string {
	return fmt.Sprintf("trends:%s:%s:%s:%s:%s:%d:%d",
		q.Variable, q.GroupBy, q.Key, q.Period, q.Statistic, q.FromYear, q.ToYear)
}

// AggregatedTrend is one derived bucket of an aggregation. It is recomputed
// on demand and never persisted. Anomaly is the bucket value minus the
// baseline mean for the same key and variable; nil when no baseline exists or
// the statistic is not mean.
type AggregatedTrend struct {
	Key           string       `json:"key"`
	GroupBy       GroupBy      `json:"groupBy"`
	Period        string       `json:"period"` // bucket label, e.g. "2020-06", "2020", "1990s"
	PeriodStart   time.Time    `json:"periodStart"`
	Variable      VariableKind `json:"variable"`
	Statistic     Statistic    `json:"statistic"`
	Value         float64      `json:"value"`
	Anomaly       *float64     `json:"anomaly,omitempty"`
	SampleCount   int          `json:"sampleCount"`
	ExcludedCount int          `json:"excludedCount"`
}

// JoinedTrend is an aggregated value tied to the station it was measured at.
type JoinedTrend struct {
	AggregatedTrend
	StationName string  `json:"stationName"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Department  string  `json:"department"`
}

// Warning surfaces a non-fatal data quality finding to API consumers.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TrendResult is the complete answer to one trend query: the aggregated
// buckets plus the data-quality findings the computation produced. This is
// the unit the result cache stores.
type TrendResult struct {
	Trends            []AggregatedTrend `json:"trends"`
	Warnings          []Warning         `json:"warnings"`
	ExcludedCount     int               `json:"excludedCount"`
	UnmatchedStations int               `json:"unmatchedStations"`
}

// MapResult is one period bucket of per-station values with coordinates
// attached, ready for map rendering. DroppedStations counts records excluded
// because their station has no metadata.
type MapResult struct {
	Period          string        `json:"period"`
	Variable        VariableKind  `json:"variable"`
	Statistic       Statistic     `json:"statistic"`
	Points          []JoinedTrend `json:"points"`
	Warnings        []Warning     `json:"warnings"`
	DroppedStations int           `json:"droppedStations"`
}

// SeriesPoint is one valid monthly value of a station series.
type SeriesPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// StationSeries is the raw monthly series for one station and variable,
// missing values excluded and counted.
type StationSeries struct {
	StationID     string        `json:"stationId"`
	Variable      VariableKind  `json:"variable"`
	Points        []SeriesPoint `json:"points"`
	ExcludedCount int           `json:"excludedCount"`
}

// Decomposition splits a monthly series into additive components: observed =
// trend + seasonal + residual wherever trend is defined. Trend and residual
// are nil at the edges of the centered moving-average window and marshal as
// JSON null there.
type Decomposition struct {
	StationID string       `json:"stationId"`
	Variable  VariableKind `json:"variable"`
	Dates     []time.Time  `json:"dates"`
	Observed  []float64    `json:"observed"`
	Trend     []*float64   `json:"trend"`
	Seasonal  []float64    `json:"seasonal"`
	Residual  []*float64   `json:"residual"`
}

// SummaryYear pairs a year with its aggregated value.
type SummaryYear struct {
	Year  int     `json:"year"`
	Value float64 `json:"value"`
}

// TrendSummary condenses the yearly evolution of one series: the observed
// span, the least-squares slope expressed per decade, and the extreme years.
type TrendSummary struct {
	Key            string       `json:"key"`
	Variable       VariableKind `json:"variable"`
	FirstYear      int          `json:"firstYear"`
	LastYear       int          `json:"lastYear"`
	YearCount      int          `json:"yearCount"`
	SlopePerDecade float64      `json:"slopePerDecade"`
	Highest        SummaryYear  `json:"highest"`
	Lowest         SummaryYear  `json:"lowest"`
	ExcludedCount  int          `json:"excludedCount"`
}
