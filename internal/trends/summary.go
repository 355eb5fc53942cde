package trends

import (
	"fmt"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// Summarize condenses the yearly aggregates of one series into a trend
// summary: observed span, least-squares slope expressed per decade, and the
// extreme years. The input must be the yearly buckets of a single key and
// variable, as produced by Aggregate; at least two years are required to fit
// a slope.
func Summarize(yearly []models.AggregatedTrend) (models.TrendSummary, error) {
	if len(yearly) == 0 {
		return models.TrendSummary{}, ErrNoObservations
	}
	if len(yearly) < 2 {
		return models.TrendSummary{}, fmt.Errorf("%w for a trend summary: %d years, need 2", ErrInsufficientData, len(yearly))
	}

	summary := models.TrendSummary{
		Key:       yearly[0].Key,
		Variable:  yearly[0].Variable,
		FirstYear: yearly[0].PeriodStart.Year(),
		LastYear:  yearly[0].PeriodStart.Year(),
		YearCount: len(yearly),
		Highest:   models.SummaryYear{Year: yearly[0].PeriodStart.Year(), Value: yearly[0].Value},
		Lowest:    models.SummaryYear{Year: yearly[0].PeriodStart.Year(), Value: yearly[0].Value},
	}

	// Least squares over (year, value). Years are small integers so the
	// direct formulation is numerically fine.
	var sumX, sumY, sumXY, sumXX float64
	for _, tr := range yearly {
		year := tr.PeriodStart.Year()
		if year < summary.FirstYear {
			summary.FirstYear = year
		}
		if year > summary.LastYear {
			summary.LastYear = year
		}
		if tr.Value > summary.Highest.Value {
			summary.Highest = models.SummaryYear{Year: year, Value: tr.Value}
		}
		if tr.Value < summary.Lowest.Value {
			summary.Lowest = models.SummaryYear{Year: year, Value: tr.Value}
		}
		summary.ExcludedCount += tr.ExcludedCount

		x := float64(year)
		sumX += x
		sumY += tr.Value
		sumXY += x * tr.Value
		sumXX += x * x
	}

	fn := float64(len(yearly))
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return models.TrendSummary{}, fmt.Errorf("%w for a trend summary: all buckets in the same year", ErrInsufficientData)
	}
	slopePerYear := (fn*sumXY - sumX*sumY) / denom
	summary.SlopePerDecade = slopePerYear * 10

	return summary, nil
}
