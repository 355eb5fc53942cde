package trends

import (
	"fmt"
	"time"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// seasonalPeriod is the cycle length of the monthly series.
const seasonalPeriod = 12

// Decompose splits a monthly station series into additive components:
// observed = trend + seasonal + residual wherever the trend is defined.
//
// The trend is a centered 2x12 moving average (half weight on the endpoints),
// the seasonal component is the centered mean of detrended values per month
// position, and the residual is whatever remains. Trend and residual are nil
// inside the half-window at both edges. The series is treated as evenly
// spaced in observation order.
//
// Requires at least two full periods of valid points, otherwise
// ErrInsufficientData.
func Decompose(series models.StationSeries) (models.Decomposition, error) {
	n := len(series.Points)
	if n < 2*seasonalPeriod {
		return models.Decomposition{}, fmt.Errorf("%w to decompose: %d points, need %d", ErrInsufficientData, n, 2*seasonalPeriod)
	}

	observed := make([]float64, n)
	dates := make([]time.Time, n)
	for i, p := range series.Points {
		observed[i] = p.Value
		dates[i] = p.Date
	}

	trend := movingAverageTrend(observed)

	// Seasonal indexes: mean of detrended values per position in the cycle,
	// then centered so the indexes sum to zero over one period.
	sums := make([]float64, seasonalPeriod)
	counts := make([]int, seasonalPeriod)
	for i := 0; i < n; i++ {
		if trend[i] == nil {
			continue
		}
		pos := i % seasonalPeriod
		sums[pos] += observed[i] - *trend[i]
		counts[pos]++
	}
	indexes := make([]float64, seasonalPeriod)
	var indexMean float64
	for pos := 0; pos < seasonalPeriod; pos++ {
		if counts[pos] > 0 {
			indexes[pos] = sums[pos] / float64(counts[pos])
		}
		indexMean += indexes[pos]
	}
	indexMean /= seasonalPeriod
	for pos := range indexes {
		indexes[pos] -= indexMean
	}

	seasonal := make([]float64, n)
	residual := make([]*float64, n)
	for i := 0; i < n; i++ {
		seasonal[i] = indexes[i%seasonalPeriod]
		if trend[i] != nil {
			r := observed[i] - *trend[i] - seasonal[i]
			residual[i] = &r
		}
	}

	return models.Decomposition{
		StationID: series.StationID,
		Variable:  series.Variable,
		Dates:     dates,
		Observed:  observed,
		Trend:     trend,
		Seasonal:  seasonal,
		Residual:  residual,
	}, nil
}

// movingAverageTrend computes the centered 2x12 moving average: a 13-point
// window with half weight on both endpoints, divided by 12. Undefined inside
// the half-window at both edges.
func movingAverageTrend(x []float64) []*float64 {
	n := len(x)
	half := seasonalPeriod / 2
	trend := make([]*float64, n)
	for i := half; i < n-half; i++ {
		sum := 0.5*x[i-half] + 0.5*x[i+half]
		for j := i - half + 1; j <= i+half-1; j++ {
			sum += x[j]
		}
		v := sum / seasonalPeriod
		trend[i] = &v
	}
	return trend
}
