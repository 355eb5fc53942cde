package trends

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

func obs(station string, year int, month time.Month, variable models.VariableKind, value float64) models.ClimateObservation {
	return models.ClimateObservation{
		StationID: station,
		Date:      time.Date(year, month, 1, 0, 0, 0, 0, time.UTC),
		Variable:  variable,
		Value:     value,
		Valid:     true,
	}
}

func missingObs(station string, year int, month time.Month, variable models.VariableKind) models.ClimateObservation {
	return models.ClimateObservation{
		StationID: station,
		Date:      time.Date(year, month, 1, 0, 0, 0, 0, time.UTC),
		Variable:  variable,
	}
}

func TestAggregate_YearlyMeanByStation(t *testing.T) {
	// three stations x two years, hand-computed means
	input := []models.ClimateObservation{
		obs("S1", 2020, time.January, models.VariableTX, 20),
		obs("S1", 2021, time.January, models.VariableTX, 22),
		obs("S2", 2020, time.January, models.VariableTX, 18),
	}
	a := NewAggregator(DefaultBaseline)

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableTX,
		GroupBy:   models.GroupByStation,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
	}, nil)

	require.NoError(t, err)
	require.Len(t, result.Trends, 3)

	assert.Equal(t, "S1", result.Trends[0].Key)
	assert.Equal(t, "2020", result.Trends[0].Period)
	assert.Equal(t, 20.0, result.Trends[0].Value)

	assert.Equal(t, "S1", result.Trends[1].Key)
	assert.Equal(t, "2021", result.Trends[1].Period)
	assert.Equal(t, 22.0, result.Trends[1].Value)

	assert.Equal(t, "S2", result.Trends[2].Key)
	assert.Equal(t, 18.0, result.Trends[2].Value)
}

func TestAggregate_MeanIsArithmeticMeanOfValidValues(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 2020, time.January, models.VariableTN, 2),
		obs("S1", 2020, time.February, models.VariableTN, 4),
		obs("S1", 2020, time.March, models.VariableTN, 9),
		missingObs("S1", 2020, time.April, models.VariableTN),
	}
	a := NewAggregator(DefaultBaseline)

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableTN,
		GroupBy:   models.GroupByStation,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
	}, nil)

	require.NoError(t, err)
	require.Len(t, result.Trends, 1)
	assert.Equal(t, 5.0, result.Trends[0].Value) // (2+4+9)/3, missing excluded
	assert.Equal(t, 3, result.Trends[0].SampleCount)
	assert.Equal(t, 1, result.Trends[0].ExcludedCount)
	assert.Equal(t, 1, result.ExcludedValues)
}

func TestAggregate_MinMaxSum(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 2020, time.January, models.VariableRR, 50),
		obs("S1", 2020, time.February, models.VariableRR, 30),
		obs("S1", 2020, time.March, models.VariableRR, 80),
	}
	a := NewAggregator(DefaultBaseline)
	base := models.TrendQuery{
		Variable: models.VariableRR,
		GroupBy:  models.GroupByStation,
		Period:   models.PeriodYearly,
	}

	cases := []struct {
		statistic models.Statistic
		want      float64
	}{
		{models.StatisticMin, 30},
		{models.StatisticMax, 80},
		{models.StatisticSum, 160},
	}
	for _, tc := range cases {
		t.Run(string(tc.statistic), func(t *testing.T) {
			q := base
			q.Statistic = tc.statistic
			result, err := a.Aggregate(input, q, nil)
			require.NoError(t, err)
			require.Len(t, result.Trends, 1)
			assert.Equal(t, tc.want, result.Trends[0].Value)
		})
	}
}

func TestAggregate_PeriodBuckets(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 1995, time.June, models.VariableTX, 20),
		obs("S1", 1995, time.July, models.VariableTX, 24),
		obs("S1", 2003, time.June, models.VariableTX, 26),
	}
	a := NewAggregator(DefaultBaseline)

	t.Run("monthly", func(t *testing.T) {
		result, err := a.Aggregate(input, models.TrendQuery{
			Variable: models.VariableTX, GroupBy: models.GroupByStation,
			Period: models.PeriodMonthly, Statistic: models.StatisticMean,
		}, nil)
		require.NoError(t, err)
		require.Len(t, result.Trends, 3)
		assert.Equal(t, "1995-06", result.Trends[0].Period)
		assert.Equal(t, "1995-07", result.Trends[1].Period)
	})

	t.Run("decadal", func(t *testing.T) {
		result, err := a.Aggregate(input, models.TrendQuery{
			Variable: models.VariableTX, GroupBy: models.GroupByStation,
			Period: models.PeriodDecadal, Statistic: models.StatisticMean,
		}, nil)
		require.NoError(t, err)
		require.Len(t, result.Trends, 2)
		assert.Equal(t, "1990s", result.Trends[0].Period)
		assert.Equal(t, 22.0, result.Trends[0].Value)
		assert.Equal(t, "2000s", result.Trends[1].Period)
	})
}

func TestAggregate_GroupByDepartment(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 2020, time.January, models.VariableTX, 10),
		obs("S2", 2020, time.January, models.VariableTX, 14),
		obs("S3", 2020, time.January, models.VariableTX, 99), // no department mapping
	}
	departments := map[string]string{"S1": "59", "S2": "59"}
	a := NewAggregator(DefaultBaseline)

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableTX,
		GroupBy:   models.GroupByDepartment,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
	}, departments)

	require.NoError(t, err)
	require.Len(t, result.Trends, 1)
	assert.Equal(t, "59", result.Trends[0].Key)
	assert.Equal(t, 12.0, result.Trends[0].Value)
	assert.Equal(t, 1, result.UnmatchedStations)
}

func TestAggregate_KeyAndYearFilters(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 2018, time.January, models.VariableTX, 10),
		obs("S1", 2019, time.January, models.VariableTX, 11),
		obs("S1", 2020, time.January, models.VariableTX, 12),
		obs("S2", 2019, time.January, models.VariableTX, 20),
	}
	a := NewAggregator(DefaultBaseline)

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableTX,
		GroupBy:   models.GroupByStation,
		Key:       "S1",
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
		FromYear:  2019,
		ToYear:    2019,
	}, nil)

	require.NoError(t, err)
	require.Len(t, result.Trends, 1)
	assert.Equal(t, "S1", result.Trends[0].Key)
	assert.Equal(t, 11.0, result.Trends[0].Value)
}

func TestAggregate_AnomalyAgainstBaseline(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 1961, time.January, models.VariableTX, 10),
		obs("S1", 1990, time.January, models.VariableTX, 12),
		obs("S1", 2020, time.January, models.VariableTX, 14),
	}
	a := NewAggregator(Baseline{FromYear: 1961, ToYear: 1990})

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableTX,
		GroupBy:   models.GroupByStation,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
		FromYear:  2020,
	}, nil)

	require.NoError(t, err)
	require.Len(t, result.Trends, 1)
	require.NotNil(t, result.Trends[0].Anomaly)
	// baseline mean is (10+12)/2 = 11, bucket value 14
	assert.InDelta(t, 3.0, *result.Trends[0].Anomaly, 1e-9)
}

func TestAggregate_NoAnomalyWithoutBaselineData(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 2020, time.January, models.VariableTX, 14),
	}
	a := NewAggregator(Baseline{FromYear: 1961, ToYear: 1990})

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableTX,
		GroupBy:   models.GroupByStation,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
	}, nil)

	require.NoError(t, err)
	require.Len(t, result.Trends, 1)
	assert.Nil(t, result.Trends[0].Anomaly)
}

func TestAggregate_Deterministic(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S2", 2021, time.March, models.VariableTX, 18),
		obs("S1", 2020, time.January, models.VariableTX, 20),
		obs("S2", 2020, time.June, models.VariableTX, 17),
		obs("S1", 2021, time.January, models.VariableTX, 22),
	}
	a := NewAggregator(DefaultBaseline)
	q := models.TrendQuery{
		Variable:  models.VariableTX,
		GroupBy:   models.GroupByStation,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
	}

	first, err := a.Aggregate(input, q, nil)
	require.NoError(t, err)
	second, err := a.Aggregate(input, q, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// sorted by key then period start
	assert.Equal(t, "S1", first.Trends[0].Key)
	assert.Equal(t, "S1", first.Trends[1].Key)
	assert.Equal(t, "S2", first.Trends[2].Key)
}

func TestAggregate_AllMissingBucketOmitted(t *testing.T) {
	input := []models.ClimateObservation{
		missingObs("S1", 2020, time.January, models.VariableIN),
		missingObs("S1", 2020, time.February, models.VariableIN),
	}
	a := NewAggregator(DefaultBaseline)

	result, err := a.Aggregate(input, models.TrendQuery{
		Variable:  models.VariableIN,
		GroupBy:   models.GroupByStation,
		Period:    models.PeriodYearly,
		Statistic: models.StatisticMean,
	}, nil)

	require.NoError(t, err)
	assert.Empty(t, result.Trends)
	assert.Equal(t, 2, result.ExcludedValues)
}

func TestAggregate_RejectsBadQuery(t *testing.T) {
	a := NewAggregator(DefaultBaseline)

	_, err := a.Aggregate(nil, models.TrendQuery{
		Variable: "HUMIDITY", GroupBy: models.GroupByStation,
		Period: models.PeriodYearly, Statistic: models.StatisticMean,
	}, nil)
	assert.Error(t, err)

	_, err = a.Aggregate(nil, models.TrendQuery{
		Variable: models.VariableTX, GroupBy: "country",
		Period: models.PeriodYearly, Statistic: models.StatisticMean,
	}, nil)
	assert.Error(t, err)

	_, err = a.Aggregate(nil, models.TrendQuery{
		Variable: models.VariableTX, GroupBy: models.GroupByStation,
		Period: "weekly", Statistic: models.StatisticMean,
	}, nil)
	assert.Error(t, err)

	_, err = a.Aggregate(nil, models.TrendQuery{
		Variable: models.VariableTX, GroupBy: models.GroupByStation,
		Period: models.PeriodYearly, Statistic: "median",
	}, nil)
	assert.Error(t, err)
}

func TestSeries(t *testing.T) {
	input := []models.ClimateObservation{
		obs("S1", 2020, time.February, models.VariableTX, 9),
		obs("S1", 2020, time.January, models.VariableTX, 8),
		missingObs("S1", 2020, time.March, models.VariableTX),
		obs("S1", 2021, time.January, models.VariableTX, 10),
		obs("S2", 2020, time.January, models.VariableTX, 99),
		obs("S1", 2020, time.January, models.VariableRR, 50),
	}

	series := Series(input, "S1", models.VariableTX, 0, 2020)

	assert.Equal(t, "S1", series.StationID)
	assert.Equal(t, models.VariableTX, series.Variable)
	require.Len(t, series.Points, 2)
	// sorted by date
	assert.Equal(t, 8.0, series.Points[0].Value)
	assert.Equal(t, 9.0, series.Points[1].Value)
	assert.Equal(t, 1, series.ExcludedCount)
}
