// Package validation checks and normalizes the query parameters of the JSON
// API before they reach the service layer. Errors here map to 400 responses.
package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// ErrUnknownVariable is returned when the variable is not one of TN, TX, RR, IN.
var ErrUnknownVariable = errors.New("unknown variable (want TN, TX, RR or IN)")

// ErrUnknownGroupBy is returned when the grouping key is not station or department.
var ErrUnknownGroupBy = errors.New("unknown group_by (want station or department)")

// ErrUnknownPeriod is returned when the period is not monthly, yearly or decadal.
var ErrUnknownPeriod = errors.New("unknown period (want monthly, yearly or decadal)")

// ErrUnknownStatistic is returned when the statistic is not mean, min, max or sum.
var ErrUnknownStatistic = errors.New("unknown statistic (want mean, min, max or sum)")

// ErrBadYear is returned when a year bound does not parse or is implausible.
var ErrBadYear = errors.New("year must be a four-digit number")

// ErrYearRangeInverted is returned when from is after to.
var ErrYearRangeInverted = errors.New("from year is after to year")

// ErrStationIDEmpty is returned when a station id is empty after trim.
var ErrStationIDEmpty = errors.New("station id is required")

// ErrStationIDInvalid is returned when a station id contains disallowed characters.
var ErrStationIDInvalid = errors.New("station id contains invalid characters")

// ErrDepartmentCodeInvalid is returned when a department code is malformed.
var ErrDepartmentCodeInvalid = errors.New("department code must be 2 or 3 characters (e.g. 34, 2A, 974)")

// ParseVariable normalizes and validates a variable parameter. Required.
func ParseVariable(s string) (models.VariableKind, error) {
	v := models.VariableKind(strings.ToUpper(strings.TrimSpace(s)))
	if !v.IsValid() {
		return "", ErrUnknownVariable
	}
	return v, nil
}

// ParseGroupBy normalizes a group_by parameter. Empty defaults to station.
func ParseGroupBy(s string) (models.GroupBy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return models.GroupByStation, nil
	}
	g := models.GroupBy(s)
	if !g.IsValid() {
		return "", ErrUnknownGroupBy
	}
	return g, nil
}

// ParsePeriod normalizes a period parameter. Empty defaults to yearly.
func ParsePeriod(s string) (models.Period, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return models.PeriodYearly, nil
	}
	p := models.Period(s)
	if !p.IsValid() {
		return "", ErrUnknownPeriod
	}
	return p, nil
}

// ParseStatistic normalizes a statistic parameter. Empty defaults to mean.
func ParseStatistic(s string) (models.Statistic, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return models.StatisticMean, nil
	}
	st := models.Statistic(s)
	if !st.IsValid() {
		return "", ErrUnknownStatistic
	}
	return st, nil
}

// ParseYearRange parses optional from/to year bounds. Empty strings mean
// unbounded and return zero. Bounds are inclusive and from must not exceed to.
func ParseYearRange(from, to string) (int, int, error) {
	fromYear, err := parseYear(from)
	if err != nil {
		return 0, 0, err
	}
	toYear, err := parseYear(to)
	if err != nil {
		return 0, 0, err
	}
	if fromYear != 0 && toYear != 0 && fromYear > toYear {
		return 0, 0, ErrYearRangeInverted
	}
	return fromYear, toYear, nil
}

func parseYear(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	y, err := strconv.Atoi(s)
	if err != nil || y < 1000 || y > 9999 {
		return 0, ErrBadYear
	}
	return y, nil
}

// ValidateStationID trims and validates a station identifier. Source station
// numbers are digits, but letters and hyphens are tolerated for other id
// schemes.
func ValidateStationID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrStationIDEmpty
	}
	if len(s) > 32 {
		return "", ErrStationIDInvalid
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return "", ErrStationIDInvalid
		}
	}
	return s, nil
}

// ValidateDepartmentCode trims and validates a department code: two or three
// characters, digits plus A/B for the Corsican codes 2A and 2B.
func ValidateDepartmentCode(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 || len(s) > 3 {
		return "", ErrDepartmentCodeInvalid
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != 'A' && r != 'B' {
			return "", ErrDepartmentCodeInvalid
		}
	}
	return s, nil
}
