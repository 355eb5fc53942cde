package validation

import (
	"errors"
	"testing"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

func TestParseVariable(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  models.VariableKind
		err   error
	}{
		{"upper", "TX", models.VariableTX, nil},
		{"lower", "tn", models.VariableTN, nil},
		{"spaces", "  rr ", models.VariableRR, nil},
		{"sunshine", "IN", models.VariableIN, nil},
		{"empty", "", "", ErrUnknownVariable},
		{"unknown", "HUMIDITY", "", ErrUnknownVariable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseVariable(tc.input)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("error = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseVariable(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseGroupBy_DefaultsToStation(t *testing.T) {
	got, err := ParseGroupBy("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != models.GroupByStation {
		t.Errorf("ParseGroupBy(\"\") = %q, want station", got)
	}
}

func TestParseGroupBy_Unknown(t *testing.T) {
	_, err := ParseGroupBy("country")
	if !errors.Is(err, ErrUnknownGroupBy) {
		t.Errorf("error = %v, want ErrUnknownGroupBy", err)
	}
}

func TestParsePeriod(t *testing.T) {
	got, err := ParsePeriod("")
	if err != nil || got != models.PeriodYearly {
		t.Errorf("ParsePeriod(\"\") = (%q, %v), want yearly default", got, err)
	}
	got, err = ParsePeriod(" Decadal ")
	if err != nil || got != models.PeriodDecadal {
		t.Errorf("ParsePeriod(\" Decadal \") = (%q, %v), want decadal", got, err)
	}
	if _, err := ParsePeriod("weekly"); !errors.Is(err, ErrUnknownPeriod) {
		t.Errorf("error = %v, want ErrUnknownPeriod", err)
	}
}

func TestParseStatistic(t *testing.T) {
	got, err := ParseStatistic("")
	if err != nil || got != models.StatisticMean {
		t.Errorf("ParseStatistic(\"\") = (%q, %v), want mean default", got, err)
	}
	if _, err := ParseStatistic("median"); !errors.Is(err, ErrUnknownStatistic) {
		t.Errorf("error = %v, want ErrUnknownStatistic", err)
	}
}

func TestParseYearRange(t *testing.T) {
	from, to, err := ParseYearRange("", "")
	if err != nil || from != 0 || to != 0 {
		t.Errorf("ParseYearRange(\"\",\"\") = (%d, %d, %v), want unbounded", from, to, err)
	}

	from, to, err = ParseYearRange("1961", "1990")
	if err != nil || from != 1961 || to != 1990 {
		t.Errorf("ParseYearRange(1961,1990) = (%d, %d, %v)", from, to, err)
	}

	if _, _, err := ParseYearRange("20", ""); !errors.Is(err, ErrBadYear) {
		t.Errorf("error = %v, want ErrBadYear", err)
	}
	if _, _, err := ParseYearRange("abc", ""); !errors.Is(err, ErrBadYear) {
		t.Errorf("error = %v, want ErrBadYear", err)
	}
	if _, _, err := ParseYearRange("2020", "2010"); !errors.Is(err, ErrYearRangeInverted) {
		t.Errorf("error = %v, want ErrYearRangeInverted", err)
	}
}

func TestValidateStationID(t *testing.T) {
	got, err := ValidateStationID(" 07005 ")
	if err != nil || got != "07005" {
		t.Errorf("ValidateStationID = (%q, %v), want 07005", got, err)
	}
	if _, err := ValidateStationID(""); !errors.Is(err, ErrStationIDEmpty) {
		t.Errorf("error = %v, want ErrStationIDEmpty", err)
	}
	if _, err := ValidateStationID("07005; DROP TABLE"); !errors.Is(err, ErrStationIDInvalid) {
		t.Errorf("error = %v, want ErrStationIDInvalid", err)
	}
}

func TestValidateDepartmentCode(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"34", "34", true},
		{"2a", "2A", true},
		{"974", "974", true},
		{" 06 ", "06", true},
		{"3", "", false},
		{"3400", "", false},
		{"AB", "AB", true}, // shape-file codes are not cross-checked here
		{"3!", "", false},
	}
	for _, tc := range tests {
		got, err := ValidateDepartmentCode(tc.input)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("ValidateDepartmentCode(%q) = (%q, %v), want %q", tc.input, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrDepartmentCodeInvalid) {
			t.Errorf("ValidateDepartmentCode(%q) error = %v, want ErrDepartmentCodeInvalid", tc.input, err)
		}
	}
}
