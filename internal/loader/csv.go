package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// Column aliases accepted in dataset headers. The left-hand names are the
// canonical ones; the lists cover the raw Météo-France export headers so
// portal downloads load without editing.
var (
	obsAliases = map[string][]string{
		"station":  {"station_id", "num_poste", "id"},
		"date":     {"date", "aaaamm", "timestamp", "mois"},
		"variable": {"variable", "var", "parametre"},
		"value":    {"value", "valeur", "val"},
	}

	stationAliases = map[string][]string{
		"station":    {"station_id", "num_poste", "id"},
		"name":       {"name", "nom_usuel", "nom"},
		"city":       {"city", "commune"},
		"department": {"department", "department_id", "dept", "departement"},
		"latitude":   {"latitude", "lat"},
		"longitude":  {"longitude", "lon", "lng"},
		"altitude":   {"altitude", "alti", "alt"},
	}
)

var dateLayouts = []string{
	"200601", "2006-01", "2006-01-02", "20060102",
	"2006-01-02 15:04:05", time.RFC3339,
}

// ParseObservations reads the long-format measurement dataset: one row per
// (station, month, variable). Rows with an empty value field are kept as
// invalid observations so downstream aggregation can count exclusions; rows
// that cannot be parsed at all are skipped and counted.
func (l *Loader) ParseObservations(r io.Reader, name string) ([]models.ClimateObservation, Stats, error) {
	var stats Stats

	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, stats, fmt.Errorf("%w: %s is empty", ErrDataUnavailable, name)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, name, err)
	}

	cols, err := resolveColumns(header, obsAliases, []string{"station", "date", "variable", "value"})
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", name, err)
	}

	obs := make([]models.ClimateObservation, 0, 4096)
	line := 1
	for {
		line++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.logger.Warn("skipping unreadable line",
				zap.String("file", name), zap.Int("line", line), zap.Error(err))
			stats.SkippedLines++
			continue
		}

		stationID := strings.TrimSpace(record[cols["station"]])
		if stationID == "" {
			stats.SkippedLines++
			continue
		}

		date, err := ParseMonth(record[cols["date"]])
		if err != nil {
			l.logger.Warn("skipping line with bad date",
				zap.String("file", name), zap.Int("line", line),
				zap.String("value", record[cols["date"]]))
			stats.SkippedLines++
			continue
		}

		variable := models.VariableKind(strings.ToUpper(strings.TrimSpace(record[cols["variable"]])))
		if !variable.IsValid() {
			stats.UnknownVariables++
			continue
		}

		raw := strings.TrimSpace(record[cols["value"]])
		if raw == "" {
			stats.MissingValues++
			obs = append(obs, models.ClimateObservation{
				StationID: stationID,
				Date:      date,
				Variable:  variable,
			})
			continue
		}
		value, err := parseFloatLoose(raw)
		if err != nil {
			l.logger.Warn("skipping line with bad value",
				zap.String("file", name), zap.Int("line", line), zap.String("value", raw))
			stats.SkippedLines++
			continue
		}

		obs = append(obs, models.ClimateObservation{
			StationID: stationID,
			Date:      date,
			Variable:  variable,
			Value:     value,
			Valid:     true,
		})
	}

	if len(obs) == 0 {
		return nil, stats, fmt.Errorf("%w: %s has no data rows", ErrDataUnavailable, name)
	}
	stats.Observations = len(obs)
	return obs, stats, nil
}

// ParseStations reads the station metadata table. The department column is
// optional: when absent the code is derived from the station ID prefix
// (Météo-France station numbers start with the department).
func (l *Loader) ParseStations(r io.Reader, name string) ([]models.Station, Stats, error) {
	var stats Stats

	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, stats, fmt.Errorf("%w: %s is empty", ErrDataUnavailable, name)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, name, err)
	}

	cols, err := resolveColumns(header, stationAliases, []string{"station", "name", "latitude", "longitude"})
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", name, err)
	}

	stations := make([]models.Station, 0, 256)
	line := 1
	for {
		line++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.logger.Warn("skipping unreadable line",
				zap.String("file", name), zap.Int("line", line), zap.Error(err))
			stats.SkippedLines++
			continue
		}

		id := strings.TrimSpace(record[cols["station"]])
		if id == "" {
			stats.SkippedLines++
			continue
		}

		lat, latErr := parseFloatLoose(record[cols["latitude"]])
		lon, lonErr := parseFloatLoose(record[cols["longitude"]])
		if latErr != nil || lonErr != nil {
			l.logger.Warn("skipping station without coordinates",
				zap.String("file", name), zap.Int("line", line), zap.String("stationId", id))
			stats.SkippedLines++
			continue
		}

		st := models.Station{
			ID:        id,
			Name:      strings.TrimSpace(record[cols["name"]]),
			Latitude:  lat,
			Longitude: lon,
		}
		if i, ok := cols["city"]; ok {
			st.City = strings.TrimSpace(record[i])
		}
		if i, ok := cols["altitude"]; ok {
			if alt, err := parseFloatLoose(record[i]); err == nil {
				st.Altitude = alt
			}
		}
		if i, ok := cols["department"]; ok {
			st.Department = strings.TrimSpace(record[i])
		}
		if st.Department == "" {
			st.Department = departmentFromID(id)
		}

		stations = append(stations, st)
	}

	if len(stations) == 0 {
		return nil, stats, fmt.Errorf("%w: %s has no data rows", ErrDataUnavailable, name)
	}
	stats.Stations = len(stations)
	return stations, stats, nil
}

// resolveColumns maps canonical field names to column indexes using the alias
// table. Every field in required must resolve or the header is rejected with
// ErrSchemaMismatch.
func resolveColumns(header []string, aliases map[string][]string, required []string) (map[string]int, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff") // UTF-8 BOM from spreadsheet exports
		}
		byName[h] = i
	}

	cols := make(map[string]int, len(aliases))
	for field, names := range aliases {
		for _, n := range names {
			if i, ok := byName[n]; ok {
				cols[field] = i
				break
			}
		}
	}

	var missing []string
	for _, field := range required {
		if _, ok := cols[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing columns %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return cols, nil
}

// ParseMonth accepts the date layouts seen in the source exports (YYYYMM,
// YYYY-MM, YYYY-MM-DD, YYYYMMDD, SQLite datetime, RFC3339) and normalizes to
// the first day of the month, UTC.
func ParseMonth(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseFloatLoose tolerates the decimal comma of French exports.
func parseFloatLoose(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

// departmentFromID derives the department code from a station number.
// Metropolitan numbers start with two digits, overseas with three.
func departmentFromID(id string) string {
	if len(id) < 2 {
		return ""
	}
	if strings.HasPrefix(id, "97") || strings.HasPrefix(id, "98") {
		if len(id) >= 3 {
			return id[:3]
		}
	}
	return id[:2]
}
