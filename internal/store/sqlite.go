// Package store reads the prepared SQLite database produced by the data
// preparation pipeline (stations and measurements tables).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/loader"
	"github.com/cpoullain/climate-trends-service/internal/models"
)

const (
	selectStationsSQL = `SELECT station_id, name, city, department_id, latitude, longitude, altitude FROM stations`

	selectMeasurementsSQL = `SELECT station_id, variable, timestamp, value FROM measurements`
)

// Source reads both datasets from a prepared SQLite database. The database is
// opened read-only on every load so a reload picks up a replaced file.
type Source struct {
	loader *loader.Loader
	logger *zap.Logger
	path   string
}

func NewSource(l *loader.Loader, logger *zap.Logger, path string) *Source {
	return &Source{loader: l, logger: logger, path: path}
}

func (s *Source) Name() string { return "sqlite" }

func (s *Source) Load(ctx context.Context) (*models.Snapshot, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", s.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", loader.ErrDataUnavailable, s.path, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", loader.ErrDataUnavailable, s.path, err)
	}

	obs, missing, err := s.readObservations(ctx, db)
	if err != nil {
		return nil, err
	}
	stations, err := s.readStations(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: measurements table is empty", loader.ErrDataUnavailable)
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("%w: stations table is empty", loader.ErrDataUnavailable)
	}

	snap, duplicates := s.loader.NewSnapshot(obs, stations, s.Name())

	s.logger.Info("datasets loaded",
		zap.String("source", s.Name()),
		zap.String("path", s.path),
		zap.Int("observations", len(snap.Observations)),
		zap.Int("stations", len(snap.Stations)),
		zap.Int("missingValues", missing),
		zap.Int("duplicates", duplicates))

	return snap, nil
}

func (s *Source) readObservations(ctx context.Context, db *sql.DB) ([]models.ClimateObservation, int, error) {
	rows, err := db.QueryContext(ctx, selectMeasurementsSQL)
	if err != nil {
		return nil, 0, mapQueryErr("measurements", err)
	}
	defer rows.Close()

	var (
		obs     []models.ClimateObservation
		missing int
		skipped int
	)
	for rows.Next() {
		var (
			stationID sql.NullString
			variable  sql.NullString
			timestamp sql.NullString
			value     sql.NullFloat64
		)
		if err := rows.Scan(&stationID, &variable, &timestamp, &value); err != nil {
			return nil, 0, fmt.Errorf("scan measurements: %w", err)
		}

		if !stationID.Valid || !variable.Valid || !timestamp.Valid {
			skipped++
			continue
		}
		kind := models.VariableKind(strings.ToUpper(strings.TrimSpace(variable.String)))
		if !kind.IsValid() {
			skipped++
			continue
		}
		date, err := loader.ParseMonth(timestamp.String)
		if err != nil {
			skipped++
			continue
		}

		o := models.ClimateObservation{
			StationID: strings.TrimSpace(stationID.String),
			Date:      date,
			Variable:  kind,
		}
		if value.Valid {
			o.Value = value.Float64
			o.Valid = true
		} else {
			missing++
		}
		obs = append(obs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("read measurements: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped unusable measurement rows", zap.Int("rows", skipped))
	}
	return obs, missing, nil
}

func (s *Source) readStations(ctx context.Context, db *sql.DB) ([]models.Station, error) {
	rows, err := db.QueryContext(ctx, selectStationsSQL)
	if err != nil {
		return nil, mapQueryErr("stations", err)
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var (
			id         sql.NullString
			name       sql.NullString
			city       sql.NullString
			department sql.NullString
			lat        sql.NullFloat64
			lon        sql.NullFloat64
			alt        sql.NullFloat64
		)
		if err := rows.Scan(&id, &name, &city, &department, &lat, &lon, &alt); err != nil {
			return nil, fmt.Errorf("scan stations: %w", err)
		}
		if !id.Valid || !lat.Valid || !lon.Valid {
			continue
		}
		stations = append(stations, models.Station{
			ID:         strings.TrimSpace(id.String),
			Name:       strings.TrimSpace(name.String),
			City:       strings.TrimSpace(city.String),
			Department: normalizeDepartment(department.String),
			Latitude:   lat.Float64,
			Longitude:  lon.Float64,
			Altitude:   alt.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stations: %w", err)
	}
	return stations, nil
}

// mapQueryErr distinguishes a wrong schema from an unusable database.
func mapQueryErr(table string, err error) error {
	if strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "no such column") {
		return fmt.Errorf("%w: %s: %v", loader.ErrSchemaMismatch, table, err)
	}
	return fmt.Errorf("%w: %s: %v", loader.ErrDataUnavailable, table, err)
}

// normalizeDepartment left-pads numeric codes stored as integers so they
// match the two-character codes used by the departments shape file.
func normalizeDepartment(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 1 && code >= "0" && code <= "9" {
		return "0" + code
	}
	return code
}
