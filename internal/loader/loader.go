// Package loader reads the source datasets into immutable in-memory
// snapshots. Parsing is tolerant at the row level (bad rows are skipped and
// counted) and strict at the schema level (missing columns fail the load).
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

var (
	// ErrDataUnavailable means a source dataset is missing, unreadable, or
	// contains no usable rows.
	ErrDataUnavailable = errors.New("dataset unavailable")

	// ErrSchemaMismatch means a dataset was read but its columns do not match
	// any accepted layout.
	ErrSchemaMismatch = errors.New("dataset schema mismatch")
)

// Source provides one complete read of the observation and station datasets.
// Load runs once at startup and again on every explicit reload; a failed load
// returns an error and no snapshot, never partial state.
type Source interface {
	Name() string
	Load(ctx context.Context) (*models.Snapshot, error)
}

// Stats counts what one load kept and what it dropped.
type Stats struct {
	Observations     int `json:"observations"`
	Stations         int `json:"stations"`
	MissingValues    int `json:"missingValues"`
	SkippedLines     int `json:"skippedLines"`
	UnknownVariables int `json:"unknownVariables"`
	Duplicates       int `json:"duplicates"`
}

func (s *Stats) merge(other Stats) {
	s.Observations += other.Observations
	s.Stations += other.Stations
	s.MissingValues += other.MissingValues
	s.SkippedLines += other.SkippedLines
	s.UnknownVariables += other.UnknownVariables
	s.Duplicates += other.Duplicates
}

// Loader parses raw dataset rows into domain types.
type Loader struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Loader {
	return &Loader{logger: logger}
}

// NewSnapshot assembles parsed rows into a snapshot. Duplicate (station,
// date, variable) rows collapse to the last value read, and both tables are
// sorted so identical inputs always produce identical snapshots.
func (l *Loader) NewSnapshot(obs []models.ClimateObservation, stations []models.Station, source string) (*models.Snapshot, int) {
	type obsKey struct {
		station  string
		date     time.Time
		variable models.VariableKind
	}

	seen := make(map[obsKey]int, len(obs))
	deduped := make([]models.ClimateObservation, 0, len(obs))
	duplicates := 0
	for _, o := range obs {
		k := obsKey{o.StationID, o.Date, o.Variable}
		if i, ok := seen[k]; ok {
			deduped[i] = o
			duplicates++
			continue
		}
		seen[k] = len(deduped)
		deduped = append(deduped, o)
	}

	sort.Slice(deduped, func(i, j int) bool {
		a, b := deduped[i], deduped[j]
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		if a.Variable != b.Variable {
			return a.Variable < b.Variable
		}
		return a.Date.Before(b.Date)
	})

	sorted := make([]models.Station, len(stations))
	copy(sorted, stations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	if duplicates > 0 {
		l.logger.Warn("duplicate observations collapsed",
			zap.Int("duplicates", duplicates),
			zap.String("source", source))
	}

	return &models.Snapshot{
		Observations: deduped,
		Stations:     sorted,
		LoadedAt:     time.Now().UTC(),
		Source:       source,
	}, duplicates
}

// FileSource reads the two datasets from local delimited text files.
type FileSource struct {
	loader           *Loader
	observationsPath string
	stationsPath     string
}

func NewFileSource(l *Loader, observationsPath, stationsPath string) *FileSource {
	return &FileSource{
		loader:           l,
		observationsPath: observationsPath,
		stationsPath:     stationsPath,
	}
}

func (s *FileSource) Name() string { return "files" }

// Load reads both datasets. Either file missing, unreadable, or empty fails
// the whole load with ErrDataUnavailable.
func (s *FileSource) Load(ctx context.Context) (*models.Snapshot, error) {
	obsFile, err := os.Open(s.observationsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: observations: %v", ErrDataUnavailable, err)
	}
	obs, stats, err := s.loader.ParseObservations(obsFile, s.observationsPath)
	obsFile.Close()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stationsFile, err := os.Open(s.stationsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stations: %v", ErrDataUnavailable, err)
	}
	stations, stationStats, err := s.loader.ParseStations(stationsFile, s.stationsPath)
	stationsFile.Close()
	if err != nil {
		return nil, err
	}
	stats.merge(stationStats)

	snap, duplicates := s.loader.NewSnapshot(obs, stations, s.Name())
	stats.Duplicates = duplicates
	stats.Observations = len(snap.Observations)

	s.loader.logger.Info("datasets loaded",
		zap.String("source", s.Name()),
		zap.Int("observations", stats.Observations),
		zap.Int("stations", stats.Stations),
		zap.Int("missingValues", stats.MissingValues),
		zap.Int("skippedLines", stats.SkippedLines),
		zap.Int("duplicates", stats.Duplicates))

	return snap, nil
}
