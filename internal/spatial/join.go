// Package spatial attaches station metadata to derived records for map
// rendering and indexes the department shapes used by the choropleth.
package spatial

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cpoullain/climate-trends-service/internal/models"
)

// ErrUnmatchedStation means a record's station id has no metadata row. Such
// records are dropped from spatial output with a visible warning, never
// silently.
var ErrUnmatchedStation = errors.New("station has no metadata")

// Index is a read-only lookup over one snapshot's station table. It is built
// once per load and shared by every request against that snapshot.
type Index struct {
	byID    map[string]models.Station
	ordered []models.Station
}

// NewIndex builds a station index. The input order is preserved in List; the
// loader sorts stations by id before the index is built.
func NewIndex(stations []models.Station) *Index {
	byID := make(map[string]models.Station, len(stations))
	for _, st := range stations {
		byID[st.ID] = st
	}
	return &Index{byID: byID, ordered: stations}
}

// Station returns the metadata for a station id.
func (ix *Index) Station(id string) (models.Station, bool) {
	st, ok := ix.byID[id]
	return st, ok
}

// List returns all stations, optionally filtered to one department.
func (ix *Index) List(department string) []models.Station {
	if department == "" {
		out := make([]models.Station, len(ix.ordered))
		copy(out, ix.ordered)
		return out
	}
	out := make([]models.Station, 0, 16)
	for _, st := range ix.ordered {
		if st.Department == department {
			out = append(out, st)
		}
	}
	return out
}

// DepartmentsByStation returns the station-id-to-department mapping the
// aggregator uses when grouping by department.
func (ix *Index) DepartmentsByStation() map[string]string {
	out := make(map[string]string, len(ix.byID))
	for id, st := range ix.byID {
		if st.Department != "" {
			out[id] = st.Department
		}
	}
	return out
}

// Len returns the number of indexed stations.
func (ix *Index) Len() int { return len(ix.ordered) }

// JoinResult carries the enriched records plus what the join had to drop.
type JoinResult struct {
	Joined   []models.JoinedTrend
	Warnings []models.Warning
	Dropped  int
}

// Join enriches station-keyed trend records with coordinates and names.
// Records whose station has no metadata are dropped and counted; one warning
// is emitted per distinct unmatched station id.
func (ix *Index) Join(trends []models.AggregatedTrend) JoinResult {
	result := JoinResult{Joined: make([]models.JoinedTrend, 0, len(trends))}

	warned := make(map[string]bool)
	for _, tr := range trends {
		st, ok := ix.byID[tr.Key]
		if !ok {
			result.Dropped++
			if !warned[tr.Key] {
				warned[tr.Key] = true
				result.Warnings = append(result.Warnings, models.Warning{
					Code:    "UNMATCHED_STATION",
					Message: fmt.Sprintf("%v: %s excluded from map output", ErrUnmatchedStation, tr.Key),
				})
			}
			continue
		}
		result.Joined = append(result.Joined, models.JoinedTrend{
			AggregatedTrend: tr,
			StationName:     st.Name,
			Latitude:        st.Latitude,
			Longitude:       st.Longitude,
			Department:      st.Department,
		})
	}

	sort.Slice(result.Warnings, func(i, j int) bool {
		return result.Warnings[i].Message < result.Warnings[j].Message
	})
	return result
}
