// Package http holds the JSON API handlers, the middleware chain and the
// in-flight request tracking used during graceful shutdown.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/lifecycle"
	"github.com/cpoullain/climate-trends-service/internal/models"
	"github.com/cpoullain/climate-trends-service/internal/service"
	"github.com/cpoullain/climate-trends-service/internal/spatial"
	"github.com/cpoullain/climate-trends-service/internal/traffic"
	"github.com/cpoullain/climate-trends-service/internal/trends"
	"github.com/cpoullain/climate-trends-service/internal/validation"
	"github.com/cpoullain/climate-trends-service/internal/web"
)

// HealthConfig holds the thresholds the health handler evaluates.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, reports cache reachability. Set when the
	// backend is memcached.
	CachePing func() error
}

// Handler holds the dependencies of the JSON API.
type Handler struct {
	trendService *service.TrendService
	healthConfig *HealthConfig
	logger       *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

func NewHandler(trendService *service.TrendService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	return &Handler{
		trendService: trendService,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// parseTrendQuery reads the shared aggregation parameters. Every parameter
// except variable has a default.
func parseTrendQuery(r *http.Request) (models.TrendQuery, error) {
	q := r.URL.Query()

	variable, err := validation.ParseVariable(q.Get("variable"))
	if err != nil {
		return models.TrendQuery{}, err
	}
	groupBy, err := validation.ParseGroupBy(q.Get("group_by"))
	if err != nil {
		return models.TrendQuery{}, err
	}
	period, err := validation.ParsePeriod(q.Get("period"))
	if err != nil {
		return models.TrendQuery{}, err
	}
	statistic, err := validation.ParseStatistic(q.Get("statistic"))
	if err != nil {
		return models.TrendQuery{}, err
	}
	fromYear, toYear, err := validation.ParseYearRange(q.Get("from"), q.Get("to"))
	if err != nil {
		return models.TrendQuery{}, err
	}

	return models.TrendQuery{
		Variable:  variable,
		GroupBy:   groupBy,
		Key:       q.Get("key"),
		Period:    period,
		Statistic: statistic,
		FromYear:  fromYear,
		ToYear:    toYear,
	}, nil
}

// GetTrends handles GET /api/trends.
func (h *Handler) GetTrends(w http.ResponseWriter, r *http.Request) {
	q, err := parseTrendQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	result, err := h.trendService.GetTrends(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetMap handles GET /api/map. The optional bucket parameter selects the
// period bucket; default is the most recent one.
func (h *Handler) GetMap(w http.ResponseWriter, r *http.Request) {
	q, err := parseTrendQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	result, err := h.trendService.GetMap(r.Context(), q, r.URL.Query().Get("bucket"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetStations handles GET /api/stations with an optional department filter.
func (h *Handler) GetStations(w http.ResponseWriter, r *http.Request) {
	department := r.URL.Query().Get("department")
	if department != "" {
		var err error
		department, err = validation.ValidateDepartmentCode(department)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}

	stations, err := h.trendService.Stations(department)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stations": stations,
		"count":    len(stations),
	})
}

// GetStation handles GET /api/stations/{id}.
func (h *Handler) GetStation(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateStationID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	station, err := h.trendService.StationByID(id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, station)
}

// parseSeriesParams reads the station route variable and the series query
// parameters shared by the series, decomposition and summary endpoints.
func parseSeriesParams(r *http.Request) (string, models.VariableKind, int, int, error) {
	id, err := validation.ValidateStationID(mux.Vars(r)["id"])
	if err != nil {
		return "", "", 0, 0, err
	}
	variable, err := validation.ParseVariable(r.URL.Query().Get("variable"))
	if err != nil {
		return "", "", 0, 0, err
	}
	fromYear, toYear, err := validation.ParseYearRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		return "", "", 0, 0, err
	}
	return id, variable, fromYear, toYear, nil
}

// GetSeries handles GET /api/stations/{id}/series.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	id, variable, fromYear, toYear, err := parseSeriesParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	series, err := h.trendService.Series(id, variable, fromYear, toYear)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, series)
}

// GetDecomposition handles GET /api/stations/{id}/decomposition.
func (h *Handler) GetDecomposition(w http.ResponseWriter, r *http.Request) {
	id, variable, fromYear, toYear, err := parseSeriesParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	decomposition, err := h.trendService.Decomposition(id, variable, fromYear, toYear)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, decomposition)
}

// GetSummary handles GET /api/stations/{id}/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id, variable, fromYear, toYear, err := parseSeriesParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	summary, err := h.trendService.Summary(r.Context(), id, variable, fromYear, toYear)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, summary)
}

// GetDepartments handles GET /api/departments.
func (h *Handler) GetDepartments(w http.ResponseWriter, r *http.Request) {
	departments := h.trendService.Departments()
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"departments": departments,
		"count":       len(departments),
	})
}

// GetDepartmentShape handles GET /api/departments/{code}, serving the raw
// GeoJSON feature for choropleth rendering.
func (h *Handler) GetDepartmentShape(w http.ResponseWriter, r *http.Request) {
	code, err := validation.ValidateDepartmentCode(mux.Vars(r)["code"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	shape, err := h.trendService.DepartmentShape(code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(shape)
}

// GetDashboard handles GET /. The page renders even when no dataset is
// loaded; the template then shows a placeholder banner with the load error.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	info := h.trendService.SnapshotInfo()
	data := &web.DashboardData{
		Loaded:    info.Loaded,
		Source:    info.Source,
		LoadError: info.LastError,
	}
	if info.Loaded {
		data.LoadedAt = info.LoadedAt.UTC().Format("2006-01-02 15:04 MST")
	}
	for _, dept := range h.trendService.Departments() {
		data.Departments = append(data.Departments, web.DepartmentOption{Code: dept.Code, Name: dept.Name})
	}
	if stations, err := h.trendService.Stations(""); err == nil {
		for _, st := range stations {
			data.Stations = append(data.Stations, web.StationOption{
				ID:         st.ID,
				Name:       st.Name,
				Department: st.Department,
			})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := web.RenderDashboard(w, data); err != nil {
		h.logger.Error("dashboard render failed", zap.Error(err))
	}
}

// PostReload handles POST /api/reload. A failed load answers 503 and leaves
// the service in the placeholder state; it never takes the process down.
func (h *Handler) PostReload(w http.ResponseWriter, r *http.Request) {
	if err := h.trendService.Load(r.Context()); err != nil {
		traffic.RecordError()
		writeError(w, r, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", err.Error())
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, h.trendService.SnapshotInfo())
}

// healthResult holds the computed health status for logging and the reply.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	info := h.trendService.SnapshotInfo()
	checks := make(map[string]string)
	if info.Loaded {
		checks["dataset"] = "healthy"
	} else {
		checks["dataset"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "climate-trends-service",
		"version":   "dev",
		"checks":    checks,
		"snapshot":  info,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus evaluates the health conditions in priority order:
// shutting-down > no dataset > error-rate breach > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !h.trendService.SnapshotInfo().Loaded {
		return healthResult{"degraded", http.StatusServiceUnavailable, "dataset_unavailable"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the correlation ID from
// the request context when present.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps service-layer errors onto the HTTP surface:
// placeholder state 503, unknown resources 404, too-short series 422.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	traffic.RecordError()
	switch {
	case errors.Is(err, service.ErrNoSnapshot):
		message := "no dataset loaded"
		if loadErr := h.trendService.LastLoadError(); loadErr != nil {
			message = loadErr.Error()
		}
		writeError(w, r, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", message)
	case errors.Is(err, service.ErrUnknownStation):
		writeError(w, r, http.StatusNotFound, "UNKNOWN_STATION", err.Error())
	case errors.Is(err, spatial.ErrUnknownDepartment):
		writeError(w, r, http.StatusNotFound, "UNKNOWN_DEPARTMENT", err.Error())
	case errors.Is(err, trends.ErrInsufficientData) || errors.Is(err, trends.ErrNoObservations):
		writeError(w, r, http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", err.Error())
	default:
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("request failed", zap.Error(err))
	}
}
